package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type logNotesKey struct{}

// logNotes collects attributes that inner handlers learn while serving a
// request and that the access log should carry.
type logNotes struct {
	keyID   string
	outcome string
}

// Logger returns an HTTP middleware that logs every request using structured
// logging. It captures the method, path, status code, response size, duration,
// request ID and remote address, plus the API key and gate outcome when the
// request went through RequireAPIKey.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrapWriter(w)
			notes := &logNotes{}
			r = r.WithContext(context.WithValue(r.Context(), logNotesKey{}, notes))

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if ww.status >= 500 {
				level = slog.LevelError
			} else if ww.status >= 400 {
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(duration.Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if notes.keyID != "" {
				attrs = append(attrs, "key_id", notes.keyID)
			}
			if notes.outcome != "" {
				attrs = append(attrs, "outcome", notes.outcome)
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// annotate records gate details for the access log, if one is active.
func annotate(ctx context.Context, keyID, outcome string) {
	if notes, ok := ctx.Value(logNotesKey{}).(*logNotes); ok {
		notes.keyID = keyID
		notes.outcome = outcome
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func wrapWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter, required for http.Flusher
// and other interface assertions through middleware chains.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
