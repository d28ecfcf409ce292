package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/ratelimit"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

// DefaultAPIKeyHeader is the request header carrying the API key.
const DefaultAPIKeyHeader = "X-API-Key"

// Gate adapts the service Guard to HTTP: it extracts the key from the
// request, runs the decision pipeline and records one usage event per
// attempt that resolved to a key.
type Gate struct {
	guard    *service.Guard
	recorder *usage.Recorder
	header   string
	logger   *slog.Logger
}

// NewGate creates a Gate. recorder may be nil to disable usage recording.
func NewGate(guard *service.Guard, recorder *usage.Recorder, header string, logger *slog.Logger) *Gate {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{guard: guard, recorder: recorder, header: header, logger: logger}
}

// Header returns the name of the API key header.
func (g *Gate) Header() string {
	return g.header
}

// Logger returns the logger the gate reports failures to.
func (g *Gate) Logger() *slog.Logger {
	return g.logger
}

// Secret extracts the presented key from the configured header, falling back
// to an "Authorization: Bearer vlv_..." token.
func (g *Gate) Secret(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get(g.header)); s != "" {
		return s
	}
	if token, ok := bearerToken(r); ok && strings.HasPrefix(token, "vlv_") {
		return token
	}
	return ""
}

// Check runs the pipeline for a call of method on path.
func (g *Gate) Check(r *http.Request, method, path string) (*service.Decision, error) {
	d, err := g.guard.Check(r.Context(), service.AccessRequest{
		Secret:     g.Secret(r),
		Method:     method,
		Path:       path,
		RemoteAddr: r.RemoteAddr,
	})
	keyID := ""
	if d != nil && d.Key != nil {
		keyID = d.Key.ID
	}
	annotate(r.Context(), keyID, service.Outcome(err))
	return d, err
}

// Record enqueues the usage event for a finished attempt. Attempts whose
// secret did not resolve to a key are not recorded.
func (g *Gate) Record(r *http.Request, d *service.Decision, method, path string, status int, latency time.Duration) {
	if g.recorder == nil || d == nil || d.Key == nil {
		return
	}
	g.recorder.Record(model.UsageEvent{
		KeyID:      d.Key.ID,
		Timestamp:  time.Now(),
		Endpoint:   path,
		Method:     method,
		StatusCode: status,
		LatencyMs:  latency.Milliseconds(),
		IP:         clientIP(r.RemoteAddr),
	})
}

// RequireAPIKey returns a middleware admitting only requests the Guard
// allows. The downstream status and latency are recorded as usage.
func RequireAPIKey(g *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			d, err := g.Check(r, r.Method, r.URL.Path)
			if err != nil {
				status := WriteGateError(w, err, g.logger)
				g.Record(r, d, r.Method, r.URL.Path, status, time.Since(start))
				return
			}
			SetRateLimitHeaders(w, d.Limit)

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, &Principal{
				Type:  "api_key",
				KeyID: d.Key.ID,
			})
			ww := wrapWriter(w)
			next.ServeHTTP(ww, r.WithContext(ctx))
			g.Record(r, d, r.Method, r.URL.Path, ww.status, time.Since(start))
		})
	}
}

// GateStatus maps a Guard error to its HTTP status. Expired and revoked keys
// are authentication failures on this path.
func GateStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, service.ErrUnauthorized),
		errors.Is(err, service.ErrExpired),
		errors.Is(err, service.ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// WriteGateError writes the JSON error for a Guard failure and returns the
// status it used. logger may be nil.
func WriteGateError(w http.ResponseWriter, err error, logger *slog.Logger) int {
	status := GateStatus(err)
	message := err.Error()
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `ApiKey realm="valve"`)
	case http.StatusTooManyRequests:
		var rl *service.RateLimitError
		if errors.As(err, &rl) {
			SetRateLimitHeaders(w, &ratelimit.Result{Limit: rl.Limit, Remaining: rl.Remaining})
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.RetryAfter)))
		}
	case http.StatusInternalServerError:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("api key check failed", "error", err)
		message = "Internal error while checking API key"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
	return status
}

// SetRateLimitHeaders publishes the limiter verdict. res may be nil.
func SetRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	if res == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if res.ResetAfter > 0 {
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(retryAfterSeconds(res.ResetAfter)))
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
