package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/server/middleware"
	"github.com/faucetdb/valve/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeServiceError maps a service error to the management API status codes.
// Expired and revoked keys are state conflicts here, not authentication
// failures: 410 and 409 respectively.
func writeServiceError(w http.ResponseWriter, err error, fallbackMsg string) {
	var verr *service.ValidationError
	var rl *service.RateLimitError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "Validation failed", map[string]interface{}{
			"fields": verr.Fields,
		})
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Resource not found")
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, "Key is already being rotated")
	case errors.Is(err, service.ErrRevoked):
		writeError(w, http.StatusConflict, "Key is revoked")
	case errors.Is(err, service.ErrExpired):
		writeError(w, http.StatusGone, "Key is expired")
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, service.ErrAccountDisabled):
		writeError(w, http.StatusUnauthorized, "Account is disabled")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, rl.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallbackMsg+": "+err.Error())
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing. ok is false when the value is present but not an
// integer.
func queryInt(r *http.Request, key string, defaultVal int) (n int, ok bool) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal, true
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal, false
	}
	return n, true
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

// queryTime parses an RFC 3339 timestamp or a plain date (YYYY-MM-DD, UTC
// midnight). A missing parameter yields nil.
func queryTime(r *http.Request, key string) (*time.Time, bool) {
	val := queryString(r, key)
	if val == "" {
		return nil, true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, val); err == nil {
			t = t.UTC()
			return &t, true
		}
	}
	return nil, false
}

// principalName names the admin behind the request for audit fields.
func principalName(r *http.Request) string {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		if p.Email != "" {
			return p.Email
		}
		return p.AdminID
	}
	return ""
}

// listResponse wraps items in the standard list envelope.
func listResponse(items interface{}, count int) model.ListResponse {
	return model.ListResponse{
		Resource: items,
		Meta:     &model.ResponseMeta{Count: count},
	}
}

// nullableTime distinguishes an absent field from an explicit null.
type nullableTime struct {
	Set   bool
	Value *time.Time
}

func (n *nullableTime) UnmarshalJSON(b []byte) error {
	n.Set = true
	if string(b) == "null" {
		n.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	n.Value = &t
	return nil
}
