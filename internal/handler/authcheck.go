package handler

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/faucetdb/valve/internal/server/middleware"
)

// Headers a reverse proxy sets on a forward-auth subrequest.
const (
	OriginalMethodHeader = "X-Original-Method"
	OriginalURIHeader    = "X-Original-URI"
	KeyIDHeader          = "X-Valve-Key-Id"
)

// AuthCheckHandler answers forward-auth subrequests: the proxy describes the
// call it is about to make and gets back 204, 401, 403 or 429.
type AuthCheckHandler struct {
	gate *middleware.Gate
}

// NewAuthCheckHandler creates a new AuthCheckHandler.
func NewAuthCheckHandler(gate *middleware.Gate) *AuthCheckHandler {
	return &AuthCheckHandler{gate: gate}
}

// Check runs the full decision pipeline for the described call and records
// one usage event for it.
// GET|POST /api/v1/auth/check
func (h *AuthCheckHandler) Check(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	method := strings.TrimSpace(r.Header.Get(OriginalMethodHeader))
	if method == "" {
		method = r.Method
	}
	rawURI := strings.TrimSpace(r.Header.Get(OriginalURIHeader))
	if rawURI == "" {
		writeError(w, http.StatusBadRequest, OriginalURIHeader+" header is required")
		return
	}
	u, err := url.ParseRequestURI(rawURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+OriginalURIHeader+": "+err.Error())
		return
	}
	path := u.Path
	method = strings.ToUpper(method)

	d, err := h.gate.Check(r, method, path)
	if err != nil {
		status := middleware.WriteGateError(w, err, h.gate.Logger())
		h.gate.Record(r, d, method, path, status, time.Since(start))
		return
	}

	middleware.SetRateLimitHeaders(w, d.Limit)
	w.Header().Set(KeyIDHeader, d.Key.ID)
	w.WriteHeader(http.StatusNoContent)
	h.gate.Record(r, d, method, path, http.StatusNoContent, time.Since(start))
}
