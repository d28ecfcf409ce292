package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/faucetdb/valve/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI document of the API. The document is
// static for the life of the process, so it is rendered once.
type OpenAPIHandler struct {
	opts openapi.Options

	once sync.Once
	body []byte
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(opts openapi.Options) *OpenAPIHandler {
	return &OpenAPIHandler{opts: opts}
}

// ServeSpec returns the OpenAPI document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.body, h.err = json.Marshal(openapi.Generate(h.opts))
	})
	if h.err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render OpenAPI document: "+h.err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
