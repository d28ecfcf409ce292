package handler

import (
	"net/http"
	"time"

	"github.com/faucetdb/valve/internal/server/middleware"
)

// Echo answers any request that made it through the API key gate with a
// description of the call. It backs the demo routes that let operators try
// keys and permissions end to end without a real upstream.
// ANY /api/users, /api/groups, /api/ous, /api/activity-logs
func Echo(w http.ResponseWriter, r *http.Request) {
	keyID := ""
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		keyID = p.KeyID
	}
	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"method":     r.Method,
		"endpoint":   r.URL.Path,
		"key_id":     keyID,
		"request_id": middleware.GetRequestID(r.Context()),
		"served_at":  time.Now().UTC(),
	})
}
