package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

// KeyHandler serves API key management: issuance, updates, revocation,
// rotation and per-key usage.
type KeyHandler struct {
	keys      *service.KeyService
	rotations *service.RotationManager
	analytics *usage.Analytics
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyService, rotations *service.RotationManager, analytics *usage.Analytics) *KeyHandler {
	return &KeyHandler{keys: keys, rotations: rotations, analytics: analytics}
}

// ListAPIKeys returns all keys, optionally filtered by ?state=.
// GET /api/v1/system/api-key
func (h *KeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context(), model.KeyState(queryString(r, "state")))
	if err != nil {
		writeServiceError(w, err, "Failed to list API keys")
		return
	}

	resources := make([]map[string]interface{}, 0, len(keys))
	for i := range keys {
		resources = append(resources, apiKeyToMap(&keys[i]))
	}
	writeJSON(w, http.StatusOK, listResponse(resources, len(resources)))
}

type createKeyRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Permissions []string   `json:"permissions"`
	Template    string     `json:"template"`
	RateLimit   *int       `json:"rate_limit"`
	ExpiresAt   *time.Time `json:"expires_at"`
	IPWhitelist []string   `json:"ip_whitelist"`
}

// CreateAPIKey issues a key. The plaintext secret is in the response under
// "api_key" and is never shown again.
// POST /api/v1/system/api-key
func (h *KeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	key, secret, err := h.keys.Create(r.Context(), service.CreateKeyInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		Template:    req.Template,
		RateLimit:   req.RateLimit,
		ExpiresAt:   req.ExpiresAt,
		IPWhitelist: req.IPWhitelist,
		CreatedBy:   principalName(r),
	})
	if err != nil {
		writeServiceError(w, err, "Failed to create API key")
		return
	}

	m := apiKeyToMap(key)
	m["api_key"] = secret
	writeJSON(w, http.StatusCreated, m)
}

// GetAPIKey returns one key.
// GET /api/v1/system/api-key/{id}
func (h *KeyHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "Failed to get API key")
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key))
}

type updateKeyRequest struct {
	Name        *string      `json:"name"`
	Description *string      `json:"description"`
	RateLimit   *int         `json:"rate_limit"`
	ExpiresAt   nullableTime `json:"expires_at"`
	IsActive    *bool        `json:"is_active"`
	Permissions *[]string    `json:"permissions"`
	Template    *string      `json:"template"`
	IPWhitelist *[]string    `json:"ip_whitelist"`
}

// UpdateAPIKey changes mutable fields. An explicit "expires_at": null
// removes the expiry.
// PATCH /api/v1/system/api-key/{id}
func (h *KeyHandler) UpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	in := service.UpdateKeyInput{
		Name:        req.Name,
		Description: req.Description,
		RateLimit:   req.RateLimit,
		IsActive:    req.IsActive,
		Permissions: req.Permissions,
		Template:    req.Template,
		IPWhitelist: req.IPWhitelist,
	}
	if req.ExpiresAt.Set {
		if req.ExpiresAt.Value == nil {
			in.ClearExpiry = true
		} else {
			in.ExpiresAt = req.ExpiresAt.Value
		}
	}

	key, err := h.keys.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeServiceError(w, err, "Failed to update API key")
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key))
}

// SetRateLimit replaces a key's requests-per-minute limit.
// PUT /api/v1/system/api-key/{id}/rate-limit
func (h *KeyHandler) SetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RateLimit *int `json:"rate_limit"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.RateLimit == nil {
		writeServiceError(w, &service.ValidationError{Fields: map[string]string{
			"rate_limit": "is required",
		}}, "")
		return
	}

	key, err := h.keys.SetRateLimit(r.Context(), chi.URLParam(r, "id"), *req.RateLimit)
	if err != nil {
		writeServiceError(w, err, "Failed to update rate limit")
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key))
}

// RevokeAPIKey permanently disables a key. The record is retained.
// POST /api/v1/system/api-key/{id}/revoke
func (h *KeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "Failed to revoke API key")
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key))
}

// DeleteAPIKey removes a key and its alert rules.
// DELETE /api/v1/system/api-key/{id}
func (h *KeyHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.keys.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err, "Failed to delete API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

type rotateKeyRequest struct {
	GracePeriodDays *int       `json:"grace_period_days"`
	Name            *string    `json:"name"`
	Permissions     *[]string  `json:"permissions"`
	Template        *string    `json:"template"`
	RateLimit       *int       `json:"rate_limit"`
	IPWhitelist     *[]string  `json:"ip_whitelist"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

// RotateAPIKey issues a replacement key. The old key keeps working for the
// grace period. The new secret is returned once under "api_key".
// POST /api/v1/system/api-key/{id}/rotate
func (h *KeyHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	// An empty body rotates with the default grace period.
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	grace := model.DefaultGracePeriodDays
	if req.GracePeriodDays != nil {
		grace = *req.GracePeriodDays
	}

	res, err := h.rotations.Rotate(r.Context(), chi.URLParam(r, "id"), service.RotateInput{
		GracePeriodDays: grace,
		Name:            req.Name,
		Permissions:     req.Permissions,
		Template:        req.Template,
		RateLimit:       req.RateLimit,
		IPWhitelist:     req.IPWhitelist,
		ExpiresAt:       req.ExpiresAt,
		RotatedBy:       principalName(r),
	})
	if err != nil {
		writeServiceError(w, err, "Failed to rotate API key")
		return
	}

	m := apiKeyToMap(res.NewKey)
	m["api_key"] = res.Secret
	m["rotation"] = res.Rotation
	writeJSON(w, http.StatusCreated, m)
}

// ListRotations returns the rotation history of a key.
// GET /api/v1/system/api-key/{id}/rotations
func (h *KeyHandler) ListRotations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.rotations.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "Failed to list rotations")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(recs, len(recs)))
}

// KeyUsage returns usage statistics for one key.
// GET /api/v1/system/api-key/{id}/usage?days=
func (h *KeyHandler) KeyUsage(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "Failed to get API key")
		return
	}
	days, top, ok := statsParams(w, r)
	if !ok {
		return
	}
	stats, err := h.analytics.Stats(r.Context(), key.ID, days, top)
	if err != nil {
		writeServiceError(w, err, "Failed to compute usage")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListTemplates returns the permission templates available at creation time.
// GET /api/v1/system/template
func (h *KeyHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := h.keys.Templates().List()
	resources := make([]map[string]interface{}, 0, len(templates))
	for _, t := range templates {
		resources = append(resources, map[string]interface{}{
			"name":        t.Name,
			"description": t.Description,
			"permissions": t.Permissions,
			"full_access": t.Permissions.FullAccess(),
		})
	}
	writeJSON(w, http.StatusOK, listResponse(resources, len(resources)))
}

// apiKeyToMap renders a key for the API. The hash is never included.
func apiKeyToMap(key *model.APIKey) map[string]interface{} {
	whitelist := key.IPWhitelist
	if whitelist == nil {
		whitelist = []string{}
	}
	m := map[string]interface{}{
		"id":           key.ID,
		"name":         key.Name,
		"description":  key.Description,
		"key_prefix":   key.KeyPrefix,
		"permissions":  key.Permissions,
		"full_access":  key.FullAccess(),
		"rate_limit":   key.RateLimit,
		"ip_whitelist": whitelist,
		"is_active":    key.IsActive,
		"state":        key.State,
		"expires_at":   key.ExpiresAt,
		"created_at":   key.CreatedAt,
		"created_by":   key.CreatedBy,
		"updated_at":   key.UpdatedAt,
		"usage_count":  key.UsageCount,
		"last_used_at": key.LastUsedAt,
	}
	return m
}
