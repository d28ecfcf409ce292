package handler

import (
	"net/http"

	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

const defaultStatsDays = 7

// UsageHandler serves aggregated analytics and the raw usage log.
type UsageHandler struct {
	analytics *usage.Analytics
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(analytics *usage.Analytics) *UsageHandler {
	return &UsageHandler{analytics: analytics}
}

// Stats aggregates usage over the trailing ?days=, optionally for one key.
// GET /api/v1/system/usage/stats?days=&key_id=&top=
func (h *UsageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	days, top, ok := statsParams(w, r)
	if !ok {
		return
	}
	stats, err := h.analytics.Stats(r.Context(), queryString(r, "key_id"), days, top)
	if err != nil {
		writeServiceError(w, err, "Failed to compute usage")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Logs returns a page of usage events matching the query filters.
// GET /api/v1/system/usage/logs?key_id=&endpoint=&method=&status=&from=&to=&limit=&offset=
func (h *UsageHandler) Logs(w http.ResponseWriter, r *http.Request) {
	fields := map[string]string{}
	limit, ok := queryInt(r, "limit", usage.DefaultLogLimit)
	if !ok {
		fields["limit"] = "must be an integer"
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		fields["offset"] = "must be an integer"
	}
	status, ok := queryInt(r, "status", 0)
	if !ok {
		fields["status"] = "must be an integer"
	}
	from, ok := queryTime(r, "from")
	if !ok {
		fields["from"] = "must be an RFC 3339 timestamp or YYYY-MM-DD"
	}
	to, ok := queryTime(r, "to")
	if !ok {
		fields["to"] = "must be an RFC 3339 timestamp or YYYY-MM-DD"
	}
	if len(fields) > 0 {
		writeServiceError(w, &service.ValidationError{Fields: fields}, "")
		return
	}

	filter := model.UsageLogFilter{
		KeyID:      queryString(r, "key_id"),
		Endpoint:   queryString(r, "endpoint"),
		Method:     queryString(r, "method"),
		StatusCode: status,
		From:       from,
		To:         to,
		Limit:      limit,
		Offset:     offset,
	}
	events, total, err := h.analytics.Logs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err, "Failed to query usage logs")
		return
	}
	if events == nil {
		events = []model.UsageEvent{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: events,
		Meta: &model.ResponseMeta{
			Count:  len(events),
			Total:  &total,
			Limit:  filter.Limit,
			Offset: filter.Offset,
		},
	})
}

// statsParams reads ?days= and ?top=, writing a 400 when either is not an
// integer. Range checks are left to Analytics.
func statsParams(w http.ResponseWriter, r *http.Request) (days, top int, ok bool) {
	fields := map[string]string{}
	days, ok = queryInt(r, "days", defaultStatsDays)
	if !ok {
		fields["days"] = "must be an integer"
	}
	top, ok = queryInt(r, "top", usage.DefaultTopN)
	if !ok {
		fields["top"] = "must be an integer"
	}
	if len(fields) > 0 {
		writeServiceError(w, &service.ValidationError{Fields: fields}, "")
		return 0, 0, false
	}
	return days, top, true
}
