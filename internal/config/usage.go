package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/faucetdb/valve/internal/model"
)

// InsertUsageEvents appends a batch of usage events and folds them into the
// per-key usage counters in a single transaction.
func (s *Store) InsertUsageEvents(ctx context.Context, events []model.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO usage_events
		(id, key_id, ts, endpoint, method, status_code, latency_ms, ip)
		VALUES
		(:id, :key_id, :ts, :endpoint, :method, :status_code, :latency_ms, :ip)`

	type counter struct {
		n    int64
		last time.Time
	}
	perKey := make(map[string]*counter)

	for i := range events {
		ev := events[i]
		ev.Timestamp = utc(ev.Timestamp)
		if _, err := tx.NamedExecContext(ctx, q, ev); err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
		c, ok := perKey[ev.KeyID]
		if !ok {
			c = &counter{}
			perKey[ev.KeyID] = c
		}
		c.n++
		if ev.Timestamp.After(c.last) {
			c.last = ev.Timestamp
		}
	}

	for keyID, c := range perKey {
		if err := s.addAPIKeyUsage(ctx, tx, keyID, c.n, c.last); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage events: %w", err)
	}
	return nil
}

// usageWhere builds the WHERE clause shared by the aggregate queries.
func usageWhere(keyID string, from, to time.Time) (string, []interface{}) {
	clauses := []string{"ts >= ?", "ts < ?"}
	args := []interface{}{utc(from), utc(to)}
	if keyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, keyID)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// UsageStats aggregates events in [from, to). An empty keyID aggregates
// across all keys. At most top endpoints are returned, ordered by count
// descending and endpoint ascending for ties. PeriodDays is left for the
// caller to fill.
func (s *Store) UsageStats(ctx context.Context, keyID string, from, to time.Time, top int) (*model.UsageStats, error) {
	where, args := usageWhere(keyID, from, to)

	var totals struct {
		Total int64   `db:"total"`
		Avg   float64 `db:"avg_latency"`
	}
	query := "SELECT COUNT(*) AS total, COALESCE(AVG(latency_ms), 0) AS avg_latency FROM usage_events" + where
	if err := s.db.GetContext(ctx, &totals, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	byStatus := []model.StatusCount{}
	query = "SELECT status_code, COUNT(*) AS cnt FROM usage_events" + where +
		" GROUP BY status_code ORDER BY status_code"
	if err := s.db.SelectContext(ctx, &byStatus, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("usage by status: %w", err)
	}

	byEndpoint := []model.EndpointCount{}
	query = "SELECT endpoint, COUNT(*) AS cnt FROM usage_events" + where +
		" GROUP BY endpoint ORDER BY cnt DESC, endpoint ASC"
	if top > 0 {
		query += fmt.Sprintf(" LIMIT %d", top)
	}
	if err := s.db.SelectContext(ctx, &byEndpoint, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("usage by endpoint: %w", err)
	}

	return &model.UsageStats{
		TotalRequests:     totals.Total,
		ByStatus:          byStatus,
		ByEndpoint:        byEndpoint,
		AvgResponseTimeMs: totals.Avg,
	}, nil
}

// UsageSummary counts all and failed (status >= 400) events for a key in
// [from, to).
func (s *Store) UsageSummary(ctx context.Context, keyID string, from, to time.Time) (model.UsageSummary, error) {
	where, args := usageWhere(keyID, from, to)
	query := "SELECT COUNT(*) AS total, COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0) AS errors FROM usage_events" + where

	var sum model.UsageSummary
	if err := s.db.GetContext(ctx, &sum, s.q(query), args...); err != nil {
		return model.UsageSummary{}, fmt.Errorf("usage summary: %w", err)
	}
	return sum, nil
}

// QueryUsageEvents returns one page of events matching the filter, newest
// first, together with the total number of matches.
func (s *Store) QueryUsageEvents(ctx context.Context, f model.UsageLogFilter) ([]model.UsageEvent, int64, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.Endpoint != "" {
		clauses = append(clauses, "endpoint LIKE ? ESCAPE '!'")
		args = append(args, "%"+escapeLike(f.Endpoint)+"%")
	}
	if f.Method != "" {
		clauses = append(clauses, "method = ?")
		args = append(args, strings.ToUpper(f.Method))
	}
	if f.StatusCode != 0 {
		clauses = append(clauses, "status_code = ?")
		args = append(args, f.StatusCode)
	}
	if f.From != nil {
		clauses = append(clauses, "ts >= ?")
		args = append(args, utc(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "ts < ?")
		args = append(args, utc(*f.To))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.q("SELECT COUNT(*) FROM usage_events"+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count usage events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := "SELECT id, key_id, ts, endpoint, method, status_code, latency_ms, ip FROM usage_events" + where +
		fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT %d OFFSET %d", limit, offset)

	events := []model.UsageEvent{}
	if err := s.db.SelectContext(ctx, &events, s.q(query), args...); err != nil {
		return nil, 0, fmt.Errorf("query usage events: %w", err)
	}
	return events, total, nil
}

// PruneUsageEvents deletes events older than before and returns how many
// were removed.
func (s *Store) PruneUsageEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM usage_events WHERE ts < ?"), utc(before))
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	return rowsAffected(result, "prune usage events")
}

// escapeLike neutralizes LIKE wildcards in user input using '!' as the
// escape character, which every supported engine accepts.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
