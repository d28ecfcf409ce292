package usage

import (
	"context"
	"time"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
)

const (
	MaxStatsDays    = 365
	DefaultTopN     = 10
	MaxTopN         = 100
	DefaultLogLimit = 50
	MaxLogLimit     = 1000
)

// Analytics answers aggregate questions about recorded usage.
type Analytics struct {
	store *config.Store
	now   func() time.Time
}

// NewAnalytics creates an Analytics reading from store.
func NewAnalytics(store *config.Store) *Analytics {
	return &Analytics{store: store, now: time.Now}
}

// SetClock replaces the time source.
func (a *Analytics) SetClock(now func() time.Time) {
	a.now = now
}

// Stats aggregates the trailing days of usage. An empty keyID covers all
// keys. top bounds the by_endpoint list; zero means DefaultTopN.
func (a *Analytics) Stats(ctx context.Context, keyID string, days, top int) (*model.UsageStats, error) {
	fields := map[string]string{}
	if days < 1 || days > MaxStatsDays {
		fields["days"] = "must be between 1 and 365"
	}
	if top == 0 {
		top = DefaultTopN
	}
	if top < 1 || top > MaxTopN {
		fields["top"] = "must be between 1 and 100"
	}
	if len(fields) > 0 {
		return nil, &service.ValidationError{Fields: fields}
	}

	to := a.now()
	from := to.AddDate(0, 0, -days)
	// Include events stamped in the same instant as the query.
	stats, err := a.store.UsageStats(ctx, keyID, from, to.Add(time.Millisecond), top)
	if err != nil {
		return nil, err
	}
	stats.PeriodDays = days
	return stats, nil
}

// Summary returns the total and failed request counts for key in [from, to).
func (a *Analytics) Summary(ctx context.Context, keyID string, from, to time.Time) (model.UsageSummary, error) {
	return a.store.UsageSummary(ctx, keyID, from, to)
}

// Logs returns a page of raw events matching f and the total match count.
func (a *Analytics) Logs(ctx context.Context, f model.UsageLogFilter) ([]model.UsageEvent, int64, error) {
	fields := map[string]string{}
	if f.Limit == 0 {
		f.Limit = DefaultLogLimit
	}
	if f.Limit < 1 || f.Limit > MaxLogLimit {
		fields["limit"] = "must be between 1 and 1000"
	}
	if f.Offset < 0 {
		fields["offset"] = "must not be negative"
	}
	if f.StatusCode != 0 && (f.StatusCode < 100 || f.StatusCode > 599) {
		fields["status"] = "must be a valid HTTP status code"
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		fields["from"] = "must be before to"
	}
	if f.Method != "" {
		m, err := model.ParseMethod(f.Method)
		if err != nil {
			fields["method"] = err.Error()
		}
		f.Method = string(m)
	}
	if len(fields) > 0 {
		return nil, 0, &service.ValidationError{Fields: fields}
	}
	return a.store.QueryUsageEvents(ctx, f)
}

// Prune deletes events older than retentionDays. Zero disables pruning.
func (a *Analytics) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	return a.store.PruneUsageEvents(ctx, a.now().AddDate(0, 0, -retentionDays))
}
