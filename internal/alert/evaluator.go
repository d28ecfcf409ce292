package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/metrics"
	"github.com/faucetdb/valve/internal/model"
)

// DefaultWindow is the evaluation bucket size.
const DefaultWindow = time.Minute

const usageSpan = 24 * time.Hour

// EvaluatorConfig wires an Evaluator.
type EvaluatorConfig struct {
	Window   time.Duration
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Evaluator checks every enabled rule against usage aggregates. Rate limit
// and error rate rules look at the trailing Window ending at evaluation
// time. Time is also cut into fixed buckets of Window, and a rule fires at
// most once per bucket no matter how often it is evaluated.
type Evaluator struct {
	store    *config.Store
	window   time.Duration
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewEvaluator creates an Evaluator reading from store.
func NewEvaluator(store *config.Store, cfg EvaluatorConfig) *Evaluator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	return &Evaluator{
		store:    store,
		window:   cfg.Window,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Report summarizes one evaluation cycle.
type Report struct {
	Evaluated int `json:"evaluated"`
	Triggered int `json:"triggered"`
	Failed    int `json:"failed"`
}

// Evaluate runs one cycle. A failing rule is logged and counted, and the
// remaining rules are still evaluated. Only failing to list the rules is
// returned as an error.
func (e *Evaluator) Evaluate(ctx context.Context) (Report, error) {
	var report Report
	rules, err := e.store.ListEnabledAlertRules(ctx)
	if err != nil {
		return report, err
	}

	now := e.now().UTC()
	windowStart := now.Truncate(e.window)
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Evaluated++
		fired, err := e.evaluateRule(ctx, rule, windowStart, now)
		if err != nil {
			report.Failed++
			e.metrics.RecordAlertEvalError()
			e.logger.Error("alert rule evaluation failed", "rule_id", rule.ID, "key_id", rule.KeyID, "error", err)
			continue
		}
		if fired {
			report.Triggered++
		}
	}
	return report, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule model.AlertRule, windowStart, now time.Time) (bool, error) {
	if rule.LastTriggered != nil && !rule.LastTriggered.Before(windowStart) {
		return false, nil
	}

	key, err := e.store.GetAPIKey(ctx, rule.KeyID)
	if err != nil {
		return false, fmt.Errorf("load key: %w", err)
	}

	percent, err := e.measure(ctx, rule, key, now)
	if err != nil {
		return false, err
	}
	if percent < float64(rule.ThresholdPercent) {
		return false, nil
	}

	marked, err := e.store.MarkAlertTriggered(ctx, rule.ID, windowStart, now)
	if err != nil || !marked {
		return false, err
	}
	rule.LastTriggered = &now
	rule.TriggerCount++

	e.metrics.RecordAlertTriggered(string(rule.AlertType))
	ev := model.AlertEvent{
		Rule:        rule,
		KeyName:     key.Name,
		KeyPrefix:   key.KeyPrefix,
		Percent:     percent,
		WindowStart: windowStart,
		TriggeredAt: now,
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Warn("alert notification failed", "rule_id", rule.ID, "error", err)
	}
	return true, nil
}

// measure returns the rule's metric as a percentage.
func (e *Evaluator) measure(ctx context.Context, rule model.AlertRule, key *model.APIKey, now time.Time) (float64, error) {
	switch rule.AlertType {
	case model.AlertRateLimit:
		sum, err := e.store.UsageSummary(ctx, key.ID, now.Add(-e.window), now.Add(time.Millisecond))
		if err != nil {
			return 0, err
		}
		capacity := float64(key.RateLimit) * e.window.Minutes()
		return percentOf(sum.Total, capacity), nil

	case model.AlertErrorRate:
		sum, err := e.store.UsageSummary(ctx, key.ID, now.Add(-e.window), now.Add(time.Millisecond))
		if err != nil {
			return 0, err
		}
		if sum.Total == 0 {
			return 0, nil
		}
		return percentOf(sum.Errors, float64(sum.Total)), nil

	case model.AlertUsage:
		sum, err := e.store.UsageSummary(ctx, key.ID, now.Add(-usageSpan), now.Add(time.Millisecond))
		if err != nil {
			return 0, err
		}
		capacity := float64(key.RateLimit) * usageSpan.Minutes()
		return percentOf(sum.Total, capacity), nil
	}
	return 0, fmt.Errorf("unknown alert type %q", rule.AlertType)
}

func percentOf(n int64, of float64) float64 {
	if of <= 0 {
		return 0
	}
	return float64(n) / of * 100
}
