package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev model.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type alertEnv struct {
	store    *config.Store
	rules    *Rules
	eval     *Evaluator
	notifier *recordingNotifier
	now      time.Time
}

func newAlertEnv(t *testing.T) *alertEnv {
	t.Helper()
	store, err := config.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &alertEnv{
		store:    store,
		rules:    NewRules(store),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 4, 2, 10, 15, 30, 0, time.UTC),
	}
	env.eval = NewEvaluator(store, EvaluatorConfig{Window: time.Minute, Notifier: env.notifier})
	env.eval.SetClock(func() time.Time { return env.now })
	env.rules.now = func() time.Time { return env.now }
	return env
}

func (e *alertEnv) newKey(t *testing.T, rateLimit int) *model.APIKey {
	t.Helper()
	secret := "vlv_" + uuid.NewString()
	key := &model.APIKey{
		ID:          uuid.NewString(),
		Name:        "alerting",
		KeyHash:     config.HashAPIKey(secret),
		KeyPrefix:   secret[:12],
		RateLimit:   rateLimit,
		IsActive:    true,
		State:       model.KeyStateActive,
		CreatedAt:   e.now,
		UpdatedAt:   e.now,
		CreatedBy:   "test",
		IPWhitelist: []string{},
	}
	require.NoError(t, e.store.CreateAPIKey(context.Background(), key))
	return key
}

func (e *alertEnv) record(t *testing.T, keyID string, status, n int) {
	t.Helper()
	events := make([]model.UsageEvent, n)
	for i := range events {
		events[i] = model.UsageEvent{
			ID:         uuid.NewString(),
			KeyID:      keyID,
			Timestamp:  e.now.Add(-time.Duration(i) * time.Millisecond),
			Endpoint:   "/api/users",
			Method:     "GET",
			StatusCode: status,
		}
	}
	require.NoError(t, e.store.InsertUsageEvents(context.Background(), events))
}

func TestRules_CRUD(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 10)

	rule, err := env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertRateLimit, ThresholdPercent: 80})
	require.NoError(t, err)
	assert.True(t, rule.Enabled)

	off := false
	threshold := 50
	updated, err := env.rules.Update(ctx, rule.ID, UpdateRuleInput{ThresholdPercent: &threshold, Enabled: &off})
	require.NoError(t, err)
	assert.Equal(t, 50, updated.ThresholdPercent)
	assert.False(t, updated.Enabled)

	list, err := env.rules.List(ctx, key.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, env.rules.Delete(ctx, rule.ID))
	_, err = env.rules.Get(ctx, rule.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
	assert.ErrorIs(t, env.rules.Delete(ctx, rule.ID), service.ErrNotFound)
}

func TestRules_Validation(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 10)

	tests := []struct {
		name  string
		in    CreateRuleInput
		field string
	}{
		{"threshold zero", CreateRuleInput{KeyID: key.ID, AlertType: model.AlertUsage, ThresholdPercent: 0}, "threshold_percent"},
		{"threshold above 100", CreateRuleInput{KeyID: key.ID, AlertType: model.AlertUsage, ThresholdPercent: 101}, "threshold_percent"},
		{"unknown type", CreateRuleInput{KeyID: key.ID, AlertType: "latency", ThresholdPercent: 50}, "alert_type"},
		{"missing key", CreateRuleInput{AlertType: model.AlertUsage, ThresholdPercent: 50}, "key_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.rules.Create(ctx, tt.in)
			var verr *service.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	_, err := env.rules.Create(ctx, CreateRuleInput{KeyID: "nope", AlertType: model.AlertUsage, ThresholdPercent: 50})
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestEvaluator_RateLimitFiresOncePerWindow(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 10)

	rule, err := env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertRateLimit, ThresholdPercent: 80})
	require.NoError(t, err)

	env.record(t, key.ID, 200, 7)
	report, err := env.eval.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Evaluated: 1}, report, "70 percent is below the threshold")

	env.record(t, key.ID, 200, 2)
	for i := 0; i < 3; i++ {
		_, err := env.eval.Evaluate(ctx)
		require.NoError(t, err)
		env.record(t, key.ID, 200, 1)
	}

	got, err := env.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TriggerCount, "a rule fires once per window")
	require.Equal(t, 1, env.notifier.count())
	ev := env.notifier.events[0]
	assert.Equal(t, key.KeyPrefix, ev.KeyPrefix)
	assert.InDelta(t, 90.0, ev.Percent, 0.001)
	assert.Equal(t, env.now.Truncate(time.Minute), ev.WindowStart)

	// Next window: fresh traffic crosses the threshold again.
	env.now = env.now.Add(time.Minute)
	env.record(t, key.ID, 200, 8)
	report, err = env.eval.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)

	got, err = env.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TriggerCount)
}

func TestEvaluator_SustainedLoadFiresEveryWindow(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 10)

	rule, err := env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertRateLimit, ThresholdPercent: 80})
	require.NoError(t, err)

	// One request every 6s from 10:15:00 to 10:20:30: the key runs at its
	// full 10/min the whole time.
	start := time.Date(2026, 4, 2, 10, 15, 0, 0, time.UTC)
	var events []model.UsageEvent
	for ts := start; !ts.After(start.Add(5*time.Minute + 30*time.Second)); ts = ts.Add(6 * time.Second) {
		events = append(events, model.UsageEvent{
			ID: uuid.NewString(), KeyID: key.ID, Timestamp: ts,
			Endpoint: "/api/users", Method: "GET", StatusCode: 200,
		})
	}
	require.NoError(t, env.store.InsertUsageEvents(ctx, events))

	// Ticks land mid-minute, halfway through each bucket.
	for tick := 0; tick < 5; tick++ {
		env.now = start.Add(time.Duration(tick+1)*time.Minute + 30*time.Second)
		report, err := env.eval.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Triggered, "tick at %s", env.now.Format("15:04:05"))
	}

	got, err := env.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.TriggerCount)
	require.Equal(t, 5, env.notifier.count())
	for _, ev := range env.notifier.events {
		assert.GreaterOrEqual(t, ev.Percent, 100.0)
	}
}

func TestEvaluator_ErrorRate(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 1000)

	_, err := env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertErrorRate, ThresholdPercent: 50})
	require.NoError(t, err)

	report, err := env.eval.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Triggered, "no traffic never counts as an error rate")

	env.record(t, key.ID, 200, 2)
	env.record(t, key.ID, 503, 2)
	report, err = env.eval.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	assert.InDelta(t, 50.0, env.notifier.events[0].Percent, 0.001)
}

func TestEvaluator_Usage(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 1) // 1440 requests per day

	_, err := env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertUsage, ThresholdPercent: 10})
	require.NoError(t, err)

	env.record(t, key.ID, 200, 150)
	report, err := env.eval.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
}

func TestEvaluator_IsolatesFailingRules(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 10)

	// A rule pointing at a key that no longer exists.
	require.NoError(t, env.store.CreateAlertRule(ctx, &model.AlertRule{
		ID: uuid.NewString(), KeyID: "ghost", AlertType: model.AlertRateLimit,
		ThresholdPercent: 10, Enabled: true, CreatedAt: env.now.Add(-time.Hour), UpdatedAt: env.now,
	}))
	_, err := env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertRateLimit, ThresholdPercent: 10})
	require.NoError(t, err)
	disabled := false
	_, err = env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertRateLimit, ThresholdPercent: 10, Enabled: &disabled})
	require.NoError(t, err)

	env.record(t, key.ID, 200, 5)
	report, err := env.eval.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Evaluated: 2, Triggered: 1, Failed: 1}, report)
}

func TestEvaluator_ConcurrentCyclesFireOnce(t *testing.T) {
	env := newAlertEnv(t)
	ctx := context.Background()
	key := env.newKey(t, 10)

	rule, err := env.rules.Create(ctx, CreateRuleInput{KeyID: key.ID, AlertType: model.AlertRateLimit, ThresholdPercent: 50})
	require.NoError(t, err)
	env.record(t, key.ID, 200, 9)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.eval.Evaluate(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := env.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TriggerCount)
	assert.Equal(t, 1, env.notifier.count())
}

func TestWebhookNotifier(t *testing.T) {
	var calls atomic.Int32
	var got webhookPayload
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, nil)
	n.backoff = time.Millisecond
	ev := model.AlertEvent{
		Rule:    model.AlertRule{ID: "r1", KeyID: "k1", AlertType: model.AlertErrorRate, ThresholdPercent: 20},
		KeyName: "billing",
		Percent: 25,
	}
	require.NoError(t, n.Notify(context.Background(), ev))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	assert.Equal(t, int32(2), calls.Load(), "a failed delivery is retried")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "r1", got.RuleID)
	assert.Equal(t, "error_rate", got.AlertType)
	assert.InDelta(t, 25.0, got.Percent, 0.001)

	// Alerts after shutdown are dropped without error.
	require.NoError(t, n.Notify(context.Background(), ev))
	assert.Equal(t, int32(2), calls.Load())
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	rec := &recordingNotifier{}
	m := Multi{rec, failing{boom}, LogNotifier{}}

	err := m.Notify(context.Background(), model.AlertEvent{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rec.count())
}

type failing struct{ err error }

func (f failing) Notify(context.Context, model.AlertEvent) error {
	return fmt.Errorf("deliver: %w", f.err)
}
