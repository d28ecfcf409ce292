// Package alert manages threshold rules over aggregated key usage and
// evaluates them on a fixed window cadence.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
)

// Threshold bounds, in percent.
const (
	MinThreshold = 1
	MaxThreshold = 100
)

// Rules is the CRUD surface for alert rules.
type Rules struct {
	store *config.Store
	now   func() time.Time
}

// NewRules creates a Rules backed by store.
func NewRules(store *config.Store) *Rules {
	return &Rules{store: store, now: time.Now}
}

// CreateRuleInput holds the fields accepted when creating a rule. Enabled
// defaults to true.
type CreateRuleInput struct {
	KeyID            string
	AlertType        model.AlertType
	ThresholdPercent int
	Enabled          *bool
}

// Create adds a rule for an existing key.
func (r *Rules) Create(ctx context.Context, in CreateRuleInput) (*model.AlertRule, error) {
	fields := map[string]string{}
	if in.KeyID == "" {
		fields["key_id"] = "is required"
	}
	if !in.AlertType.Valid() {
		fields["alert_type"] = "must be one of rate_limit, error_rate, usage"
	}
	if in.ThresholdPercent < MinThreshold || in.ThresholdPercent > MaxThreshold {
		fields["threshold_percent"] = "must be between 1 and 100"
	}
	if len(fields) > 0 {
		return nil, &service.ValidationError{Fields: fields}
	}

	if _, err := r.store.GetAPIKey(ctx, in.KeyID); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, service.ErrNotFound
		}
		return nil, err
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	now := r.now().UTC()
	rule := &model.AlertRule{
		ID:               uuid.NewString(),
		KeyID:            in.KeyID,
		AlertType:        in.AlertType,
		ThresholdPercent: in.ThresholdPercent,
		Enabled:          enabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateAlertRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Get returns a rule by ID.
func (r *Rules) Get(ctx context.Context, id string) (*model.AlertRule, error) {
	rule, err := r.store.GetAlertRule(ctx, id)
	if errors.Is(err, config.ErrNotFound) {
		return nil, service.ErrNotFound
	}
	return rule, err
}

// List returns all rules, or only those of keyID when it is set.
func (r *Rules) List(ctx context.Context, keyID string) ([]model.AlertRule, error) {
	return r.store.ListAlertRules(ctx, keyID)
}

// UpdateRuleInput carries optional changes. The key and type of a rule are
// fixed at creation.
type UpdateRuleInput struct {
	ThresholdPercent *int
	Enabled          *bool
}

// Update changes a rule's threshold or enabled flag.
func (r *Rules) Update(ctx context.Context, id string, in UpdateRuleInput) (*model.AlertRule, error) {
	rule, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.ThresholdPercent != nil {
		if *in.ThresholdPercent < MinThreshold || *in.ThresholdPercent > MaxThreshold {
			return nil, &service.ValidationError{Fields: map[string]string{
				"threshold_percent": "must be between 1 and 100",
			}}
		}
		rule.ThresholdPercent = *in.ThresholdPercent
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	rule.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateAlertRule(ctx, rule); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, service.ErrNotFound
		}
		return nil, err
	}
	return rule, nil
}

// Delete removes a rule.
func (r *Rules) Delete(ctx context.Context, id string) error {
	err := r.store.DeleteAlertRule(ctx, id)
	if errors.Is(err, config.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}
