package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/faucetdb/valve/internal/model"
)

const alertRuleColumns = `id, key_id, alert_type, threshold_percent, enabled, last_triggered,
	trigger_count, created_at, updated_at`

// CreateAlertRule inserts a new alert rule. ID, CreatedAt and UpdatedAt must
// already be set.
func (s *Store) CreateAlertRule(ctx context.Context, rule *model.AlertRule) error {
	rule.CreatedAt = utc(rule.CreatedAt)
	rule.UpdatedAt = utc(rule.UpdatedAt)

	const q = `INSERT INTO alert_rules
		(id, key_id, alert_type, threshold_percent, enabled, last_triggered, trigger_count, created_at, updated_at)
		VALUES
		(:id, :key_id, :alert_type, :threshold_percent, :enabled, :last_triggered, :trigger_count, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, rule); err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

// GetAlertRule returns an alert rule by ID.
func (s *Store) GetAlertRule(ctx context.Context, id string) (*model.AlertRule, error) {
	var rule model.AlertRule
	err := s.db.GetContext(ctx, &rule, s.q("SELECT "+alertRuleColumns+" FROM alert_rules WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	return &rule, nil
}

// ListAlertRules returns alert rules ordered by creation time. A non-empty
// keyID restricts the result to that key's rules.
func (s *Store) ListAlertRules(ctx context.Context, keyID string) ([]model.AlertRule, error) {
	query := "SELECT " + alertRuleColumns + " FROM alert_rules"
	var args []interface{}
	if keyID != "" {
		query += " WHERE key_id = ?"
		args = append(args, keyID)
	}
	query += " ORDER BY created_at, id"

	rules := []model.AlertRule{}
	if err := s.db.SelectContext(ctx, &rules, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	return rules, nil
}

// ListEnabledAlertRules returns every enabled rule.
func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]model.AlertRule, error) {
	rules := []model.AlertRule{}
	query := s.q("SELECT " + alertRuleColumns + " FROM alert_rules WHERE enabled = ? ORDER BY created_at, id")
	if err := s.db.SelectContext(ctx, &rules, query, true); err != nil {
		return nil, fmt.Errorf("list enabled alert rules: %w", err)
	}
	return rules, nil
}

// UpdateAlertRule persists the threshold and enabled flag of a rule.
func (s *Store) UpdateAlertRule(ctx context.Context, rule *model.AlertRule) error {
	rule.UpdatedAt = utc(rule.UpdatedAt)
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE alert_rules SET threshold_percent = ?, enabled = ?, updated_at = ? WHERE id = ?"),
		rule.ThresholdPercent, rule.Enabled, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("update alert rule: %w", err)
	}
	n, err := rowsAffected(result, "update alert rule")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlertRule removes an alert rule.
func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM alert_rules WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete alert rule: %w", err)
	}
	n, err := rowsAffected(result, "delete alert rule")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAlertTriggered records a trigger for the window starting at
// windowStart. It reports false when the rule already fired in that window,
// which makes repeated or concurrent evaluations of one window idempotent.
func (s *Store) MarkAlertTriggered(ctx context.Context, id string, windowStart, at time.Time) (bool, error) {
	const q = `UPDATE alert_rules SET last_triggered = ?, trigger_count = trigger_count + 1, updated_at = ?
		WHERE id = ? AND (last_triggered IS NULL OR last_triggered < ?)`
	result, err := s.db.ExecContext(ctx, s.q(q), utc(at), utc(at), id, utc(windowStart))
	if err != nil {
		return false, fmt.Errorf("mark alert triggered: %w", err)
	}
	n, err := rowsAffected(result, "mark alert triggered")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
