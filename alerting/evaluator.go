package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/transformer"
)

// Evaluator checks records against their device's threshold rules
type Evaluator struct {
	rules    RuleStore
	cooldown Cooldown
	notifier Notifier
	nowFunc  func() time.Time
}

func NewEvaluator(rules RuleStore, cooldown Cooldown, notifier Notifier) *Evaluator {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Evaluator{
		rules:    rules,
		cooldown: cooldown,
		notifier: notifier,
		nowFunc:  time.Now,
	}
}

// Evaluate fires every enabled rule the record trips. Only a failure to load
// rules is returned; per-rule failures are logged and counted.
func (e *Evaluator) Evaluate(ctx context.Context, record transformer.Record) error {
	rules, err := e.rules.ListByDevice(ctx, record.LogicalID)
	if err != nil {
		return fmt.Errorf("load rules for %s: %w", record.LogicalID, err)
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := rule.Validate(); err != nil {
			logger.Warn("skipping rule %s of %s: %v", rule.ID, record.LogicalID, err)
			continue
		}
		value, ok := record.Value(rule.Datapoint)
		if !ok || !rule.Matches(value) {
			continue
		}
		e.fire(ctx, record, rule, value)
	}
	return nil
}

func (e *Evaluator) fire(ctx context.Context, record transformer.Record, rule Rule, value float64) {
	window := time.Duration(rule.CooldownMinutes) * time.Minute
	if e.cooldown != nil {
		acquired, err := e.cooldown.Acquire(ctx, record.LogicalID, rule.ID, window)
		if err != nil {
			logger.Error("cooldown for rule %s of %s: %v", rule.ID, record.LogicalID, err)
			metrics.IncAlert(metrics.AlertFailed)
			return
		}
		if !acquired {
			logger.Debug("rule %s of %s suppressed by cooldown", rule.ID, record.LogicalID)
			metrics.IncAlert(metrics.AlertSuppressed)
			return
		}
	}

	n := Notification{
		LogicalID: record.LogicalID,
		Rule:      rule,
		Value:     value,
		Channels:  rule.Channels,
		At:        e.nowFunc().UTC(),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		logger.Error("dispatch alert for rule %s of %s: %v", rule.ID, record.LogicalID, err)
		metrics.IncAlert(metrics.AlertFailed)
		// reopen the window so a later reading can retry
		if e.cooldown != nil {
			if err := e.cooldown.Release(ctx, record.LogicalID, rule.ID); err != nil {
				logger.Error("release cooldown for rule %s of %s: %v", rule.ID, record.LogicalID, err)
			}
		}
		return
	}
	metrics.IncAlert(metrics.AlertFired)
}
