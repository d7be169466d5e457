package dispatch

import (
	"context"
	"fmt"

	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/registry"
	"github.com/eddielth/telemetry-hub/transformer"
)

// Target receives every record produced by the worker
type Target struct {
	Name   string
	Handle func(ctx context.Context, identity registry.Identity, record transformer.Record) error
}

// RecordCache stores the latest readings of a device
type RecordCache interface {
	Put(ctx context.Context, logicalID string, record transformer.Record, snapshot map[string]interface{}) error
}

// Broadcaster pushes records to live subscribers
type Broadcaster interface {
	Publish(ctx context.Context, logicalID string, record transformer.Record) error
}

// RuleEvaluator checks a record against alerting rules
type RuleEvaluator interface {
	Evaluate(ctx context.Context, record transformer.Record) error
}

// CacheTarget writes records and the identity snapshot to the cache
func CacheTarget(c RecordCache) Target {
	return Target{Name: "cache", Handle: func(ctx context.Context, identity registry.Identity, record transformer.Record) error {
		return c.Put(ctx, record.LogicalID, record, identity.Snapshot)
	}}
}

// BroadcastTarget pushes records to the device room
func BroadcastTarget(b Broadcaster) Target {
	return Target{Name: "broadcast", Handle: func(ctx context.Context, _ registry.Identity, record transformer.Record) error {
		return b.Publish(ctx, record.LogicalID, record)
	}}
}

// AlertTarget evaluates threshold rules
func AlertTarget(e RuleEvaluator) Target {
	return Target{Name: "alerting", Handle: func(ctx context.Context, _ registry.Identity, record transformer.Record) error {
		return e.Evaluate(ctx, record)
	}}
}

// runTargets hands record to every target in order. A failing or panicking
// target is logged and counted; the others still run.
func runTargets(ctx context.Context, targets []Target, identity registry.Identity, record transformer.Record) {
	for _, target := range targets {
		if err := runTarget(ctx, target, identity, record); err != nil {
			logger.Error("%s failed for %s: %v", target.Name, record.LogicalID, err)
			metrics.IncTargetError(target.Name)
		}
	}
}

func runTarget(ctx context.Context, target Target, identity registry.Identity, record transformer.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return target.Handle(ctx, identity, record)
}
