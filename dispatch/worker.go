package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/presence"
	"github.com/eddielth/telemetry-hub/queue"
	"github.com/eddielth/telemetry-hub/registry"
	"github.com/eddielth/telemetry-hub/transformer"
)

// Worker turns telemetry jobs into canonical records and hands them to the
// targets
type Worker struct {
	classifier *transformer.Classifier
	lookup     registry.Lookup
	normalizer *transformer.Normalizer
	targets    []Target
}

func NewWorker(classifier *transformer.Classifier, lookup registry.Lookup, normalizer *transformer.Normalizer, targets ...Target) *Worker {
	if classifier == nil {
		classifier = transformer.NewClassifier(nil)
	}
	if normalizer == nil {
		normalizer = transformer.NewNormalizer(nil)
	}
	return &Worker{
		classifier: classifier,
		lookup:     lookup,
		normalizer: normalizer,
		targets:    targets,
	}
}

// Process classifies, resolves and normalizes one job, then runs the
// targets. Malformed or unknown messages are discarded, not failed; only a
// registry failure is returned so the job can be retried.
func (w *Worker) Process(ctx context.Context, job queue.Job) (Outcome, error) {
	if len(job.Body) == 0 {
		return discard(DiscardEmptyBody), nil
	}

	hardwareID := transformer.HardwareID(job.Body)
	if hardwareID == "" {
		return discard(DiscardMissingHardwareID), nil
	}

	family, ok := w.classifier.Classify(job.Body, hardwareID)
	if !ok {
		logger.Warn("discarding message from %s: unknown device family", hardwareID)
		return discard(DiscardUnknownFamily), nil
	}

	identity, err := w.lookup.FindByHardwareID(ctx, hardwareID)
	if errors.Is(err, registry.ErrNotFound) {
		logger.Warn("discarding message from unregistered hardware %s", hardwareID)
		return discard(DiscardUnregistered), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("registry lookup %s: %w", hardwareID, err)
	}
	if identity.Family != "" && identity.Family != family {
		logger.Debug("hardware %s registered as %s but reports %s", hardwareID, identity.Family, family)
	}

	record, err := w.normalizer.Normalize(family, transformer.Input{
		HardwareID:    hardwareID,
		Body:          job.Body,
		TransportTime: job.Arrival(),
		Carrier:       job.CarrierMetadata,
	})
	if err != nil {
		logger.Warn("discarding message from %s: %v", hardwareID, err)
		return discard(DiscardUnknownFamily), nil
	}
	record.LogicalID = identity.LogicalID
	record.Supported = identity.SupportedFields

	runTargets(ctx, w.targets, identity, record)
	return Outcome{Record: &record}, nil
}

// Handle adapts Process to a queue handler. A job whose context ended while
// the targets ran is returned as failed so it is redelivered, not acked.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	outcome, err := w.Process(ctx, job)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telemetry job interrupted: %w", err)
	}
	if outcome.Discarded() {
		metrics.IncDiscard(string(outcome.Discard))
	}
	return nil
}

// Pinger records device liveness
type Pinger interface {
	Ping(ctx context.Context, body map[string]interface{}) (presence.PingResult, error)
}

// StatusWorker consumes status jobs
type StatusWorker struct {
	tracker Pinger
}

func NewStatusWorker(tracker Pinger) *StatusWorker {
	return &StatusWorker{tracker: tracker}
}

// Handle refreshes the presence of the device behind job
func (s *StatusWorker) Handle(ctx context.Context, job queue.Job) error {
	result, err := s.tracker.Ping(ctx, job.Body)
	if err != nil {
		return err
	}
	if result.LogicalID != "" {
		logger.Debug("presence of %s refreshed (%s)", result.LogicalID, result.Result)
	}
	return nil
}
