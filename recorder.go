package otaharness

import (
	"context"
	"time"
)

// TestOutcome is the result of one scenario run.
type TestOutcome struct {
	RunID      string
	Scenario   string
	Iteration  int
	Device     string
	HostID     string
	Passed     bool
	Reason     string
	Step       string
	RetryCount int
	SlotBefore BootSlot
	SlotAfter  BootSlot
	StartedAt  time.Time
	Duration   time.Duration
}

// OutcomeRecorder receives scenario outcomes as they finish so they can be
// persisted to an external store (SQLite, Feishu bitable).
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome TestOutcome) error
}

// NoopRecorder is used when recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) RecordOutcome(ctx context.Context, outcome TestOutcome) error { return nil }

// MultiRecorder fans an outcome out to every recorder and returns the first error.
type MultiRecorder []OutcomeRecorder

func (m MultiRecorder) RecordOutcome(ctx context.Context, outcome TestOutcome) error {
	var firstErr error
	for _, rec := range m {
		if rec == nil {
			continue
		}
		if err := rec.RecordOutcome(ctx, outcome); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
