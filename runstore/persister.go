package runstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loandocs/cdwaterfall/internal/logger"
	"github.com/loandocs/cdwaterfall/waterfall"
)

// Persister writes a terminal run to the store as one logical unit of work,
// retrying transient repository failures with exponential backoff. The run
// stays in memory across retries; it is never silently dropped.
type Persister struct {
	store      Store
	maxRetries uint64
	timeout    time.Duration
}

// NewPersister wraps a store. maxRetries bounds the retry count per run;
// timeout caps each attempt so a stuck repository call cannot block forever.
func NewPersister(store Store, maxRetries uint64, timeout time.Duration) *Persister {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Persister{store: store, maxRetries: maxRetries, timeout: timeout}
}

// Persist saves the run, its audit trail, and its validation errors
// together. Implements waterfall.RunSink.
func (p *Persister) Persist(ctx context.Context, run *waterfall.WaterfallRun) error {
	attempt := 0
	op := func() error {
		if attempt > 0 {
			logger.PersistRetries.Add(1)
			logger.Warn("retrying run persistence",
				"run_id", run.ID,
				"attempt", attempt,
			)
		}
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		if err := p.store.SaveRun(attemptCtx, run); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		if err := p.store.SaveAuditTrail(attemptCtx, run.ID, run.Audit); err != nil {
			return fmt.Errorf("save audit trail: %w", err)
		}
		if err := p.store.SaveValidationErrors(attemptCtx, run.ID, run.ValidationErrors); err != nil {
			return fmt.Errorf("save validation errors: %w", err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("run %s persistence exhausted retries: %w", run.ID, err)
	}
	return nil
}
