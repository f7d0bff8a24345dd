package relocation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/setv/ultrascan/server/metrics"
	"github.com/setv/ultrascan/server/models"
	"go.uber.org/zap"
)

var (
	errInFlight          = errors.New("relocation in flight")
	errAttemptsExhausted = errors.New("relocation attempts exhausted")
)

type ReconcilerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	// RetriesPerRun bounds the backoff retries of one row in one pass.
	RetriesPerRun uint64
}

// Reconciler periodically resumes relocations that did not reach a terminal
// state, from the phase recorded in the outbox.
type Reconciler struct {
	relocator  *Relocator
	config     ReconcilerConfig
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

func NewReconciler(relocator *Relocator, config ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.RetriesPerRun == 0 {
		config.RetriesPerRun = 3
	}

	return &Reconciler{
		relocator: relocator,
		config:    config,
		logger:    logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.RandomizationFactor = 0.1
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run reconciles once immediately and then on every interval until ctx is
// done.
func (r *Reconciler) Run(ctx context.Context) {
	r.ReconcileOnce(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ReconcileOnce makes one pass over the outbox and returns the number of
// rows that reached a terminal state.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	rows, err := r.relocator.Outbox().ListPending(ctx, r.config.MaxAttempts)
	if err != nil {
		r.logger.Error("Failed to list pending relocations", zap.Error(err))
		return 0
	}

	settled := 0
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		if r.reconcile(ctx, &rows[i]) {
			settled++
		}
	}

	if len(rows) > 0 {
		r.logger.Info("Relocation reconciliation finished",
			zap.Int("pending", len(rows)),
			zap.Int("settled", settled))
	}
	return settled
}

func (r *Reconciler) reconcile(ctx context.Context, row *models.Relocation) bool {
	logger := r.logger.With(
		zap.String("relocation_id", row.ID),
		zap.String("visit_id", row.VisitID),
		zap.String("kind", string(row.Kind)))

	attempt := 0
	operation := func() error {
		if attempt > 0 {
			metrics.RetryTotal.WithLabelValues(string(row.Kind)).Inc()
		}
		attempt++

		if row.Attempts >= r.config.MaxAttempts {
			return backoff.Permanent(errAttemptsExhausted)
		}

		ran, err := r.relocator.Resume(ctx, row)
		if !ran {
			return backoff.Permanent(errInFlight)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.config.RetriesPerRun), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, errInFlight) {
			logger.Debug("Relocation already in flight")
			return false
		}
		logger.Warn("Relocation still incomplete",
			zap.String("state", string(row.State)),
			zap.Int("attempts", row.Attempts),
			zap.Error(err))
		return false
	}

	return row.State.Terminal()
}
