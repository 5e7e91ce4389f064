package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RecoveryConfig struct {
	// StaleAfter is how long a non-terminal operation may go without an
	// update before the sweep resubmits it.
	StaleAfter time.Duration
	// AbandonAfter is the age past which an operation is no longer retried:
	// applied steps are compensated and the rest fails with TIMEOUT.
	AbandonAfter time.Duration
	Interval     time.Duration
	BatchSize    int
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{StaleAfter: time.Minute, AbandonAfter: 15 * time.Minute, Interval: 30 * time.Second, BatchSize: 100}
}

// SubmitFunc hands an operation to whatever runs it.
type SubmitFunc func(ctx context.Context, id uuid.UUID) error

// Recovery periodically finds operations stuck in a non-terminal state and
// either resumes them or forces compensation.
type Recovery struct {
	cfg      RecoveryConfig
	repo     Repository
	orch     *Orchestrator
	submit   SubmitFunc
	inflight func(uuid.UUID) bool
	logger   *zap.Logger
	now      func() time.Time
}

func NewRecovery(cfg RecoveryConfig, repo Repository, orch *Orchestrator, submit SubmitFunc, logger *zap.Logger) *Recovery {
	def := DefaultRecoveryConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = def.AbandonAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{cfg: cfg, repo: repo, orch: orch, submit: submit, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recovery) WithClock(now func() time.Time) *Recovery {
	r.now = now
	return r
}

// WithInflight makes the sweep skip operations this process is running,
// typically Dispatcher.Inflight.
func (r *Recovery) WithInflight(inflight func(uuid.UUID) bool) *Recovery {
	r.inflight = inflight
	return r
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Resubmitted int
	Abandoned   int
	Errors      int
}

// Sweep handles one batch of stale operations.
func (r *Recovery) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()
	ops, err := r.repo.ListStale(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for _, op := range ops {
		if r.inflight != nil && r.inflight(op.ID) {
			continue
		}
		if now.Sub(op.CreatedAt) >= r.cfg.AbandonAfter && op.Status != StatusCompensating {
			forced, err := r.orch.ForceCompensation(ctx, op.ID, ReasonTimeout)
			if err != nil {
				res.Errors++
				r.logger.Warn("abandon operation failed", zap.Stringer("operation_id", op.ID), zap.Error(err))
				continue
			}
			res.Abandoned++
			r.logger.Warn("operation abandoned",
				zap.Stringer("operation_id", op.ID),
				zap.String("status", string(forced.Status)),
				zap.String("reason", string(forced.Reason)),
			)
			continue
		}
		if err := r.submit(ctx, op.ID); err != nil {
			res.Errors++
			r.logger.Warn("resubmit operation failed", zap.Stringer("operation_id", op.ID), zap.Error(err))
			continue
		}
		res.Resubmitted++
	}
	if len(ops) > 0 {
		r.logger.Info("recovery sweep",
			zap.Int("found", len(ops)),
			zap.Int("resubmitted", res.Resubmitted),
			zap.Int("abandoned", res.Abandoned),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("recovery sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
