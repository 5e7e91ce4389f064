package projection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"multiasset-ledger/internal/eventstore"
)

// Checkpoints persists how far a named consumer has read the global log.
type Checkpoints interface {
	LoadCheckpoint(ctx context.Context, name string) (int64, error)
	SaveCheckpoint(ctx context.Context, name string, seq int64) error
}

// Sink receives every event after it was projected. Delivery is at least once.
type Sink interface {
	Publish(ctx context.Context, ev eventstore.Event) error
}

type ProjectorConfig struct {
	Name      string
	BatchSize int
	Interval  time.Duration
}

func DefaultProjectorConfig() ProjectorConfig {
	return ProjectorConfig{Name: "balances", BatchSize: 500, Interval: 250 * time.Millisecond}
}

// Projector tails the event log from its checkpoint and feeds the projection
// and sinks. A failed event stops the batch; the checkpoint only covers
// events that were fully handled, so the next poll picks up from there.
type Projector struct {
	cfg         ProjectorConfig
	events      eventstore.Store
	projection  *Projection
	checkpoints Checkpoints
	sinks       []Sink
	logger      *zap.Logger
}

func NewProjector(cfg ProjectorConfig, events eventstore.Store, projection *Projection, checkpoints Checkpoints, logger *zap.Logger, sinks ...Sink) *Projector {
	def := DefaultProjectorConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{cfg: cfg, events: events, projection: projection, checkpoints: checkpoints, sinks: sinks, logger: logger}
}

// Run polls until ctx is cancelled.
func (p *Projector) Run(ctx context.Context) error {
	p.logger.Info("projector started", zap.String("name", p.cfg.Name), zap.Duration("interval", p.cfg.Interval))
	defer p.logger.Info("projector stopped", zap.String("name", p.cfg.Name))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		for {
			n, err := p.Poll(ctx)
			if err != nil {
				p.logger.Warn("projector poll failed", zap.String("name", p.cfg.Name), zap.Error(err))
				break
			}
			if n < p.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll handles one batch and returns the number of events consumed.
func (p *Projector) Poll(ctx context.Context) (int, error) {
	from, err := p.checkpoints.LoadCheckpoint(ctx, p.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	batch, err := p.events.LoadSince(ctx, from, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load events after %d: %w", from, err)
	}

	done := from
	handled := 0
	var handleErr error
	for _, ev := range batch {
		if handleErr = p.handle(ctx, ev); handleErr != nil {
			break
		}
		done = ev.Seq
		handled++
	}

	if done > from {
		if err := p.checkpoints.SaveCheckpoint(ctx, p.cfg.Name, done); err != nil {
			return handled, fmt.Errorf("save checkpoint %d: %w", done, err)
		}
	}
	return handled, handleErr
}

func (p *Projector) handle(ctx context.Context, ev eventstore.Event) error {
	if err := p.projection.Apply(ctx, ev); err != nil {
		return err
	}
	for _, s := range p.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish seq %d: %w", ev.Seq, err)
		}
	}
	return nil
}
