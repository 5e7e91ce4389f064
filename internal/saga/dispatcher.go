package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull         = errors.New("saga: dispatch queue full")
	ErrDispatcherStopped = errors.New("saga: dispatcher stopped")
)

type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// RunTimeout bounds a single run of one operation.
	RunTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Workers: 8, QueueSize: 1024, RunTimeout: 30 * time.Second}
}

// Dispatcher runs operations on a fixed pool of workers fed by a bounded
// queue. Operations on different accounts run fully in parallel; the same
// operation is never run twice at once in this process.
type Dispatcher struct {
	cfg      DispatcherConfig
	orch     *Orchestrator
	queue    chan uuid.UUID
	logger   *zap.Logger
	inflight sync.Map
	done     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig, orch *Orchestrator, logger *zap.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		orch:   orch,
		queue:  make(chan uuid.UUID, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Submit enqueues id without blocking. A full queue is reported to the
// caller; the operation stays Pending and the recovery sweep picks it up.
func (d *Dispatcher) Submit(ctx context.Context, id uuid.UUID) error {
	select {
	case <-d.done:
		return ErrDispatcherStopped
	default:
	}
	if _, busy := d.inflight.Load(id); busy {
		return nil
	}
	select {
	case d.queue <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Inflight reports whether a worker is running id right now.
func (d *Dispatcher) Inflight(id uuid.UUID) bool {
	_, ok := d.inflight.Load(id)
	return ok
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.stopOnce.Do(func() { close(d.done) })

	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers), zap.Int("queue_size", d.cfg.QueueSize))
	defer d.logger.Info("dispatcher stopped")

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < d.cfg.Workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-d.queue:
					d.runOne(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runOne(ctx context.Context, id uuid.UUID) {
	if _, busy := d.inflight.LoadOrStore(id, struct{}{}); busy {
		return
	}
	defer d.inflight.Delete(id)

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
	defer cancel()

	op, err := d.orch.Run(runCtx, id)
	if err == nil {
		return
	}
	fields := []zap.Field{zap.Stringer("operation_id", id), zap.Error(err)}
	if op != nil {
		fields = append(fields, zap.String("status", string(op.Status)))
	}
	if errors.Is(err, ErrRevisionConflict) {
		d.logger.Debug("operation advanced elsewhere", fields...)
		return
	}
	d.logger.Warn("operation run interrupted", fields...)
}
