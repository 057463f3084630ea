// Package retention prunes old checkpoints on a schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ankie/internal/domain"
	"ankie/internal/infra/metrics"
)

// DefaultSchedule runs the pruner once an hour.
const DefaultSchedule = "@hourly"

const runTimeout = 5 * time.Minute

// PrunedPayload is the payload of EventCheckpointsPruned.
type PrunedPayload struct {
	Removed int       `json:"removed"`
	Before  time.Time `json:"before"`
}

// Pruner deletes checkpoints older than the retention window. Each thread's
// latest checkpoint survives regardless of age, so threads stay resumable.
type Pruner struct {
	saver     domain.CheckpointSaver
	retention time.Duration
	schedule  string
	bus       domain.EventBus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithSchedule sets a cron expression or a Go duration such as "30m".
func WithSchedule(s string) Option {
	return func(p *Pruner) {
		if s != "" {
			p.schedule = s
		}
	}
}

func WithBus(b domain.EventBus) Option { return func(p *Pruner) { p.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pruner) { p.metrics = m } }

func withClock(now func() time.Time) Option { return func(p *Pruner) { p.now = now } }

// New creates a pruner. A retention of zero or less disables pruning.
func New(saver domain.CheckpointSaver, retention time.Duration, logger *slog.Logger, opts ...Option) *Pruner {
	p := &Pruner{
		saver:     saver,
		retention: retention,
		schedule:  DefaultSchedule,
		logger:    logger,
		now:       time.Now,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RunOnce prunes checkpoints created before now minus the retention window.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	before := p.now().Add(-p.retention)
	removed, err := p.saver.Prune(ctx, before)
	if err != nil {
		return removed, domain.NewSubSystemError("retention", "Pruner.RunOnce", err, "")
	}
	p.metrics.CheckpointsPruned(removed)
	if removed > 0 && p.bus != nil {
		p.bus.Publish(ctx, domain.NewEvent(domain.EventCheckpointsPruned, "", "",
			PrunedPayload{Removed: removed, Before: before}))
	}
	return removed, nil
}

// Start schedules RunOnce. It is a no-op when retention is disabled or the
// pruner is already running.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if p.retention <= 0 {
		p.logger.Info("checkpoint retention disabled")
		return nil
	}
	sched, err := parseSchedule(p.schedule)
	if err != nil {
		return fmt.Errorf("retention: invalid schedule %q: %w", p.schedule, err)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cron.Schedule(sched, cron.FuncJob(p.run))
	p.cron.Start()
	p.started = true
	p.logger.Info("checkpoint retention started", "schedule", p.schedule, "retention", p.retention)
	return nil
}

func (p *Pruner) run() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	removed, err := p.RunOnce(runCtx)
	if err != nil {
		p.logger.Warn("checkpoint prune failed", "error", err, "duration", time.Since(start))
		return
	}
	p.logger.Info("checkpoints pruned", "removed", removed, "duration", time.Since(start))
}

// Stop cancels a running prune and waits for it to return.
func (p *Pruner) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.started = false
	p.mu.Unlock()

	<-p.cron.Stop().Done()
}

// parseSchedule accepts a cron expression (with descriptors like @hourly)
// or a positive duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(d), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }
