package consolidate

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/types"
)

// DefaultSchedule runs a consolidation cycle every five minutes.
const DefaultSchedule = "@every 5m"

// Trigger runs one consolidation cycle on demand. The memory manager
// satisfies it; the scheduler drives it on a timer.
type Trigger interface {
	Consolidate(ctx context.Context) (Summary, error)
}

// Scheduler drives consolidation on a cron schedule. Runs are serialized:
// a tick arriving while the previous cycle is still going is skipped, not
// queued. Manual triggers bypass the schedule entirely and go straight to
// the trigger, which serializes internally.
type Scheduler struct {
	trigger  Trigger
	logger   *observability.TracedLogger
	schedule string

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler over the given trigger. An empty
// schedule falls back to DefaultSchedule; the expression is validated at
// Start.
func NewScheduler(trigger Trigger, schedule string, logger *observability.TracedLogger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		trigger:  trigger,
		logger:   logger.WithComponent("consolidation-scheduler"),
		schedule: schedule,
	}
}

// Start begins scheduled execution. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	cronLog := cronLogAdapter{logger: s.logger}
	runner := cron.New(cron.WithChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	))

	if _, err := runner.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		cancel()
		return types.WrapError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("invalid consolidation schedule %q", s.schedule), err)
	}

	runner.Start()
	s.cron = runner
	s.cancel = cancel
	s.started = true

	s.logger.Info(ctx, "consolidation scheduler started", "schedule", s.schedule)
	return nil
}

// TriggerNow runs one cycle immediately, independent of the schedule.
func (s *Scheduler) TriggerNow(ctx context.Context) (Summary, error) {
	return s.trigger.Consolidate(ctx)
}

// Stop halts the schedule and waits for any in-flight cycle to finish.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	// Cancel first so an in-flight cycle aborts instead of running out
	// its remaining work during shutdown.
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false

	s.logger.Info(context.Background(), "consolidation scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	summary, err := s.trigger.Consolidate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error(ctx, "scheduled consolidation failed", "error", err.Error())
		return
	}

	s.logger.Debug(ctx, "scheduled consolidation finished",
		"migrated", summary.Migrated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
}

// cronLogAdapter bridges cron's logger interface onto the traced logger.
type cronLogAdapter struct {
	logger *observability.TracedLogger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(context.Background(), msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	keysAndValues = append(keysAndValues, "error", err.Error())
	a.logger.Error(context.Background(), msg, keysAndValues...)
}
