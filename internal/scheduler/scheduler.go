package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/interfaces"
	"autotrader/internal/logger"
	"autotrader/internal/strategy"
	"autotrader/internal/subs"
	"autotrader/internal/trace"
	"autotrader/internal/types"
)

// Config tunes the cycle loop.
type Config struct {
	// Buffer delays each cycle past the top of the minute so the bar
	// for the previous minute has arrived.
	Buffer time.Duration
	// ClosedPoll is how long to sleep between session checks while the
	// market is closed.
	ClosedPoll time.Duration
	// InstanceTimeout bounds one instance's decide-and-trade run.
	InstanceTimeout time.Duration
}

// Scheduler drives the minute cycle: once per market minute it runs
// every active instance's strategy, routes non-hold decisions to the
// executor, and reconciles data subscriptions with the active set.
type Scheduler struct {
	store    interfaces.StateStore
	registry *strategy.Registry
	exec     interfaces.Executor
	calendar interfaces.Calendar
	subs     *subs.Manager
	cfg      Config

	// now is replaceable in tests.
	now func() time.Time

	mu     sync.Mutex
	failed map[int64]bool
}

func New(store interfaces.StateStore, registry *strategy.Registry, exec interfaces.Executor, calendar interfaces.Calendar, subsMgr *subs.Manager, cfg Config) *Scheduler {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 2 * time.Second
	}
	if cfg.ClosedPoll <= 0 {
		cfg.ClosedPoll = 15 * time.Minute
	}
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = 30 * time.Second
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		exec:     exec,
		calendar: calendar,
		subs:     subsMgr,
		cfg:      cfg,
		now:      time.Now,
		failed:   make(map[int64]bool),
	}
}

// Run loops until the context is cancelled. Session and cycle errors
// are logged and retried, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info(ctx, "Scheduler started",
		"buffer", s.cfg.Buffer.String(),
		"closed_poll", s.cfg.ClosedPoll.String())

	for {
		open, err := s.calendar.IsOpenNow(ctx)
		if err != nil {
			logger.ErrorWithErr(ctx, "Session check failed", err)
			if err := sleepCtx(ctx, time.Minute); err != nil {
				return err
			}
			continue
		}

		if !open {
			logger.Debug(ctx, "Market closed", "sleep", s.cfg.ClosedPoll.String())
			if err := sleepCtx(ctx, s.cfg.ClosedPoll); err != nil {
				return err
			}
			continue
		}

		s.RunCycle(ctx, s.now())

		wake := NextWakeup(s.now(), s.cfg.Buffer)
		if err := sleepCtx(ctx, time.Until(wake)); err != nil {
			return err
		}
	}
}

// NextWakeup returns the next cycle time: the top of the next minute
// plus the bar-arrival buffer.
func NextWakeup(now time.Time, buffer time.Duration) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute + buffer)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunCycle executes one full cycle at the given time. Every active
// instance runs even when others fail; subscriptions are reconciled at
// the end of the cycle regardless.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) {
	ctx, span := trace.StartSpan(ctx, "scheduler.RunCycle")
	defer span.End()

	timer := logger.StartOperation(ctx, "cycle", "at", now.Format(time.RFC3339))

	instances, err := s.store.ListInstances(ctx, types.StatusActive)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to list active instances", err)
		timer.EndWithError(err)
		return
	}

	wanted := make([]string, 0, len(instances))
	ran, skipped := 0, 0

	for _, inst := range instances {
		wanted = append(wanted, inst.Ticker)

		if s.isFailed(inst.ID) {
			skipped++
			continue
		}

		if err := s.runInstance(ctx, inst, now); err != nil {
			// Execution errors are transient: the strategy stays enabled
			// and runs again next cycle. Load failures and panics disable
			// the instance until cleared.
			if errors.Is(err, strategy.ErrExecution) {
				logger.ErrorWithErr(ctx, "Strategy execution failed, will retry next cycle", err,
					"instance_id", inst.ID, "ticker", inst.Ticker, "strategy", inst.StrategyType)
				continue
			}
			s.markFailed(inst.ID)
			logger.ErrorWithErr(ctx, "Instance cycle failed, disabling until cleared", err,
				"instance_id", inst.ID, "ticker", inst.Ticker, "strategy", inst.StrategyType)
			continue
		}
		ran++
	}

	if err := s.subs.Reconcile(ctx, wanted); err != nil {
		logger.ErrorWithErr(ctx, "Subscription reconcile incomplete", err)
	}

	timer.End("instances", len(instances), "ran", ran, "skipped", skipped)
}

// runInstance runs one instance's strategy under a timeout, recovering
// panics so a misbehaving strategy cannot take the loop down.
func (s *Scheduler) runInstance(ctx context.Context, inst types.Instance, now time.Time) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InstanceTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()

	strat, err := s.registry.Instantiate(inst.StrategyType)
	if err != nil {
		return err
	}

	decision, err := s.registry.Invoke(ctx, strat, inst, now)
	if err != nil {
		return err
	}

	if decision.Action == types.ActionHold {
		return nil
	}

	if _, err := s.exec.Execute(ctx, inst, decision); err != nil {
		// A failed trade is not a failed strategy. Log it and let the
		// instance run again next cycle.
		logger.ErrorWithErr(ctx, "Trade execution failed", err,
			"instance_id", inst.ID, "ticker", inst.Ticker,
			"action", string(decision.Action), "shares", decision.Shares)
	}
	return nil
}

func (s *Scheduler) isFailed(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[id]
}

func (s *Scheduler) markFailed(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = true
}

// ClearFailure re-enables a disabled instance, typically after its
// strategy has been fixed or the instance is stopped.
func (s *Scheduler) ClearFailure(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, id)
}

// FailedInstances returns the IDs currently disabled by failures.
func (s *Scheduler) FailedInstances() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.failed))
	for id := range s.failed {
		out = append(out, id)
	}
	return out
}
