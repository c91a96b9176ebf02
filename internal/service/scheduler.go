package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultResyncInterval is how often the scheduler picks up newly
// registered recurring plans.
const defaultResyncInterval = 30 * time.Second

// Scheduler runs the recurring plans of registered agents. Each planned
// agent gets its own ticker goroutine; runs execute synchronously in that
// goroutine, so a plan never overlaps itself. A slower resync loop
// reconciles jobs against the definition registry.
type Scheduler struct {
	coordinator *Coordinator
	resync      time.Duration

	mu     sync.Mutex
	jobs   map[string]*scheduledJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scheduledJob struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// NewScheduler creates a scheduler over the coordinator's definitions.
func NewScheduler(c *Coordinator, resync time.Duration) *Scheduler {
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	return &Scheduler{
		coordinator: c,
		resync:      resync,
		jobs:        make(map[string]*scheduledJob),
	}
}

// Start begins scheduling. The first sync runs synchronously so plans
// registered before startup are ticking when Start returns.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.Sync()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Sync()
			}
		}
	}()
}

// Sync reconciles running jobs against the current set of planned agents:
// new plans start ticking, changed intervals restart, vanished plans stop.
func (s *Scheduler) Sync() {
	if s.ctx == nil {
		return
	}
	want := s.coordinator.plannedAgents()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, job := range s.jobs {
		interval, ok := want[name]
		if ok && interval == job.interval {
			continue
		}
		job.cancel()
		delete(s.jobs, name)
		slog.Info("recurring plan unscheduled", "agent", name)
	}
	for name, interval := range want {
		if _, ok := s.jobs[name]; ok {
			continue
		}
		jobCtx, cancel := context.WithCancel(s.ctx)
		s.jobs[name] = &scheduledJob{interval: interval, cancel: cancel}
		s.wg.Add(1)
		go s.runJob(jobCtx, name, interval)
		slog.Info("recurring plan scheduled", "agent", name, "interval", interval)
	}
}

// Stop cancels every job and waits for in-flight scheduled runs to wind
// down at their next iteration boundary.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.jobs = make(map[string]*scheduledJob)
	s.mu.Unlock()
}

// runJob ticks one agent's plan. Missed ticks coalesce while a run is in
// flight.
func (s *Scheduler) runJob(ctx context.Context, name string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.coordinator.RunScheduled(ctx, name); err != nil {
				slog.Warn("scheduled run failed", "agent", name, "error", err)
			}
		}
	}
}
