package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc runs one periodic drain pass. Errors are logged and never stop
// the scheduler.
type TickFunc func(ctx context.Context) error

type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   TickFunc

	running  atomic.Bool
	ticks    atomic.Int64
	failures atomic.Int64
	lastTick atomic.Int64 // unix nanos

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Status struct {
	Name       string     `json:"name"`
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	Ticks      int64      `json:"ticks"`
	Failures   int64      `json:"failures"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
}

func New(name string, interval time.Duration, tickFn TickFunc) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "name", s.name, "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopping", "name", s.name)
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop waits for an in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped", "name", s.name)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	st := Status{
		Name:     s.name,
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Ticks:    s.ticks.Load(),
		Failures: s.failures.Load(),
	}
	if ns := s.lastTick.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		st.LastTickAt = &t
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	start := time.Now()
	s.ticks.Add(1)
	s.lastTick.Store(start.UnixNano())

	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			slog.Error("scheduler tick panic recovered", "name", s.name, "panic", r)
		}
	}()

	if err := s.tickFn(ctx); err != nil {
		s.failures.Add(1)
		slog.Error("scheduler tick failed", "name", s.name, "err", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	slog.Info("scheduler tick completed", "name", s.name, "duration_ms", time.Since(start).Milliseconds())
}
