// Package scheduler runs named periodic background jobs with a shared
// cooperative stop signal, so cancellation and test time-control live in
// one place instead of scattered sleep loops.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/propsync/backend/internal/logging"
)

// Job is one unit of periodic work. It must return between iterations;
// cancellation is cooperative and never interrupts a running iteration.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler owns a set of periodic jobs.
type Scheduler struct {
	mu        sync.Mutex
	jobs      []Job
	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	counts    map[string]int64
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		stopCh: make(chan struct{}),
		counts: make(map[string]int64),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: run})
}

// Start launches one goroutine per registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}

	logging.Info("Scheduler started", map[string]interface{}{"jobs": len(jobs)})
}

// Stop signals every job loop and waits for them to finish their current
// iteration. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Scheduler stopped")
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// RunCount returns how many times a job has run. Intended for tests and
// stats.
func (s *Scheduler) RunCount(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// Trigger runs a registered job once, immediately, on the caller's
// goroutine. Gives tests deterministic time-control.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	var run func()
	for _, job := range s.jobs {
		if job.Name == name {
			run = job.Run
			break
		}
	}
	s.mu.Unlock()

	if run == nil {
		return false
	}
	run()
	s.recordRun(name)
	return true
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			job.Run()
			s.recordRun(job.Name)
		}
	}
}

func (s *Scheduler) recordRun(name string) {
	s.mu.Lock()
	s.counts[name]++
	s.mu.Unlock()
}
