// Package perkey provides a scheduler that serializes work per key
// while allowing work for different keys to execute concurrently.
//
// The compiler driver keys it by package alias: invalidation, refresh and
// recompilation of one package run one after another, different packages
// proceed in parallel.
package perkey

import (
	"context"
	"sync"
	"time"
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize  int
	idleTimeout time.Duration
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithIdleTimeout stops a key's worker after it has been idle for d.
// A later task for the key starts a new one. Zero keeps workers until Close.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// Scheduler runs tasks (functions) such that for any given key K,
// tasks are executed sequentially, in submission order.
// Tasks for *different* keys can proceed in parallel.
type Scheduler[K comparable] struct {
	mu          sync.Mutex
	workers     map[K]*worker
	closed      bool
	wg          sync.WaitGroup // tracks in-flight Do operations
	bufferSize  int
	idleTimeout time.Duration
}

type worker struct {
	tasks chan *task
	// pending counts callers that picked this worker but have not finished
	// enqueueing yet. Guarded by Scheduler.mu.
	pending int
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:     make(map[K]*worker),
		bufferSize:  cfg.bufferSize,
		idleTimeout: cfg.idleTimeout,
	}
}

// Do schedules fn to run for the given key.
// It blocks until fn finishes and returns its error.
// All fn calls for the same key are executed sequentially.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation.
// If the context is cancelled while waiting to enqueue or waiting for
// completion, it returns the context error. Note that if a task is already
// enqueued, it will still execute even if the caller's context is cancelled.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	w := s.getOrCreateWorkerLocked(key)
	w.pending++
	s.mu.Unlock()

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	var enqueued bool
	select {
	case w.tasks <- t:
		enqueued = true
	case <-ctx.Done():
	}

	s.mu.Lock()
	w.pending--
	s.mu.Unlock()

	if !enqueued {
		s.wg.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.wg.Done()
		return err
	case <-ctx.Done():
		// Task is already in the queue and will execute,
		// but we don't wait for it.
		s.wg.Done()
		return ctx.Err()
	}
}

// Workers returns the number of keys that currently have a worker.
func (s *Scheduler[K]) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting new tasks and shuts down all workers.
// It waits for in-flight Do operations to finish enqueueing before
// closing worker channels. Existing tasks in queues will still be processed.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Wait for all in-flight Do operations to finish enqueueing.
	// This prevents sends to closed channels.
	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) getOrCreateWorkerLocked(key K) *worker {
	w, ok := s.workers[key]
	if ok {
		return w
	}

	w = &worker{
		tasks: make(chan *task, s.bufferSize),
	}
	s.workers[key] = w
	go s.runWorker(key, w)

	return w
}

// runWorker processes tasks sequentially for a single key.
func (s *Scheduler[K]) runWorker(key K, w *worker) {
	if s.idleTimeout <= 0 {
		for t := range w.tasks {
			t.done <- t.fn()
		}
		return
	}

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			t.done <- t.fn()
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			if s.reap(key, w) {
				return
			}
			idle.Reset(s.idleTimeout)
		}
	}
}

// reap removes w if nobody is about to hand it work.
func (s *Scheduler[K]) reap(key K, w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[key] != w || w.pending > 0 || len(w.tasks) > 0 {
		return false
	}
	delete(s.workers, key)
	return true
}

// ----- Errors -----

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = &SchedulerError{"scheduler is closed"}

// SchedulerError is a simple error implementation.
type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string { return e.msg }
