package loopback

import (
	"log/slog"
	"sync"
)

// queue runs callbacks one at a time, in submission order, on its own goroutine.
// push never blocks, so callbacks may push further work.
type queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newQueue(logger *slog.Logger) *queue {
	q := &queue{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

// close drops queued work and stops the goroutine. It does not wait when
// called from a queued callback.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	close(q.wake)
	q.mu.Unlock()
}

func (q *queue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 || q.closed {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			q.call(fn)
		}
	}
}

func (q *queue) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("loopback callback panicked", "panic", r)
		}
	}()
	fn()
}

// idle blocks until everything queued so far has run.
func (q *queue) idle() {
	ch := make(chan struct{})
	if !q.push(func() { close(ch) }) {
		return
	}
	select {
	case <-ch:
	case <-q.done:
	}
}
