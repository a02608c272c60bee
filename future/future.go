// Package future provides deferred results and a bounded worker pool
// for fetch tasks. A pool with zero workers degenerates to inline
// execution on the submitting goroutine, so callers can treat
// synchronous and threaded backends uniformly.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the resolution of tasks that were still queued when
// their pool was closed.
var ErrCancelled = errors.New("future: task cancelled")

// Future is a deferred result with states pending, ready and failed.
// The zero value is not usable; futures are created by a Pool or by
// Resolved/Failed.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already ready with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.complete(v, nil)
	return f
}

// Failed returns a future that has already failed with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// New returns a pending future together with its completion function.
// The completion function is idempotent; only the first call wins.
// This is for producers that resolve many futures from one protocol
// round trip, where a pool task per future would not fit.
func New[T any]() (*Future[T], func(T, error)) {
	f := newFuture[T]()
	return f, f.complete
}

// Go runs task on its own goroutine and returns its future.
func Go[T any](task Task[T]) *Future[T] {
	f := newFuture[T]()
	go func() {
		var zero T
		v, err := task()
		if err != nil {
			f.complete(zero, err)
			return
		}
		f.complete(v, nil)
	}()
	return f
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Ready reports whether the future has resolved, without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future resolves or ctx is done, whichever
// comes first. A task failure is re-raised here, never dropped.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Task computes one deferred value.
type Task[T any] func() (T, error)

// Pool runs tasks on a fixed set of workers.
//
// With zero workers a submitted task runs immediately on the caller's
// goroutine and its future is already resolved when Submit returns.
// With one worker, tasks complete in submission order. With more,
// completion order across workers is unspecified.
type Pool[T any] struct {
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job[T]
	closed bool

	wg sync.WaitGroup
}

type job[T any] struct {
	run Task[T]
	fut *Future[T]
}

// NewPool creates a pool with the given number of workers. workers <=
// 0 means inline execution with no goroutines at all.
func NewPool[T any](workers int) *Pool[T] {
	p := &Pool[T]{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Workers returns the configured worker count.
func (p *Pool[T]) Workers() int { return p.workers }

// Submit schedules task and returns its future. Submit never blocks on
// a full queue; the queue is unbounded. Submitting to a closed pool
// returns a future failed with ErrCancelled.
func (p *Pool[T]) Submit(task Task[T]) *Future[T] {
	if p.workers <= 0 {
		v, err := task()
		if err != nil {
			return Failed[T](err)
		}
		return Resolved(v)
	}

	j := &job[T]{run: task, fut: newFuture[T]()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Failed[T](ErrCancelled)
	}
	p.queue = append(p.queue, j)
	p.cond.Signal()
	p.mu.Unlock()

	return j.fut
}

func (p *Pool[T]) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		var zero T
		v, err := j.run()
		if err != nil {
			j.fut.complete(zero, err)
		} else {
			j.fut.complete(v, nil)
		}
	}
}

// Close shuts the pool down. Queued tasks that have not started resolve
// with ErrCancelled; in-flight tasks are allowed to finish, bounded by
// ctx. Close is idempotent.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	var zero T
	for _, j := range pending {
		j.fut.complete(zero, ErrCancelled)
	}

	if p.workers <= 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
