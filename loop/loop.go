// Package loop provides the serial scheduler behind every deferred callback in frame-rpc.
//
// Functions posted to a Loop run one at a time, in post order, on a single goroutine owned
// by the Loop. Post never runs the function inline, so a callback registered during a call
// can never execute before that call returns.
//
//	caller ──Post(f1)──┐
//	caller ──Post(f2)──┼──→ queue [f1 f2 f3] ──→ run goroutine: f1() → f2() → f3()
//	caller ──Post(f3)──┘
package loop

import "sync"

// Scheduler defers work to a later turn.
type Scheduler interface {
	Post(fn func())
}

// Loop is an unbounded FIFO of functions drained by one goroutine.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// New creates a Loop and starts its run goroutine.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post appends fn to the queue. It never blocks on fn and never runs it inline.
// Functions posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Close stops accepting new functions. Functions already queued still run.
// Safe to call multiple times.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
}

// Done is closed once the run goroutine has drained the queue after Close.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
