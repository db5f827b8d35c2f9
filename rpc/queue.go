// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import "sync"

// queue is an unbounded FIFO. Pushing never blocks, so a goroutine that
// feeds a queue can never be stalled by the goroutine draining it.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

// push appends v, returning false if the queue has been closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.notify()
	return true
}

// ready is signalled whenever items are pushed or the queue is closed.
func (q *queue[T]) ready() <-chan struct{} {
	return q.signal
}

// drain removes and returns every queued item, and whether the queue
// has been closed. Once drain reports closed no more items will arrive.
func (q *queue[T]) drain() ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items, q.closed
}

// close stops further pushes. Items already queued remain drainable.
func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notify()
}

func (q *queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// executor runs submitted functions one at a time, in submission order,
// on a goroutine of its own.
type executor struct {
	tasks *queue[func()]
}

func newExecutor() *executor {
	return &executor{tasks: newQueue[func()]()}
}

// submit schedules f. It reports false if the executor has been stopped.
func (e *executor) submit(f func()) bool {
	return e.tasks.push(f)
}

// stop lets already submitted functions run, then ends the executor.
func (e *executor) stop() {
	e.tasks.close()
}

// run is the executor goroutine.
func (e *executor) run() error {
	for {
		<-e.tasks.ready()
		tasks, closed := e.tasks.drain()
		for _, task := range tasks {
			task()
		}
		if closed {
			return nil
		}
	}
}
