package weathercache

import "sync"

// serialQueue runs submitted functions one at a time, in submission order,
// on a single goroutine. Submission never blocks.
type serialQueue struct {
	mu     sync.Mutex
	jobs   []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go q.worker()

	return q
}

// submit enqueues fn. It reports false if the queue has been closed, in
// which case fn will never run.
func (q *serialQueue) submit(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, fn)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *serialQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serialQueue) worker() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.jobs) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		batch := q.jobs
		q.jobs = nil
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// close rejects further submissions and returns once every job queued
// before it has run.
func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
	<-q.done
}
