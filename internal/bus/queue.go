package bus

import (
	"sync"

	"github.com/sproutlab/sprout/internal/event"
)

// dispatchQueue is a blocking four-level priority queue. Higher priority
// items are dequeued first; within one priority order is FIFO.
type dispatchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	levels [4][]func()
	closed bool
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues task at the given priority. Returns false once the queue is
// closed.
func (q *dispatchQueue) push(p event.Priority, task func()) bool {
	if p < event.PriorityLow || p > event.PriorityCritical {
		p = event.PriorityNormal
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.levels[p] = append(q.levels[p], task)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available or the queue is closed. Returns nil
// once closed and drained.
func (q *dispatchQueue) pop() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for p := int(event.PriorityCritical); p >= int(event.PriorityLow); p-- {
			if len(q.levels[p]) > 0 {
				task := q.levels[p][0]
				q.levels[p] = q.levels[p][1:]
				return task
			}
		}
		if q.closed {
			return nil
		}
		q.cond.Wait()
	}
}

func (q *dispatchQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// workerPool runs async dispatches at fixed concurrency off the priority
// queue.
type workerPool struct {
	queue *dispatchQueue
	wg    sync.WaitGroup
}

func newWorkerPool(concurrency int) *workerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &workerPool{queue: newDispatchQueue()}
	p.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		task := p.queue.pop()
		if task == nil {
			return
		}
		task()
	}
}

// submit enqueues task; false when the pool has been stopped.
func (p *workerPool) submit(prio event.Priority, task func()) bool {
	return p.queue.push(prio, task)
}

// stop closes the queue and waits for workers to drain it.
func (p *workerPool) stop() {
	p.queue.close()
	p.wg.Wait()
}
