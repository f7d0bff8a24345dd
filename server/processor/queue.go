package processor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/setv/ultrascan/server/metrics"
	"github.com/setv/ultrascan/server/workflow"
)

type AnalysisJob struct {
	Session    *Session
	Workflow   *workflow.Workflow
	Rate       int
	EnqueuedAt time.Time
}

// ProcessingQueue runs analysis jobs on a fixed set of workers. A panicking
// job is handed to onPanic and the worker keeps running.
type ProcessingQueue struct {
	jobs    chan *AnalysisJob
	workers int
	busy    atomic.Int32
	handle  func(*AnalysisJob)
	onPanic func(*AnalysisJob, any)

	wg      sync.WaitGroup
	stop    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

func NewProcessingQueue(queueSize, workers int, handle func(*AnalysisJob), onPanic func(*AnalysisJob, any)) *ProcessingQueue {
	q := &ProcessingQueue{
		jobs:    make(chan *AnalysisJob, queueSize),
		workers: workers,
		handle:  handle,
		onPanic: onPanic,
		stop:    make(chan struct{}),
	}

	q.wg.Add(workers)
	for range workers {
		go q.worker()
	}

	return q
}

func (q *ProcessingQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case job := <-q.jobs:
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.busy.Add(1)
			q.run(job)
			q.busy.Add(-1)
		}
	}
}

func (q *ProcessingQueue) run(job *AnalysisJob) {
	defer func() {
		if r := recover(); r != nil && q.onPanic != nil {
			q.onPanic(job, r)
		}
	}()

	q.handle(job)
}

// Enqueue returns false when the queue is full or shut down.
func (q *ProcessingQueue) Enqueue(job *AnalysisJob) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return false
	}

	select {
	case q.jobs <- job:
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		return false
	}
}

// Shutdown stops accepting jobs and waits up to timeout for the workers to
// finish their current job. Jobs still queued are returned for the caller
// to fail.
func (q *ProcessingQueue) Shutdown(timeout time.Duration) ([]*AnalysisJob, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, nil
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stop)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("workers still busy after %s", timeout)
	}

	var pending []*AnalysisJob
	for {
		select {
		case job := <-q.jobs:
			pending = append(pending, job)
		default:
			metrics.QueueDepth.Set(0)
			return pending, err
		}
	}
}

type QueueStats struct {
	Queued   int  `json:"queued"`
	Capacity int  `json:"capacity"`
	Workers  int  `json:"workers"`
	Busy     int  `json:"busy"`
	Running  bool `json:"running"`
}

func (q *ProcessingQueue) GetQueueStats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return QueueStats{
		Queued:   len(q.jobs),
		Capacity: cap(q.jobs),
		Workers:  q.workers,
		Busy:     int(q.busy.Load()),
		Running:  !q.stopped,
	}
}
