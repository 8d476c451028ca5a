package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Job is a request to run one named pipeline job.
type Job struct {
	Name        string
	Trigger     string // schedule, api or startup
	RequestedAt time.Time
}

// JobQueue is an in-memory queue of job requests. A single consumer goroutine hands
// jobs to the subscribers one at a time, so jobs never overlap.
type JobQueue struct {
	items    chan Job
	done     chan struct{}
	stopped  chan struct{}
	maxSize  int
	started  bool
	closed   bool
	mu       sync.RWMutex
	logger   *logrus.Logger
	handlers []func(Job) error
}

// NewJobQueue creates a job queue with the specified buffer size
func NewJobQueue(bufferSize int, logger *logrus.Logger) *JobQueue {
	return &JobQueue{
		items:    make(chan Job, bufferSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		maxSize:  bufferSize,
		logger:   logger,
		handlers: make([]func(Job) error, 0),
	}
}

// Push enqueues a job without blocking.
func (q *JobQueue) Push(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}

	select {
	case q.items <- job:
		q.logger.WithFields(logrus.Fields{
			"job":     job.Name,
			"trigger": job.Trigger,
		}).Debug("Pushed job to queue")
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe adds a handler function that will be called for each job
func (q *JobQueue) Subscribe(handler func(Job) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start begins processing jobs in the queue
func (q *JobQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.process()
}

func (q *JobQueue) process() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			return
		case job := <-q.items:
			q.dispatch(job)
		}
	}
}

// dispatch sends the job to all subscribed handlers
func (q *JobQueue) dispatch(job Job) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(job); err != nil {
			q.logger.WithError(err).WithField("job", job.Name).Error("Handler failed to process job")
		}
	}
}

// Close stops accepting jobs and waits for the job in progress to finish. Jobs still
// buffered are dropped.
func (q *JobQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	close(q.done)
	q.mu.Unlock()

	if started {
		<-q.stopped
	}
	return nil
}

// Len returns the current number of pending jobs
func (q *JobQueue) Len() int {
	return len(q.items)
}

// IsClosed returns whether the queue has been closed
func (q *JobQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
