package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"estatefeed/server/internal/queue"
)

// Pusher accepts job requests.
type Pusher interface {
	Push(job queue.Job) error
}

// Config holds the scheduling intervals. A zero interval disables that schedule.
type Config struct {
	IngestInterval    time.Duration
	ProximityInterval time.Duration
	RunOnStartup      bool
}

var (
	// Ingestion is followed by the geocoding backfill for properties it left unlocated.
	ingestJobs    = []JobType{JobTypeIngestSale, JobTypeIngestLease, JobTypeGeocode}
	proximityJobs = []JobType{JobTypeAmenities, JobTypeProximity}
)

// Scheduler periodically enqueues pipeline jobs. It never runs them itself; the queue
// consumer does, so scheduled and requested jobs share one sequential lane.
type Scheduler struct {
	queue    Pusher
	cfg      Config
	logger   *logrus.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(q Pusher, cfg Config, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		queue:    q,
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the scheduled tasks
func (s *Scheduler) Start() {
	if s.cfg.RunOnStartup {
		s.logger.Info("Queueing startup jobs")
		s.enqueue("startup", ingestJobs...)
		s.enqueue("startup", proximityJobs...)
	}

	s.wg.Add(1)
	go s.runScheduler()
}

func (s *Scheduler) runScheduler() {
	defer s.wg.Done()

	ingest := newTicker(s.cfg.IngestInterval)
	defer ingest.stop()
	proximity := newTicker(s.cfg.ProximityInterval)
	defer proximity.stop()

	for {
		select {
		case <-s.stopChan:
			return
		case t := <-ingest.c:
			s.logger.WithField("tick", t.Format(time.RFC3339)).Debug("Ingestion schedule fired")
			s.enqueue("schedule", ingestJobs...)
		case t := <-proximity.c:
			s.logger.WithField("tick", t.Format(time.RFC3339)).Debug("Proximity schedule fired")
			s.enqueue("schedule", proximityJobs...)
		}
	}
}

func (s *Scheduler) enqueue(trigger string, jobs ...JobType) {
	for _, job := range jobs {
		err := s.queue.Push(queue.Job{Name: job.String(), Trigger: trigger, RequestedAt: time.Now()})
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrQueueFull):
			s.logger.WithField("job_type", job.String()).Warn("Job queue full, skipping scheduled job")
		default:
			s.logger.WithError(err).WithField("job_type", job.String()).Error("Failed to queue job")
		}
	}
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// ticker wraps time.Ticker so a disabled schedule has a nil channel that never fires.
type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
