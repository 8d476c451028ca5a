package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/queue"
)

// ErrUnknownJob is returned for a job name with no registered implementation.
var ErrUnknownJob = errors.New("unknown job")

// JobType represents the pipeline jobs that can be scheduled or requested
type JobType int

const (
	JobTypeIngestSale JobType = iota
	JobTypeIngestLease
	JobTypeGeocode
	JobTypeAmenities
	JobTypeProximity
	JobTypeRegions
)

// JobTypes lists every job type in display order.
var JobTypes = []JobType{
	JobTypeIngestSale,
	JobTypeIngestLease,
	JobTypeGeocode,
	JobTypeAmenities,
	JobTypeProximity,
	JobTypeRegions,
}

// String returns the string representation of a JobType
func (j JobType) String() string {
	switch j {
	case JobTypeIngestSale:
		return "ingest-sale"
	case JobTypeIngestLease:
		return "ingest-lease"
	case JobTypeGeocode:
		return "geocode"
	case JobTypeAmenities:
		return "amenities"
	case JobTypeProximity:
		return "proximity"
	case JobTypeRegions:
		return "regions"
	default:
		return "unknown"
	}
}

// ParseJobType maps a job name back to its JobType.
func ParseJobType(name string) (JobType, error) {
	for _, j := range JobTypes {
		if j.String() == name {
			return j, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownJob, name)
}

// JobFunc is the implementation of one job.
type JobFunc func(ctx context.Context) error

// Runner owns the job implementations and executes them one at a time.
type Runner struct {
	ctx      context.Context
	jobs     map[JobType]JobFunc
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	mu       sync.RWMutex
	jobMutex sync.Mutex // Ensures sequential job execution
}

// NewRunner creates a runner whose queued jobs run under ctx.
func NewRunner(ctx context.Context, logger *logrus.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		ctx:     ctx,
		jobs:    make(map[JobType]JobFunc),
		logger:  logger,
		metrics: m,
	}
}

// Register binds fn to the job type, replacing any earlier binding.
func (r *Runner) Register(job JobType, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job] = fn
}

// Has reports whether the job type has an implementation.
func (r *Runner) Has(job JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[job]
	return ok
}

// Run executes one job and waits for it.
func (r *Runner) Run(ctx context.Context, job JobType) error {
	r.mu.RLock()
	fn, ok := r.jobs[job]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, job.String())
	}

	r.jobMutex.Lock()
	defer r.jobMutex.Unlock()

	log := r.logger.WithField("job_type", job.String())
	log.Info("Starting job")
	start := time.Now()

	err := fn(ctx)
	r.metrics.ObserveJob(job.String(), start, err)

	log = log.WithField("duration", time.Since(start).Round(time.Millisecond).String())
	if err != nil {
		log.WithError(err).Error("Job failed")
		return err
	}
	log.Info("Job completed successfully")
	return nil
}

// Handle runs a queued job request. It is meant to be subscribed to a JobQueue.
func (r *Runner) Handle(job queue.Job) error {
	jobType, err := ParseJobType(job.Name)
	if err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"job_type": job.Name,
		"trigger":  job.Trigger,
		"waited":   time.Since(job.RequestedAt).Round(time.Millisecond).String(),
	}).Debug("Dequeued job")
	return r.Run(r.ctx, jobType)
}
