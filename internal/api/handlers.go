package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"estatefeed/server/internal/checkpoint"
	"estatefeed/server/internal/models"
	"estatefeed/server/internal/queue"
	"estatefeed/server/internal/scheduler"
)

// JobPusher accepts job requests.
type JobPusher interface {
	Push(job queue.Job) error
}

type Handler struct {
	db          *gorm.DB
	checkpoints checkpoint.Store
	jobs        JobPusher
	logger      *logrus.Logger
}

func NewHandler(db *gorm.DB, checkpoints checkpoint.Store, jobs JobPusher, logger *logrus.Logger) *Handler {
	return &Handler{
		db:          db,
		checkpoints: checkpoints,
		jobs:        jobs,
		logger:      logger,
	}
}

// Health reports whether the database answers.
func (h *Handler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		h.logger.WithError(err).Error("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetCheckpoint returns the saved cursor of a run identity.
func (h *Handler) GetCheckpoint(c *gin.Context) {
	runID := c.Param("run")
	cursor, ok, err := h.checkpoints.Load(c.Request.Context(), runID)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Error("Failed to load checkpoint")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Checkpoint store unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No checkpoint for run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id": runID,
		"cursor": cursor,
	})
}

// TriggerJob queues a named job for the sequential job runner.
func (h *Handler) TriggerJob(c *gin.Context) {
	name := c.Param("job")
	if _, err := scheduler.ParseJobType(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown job"})
		return
	}

	err := h.jobs.Push(queue.Job{Name: name, Trigger: "api", RequestedAt: time.Now()})
	switch {
	case err == nil:
		h.logger.WithField("job_type", name).Info("Job queued via API")
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "job": name})
	case errors.Is(err, queue.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Job queue is full"})
	default:
		h.logger.WithError(err).WithField("job_type", name).Error("Failed to queue job")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Job queue unavailable"})
	}
}

type aggregateResponse struct {
	BucketID            int64            `json:"bucket_id"`
	AreaKey             int64            `json:"area_key"`
	YearMonth           string           `json:"year_month"`
	SaleCount           int64            `json:"sale_count"`
	AverageSaleAmount   *decimal.Decimal `json:"average_sale_amount"`
	LeaseDepositCount   int64            `json:"lease_deposit_count"`
	AverageLeaseDeposit *decimal.Decimal `json:"average_lease_deposit"`
	LeaseRentCount      int64            `json:"lease_rent_count"`
	AverageLeaseRent    *decimal.Decimal `json:"average_lease_rent"`
}

func average(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal.Round(2)
	return &v
}

// GetPropertyAggregates returns the monthly cells of one property, newest month first.
// Averages are null when the cell has no deals of that kind.
func (h *Handler) GetPropertyAggregates(c *gin.Context) {
	seq := c.Param("seq")

	var property models.Property
	err := h.db.WithContext(c.Request.Context()).Where("external_seq_id = ?", seq).First(&property).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Property not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get property")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get property"})
		return
	}

	var cells []models.MonthlyAggregate
	err = h.db.WithContext(c.Request.Context()).
		Where("property_id = ?", property.ID).
		Order("deal_year_month DESC, area_key ASC").
		Find(&cells).Error
	if err != nil {
		h.logger.WithError(err).Error("Failed to get aggregates")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get aggregates"})
		return
	}

	out := make([]aggregateResponse, 0, len(cells))
	for i := range cells {
		cell := &cells[i]
		out = append(out, aggregateResponse{
			BucketID:            cell.BucketID,
			AreaKey:             cell.AreaKey,
			YearMonth:           cell.DealYearMonth,
			SaleCount:           cell.SaleCount,
			AverageSaleAmount:   average(cell.AverageSaleAmount()),
			LeaseDepositCount:   cell.LeaseDepositCount,
			AverageLeaseDeposit: average(cell.AverageLeaseDeposit()),
			LeaseRentCount:      cell.LeaseRentCount,
			AverageLeaseRent:    average(cell.AverageLeaseRent()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"property":   property,
		"aggregates": out,
	})
}
