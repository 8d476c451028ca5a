package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"estatefeed/server/config"
	"estatefeed/server/internal/aggregate"
	"estatefeed/server/internal/checkpoint"
	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
	"estatefeed/server/internal/property"
	"estatefeed/server/internal/source"
)

// PropertyResolver attaches deals to canonical properties.
type PropertyResolver interface {
	ResolveOrCreate(ctx context.Context, externalSeqID string, f property.Fields) (property.Resolution, error)
}

// Config controls batch sizing, write mode and retries.
type Config struct {
	BatchSize  int
	InsertMode string
	MaxRetries int
	RetryDelay time.Duration
}

// RunStats are the per-run counters reported to operators.
type RunStats struct {
	Read          int
	Skipped       int
	Inserted      int
	Duplicates    int
	Created       int
	FoundExisting int
	Refreshed     int
	Raced         int
	Batches       int
	Reader        source.ReaderStats
}

// Add folds other into s.
func (s *RunStats) Add(other RunStats) {
	s.Read += other.Read
	s.Skipped += other.Skipped
	s.Inserted += other.Inserted
	s.Duplicates += other.Duplicates
	s.Created += other.Created
	s.FoundExisting += other.FoundExisting
	s.Refreshed += other.Refreshed
	s.Raced += other.Raced
	s.Batches += other.Batches
	s.Reader.PagesFetched += other.Reader.PagesFetched
	s.Reader.TransientCells += other.Reader.TransientCells
	s.Reader.MalformedCells += other.Reader.MalformedCells
	s.Reader.SkippedRegions += other.Reader.SkippedRegions
}

func (s RunStats) fields() logrus.Fields {
	return logrus.Fields{
		"read":            s.Read,
		"skipped":         s.Skipped,
		"inserted":        s.Inserted,
		"duplicates":      s.Duplicates,
		"created":         s.Created,
		"found_existing":  s.FoundExisting,
		"refreshed":       s.Refreshed,
		"raced":           s.Raced,
		"batches":         s.Batches,
		"transient_cells": s.Reader.TransientCells,
	}
}

// BatchProcessor drives one reader through validation, property resolution,
// persistence and aggregate rebuild in fixed-size batches, checkpointing after
// every committed batch.
type BatchProcessor struct {
	db          *gorm.DB
	resolver    PropertyResolver
	rebuilder   *aggregate.Rebuilder
	checkpoints checkpoint.Store
	cfg         Config
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

func NewBatchProcessor(db *gorm.DB, resolver PropertyResolver, rebuilder *aggregate.Rebuilder, checkpoints checkpoint.Store, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *BatchProcessor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.InsertMode == "" {
		cfg.InsertMode = config.InsertModeIgnore
	}
	return &BatchProcessor{
		db:          db,
		resolver:    resolver,
		rebuilder:   rebuilder,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
	}
}

// prepared is a validated deal attached to its property.
type prepared struct {
	deal       *source.Deal
	propertyID uint
}

// Run reads until the end of the stream, resuming from the checkpoint saved under
// runID. The checkpoint is cleared once the stream is exhausted. On a fatal error the
// last committed checkpoint stays in place for the next run.
func (p *BatchProcessor) Run(ctx context.Context, runID string, reader *source.Reader) (RunStats, error) {
	var stats RunStats
	log := p.logger.WithField("run_id", runID)

	axes := reader.Axes()
	saved, ok, err := p.checkpoints.Load(ctx, runID)
	if err != nil {
		return stats, err
	}
	if ok && saved.Axes != axes {
		// The region or month lists moved since the save; the indices point elsewhere.
		log.WithFields(logrus.Fields{
			"cursor":     saved.String(),
			"saved_axes": saved.Axes,
			"axes":       axes,
		}).Warn("Discarding checkpoint saved over different regions or months")
		ok = false
	}
	if ok {
		reader.Open(saved)
		log.WithField("cursor", saved.String()).Info("Resuming from checkpoint")
	}

	for {
		records, readErr := p.readBatch(ctx, reader)
		if readErr != nil && !errors.Is(readErr, io.EOF) && ctx.Err() != nil {
			return p.finish(log, stats, reader, readErr)
		}

		if len(records) > 0 {
			batchStats, err := p.processBatch(ctx, records)
			stats.Add(batchStats)
			p.metrics.BatchDone(string(records[0].Trade), err)
			if err != nil {
				return p.finish(log, stats, reader, err)
			}
			cursor := reader.Checkpoint()
			cursor.Axes = axes
			if err := p.checkpoints.Save(ctx, runID, cursor); err != nil {
				return p.finish(log, stats, reader, err)
			}
		}

		if errors.Is(readErr, io.EOF) {
			if err := p.checkpoints.Clear(ctx, runID); err != nil {
				return p.finish(log, stats, reader, err)
			}
			return p.finish(log, stats, reader, nil)
		}
		if readErr != nil {
			return p.finish(log, stats, reader, readErr)
		}
	}
}

func (p *BatchProcessor) finish(log *logrus.Entry, stats RunStats, reader *source.Reader, err error) (RunStats, error) {
	stats.Reader = reader.Stats()
	entry := log.WithFields(stats.fields())
	if err != nil {
		entry.WithError(err).Error("Ingestion run stopped")
		return stats, err
	}
	entry.Info("Ingestion run finished")
	return stats, nil
}

// readBatch reads up to BatchSize records. The returned error is io.EOF at the end of
// the stream, or the error that ended it; records read before it are still returned.
func (p *BatchProcessor) readBatch(ctx context.Context, reader *source.Reader) ([]*source.Record, error) {
	records := make([]*source.Record, 0, p.cfg.BatchSize)
	for len(records) < p.cfg.BatchSize {
		rec, err := reader.Next(ctx)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// processBatch validates and resolves outside any transaction, then writes the deals
// and rebuilds aggregates in one transaction, retried up to MaxRetries times.
func (p *BatchProcessor) processBatch(ctx context.Context, records []*source.Record) (RunStats, error) {
	stats := RunStats{Read: len(records), Batches: 1}

	deals := make([]prepared, 0, len(records))
	for _, rec := range records {
		deal, err := source.ParseDeal(rec)
		if err != nil {
			stats.Skipped++
			p.metrics.RecordSkipped(string(rec.Trade), "validation")
			p.logger.WithError(err).WithFields(logrus.Fields{
				"trade":    rec.Trade,
				"position": rec.Position.String(),
			}).Debug("Skipping record")
			continue
		}

		res, err := p.resolver.ResolveOrCreate(ctx, deal.ExternalSeqID, property.FieldsFromDeal(deal))
		if err != nil {
			return stats, fmt.Errorf("failed to resolve property %s: %w", deal.ExternalSeqID, err)
		}
		switch res.Outcome {
		case property.Created:
			stats.Created++
		case property.Refreshed:
			stats.Refreshed++
		default:
			stats.FoundExisting++
		}
		if res.Raced {
			stats.Raced++
		}
		deals = append(deals, prepared{deal: deal, propertyID: res.Property.ID})
	}

	if len(deals) == 0 {
		return stats, nil
	}

	var inserted, duplicates int
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Infof("Retrying batch write, attempt %d of %d", attempt, p.cfg.MaxRetries)
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(p.cfg.RetryDelay):
			}
		}

		err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			touched := aggregate.NewTouchSet()
			var txErr error
			inserted, duplicates, txErr = p.writeDeals(tx, deals, touched)
			if txErr != nil {
				return txErr
			}
			_, txErr = p.rebuilder.Rebuild(ctx, tx, touched)
			return txErr
		})
		if err == nil {
			break
		}
		p.logger.WithError(err).Error("Batch write failed")
	}
	if err != nil {
		return stats, fmt.Errorf("failed to write batch after %d attempts: %w", p.cfg.MaxRetries+1, err)
	}

	trade := string(deals[0].deal.Trade)
	stats.Inserted = inserted
	stats.Duplicates = duplicates
	p.metrics.AddInserted(trade, inserted)
	p.metrics.AddDuplicates(trade, duplicates)

	p.logger.WithFields(logrus.Fields{
		"trade":      trade,
		"records":    len(records),
		"inserted":   inserted,
		"duplicates": duplicates,
		"skipped":    stats.Skipped,
	}).Debug("Batch committed")

	return stats, nil
}

// writeDeals inserts the batch row by row so each row's outcome is known. In
// insert-ignore mode a row that hits the natural key is a counted duplicate; in upsert
// mode it overwrites the mutable columns and is touched like a new row.
func (p *BatchProcessor) writeDeals(tx *gorm.DB, deals []prepared, touched *aggregate.TouchSet) (int, int, error) {
	var inserted, duplicates int
	for _, d := range deals {
		var (
			affected int64
			err      error
		)
		if d.deal.Trade == models.TradeLease {
			row := d.deal.LeaseDeal(d.propertyID)
			res := tx.Clauses(p.conflictClause(leaseNaturalKey)).Create(&row)
			affected, err = res.RowsAffected, res.Error
			if err == nil && affected > 0 {
				touched.AddLease(&row)
			}
		} else {
			row := d.deal.SaleDeal(d.propertyID)
			res := tx.Clauses(p.conflictClause(saleNaturalKey)).Create(&row)
			affected, err = res.RowsAffected, res.Error
			if err == nil && affected > 0 {
				touched.AddSale(&row)
			}
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert %s deal: %w", d.deal.Trade, err)
		}
		if affected > 0 {
			inserted++
		} else {
			duplicates++
		}
	}
	return inserted, duplicates, nil
}

var (
	saleNaturalKey  = []string{"property_id", "deal_date", "floor", "area_key", "deal_amount"}
	leaseNaturalKey = []string{"property_id", "deal_date", "floor", "area_key", "deposit", "monthly_rent"}
	mutableColumns  = []string{"exclusive_area", "deal_year_month", "region_code", "cancelled", "updated_at"}
)

func (p *BatchProcessor) conflictClause(naturalKey []string) clause.OnConflict {
	columns := make([]clause.Column, len(naturalKey))
	for i, name := range naturalKey {
		columns[i] = clause.Column{Name: name}
	}
	if p.cfg.InsertMode == config.InsertModeUpsert {
		return clause.OnConflict{Columns: columns, DoUpdates: clause.AssignmentColumns(mutableColumns)}
	}
	return clause.OnConflict{Columns: columns, DoNothing: true}
}
