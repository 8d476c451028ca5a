package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
	"estatefeed/server/internal/source"
)

// RegionLister returns the region codes forming the outer loop of a run.
type RegionLister interface {
	RegionCodes(ctx context.Context) ([]string, error)
}

// PoolConfig controls how a trade type run is split across workers.
type PoolConfig struct {
	Workers          int
	ProvincePrefixes []string
}

// Pool runs one BatchProcessor per disjoint region partition. Partitions share the
// source client, and with it the per-page delay.
type Pool struct {
	processor *BatchProcessor
	fetcher   source.DealFetcher
	regions   RegionLister
	cfg       PoolConfig
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewPool(processor *BatchProcessor, fetcher source.DealFetcher, regions RegionLister, cfg PoolConfig, logger *logrus.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		processor: processor,
		fetcher:   fetcher,
		regions:   regions,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// Partition splits regions into at most n contiguous, disjoint slices that together
// cover every region in order.
func Partition(regions []string, n int) [][]string {
	if n > len(regions) {
		n = len(regions)
	}
	if n < 1 {
		return nil
	}
	parts := make([][]string, 0, n)
	size, extra := len(regions)/n, len(regions)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		parts = append(parts, regions[start:end])
		start = end
	}
	return parts
}

// RunID names the checkpoint of partition i of n for a trade type.
func RunID(trade models.TradeType, i, n int) string {
	return fmt.Sprintf("ingest:%s:%dof%d", trade, i, n)
}

// Run ingests every month in months for the trade type. Partitions run to completion
// independently; the first error is returned after all of them stop.
func (p *Pool) Run(ctx context.Context, trade models.TradeType, months []string) (RunStats, error) {
	var total RunStats

	regions, err := p.regions.RegionCodes(ctx)
	if err != nil {
		return total, fmt.Errorf("failed to list regions: %w", err)
	}
	parts := Partition(regions, p.cfg.Workers)
	if len(parts) == 0 {
		p.logger.WithField("trade", trade).Warn("No regions to ingest")
		return total, nil
	}

	p.logger.WithFields(logrus.Fields{
		"trade":      trade,
		"regions":    len(regions),
		"months":     len(months),
		"partitions": len(parts),
	}).Info("Starting ingestion")

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(p.cfg.Workers)
	for i, part := range parts {
		runID := RunID(trade, i, len(parts))
		reader := source.NewReader(p.fetcher, trade, part, months, p.cfg.ProvincePrefixes, p.logger, p.metrics)
		g.Go(func() error {
			stats, err := p.processor.Run(ctx, runID, reader)
			mu.Lock()
			total.Add(stats)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("partition %s: %w", runID, err)
			}
			return nil
		})
	}
	err = g.Wait()

	entry := p.logger.WithField("trade", trade).WithFields(total.fields())
	if err != nil {
		entry.WithError(err).Error("Ingestion finished with errors")
		return total, err
	}
	entry.Info("Ingestion finished")
	return total, nil
}
