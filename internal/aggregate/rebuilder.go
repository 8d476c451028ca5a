// Package aggregate maintains the monthly per-bucket rollups of the deal tables.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
)

// Stats reports the work done by one Rebuild call.
type Stats struct {
	SaleCells  int
	LeaseCells int
	Upserted   int
	Deleted    int64
}

// Rebuilder recomputes only the cells named by a TouchSet. Sale and lease columns are
// written independently so one trade type never clobbers the other's figures.
type Rebuilder struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRebuilder(logger *logrus.Logger, m *metrics.Metrics) *Rebuilder {
	return &Rebuilder{logger: logger, metrics: m}
}

type saleRow struct {
	PropertyID    uint
	DealYearMonth string
	AreaKey       int64
	AmountSum     int64
	DealCount     int64
}

type leaseRow struct {
	PropertyID    uint
	DealYearMonth string
	AreaKey       int64
	DepositSum    int64
	DealCount     int64
	RentSum       int64
	RentCount     int64
}

var (
	saleColumns  = []string{"area_key", "sale_amount_sum", "sale_count", "updated_at"}
	leaseColumns = []string{"area_key", "lease_deposit_sum", "lease_deposit_count", "lease_rent_sum", "lease_rent_count", "updated_at"}
)

// Rebuild recomputes every touched cell inside tx. Cancelled deals are excluded from
// the sums; a monthly rent only counts when it is positive.
func (r *Rebuilder) Rebuild(ctx context.Context, tx *gorm.DB, touched *TouchSet) (Stats, error) {
	var stats Stats
	if touched == nil || touched.Len() == 0 {
		return stats, nil
	}
	tx = tx.WithContext(ctx)

	for _, trade := range []models.TradeType{models.TradeSale, models.TradeLease} {
		cells := touched.Cells(trade)
		for _, pid := range sortedIDs(cells) {
			months := cells[pid]

			var n int
			var err error
			if trade == models.TradeLease {
				stats.LeaseCells += len(months)
				n, err = r.rebuildLease(tx, pid, months)
			} else {
				stats.SaleCells += len(months)
				n, err = r.rebuildSale(tx, pid, months)
			}
			if err != nil {
				return stats, err
			}
			stats.Upserted += n
			r.metrics.AddAggregateUpserts(string(trade), n)

			deleted, err := deleteEmpty(tx, pid, months)
			if err != nil {
				return stats, err
			}
			stats.Deleted += deleted
		}
	}

	r.logger.WithFields(logrus.Fields{
		"sale_cells":  stats.SaleCells,
		"lease_cells": stats.LeaseCells,
		"upserted":    stats.Upserted,
		"deleted":     stats.Deleted,
	}).Debug("Rebuilt monthly aggregates")

	return stats, nil
}

func (r *Rebuilder) rebuildSale(tx *gorm.DB, propertyID uint, months []string) (int, error) {
	err := tx.Model(&models.MonthlyAggregate{}).
		Where("property_id = ? AND deal_year_month IN ?", propertyID, months).
		Updates(map[string]interface{}{"sale_amount_sum": 0, "sale_count": 0}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to reset sale aggregates: %w", err)
	}

	var rows []saleRow
	err = tx.Model(&models.SaleDeal{}).
		Select("property_id, deal_year_month, area_key, SUM(deal_amount) AS amount_sum, COUNT(*) AS deal_count").
		Where("property_id = ? AND deal_year_month IN ? AND cancelled = ?", propertyID, months, false).
		Group("property_id, deal_year_month, area_key").
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate sale deals: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	now := time.Now()
	cells := make([]models.MonthlyAggregate, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, models.MonthlyAggregate{
			PropertyID:    row.PropertyID,
			BucketID:      models.BucketID(row.PropertyID, row.AreaKey),
			DealYearMonth: row.DealYearMonth,
			AreaKey:       row.AreaKey,
			SaleAmountSum: row.AmountSum,
			SaleCount:     row.DealCount,
			UpdatedAt:     now,
		})
	}
	return len(cells), upsert(tx, cells, saleColumns)
}

func (r *Rebuilder) rebuildLease(tx *gorm.DB, propertyID uint, months []string) (int, error) {
	err := tx.Model(&models.MonthlyAggregate{}).
		Where("property_id = ? AND deal_year_month IN ?", propertyID, months).
		Updates(map[string]interface{}{
			"lease_deposit_sum":   0,
			"lease_deposit_count": 0,
			"lease_rent_sum":      0,
			"lease_rent_count":    0,
		}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to reset lease aggregates: %w", err)
	}

	var rows []leaseRow
	err = tx.Model(&models.LeaseDeal{}).
		Select(`property_id, deal_year_month, area_key,
			SUM(deposit) AS deposit_sum,
			COUNT(*) AS deal_count,
			SUM(CASE WHEN monthly_rent > 0 THEN monthly_rent ELSE 0 END) AS rent_sum,
			SUM(CASE WHEN monthly_rent > 0 THEN 1 ELSE 0 END) AS rent_count`).
		Where("property_id = ? AND deal_year_month IN ? AND cancelled = ?", propertyID, months, false).
		Group("property_id, deal_year_month, area_key").
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate lease deals: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	now := time.Now()
	cells := make([]models.MonthlyAggregate, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, models.MonthlyAggregate{
			PropertyID:        row.PropertyID,
			BucketID:          models.BucketID(row.PropertyID, row.AreaKey),
			DealYearMonth:     row.DealYearMonth,
			AreaKey:           row.AreaKey,
			LeaseDepositSum:   row.DepositSum,
			LeaseDepositCount: row.DealCount,
			LeaseRentSum:      row.RentSum,
			LeaseRentCount:    row.RentCount,
			UpdatedAt:         now,
		})
	}
	return len(cells), upsert(tx, cells, leaseColumns)
}

func upsert(tx *gorm.DB, cells []models.MonthlyAggregate, columns []string) error {
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "property_id"},
			{Name: "bucket_id"},
			{Name: "deal_year_month"},
		},
		DoUpdates: clause.AssignmentColumns(columns),
	}).CreateInBatches(&cells, 200).Error
	if err != nil {
		return fmt.Errorf("failed to upsert aggregates: %w", err)
	}
	return nil
}

// deleteEmpty removes cells left with no sale and no lease figures.
func deleteEmpty(tx *gorm.DB, propertyID uint, months []string) (int64, error) {
	res := tx.Where("property_id = ? AND deal_year_month IN ? AND sale_count = 0 AND lease_deposit_count = 0 AND lease_rent_count = 0", propertyID, months).
		Delete(&models.MonthlyAggregate{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete empty aggregates: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func sortedIDs(m map[uint][]string) []uint {
	ids := make([]uint, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
