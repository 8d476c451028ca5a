package aggregate

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"estatefeed/server/internal/database"
	"estatefeed/server/internal/models"
)

func setupDB(t *testing.T) (*gorm.DB, *models.Property) {
	db, err := database.NewTestDB()
	require.NoError(t, err)
	require.NoError(t, database.MigrateSchema(db))

	p := &models.Property{ExternalSeqID: "A1", Name: "Test Apartment"}
	require.NoError(t, db.Create(p).Error)
	return db, p
}

func newRebuilder() *Rebuilder {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRebuilder(logger, nil)
}

func saleDeal(pid uint, day int, floor int, areaKey, amount int64) models.SaleDeal {
	date := time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC)
	return models.SaleDeal{
		PropertyID:    pid,
		DealDate:      date,
		Floor:         floor,
		AreaKey:       areaKey,
		DealAmount:    amount,
		DealYearMonth: date.Format("200601"),
		ExclusiveArea: float64(areaKey) / models.SaleAreaScale,
		RegionCode:    "11680",
	}
}

func leaseDeal(pid uint, day int, areaKey, deposit, rent int64) models.LeaseDeal {
	date := time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC)
	return models.LeaseDeal{
		PropertyID:    pid,
		DealDate:      date,
		Floor:         5,
		AreaKey:       areaKey,
		Deposit:       deposit,
		MonthlyRent:   rent,
		DealYearMonth: date.Format("200601"),
		ExclusiveArea: float64(areaKey) / models.LeaseAreaScale,
		RegionCode:    "11680",
	}
}

func rebuild(t *testing.T, db *gorm.DB, touched *TouchSet) Stats {
	var stats Stats
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		stats, err = newRebuilder().Rebuild(context.Background(), tx, touched)
		return err
	})
	require.NoError(t, err)
	return stats
}

func loadCell(t *testing.T, db *gorm.DB, bucketID int64, month string) *models.MonthlyAggregate {
	var cells []models.MonthlyAggregate
	require.NoError(t, db.Where("bucket_id = ? AND deal_year_month = ?", bucketID, month).Find(&cells).Error)
	if len(cells) == 0 {
		return nil
	}
	require.Len(t, cells, 1)
	return &cells[0]
}

func TestRebuildSaleMeanMatchesInputs(t *testing.T) {
	db, p := setupDB(t)

	deals := []models.SaleDeal{
		saleDeal(p.ID, 2, 3, 8497, 100000),
		saleDeal(p.ID, 9, 7, 8497, 110000),
		saleDeal(p.ID, 20, 12, 8497, 125000),
		saleDeal(p.ID, 21, 4, 5994, 70000),
	}
	require.NoError(t, db.Create(&deals).Error)

	touched := NewTouchSet()
	for i := range deals {
		touched.AddSale(&deals[i])
	}
	stats := rebuild(t, db, touched)
	assert.Equal(t, 1, stats.SaleCells)
	assert.Equal(t, 2, stats.Upserted)

	cell := loadCell(t, db, models.BucketID(p.ID, 8497), "202403")
	require.NotNil(t, cell)
	assert.Equal(t, int64(335000), cell.SaleAmountSum)
	assert.Equal(t, int64(3), cell.SaleCount)
	assert.Equal(t, int64(8497), cell.AreaKey)

	avg := cell.AverageSaleAmount()
	require.True(t, avg.Valid)
	mean := decimal.NewFromInt(100000 + 110000 + 125000).Div(decimal.NewFromInt(3))
	assert.True(t, mean.Equal(avg.Decimal), "got %s want %s", avg.Decimal, mean)

	// No lease rows for this cell: the lease average is absent, not zero.
	assert.False(t, cell.AverageLeaseDeposit().Valid)
	assert.False(t, cell.AverageLeaseRent().Valid)
}

func TestRebuildTradeTypesAreIndependent(t *testing.T) {
	db, p := setupDB(t)

	// A lease area key that collides with a sale bucket id so both land in one row.
	sale := saleDeal(p.ID, 2, 3, 850, 90000)
	lease := leaseDeal(p.ID, 3, 850, 50000, 0)
	require.NoError(t, db.Create(&sale).Error)
	require.NoError(t, db.Create(&lease).Error)

	both := NewTouchSet()
	both.AddSale(&sale)
	both.AddLease(&lease)
	rebuild(t, db, both)

	bucket := models.BucketID(p.ID, 850)
	cell := loadCell(t, db, bucket, "202403")
	require.NotNil(t, cell)
	assert.Equal(t, int64(1), cell.SaleCount)
	assert.Equal(t, int64(1), cell.LeaseDepositCount)

	// A later sale-only touch must not zero the lease columns.
	second := saleDeal(p.ID, 15, 9, 850, 94000)
	require.NoError(t, db.Create(&second).Error)
	saleOnly := NewTouchSet()
	saleOnly.AddSale(&second)
	rebuild(t, db, saleOnly)

	cell = loadCell(t, db, bucket, "202403")
	require.NotNil(t, cell)
	assert.Equal(t, int64(2), cell.SaleCount)
	assert.Equal(t, int64(184000), cell.SaleAmountSum)
	assert.Equal(t, int64(1), cell.LeaseDepositCount)
	assert.Equal(t, int64(50000), cell.LeaseDepositSum)

	// And a lease-only touch must not zero the sale columns.
	rent := leaseDeal(p.ID, 18, 850, 10000, 120)
	require.NoError(t, db.Create(&rent).Error)
	leaseOnly := NewTouchSet()
	leaseOnly.AddLease(&rent)
	rebuild(t, db, leaseOnly)

	cell = loadCell(t, db, bucket, "202403")
	require.NotNil(t, cell)
	assert.Equal(t, int64(2), cell.SaleCount)
	assert.Equal(t, int64(2), cell.LeaseDepositCount)
	assert.Equal(t, int64(60000), cell.LeaseDepositSum)
	assert.Equal(t, int64(1), cell.LeaseRentCount)
	assert.Equal(t, int64(120), cell.LeaseRentSum)
}

func TestRebuildExcludesCancelledDeals(t *testing.T) {
	db, p := setupDB(t)

	kept := saleDeal(p.ID, 2, 3, 8497, 100000)
	cancelled := saleDeal(p.ID, 4, 3, 8497, 500000)
	cancelled.Cancelled = true
	require.NoError(t, db.Create(&[]models.SaleDeal{kept, cancelled}).Error)

	touched := NewTouchSet()
	touched.AddSale(&kept)
	rebuild(t, db, touched)

	cell := loadCell(t, db, models.BucketID(p.ID, 8497), "202403")
	require.NotNil(t, cell)
	assert.Equal(t, int64(1), cell.SaleCount)
	assert.Equal(t, int64(100000), cell.SaleAmountSum)
}

func TestRebuildDeletesEmptyCells(t *testing.T) {
	db, p := setupDB(t)

	deal := saleDeal(p.ID, 2, 3, 8497, 100000)
	require.NoError(t, db.Create(&deal).Error)
	touched := NewTouchSet()
	touched.AddSale(&deal)
	rebuild(t, db, touched)
	require.NotNil(t, loadCell(t, db, deal.BucketID(), "202403"))

	require.NoError(t, db.Model(&models.SaleDeal{}).Where("id = ?", deal.ID).Update("cancelled", true).Error)
	stats := rebuild(t, db, touched)

	assert.Equal(t, int64(1), stats.Deleted)
	assert.Nil(t, loadCell(t, db, deal.BucketID(), "202403"))
}

func TestRebuildOnlyTouchesNamedCells(t *testing.T) {
	db, p := setupDB(t)

	march := saleDeal(p.ID, 2, 3, 8497, 100000)
	require.NoError(t, db.Create(&march).Error)

	// A hand-planted stale cell for another month must survive a March rebuild.
	stale := models.MonthlyAggregate{
		PropertyID:    p.ID,
		BucketID:      models.BucketID(p.ID, 8497),
		DealYearMonth: "202402",
		AreaKey:       8497,
		SaleAmountSum: 1,
		SaleCount:     1,
	}
	require.NoError(t, db.Create(&stale).Error)

	touched := NewTouchSet()
	touched.AddSale(&march)
	rebuild(t, db, touched)

	feb := loadCell(t, db, models.BucketID(p.ID, 8497), "202402")
	require.NotNil(t, feb)
	assert.Equal(t, int64(1), feb.SaleAmountSum)
}

func TestRebuildEmptyTouchSet(t *testing.T) {
	db, _ := setupDB(t)
	stats := rebuild(t, db, NewTouchSet())
	assert.Equal(t, Stats{}, stats)
}
