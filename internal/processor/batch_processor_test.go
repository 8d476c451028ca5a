package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"estatefeed/server/config"
	"estatefeed/server/internal/aggregate"
	"estatefeed/server/internal/checkpoint"
	"estatefeed/server/internal/database"
	"estatefeed/server/internal/models"
	"estatefeed/server/internal/property"
	"estatefeed/server/internal/source"
)

// fakeFetcher serves fixed items per cell in pages of pageSize.
type fakeFetcher struct {
	mu       sync.Mutex
	pageSize int
	cells    map[string][]source.RawDeal // "region/month" -> items
	errs     map[string]error            // "region/month/page" -> error
	calls    []string
}

func (f *fakeFetcher) PageSize() int { return f.pageSize }

func (f *fakeFetcher) FetchDeals(_ context.Context, _ models.TradeType, region, month string, page int) (*source.Page[source.RawDeal], error) {
	key := fmt.Sprintf("%s/%s/%d", region, month, page)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	err, failed := f.errs[key]
	f.mu.Unlock()
	if failed {
		return nil, err
	}

	items := f.cells[region+"/"+month]
	out := &source.Page[source.RawDeal]{PageNo: page, PageSize: f.pageSize, TotalCount: len(items)}
	start := (page - 1) * f.pageSize
	for i := start; i < len(items) && i < start+f.pageSize; i++ {
		out.Items = append(out.Items, items[i])
	}
	return out, nil
}

func (f *fakeFetcher) calledFor(region string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if len(c) >= len(region) && c[:len(region)] == region {
			return true
		}
	}
	return false
}

func rawSale(seq, region, area, floor, day, amount string) source.RawDeal {
	return source.RawDeal{
		SeqID:        source.FlexString(seq),
		Name:         "래미안대치팰리스",
		Neighborhood: "대치동",
		LotNumber:    "1027",
		RoadName:     "삼성로51길",
		RoadMain:     "00037",
		BuildYear:    "2015",
		Area:         source.FlexString(area),
		Floor:        source.FlexString(floor),
		DealYear:     "2024",
		DealMonth:    "1",
		DealDay:      source.FlexString(day),
		DealAmount:   source.FlexString(amount),
		RegionCode:   source.FlexString(region),
	}
}

func rawLease(seq, region, area, floor, day, deposit, rent string) source.RawDeal {
	d := rawSale(seq, region, area, floor, day, "")
	d.Deposit = source.FlexString(deposit)
	d.MonthlyRent = source.FlexString(rent)
	return d
}

type testEnv struct {
	db          *gorm.DB
	checkpoints *checkpoint.GormStore
	logger      *logrus.Logger
}

func setupTestDB(t *testing.T) *testEnv {
	db, err := database.NewTestDB()
	require.NoError(t, err)
	require.NoError(t, database.MigrateSchema(db))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &testEnv{db: db, checkpoints: checkpoint.NewGormStore(db), logger: logger}
}

func (e *testEnv) processor(cfg Config) *BatchProcessor {
	resolver := property.NewResolver(e.db, nil, database.NewRegionStore(e.db), e.logger, nil)
	return NewBatchProcessor(e.db, resolver, aggregate.NewRebuilder(e.logger, nil), e.checkpoints, cfg, e.logger, nil)
}

func (e *testEnv) reader(f *fakeFetcher, trade models.TradeType, regions ...string) *source.Reader {
	return source.NewReader(f, trade, regions, []string{"202401"}, nil, e.logger, nil)
}

func defaultConfig() Config {
	return Config{BatchSize: 2, InsertMode: config.InsertModeIgnore}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func loadAggregate(t *testing.T, db *gorm.DB, bucketID int64) *models.MonthlyAggregate {
	t.Helper()
	var agg models.MonthlyAggregate
	err := db.Where("bucket_id = ? AND deal_year_month = ?", bucketID, "202401").First(&agg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(t, err)
	return &agg
}

func TestNewBatchProcessorDefaults(t *testing.T) {
	env := setupTestDB(t)
	p := NewBatchProcessor(env.db, nil, nil, env.checkpoints, Config{}, env.logger, nil)

	assert.Equal(t, 500, p.cfg.BatchSize)
	assert.Equal(t, config.InsertModeIgnore, p.cfg.InsertMode)
}

func TestRunIngestsSalesEndToEnd(t *testing.T) {
	env := setupTestDB(t)
	f := &fakeFetcher{
		pageSize: 2,
		cells: map[string][]source.RawDeal{
			"11680/202401": {
				rawSale("11680-3740", "11680", "84.97", "10", "3", "300,000"),
				rawSale("11680-3740", "11680", "84.97", "12", "9", "310,000"),
				rawSale("11680-3740", "11680", "59.96", "5", "20", "200,000"),
			},
		},
	}

	stats, err := env.processor(defaultConfig()).Run(context.Background(), "ingest:sale:0of1", env.reader(f, models.TradeSale, "11680"))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Read)
	assert.Equal(t, 3, stats.Inserted)
	assert.Equal(t, 0, stats.Duplicates)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 2, stats.FoundExisting)
	assert.Equal(t, 2, stats.Batches)

	assert.Equal(t, int64(1), countRows(t, env.db, &models.Property{}))
	assert.Equal(t, int64(3), countRows(t, env.db, &models.SaleDeal{}))

	var prop models.Property
	require.NoError(t, env.db.First(&prop).Error)
	assert.Equal(t, "11680-3740", prop.ExternalSeqID)

	large := loadAggregate(t, env.db, models.BucketID(prop.ID, 8497))
	require.NotNil(t, large)
	assert.Equal(t, int64(2), large.SaleCount)
	assert.Equal(t, int64(610000), large.SaleAmountSum)
	assert.Equal(t, "305000", large.AverageSaleAmount().Decimal.String())

	small := loadAggregate(t, env.db, models.BucketID(prop.ID, 5996))
	require.NotNil(t, small)
	assert.Equal(t, int64(1), small.SaleCount)
	assert.Equal(t, int64(200000), small.SaleAmountSum)
	assert.False(t, small.AverageLeaseDeposit().Valid)

	_, ok, err := env.checkpoints.Load(context.Background(), "ingest:sale:0of1")
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint is cleared once the stream ends")
}

func TestRunSkipsInvalidRecords(t *testing.T) {
	tests := []struct {
		name string
		item source.RawDeal
	}{
		{"missing floor", rawSale("A", "11680", "84.97", "", "3", "100")},
		{"missing amount", rawSale("A", "11680", "84.97", "3", "3", "")},
		{"missing area", rawSale("A", "11680", "", "3", "3", "100")},
		{"invalid date", rawSale("A", "11680", "84.97", "3", "32", "100")},
		{"missing sequence", rawSale("", "11680", "84.97", "3", "3", "100")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestDB(t)
			f := &fakeFetcher{
				pageSize: 10,
				cells: map[string][]source.RawDeal{
					"11680/202401": {tt.item, rawSale("B", "11680", "84.97", "3", "3", "100")},
				},
			}

			stats, err := env.processor(defaultConfig()).Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680"))
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Read)
			assert.Equal(t, 1, stats.Skipped)
			assert.Equal(t, 1, stats.Inserted)
			assert.Equal(t, int64(1), countRows(t, env.db, &models.SaleDeal{}))
		})
	}
}

func TestRunCountsDuplicatesOnReplay(t *testing.T) {
	env := setupTestDB(t)
	f := &fakeFetcher{
		pageSize: 10,
		cells: map[string][]source.RawDeal{
			"11680/202401": {
				rawSale("A", "11680", "84.97", "10", "3", "300,000"),
				rawSale("A", "11680", "84.97", "12", "9", "310,000"),
			},
		},
	}
	p := env.processor(defaultConfig())

	_, err := p.Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680"))
	require.NoError(t, err)

	stats, err := p.Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680"))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 2, stats.Duplicates)
	assert.Equal(t, int64(2), countRows(t, env.db, &models.SaleDeal{}))

	var prop models.Property
	require.NoError(t, env.db.First(&prop).Error)
	agg := loadAggregate(t, env.db, models.BucketID(prop.ID, 8497))
	require.NotNil(t, agg)
	assert.Equal(t, int64(2), agg.SaleCount)
	assert.Equal(t, int64(610000), agg.SaleAmountSum)
}

func TestRunResumesFromCheckpointAfterFatalError(t *testing.T) {
	env := setupTestDB(t)
	f := &fakeFetcher{
		pageSize: 10,
		cells: map[string][]source.RawDeal{
			"11680/202401": {
				rawSale("A", "11680", "84.97", "1", "3", "100"),
				rawSale("A", "11680", "84.97", "2", "3", "100"),
				rawSale("A", "11680", "84.97", "3", "3", "100"),
			},
			"41135/202401": {
				rawSale("B", "41135", "59.96", "1", "3", "200"),
			},
		},
		errs: map[string]error{"41135/202401/1": source.ErrFatal},
	}
	p := env.processor(defaultConfig())

	stats, err := p.Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680", "41135"))
	require.ErrorIs(t, err, source.ErrFatal)
	assert.Equal(t, 3, stats.Inserted)

	saved, ok, err := env.checkpoints.Load(context.Background(), "run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, saved.RegionIndex)

	delete(f.errs, "41135/202401/1")
	f.calls = nil

	stats, err = p.Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680", "41135"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 0, stats.Duplicates)
	assert.False(t, f.calledFor("11680"), "completed region is not fetched again")
	assert.Equal(t, int64(4), countRows(t, env.db, &models.SaleDeal{}))

	_, ok, err = env.checkpoints.Load(context.Background(), "run")
	require.NoError(t, err)
	assert.False(t, ok)
}

func februarySale(floor string) source.RawDeal {
	d := rawSale("A", "11680", "84.97", floor, "3", "100")
	d.DealMonth = "2"
	return d
}

func TestRunDiscardsCheckpointWhenAxesChange(t *testing.T) {
	env := setupTestDB(t)
	f := &fakeFetcher{
		pageSize: 10,
		cells: map[string][]source.RawDeal{
			"11680/202401": {rawSale("A", "11680", "84.97", "1", "3", "100")},
			"11680/202402": {februarySale("2"), februarySale("3")},
		},
		errs: map[string]error{"11680/202402/1": source.ErrFatal},
	}
	p := env.processor(defaultConfig())
	reader := func(months ...string) *source.Reader {
		return source.NewReader(f, models.TradeSale, []string{"11680"}, months, nil, env.logger, nil)
	}

	_, err := p.Run(context.Background(), "run", reader("202401", "202402", "202403"))
	require.ErrorIs(t, err, source.ErrFatal)

	saved, ok, err := env.checkpoints.Load(context.Background(), "run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, saved.MonthIndex)
	assert.Equal(t, reader("202401", "202402", "202403").Axes(), saved.Axes)

	delete(f.errs, "11680/202402/1")
	f.calls = nil

	// Same run id, window shifted by one month: index 1 now names 202403.
	_, err = p.Run(context.Background(), "run", reader("202402", "202403", "202404"))
	require.NoError(t, err)

	var february int64
	require.NoError(t, env.db.Model(&models.SaleDeal{}).Where("deal_year_month = ?", "202402").Count(&february).Error)
	assert.Equal(t, int64(2), february)
	assert.True(t, f.calledFor("11680/202402"))
}

func TestRunKeepsCheckpointForSameAxes(t *testing.T) {
	env := setupTestDB(t)
	f := &fakeFetcher{pageSize: 10}
	r := env.reader(f, models.TradeSale, "11680", "41135")
	require.NoError(t, env.checkpoints.Save(context.Background(), "run",
		source.Cursor{RegionIndex: 1, Axes: r.Axes()}))

	_, err := env.processor(defaultConfig()).Run(context.Background(), "run", r)
	require.NoError(t, err)
	assert.False(t, f.calledFor("11680"), "resumed past the first region")
	assert.True(t, f.calledFor("41135"))
}

func injectSaleInsertFailures(t *testing.T, db *gorm.DB, failures int) {
	t.Helper()
	var mu sync.Mutex
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_sale_insert", func(tx *gorm.DB) {
		if tx.Statement.Table != "sale_deals" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			tx.AddError(errors.New("injected write failure"))
		}
	})
	require.NoError(t, err)
}

func TestRunRetriesFailedBatchWrite(t *testing.T) {
	env := setupTestDB(t)
	injectSaleInsertFailures(t, env.db, 1)
	f := &fakeFetcher{
		pageSize: 10,
		cells: map[string][]source.RawDeal{
			"11680/202401": {
				rawSale("A", "11680", "84.97", "1", "3", "100"),
				rawSale("A", "11680", "84.97", "2", "3", "100"),
			},
		},
	}
	cfg := defaultConfig()
	cfg.MaxRetries = 2

	stats, err := env.processor(cfg).Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680"))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, int64(2), countRows(t, env.db, &models.SaleDeal{}))
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	env := setupTestDB(t)
	injectSaleInsertFailures(t, env.db, 100)
	f := &fakeFetcher{
		pageSize: 10,
		cells: map[string][]source.RawDeal{
			"11680/202401": {rawSale("A", "11680", "84.97", "1", "3", "100")},
		},
	}
	cfg := defaultConfig()
	cfg.MaxRetries = 1

	_, err := env.processor(cfg).Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write batch after 2 attempts")
	assert.Equal(t, int64(0), countRows(t, env.db, &models.SaleDeal{}))
	assert.Equal(t, int64(0), countRows(t, env.db, &models.MonthlyAggregate{}))

	_, ok, err := env.checkpoints.Load(context.Background(), "run")
	require.NoError(t, err)
	assert.False(t, ok, "no checkpoint is saved for an uncommitted batch")
}

func TestRunUpsertModeAppliesCancellation(t *testing.T) {
	env := setupTestDB(t)
	deal := rawSale("A", "11680", "84.97", "1", "3", "100")
	f := &fakeFetcher{
		pageSize: 10,
		cells:    map[string][]source.RawDeal{"11680/202401": {deal}},
	}
	cfg := defaultConfig()
	cfg.InsertMode = config.InsertModeUpsert
	p := env.processor(cfg)

	_, err := p.Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680"))
	require.NoError(t, err)

	var prop models.Property
	require.NoError(t, env.db.First(&prop).Error)
	require.NotNil(t, loadAggregate(t, env.db, models.BucketID(prop.ID, 8497)))

	deal.CancelType = "O"
	f.cells["11680/202401"] = []source.RawDeal{deal}
	_, err = p.Run(context.Background(), "run", env.reader(f, models.TradeSale, "11680"))
	require.NoError(t, err)

	var stored models.SaleDeal
	require.NoError(t, env.db.First(&stored).Error)
	assert.True(t, stored.Cancelled)
	assert.Equal(t, int64(1), countRows(t, env.db, &models.SaleDeal{}))
	assert.Nil(t, loadAggregate(t, env.db, models.BucketID(prop.ID, 8497)), "cancelled deal leaves no aggregate")
}

func TestRunIngestsLeases(t *testing.T) {
	env := setupTestDB(t)
	f := &fakeFetcher{
		pageSize: 10,
		cells: map[string][]source.RawDeal{
			"11680/202401": {
				rawLease("A", "11680", "84.97", "1", "3", "50,000", "0"),
				rawLease("A", "11680", "84.97", "2", "3", "10,000", "150"),
			},
		},
	}

	stats, err := env.processor(defaultConfig()).Run(context.Background(), "run", env.reader(f, models.TradeLease, "11680"))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)

	var prop models.Property
	require.NoError(t, env.db.First(&prop).Error)
	agg := loadAggregate(t, env.db, models.BucketID(prop.ID, 850))
	require.NotNil(t, agg)
	assert.Equal(t, int64(2), agg.LeaseDepositCount)
	assert.Equal(t, int64(60000), agg.LeaseDepositSum)
	assert.Equal(t, int64(1), agg.LeaseRentCount)
	assert.Equal(t, int64(150), agg.LeaseRentSum)
	assert.Equal(t, int64(0), agg.SaleCount)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	env := setupTestDB(t)
	f := &fakeFetcher{
		pageSize: 10,
		cells: map[string][]source.RawDeal{
			"11680/202401": {rawSale("A", "11680", "84.97", "1", "3", "100")},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.processor(defaultConfig()).Run(ctx, "run", env.reader(f, models.TradeSale, "11680"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), countRows(t, env.db, &models.SaleDeal{}))
}
