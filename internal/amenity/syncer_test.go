package amenity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatefeed/server/internal/database"
	"estatefeed/server/internal/models"
	"estatefeed/server/internal/source"
)

type fakeFetcher struct {
	pages map[int][]source.RawAmenity
	total int
	calls int
	err   error
}

func (f *fakeFetcher) PageSize() int { return 2 }

func (f *fakeFetcher) FetchAmenities(_ context.Context, _ models.AmenityKind, page int) (*source.Page[source.RawAmenity], error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &source.Page[source.RawAmenity]{Items: f.pages[page], PageNo: page, PageSize: 2, TotalCount: f.total}, nil
}

func school(id, lat, lng string) source.RawAmenity {
	return source.RawAmenity{
		ID:        source.FlexString(id),
		Name:      source.FlexString(fmt.Sprintf("School %s", id)),
		Latitude:  source.FlexString(lat),
		Longitude: source.FlexString(lng),
	}
}

func TestSyncUpsertsEveryPage(t *testing.T) {
	db, err := database.NewTestDB()
	require.NoError(t, err)
	require.NoError(t, database.MigrateSchema(db))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fetcher := &fakeFetcher{
		total: 3,
		pages: map[int][]source.RawAmenity{
			1: {school("S1", "37.49", "127.05"), school("S2", "", "")},
			2: {school("S3", "37.51", "127.06")},
		},
	}
	syncer := NewSyncer(db, fetcher, logger)

	stats, err := syncer.Sync(context.Background(), models.AmenitySchool)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 3, stats.Upserted)
	assert.Equal(t, 2, fetcher.calls)

	// Moving a school updates the row in place.
	fetcher.pages[1][0] = school("S1", "37.40", "127.00")
	_, err = syncer.Sync(context.Background(), models.AmenitySchool)
	require.NoError(t, err)

	var rows []models.Amenity
	require.NoError(t, db.Order("external_id ASC").Find(&rows).Error)
	require.Len(t, rows, 3)
	require.True(t, rows[0].HasCoordinates())
	assert.InDelta(t, 37.40, *rows[0].Latitude, 1e-9)
	assert.False(t, rows[1].HasCoordinates())
}

func TestSyncPropagatesFetchErrors(t *testing.T) {
	db, err := database.NewTestDB()
	require.NoError(t, err)
	require.NoError(t, database.MigrateSchema(db))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	_, err = NewSyncer(db, &fakeFetcher{err: source.ErrFatal}, logger).Sync(context.Background(), models.AmenityStation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrFatal))
}
