// Package amenity loads school and station reference data from the paged source.
package amenity

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"estatefeed/server/internal/models"
	"estatefeed/server/internal/source"
)

// Fetcher fetches one page of amenity records. *source.Client implements it.
type Fetcher interface {
	FetchAmenities(ctx context.Context, kind models.AmenityKind, page int) (*source.Page[source.RawAmenity], error)
	PageSize() int
}

type SyncStats struct {
	Kind     models.AmenityKind
	Pages    int
	Upserted int
	Skipped  int
}

// Syncer upserts amenities keyed by (kind, external id). Rows are never deleted here.
type Syncer struct {
	db      *gorm.DB
	fetcher Fetcher
	logger  *logrus.Logger
}

func NewSyncer(db *gorm.DB, fetcher Fetcher, logger *logrus.Logger) *Syncer {
	return &Syncer{db: db, fetcher: fetcher, logger: logger}
}

// Sync pages through every amenity of kind and upserts each page as it arrives.
func (s *Syncer) Sync(ctx context.Context, kind models.AmenityKind) (SyncStats, error) {
	stats := SyncStats{Kind: kind}
	maxPage := 0

	for page := 1; maxPage == 0 || page <= maxPage; page++ {
		result, err := s.fetcher.FetchAmenities(ctx, kind, page)
		if err != nil {
			return stats, fmt.Errorf("failed to fetch %s page %d: %w", kind, page, err)
		}
		if result == nil || len(result.Items) == 0 {
			break
		}
		stats.Pages++

		if maxPage == 0 && result.TotalCount > 0 {
			size := result.PageSize
			if size <= 0 {
				size = s.fetcher.PageSize()
			}
			maxPage = (result.TotalCount + size - 1) / size
		}

		rows := make([]models.Amenity, 0, len(result.Items))
		for _, item := range result.Items {
			row, ok := toModel(kind, item)
			if !ok {
				stats.Skipped++
				continue
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			continue
		}

		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "address", "latitude", "longitude", "updated_at"}),
		}).Create(&rows).Error
		if err != nil {
			return stats, fmt.Errorf("failed to upsert %s amenities: %w", kind, err)
		}
		stats.Upserted += len(rows)
	}

	s.logger.WithFields(logrus.Fields{
		"kind":     kind,
		"pages":    stats.Pages,
		"upserted": stats.Upserted,
		"skipped":  stats.Skipped,
	}).Info("Amenity sync finished")

	return stats, nil
}

func toModel(kind models.AmenityKind, item source.RawAmenity) (models.Amenity, bool) {
	id := item.ID.String()
	if id == "" {
		return models.Amenity{}, false
	}
	row := models.Amenity{
		Kind:       kind,
		ExternalID: id,
		Name:       item.Name.String(),
		Address:    item.Address.String(),
	}
	if lat, lng, ok := item.Coordinates(); ok {
		row.Latitude = &lat
		row.Longitude = &lng
	}
	return row, true
}
