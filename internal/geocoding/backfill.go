package geocoding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"estatefeed/server/internal/models"
)

type BackfillStats struct {
	Candidates  int
	Resolved    int
	Unresolved  int
	RateLimited bool
}

// Backfiller retries geocoding for properties still missing coordinates, so records
// that failed resolution at creation time eventually join proximity results.
type Backfiller struct {
	db        *gorm.DB
	resolver  *Resolver
	batchSize int
	logger    *logrus.Logger
}

func NewBackfiller(db *gorm.DB, resolver *Resolver, batchSize int, logger *logrus.Logger) *Backfiller {
	if batchSize < 1 {
		batchSize = 50
	}
	return &Backfiller{db: db, resolver: resolver, batchSize: batchSize, logger: logger}
}

// Run walks every property with null coordinates once, in id order. A rate-limited
// response ends the pass early; the remaining properties are picked up next time.
func (b *Backfiller) Run(ctx context.Context) (BackfillStats, error) {
	var stats BackfillStats
	var lastID uint

	for {
		var batch []models.Property
		err := b.db.WithContext(ctx).
			Where("(latitude IS NULL OR longitude IS NULL) AND id > ?", lastID).
			Order("id ASC").
			Limit(b.batchSize).
			Find(&batch).Error
		if err != nil {
			return stats, fmt.Errorf("failed to query properties: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		regions, err := b.regionsFor(ctx, batch)
		if err != nil {
			return stats, err
		}

		for i := range batch {
			p := &batch[i]
			lastID = p.ID
			stats.Candidates++

			q := Queries{Road: p.RoadAddress, Lot: p.LotAddress}
			if region, ok := regions[regionKey(p.RegionID)]; ok {
				q.Keyword = KeywordQuery(region.Province, region.District, p.Name)
			} else {
				q.Keyword = KeywordQuery("", "", p.Name)
			}

			result, err := b.resolver.Resolve(ctx, q)
			if err != nil {
				if !errors.Is(err, ErrUnresolved) {
					return stats, err
				}
				stats.Unresolved++
				if markErr := b.markAttempted(ctx, p.ID); markErr != nil {
					return stats, markErr
				}
				if errors.Is(err, ErrRateLimited) {
					stats.RateLimited = true
					b.logger.WithField("property_id", p.ID).Warn("Geocoding rate limited, ending backfill pass")
					return stats, nil
				}
				continue
			}

			updates := map[string]interface{}{
				"latitude":          result.Point.Lat(),
				"longitude":         result.Point.Lon(),
				"geocode_attempted": true,
			}
			if p.RegionID == nil && result.Region != nil {
				updates["region_id"] = result.Region.ID
			}
			if err := b.db.WithContext(ctx).Model(&models.Property{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
				return stats, fmt.Errorf("failed to update coordinates for property %d: %w", p.ID, err)
			}
			stats.Resolved++
		}
	}

	b.logger.WithFields(logrus.Fields{
		"candidates": stats.Candidates,
		"resolved":   stats.Resolved,
		"unresolved": stats.Unresolved,
	}).Info("Geocode backfill finished")

	return stats, nil
}

func (b *Backfiller) markAttempted(ctx context.Context, id uint) error {
	err := b.db.WithContext(ctx).Model(&models.Property{}).Where("id = ?", id).Update("geocode_attempted", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark property %d: %w", id, err)
	}
	return nil
}

func (b *Backfiller) regionsFor(ctx context.Context, batch []models.Property) (map[uint]models.Region, error) {
	var ids []uint
	for _, p := range batch {
		if p.RegionID != nil {
			ids = append(ids, *p.RegionID)
		}
	}
	out := make(map[uint]models.Region, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var regions []models.Region
	if err := b.db.WithContext(ctx).Where("id IN ?", ids).Find(&regions).Error; err != nil {
		return nil, fmt.Errorf("failed to load regions: %w", err)
	}
	for _, r := range regions {
		out[r.ID] = r
	}
	return out, nil
}

func regionKey(id *uint) uint {
	if id == nil {
		return 0
	}
	return *id
}
