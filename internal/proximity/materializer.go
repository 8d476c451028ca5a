// Package proximity materializes property/amenity distance pairs within a radius.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"estatefeed/server/internal/geometry"
	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
)

// ErrLocked is returned when another materializer run holds the job lock.
var ErrLocked = errors.New("proximity refresh already running")

const lockKey = "estatefeed:lock:proximity"

type Config struct {
	RadiusKm  float64
	BatchSize int
	LockTTL   time.Duration
}

type Stats struct {
	Kind       models.AmenityKind
	Properties int
	Amenities  int
	Pairs      int
}

// Materializer rebuilds the amenity distance table from scratch on every run.
type Materializer struct {
	db      *gorm.DB
	locker  *redislock.Client
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewMaterializer returns a materializer. locker may be nil, in which case runs are
// not serialized across processes.
func NewMaterializer(db *gorm.DB, locker *redislock.Client, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Materializer {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 10
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Materializer{db: db, locker: locker, cfg: cfg, logger: logger, metrics: m}
}

// Run refreshes the given amenity kinds, or every kind when none are given.
func (m *Materializer) Run(ctx context.Context, kinds ...models.AmenityKind) ([]Stats, error) {
	if len(kinds) == 0 {
		kinds = models.AmenityKinds
	}
	for _, kind := range kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown amenity kind %q", kind)
		}
	}

	if m.locker != nil {
		lock, err := m.locker.Obtain(ctx, lockKey, m.cfg.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLocked
		}
		if err != nil {
			return nil, fmt.Errorf("failed to obtain proximity lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				m.logger.WithError(err).Warn("Failed to release proximity lock")
			}
		}()
	}

	cache := newJobCache(m.db)
	results := make([]Stats, 0, len(kinds))
	for _, kind := range kinds {
		stats, err := m.refresh(ctx, cache, kind)
		if err != nil {
			return results, err
		}
		results = append(results, stats)
	}
	return results, nil
}

func (m *Materializer) refresh(ctx context.Context, cache *jobCache, kind models.AmenityKind) (Stats, error) {
	start := time.Now()
	stats := Stats{Kind: kind}

	properties, err := cache.Properties(ctx)
	if err != nil {
		return stats, err
	}
	amenities, err := cache.Amenities(ctx, kind)
	if err != nil {
		return stats, err
	}
	stats.Properties = len(properties)
	stats.Amenities = len(amenities)

	pairs := Pairs(properties, amenities, kind, m.cfg.RadiusKm)
	stats.Pairs = len(pairs)

	if err := m.replace(ctx, kind, pairs); err != nil {
		return stats, err
	}

	m.metrics.SetProximityPairs(string(kind), len(pairs))
	m.logger.WithFields(logrus.Fields{
		"kind":       kind,
		"properties": stats.Properties,
		"amenities":  stats.Amenities,
		"pairs":      stats.Pairs,
		"duration":   time.Since(start).String(),
	}).Info("Proximity table refreshed")

	return stats, nil
}

// Pairs returns every property/amenity pair at most radiusKm apart, distances rounded
// to whole metres.
func Pairs(properties []models.Property, amenities []models.Amenity, kind models.AmenityKind, radiusKm float64) []models.AmenityDistance {
	var pairs []models.AmenityDistance
	for i := range properties {
		p := &properties[i]
		if !p.HasCoordinates() {
			continue
		}
		origin := p.Point()
		bound := geometry.RadiusBound(origin, radiusKm)

		for j := range amenities {
			a := &amenities[j]
			if !a.HasCoordinates() || !bound.Contains(a.Point()) {
				continue
			}
			d, ok := geometry.WithinRadius(origin, a.Point(), radiusKm)
			if !ok {
				continue
			}
			pairs = append(pairs, models.AmenityDistance{
				PropertyID: p.ID,
				AmenityID:  a.ID,
				Kind:       kind,
				DistanceKm: d,
			})
		}
	}
	return pairs
}

// replace swaps the rows of kind for pairs in one transaction, so a failed insert
// leaves the previous table contents in place.
func (m *Materializer) replace(ctx context.Context, kind models.AmenityKind, pairs []models.AmenityDistance) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("kind = ?", kind).Delete(&models.AmenityDistance{}).Error; err != nil {
			return fmt.Errorf("failed to clear %s distances: %w", kind, err)
		}
		if len(pairs) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&pairs, m.cfg.BatchSize).Error; err != nil {
			return fmt.Errorf("failed to insert %s distances: %w", kind, err)
		}
		return nil
	})
	return err
}
