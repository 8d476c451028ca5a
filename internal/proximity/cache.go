package proximity

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"estatefeed/server/internal/models"
)

// jobCache holds the located properties and amenities for one materializer run. It
// is filled lazily and dropped when the run returns.
type jobCache struct {
	db         *gorm.DB
	properties []models.Property
	loaded     bool
	amenities  map[models.AmenityKind][]models.Amenity
}

func newJobCache(db *gorm.DB) *jobCache {
	return &jobCache{db: db, amenities: make(map[models.AmenityKind][]models.Amenity)}
}

func (c *jobCache) Properties(ctx context.Context) ([]models.Property, error) {
	if c.loaded {
		return c.properties, nil
	}
	err := c.db.WithContext(ctx).
		Select("id", "latitude", "longitude").
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Order("id ASC").
		Find(&c.properties).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load located properties: %w", err)
	}
	c.loaded = true
	return c.properties, nil
}

func (c *jobCache) Amenities(ctx context.Context, kind models.AmenityKind) ([]models.Amenity, error) {
	if list, ok := c.amenities[kind]; ok {
		return list, nil
	}
	var list []models.Amenity
	err := c.db.WithContext(ctx).
		Where("kind = ? AND latitude IS NOT NULL AND longitude IS NOT NULL", kind).
		Order("id ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load %s amenities: %w", kind, err)
	}
	c.amenities[kind] = list
	return list, nil
}
