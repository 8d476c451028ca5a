package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"estatefeed/server/config"
	"estatefeed/server/internal/models"
)

// RegionStore looks up Region reference data.
type RegionStore struct {
	db *gorm.DB
}

func NewRegionStore(db *gorm.DB) *RegionStore {
	return &RegionStore{db: db}
}

// FindByCode returns the district-level region for a 5-digit code, or nil.
func (s *RegionStore) FindByCode(ctx context.Context, code string) (*models.Region, error) {
	var region models.Region
	err := s.db.WithContext(ctx).
		Where("code = ?", code).
		Order("neighborhood_prefix ASC").
		First(&region).Error
	return found(&region, err)
}

// FindByLegalCode returns the region with the 10-digit legal code, or nil.
func (s *RegionStore) FindByLegalCode(ctx context.Context, legalCode string) (*models.Region, error) {
	var region models.Region
	err := s.db.WithContext(ctx).Where("legal_code = ?", legalCode).First(&region).Error
	return found(&region, err)
}

// FindByNames matches a region by province and district, narrowing to the longest
// neighborhood prefix the given neighborhood starts with. Falls back to the
// district-level row.
func (s *RegionStore) FindByNames(ctx context.Context, province, district, neighborhood string) (*models.Region, error) {
	var candidates []models.Region
	err := s.db.WithContext(ctx).
		Where("province = ? AND district = ?", province, district).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query regions by name: %w", err)
	}

	var best *models.Region
	for i := range candidates {
		c := &candidates[i]
		if !strings.HasPrefix(neighborhood, c.NeighborhoodPrefix) {
			continue
		}
		if best == nil || len(c.NeighborhoodPrefix) > len(best.NeighborhoodPrefix) {
			best = c
		}
	}
	return best, nil
}

// RegionCodes returns every distinct 5-digit region code, sorted.
func (s *RegionStore) RegionCodes(ctx context.Context) ([]string, error) {
	var codes []string
	err := s.db.WithContext(ctx).
		Model(&models.Region{}).
		Distinct("code").
		Order("code ASC").
		Pluck("code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list region codes: %w", err)
	}
	return codes, nil
}

func found(region *models.Region, err error) (*models.Region, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query region: %w", err)
	}
	return region, nil
}

// SyncRegions upserts reference entries keyed by legal code.
func SyncRegions(ctx context.Context, db *gorm.DB, entries []config.RegionEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	regions := make([]models.Region, 0, len(entries))
	for _, e := range entries {
		regions = append(regions, models.Region{
			Code:               e.Code,
			LegalCode:          e.LegalCode,
			Province:           e.Province,
			District:           e.District,
			NeighborhoodPrefix: e.NeighborhoodPrefix,
		})
	}

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "legal_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"code", "province", "district", "neighborhood_prefix", "updated_at"}),
	}).CreateInBatches(&regions, 200).Error
	if err != nil {
		return 0, fmt.Errorf("failed to upsert regions: %w", err)
	}
	return len(regions), nil
}
