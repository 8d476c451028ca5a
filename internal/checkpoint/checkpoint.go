// Package checkpoint persists ingestion cursors between runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"estatefeed/server/internal/models"
	"estatefeed/server/internal/source"
)

// ErrUnavailable wraps every store failure. An ingestion run that cannot read or
// write its checkpoint aborts.
var ErrUnavailable = errors.New("checkpoint store unavailable")

// Store keeps one cursor per ingestion run identity.
type Store interface {
	// Load returns the saved cursor; ok is false when the run has none.
	Load(ctx context.Context, runID string) (cursor source.Cursor, ok bool, err error)
	Save(ctx context.Context, runID string, cursor source.Cursor) error
	Clear(ctx context.Context, runID string) error
}

// GormStore keeps cursors in the ingest_checkpoints table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, runID string) (source.Cursor, bool, error) {
	var row models.IngestCheckpoint
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return source.Cursor{}, false, nil
	}
	if err != nil {
		return source.Cursor{}, false, fmt.Errorf("%w: failed to load %s: %w", ErrUnavailable, runID, err)
	}
	return source.Cursor{
		RegionIndex: row.RegionIndex,
		MonthIndex:  row.MonthIndex,
		Page:        row.Page,
		Offset:      row.Offset,
		Axes:        row.Axes,
	}, true, nil
}

func (s *GormStore) Save(ctx context.Context, runID string, c source.Cursor) error {
	row := models.IngestCheckpoint{
		RunID:       runID,
		RegionIndex: c.RegionIndex,
		MonthIndex:  c.MonthIndex,
		Page:        c.Page,
		Offset:      c.Offset,
		Axes:        c.Axes,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"region_index", "month_index", "page", "page_offset", "axes", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: failed to save %s: %w", ErrUnavailable, runID, err)
	}
	return nil
}

func (s *GormStore) Clear(ctx context.Context, runID string) error {
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Delete(&models.IngestCheckpoint{}).Error
	if err != nil {
		return fmt.Errorf("%w: failed to clear %s: %w", ErrUnavailable, runID, err)
	}
	return nil
}

// RedisStore keeps cursors as JSON values under a key prefix.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns a store writing keys "<prefix><runID>". A zero ttl keeps
// cursors until cleared.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "estatefeed:checkpoint:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, runID string) (source.Cursor, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return source.Cursor{}, false, nil
	}
	if err != nil {
		return source.Cursor{}, false, fmt.Errorf("%w: failed to load %s: %w", ErrUnavailable, runID, err)
	}

	var c source.Cursor
	if err := json.Unmarshal(val, &c); err != nil {
		return source.Cursor{}, false, fmt.Errorf("%w: corrupt cursor for %s: %v", ErrUnavailable, runID, err)
	}
	return c, true, nil
}

func (s *RedisStore) Save(ctx context.Context, runID string, c source.Cursor) error {
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+runID, val, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: failed to save %s: %w", ErrUnavailable, runID, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, runID string) error {
	if err := s.rdb.Del(ctx, s.prefix+runID).Err(); err != nil {
		return fmt.Errorf("%w: failed to clear %s: %w", ErrUnavailable, runID, err)
	}
	return nil
}
