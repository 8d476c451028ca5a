// Package property resolves transaction records to canonical Property rows.
package property

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"estatefeed/server/internal/database"
	"estatefeed/server/internal/geocoding"
	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
	"estatefeed/server/internal/source"
)

// Outcome tags how ResolveOrCreate obtained its Property.
type Outcome int

const (
	// Created means this call inserted the row.
	Created Outcome = iota
	// FoundExisting means the row already existed, either before the call or because
	// a concurrent creator won the insert race.
	FoundExisting
	// Refreshed means the row existed and its descriptive fields were updated.
	Refreshed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case FoundExisting:
		return "found_existing"
	case Refreshed:
		return "refreshed"
	default:
		return "unknown"
	}
}

// Resolution is the result of ResolveOrCreate. Raced is set when the insert lost a
// duplicate-key race and the winner's row was returned.
type Resolution struct {
	Property *models.Property
	Outcome  Outcome
	Raced    bool
}

// Fields are the descriptive property fields carried on every transaction record.
type Fields struct {
	Name         string
	RegionCode   string
	Neighborhood string
	LotNumber    string
	RoadName     string
	RoadMain     string
	RoadSub      string
	BuildYear    *int
}

func FieldsFromDeal(d *source.Deal) Fields {
	return Fields{
		Name:         d.PropertyName,
		RegionCode:   d.RegionCode,
		Neighborhood: d.Neighborhood,
		LotNumber:    d.LotNumber,
		RoadName:     d.RoadName,
		RoadMain:     d.RoadMain,
		RoadSub:      d.RoadSub,
		BuildYear:    d.BuildYear,
	}
}

// Geocoder is the address cascade used when a property is first created.
type Geocoder interface {
	Resolve(ctx context.Context, q geocoding.Queries) (*geocoding.Result, error)
}

// RegionFinder maps a 5-digit region code to its district-level Region.
type RegionFinder interface {
	FindByCode(ctx context.Context, code string) (*models.Region, error)
}

// Resolver implements get-or-create of Property keyed by external sequence id. The
// create runs in its own transaction on the root connection, independent of any
// batch transaction the caller holds, and relies on the unique index for exclusion.
type Resolver struct {
	db       *gorm.DB
	geocoder Geocoder
	regions  RegionFinder
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	regionCache map[string]*models.Region
	regionLock  sync.RWMutex
}

func NewResolver(db *gorm.DB, geocoder Geocoder, regions RegionFinder, logger *logrus.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		db:          db,
		geocoder:    geocoder,
		regions:     regions,
		logger:      logger,
		metrics:     m,
		regionCache: make(map[string]*models.Region),
	}
}

// ResolveOrCreate returns the Property for externalSeqID, creating it when absent.
// Losing a concurrent insert race is not an error: the winner's row is returned
// tagged FoundExisting.
func (r *Resolver) ResolveOrCreate(ctx context.Context, externalSeqID string, f Fields) (Resolution, error) {
	if externalSeqID == "" {
		return Resolution{}, fmt.Errorf("external sequence id is required")
	}

	region, err := r.region(ctx, f.RegionCode)
	if err != nil {
		return Resolution{}, err
	}
	queries := buildQueries(region, f)

	existing, err := r.find(ctx, externalSeqID)
	if err != nil {
		return Resolution{}, err
	}
	if existing != nil {
		changed, err := r.refresh(ctx, existing, f, queries)
		if err != nil {
			return Resolution{}, err
		}
		res := Resolution{Property: existing, Outcome: FoundExisting}
		if changed {
			res.Outcome = Refreshed
		}
		r.metrics.PropertyOutcome(res.Outcome.String())
		return res, nil
	}

	p := &models.Property{
		ExternalSeqID: externalSeqID,
		Name:          f.Name,
		RoadAddress:   queries.Road,
		LotAddress:    queries.Lot,
		BuildYear:     f.BuildYear,
	}
	if region != nil {
		p.RegionID = &region.ID
	}
	r.geocode(ctx, p, queries)

	err = r.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(p).Error
	})
	if err == nil {
		r.metrics.PropertyOutcome(Created.String())
		return Resolution{Property: p, Outcome: Created}, nil
	}
	if !database.IsDuplicateKey(err) {
		return Resolution{}, fmt.Errorf("failed to create property %s: %w", externalSeqID, err)
	}

	// Another worker inserted the same id first. Drop our copy and read theirs.
	winner, err := r.find(ctx, externalSeqID)
	if err != nil {
		return Resolution{}, err
	}
	if winner == nil {
		return Resolution{}, fmt.Errorf("property %s vanished after duplicate key", externalSeqID)
	}

	r.logger.WithField("external_seq_id", externalSeqID).Info("Lost property create race, using existing row")
	r.metrics.PropertyOutcome(FoundExisting.String())
	return Resolution{Property: winner, Outcome: FoundExisting, Raced: true}, nil
}

func (r *Resolver) find(ctx context.Context, externalSeqID string) (*models.Property, error) {
	var p models.Property
	err := r.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx).
		Where("external_seq_id = ?", externalSeqID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up property %s: %w", externalSeqID, err)
	}
	return &p, nil
}

// refresh overwrites descriptive fields that changed upstream. Empty incoming values
// never clear stored ones, and coordinates are left alone.
func (r *Resolver) refresh(ctx context.Context, p *models.Property, f Fields, q geocoding.Queries) (bool, error) {
	updates := map[string]interface{}{}
	if f.Name != "" && f.Name != p.Name {
		updates["name"] = f.Name
		p.Name = f.Name
	}
	if q.Road != "" && q.Road != p.RoadAddress {
		updates["road_address"] = q.Road
		p.RoadAddress = q.Road
	}
	if q.Lot != "" && q.Lot != p.LotAddress {
		updates["lot_address"] = q.Lot
		p.LotAddress = q.Lot
	}
	if f.BuildYear != nil && (p.BuildYear == nil || *p.BuildYear != *f.BuildYear) {
		updates["build_year"] = *f.BuildYear
		year := *f.BuildYear
		p.BuildYear = &year
	}
	if len(updates) == 0 {
		return false, nil
	}

	err := r.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx).
		Model(&models.Property{}).
		Where("id = ?", p.ID).
		Updates(updates).Error
	if err != nil {
		return false, fmt.Errorf("failed to refresh property %d: %w", p.ID, err)
	}
	return true, nil
}

// geocode fills coordinates and region from the cascade. Failures leave the property
// without coordinates for the backfill pass.
func (r *Resolver) geocode(ctx context.Context, p *models.Property, q geocoding.Queries) {
	if r.geocoder == nil {
		return
	}
	p.GeocodeAttempted = true

	result, err := r.geocoder.Resolve(ctx, q)
	if err != nil {
		r.logger.WithError(err).WithField("external_seq_id", p.ExternalSeqID).Debug("Property left without coordinates")
		return
	}
	p.SetPoint(result.Point)
	if result.Region != nil {
		p.RegionID = &result.Region.ID
	}
}

func (r *Resolver) region(ctx context.Context, code string) (*models.Region, error) {
	if r.regions == nil || code == "" {
		return nil, nil
	}

	r.regionLock.RLock()
	region, ok := r.regionCache[code]
	r.regionLock.RUnlock()
	if ok {
		return region, nil
	}

	region, err := r.regions.FindByCode(ctx, code)
	if err != nil || region == nil {
		// Misses stay uncached so a region loaded later is picked up.
		return nil, err
	}

	r.regionLock.Lock()
	r.regionCache[code] = region
	r.regionLock.Unlock()
	return region, nil
}

func buildQueries(region *models.Region, f Fields) geocoding.Queries {
	var province, district string
	if region != nil {
		province, district = region.Province, region.District
	}
	return geocoding.BuildQueries(geocoding.AddressFields{
		Province:     province,
		District:     district,
		Neighborhood: f.Neighborhood,
		LotNumber:    f.LotNumber,
		RoadName:     f.RoadName,
		RoadMain:     f.RoadMain,
		RoadSub:      f.RoadSub,
		Name:         f.Name,
	})
}
