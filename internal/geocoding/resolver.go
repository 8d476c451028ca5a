package geocoding

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
)

// ErrUnresolved is returned when every cascade step came back empty. It is not fatal:
// the property keeps null coordinates until a later backfill succeeds.
var ErrUnresolved = errors.New("address unresolved")

// Method names the cascade step that produced a result.
type Method string

const (
	MethodRoad    Method = "road"
	MethodLot     Method = "lot"
	MethodKeyword Method = "keyword"
)

// RegionLookup resolves the administrative region of a matched document.
type RegionLookup interface {
	FindByLegalCode(ctx context.Context, legalCode string) (*models.Region, error)
	FindByNames(ctx context.Context, province, district, neighborhood string) (*models.Region, error)
}

type Result struct {
	Point          orb.Point
	Region         *models.Region
	MatchedAddress string
	Method         Method
}

// Resolver runs the road, lot, keyword cascade against a Lookup and stops at the
// first step that yields a usable coordinate.
type Resolver struct {
	lookup  Lookup
	regions RegionLookup
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewResolver(lookup Lookup, regions RegionLookup, logger *logrus.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{lookup: lookup, regions: regions, logger: logger, metrics: m}
}

// Resolve returns the first match of the cascade. A 429 from the service stops the
// cascade; the returned error then matches both ErrUnresolved and ErrRateLimited.
// Other lookup failures fall through to the next step.
func (r *Resolver) Resolve(ctx context.Context, q Queries) (*Result, error) {
	steps := []struct {
		method Method
		query  string
		search func(context.Context, string) ([]Document, error)
	}{
		{MethodRoad, q.Road, r.lookup.SearchAddress},
		{MethodLot, q.Lot, r.lookup.SearchAddress},
		{MethodKeyword, q.Keyword, r.lookup.SearchKeyword},
	}

	for _, step := range steps {
		if step.query == "" {
			continue
		}

		docs, err := step.search(ctx, step.query)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log := r.logger.WithError(err).WithFields(logrus.Fields{
				"method": step.method,
				"query":  step.query,
			})
			if errors.Is(err, ErrRateLimited) {
				log.Warn("Geocoding rate limited")
				r.metrics.GeocodeOutcome("rate_limited")
				return nil, fmt.Errorf("%w: %w", ErrUnresolved, err)
			}
			log.Warn("Geocoding lookup failed, trying next method")
			continue
		}

		for _, doc := range docs {
			pt, ok := doc.Point()
			if !ok {
				continue
			}
			result := &Result{
				Point:          pt,
				MatchedAddress: doc.AddressName,
				Method:         step.method,
			}
			region, err := r.regionFor(ctx, doc)
			if err != nil {
				return nil, err
			}
			result.Region = region

			r.metrics.GeocodeOutcome("resolved")
			r.logger.WithFields(logrus.Fields{
				"method":    step.method,
				"query":     step.query,
				"latitude":  pt.Lat(),
				"longitude": pt.Lon(),
			}).Debug("Resolved address")
			return result, nil
		}
	}

	r.metrics.GeocodeOutcome("unresolved")
	return nil, ErrUnresolved
}

func (r *Resolver) regionFor(ctx context.Context, doc Document) (*models.Region, error) {
	if r.regions == nil || doc.Address == nil {
		return nil, nil
	}
	if doc.Address.BCode != "" {
		region, err := r.regions.FindByLegalCode(ctx, doc.Address.BCode)
		if err != nil || region != nil {
			return region, err
		}
	}
	if doc.Address.Region1 == "" {
		return nil, nil
	}
	return r.regions.FindByNames(ctx, doc.Address.Region1, doc.Address.Region2, doc.Address.Region3)
}
