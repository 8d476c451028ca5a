package source

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"estatefeed/server/config"
	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
)

// DealFetcher fetches one page of a (region, month) cell. *Client implements it.
type DealFetcher interface {
	FetchDeals(ctx context.Context, trade models.TradeType, regionCode, yearMonth string, page int) (*Page[RawDeal], error)
	PageSize() int
}

// ReaderStats counts what happened while reading.
type ReaderStats struct {
	PagesFetched   int
	TransientCells int
	MalformedCells int
	SkippedRegions int
}

// Reader iterates every (region, month) cell in order and pages through each one,
// handing out records one at a time. Its position is a Cursor that can be saved after
// any record and passed to Open to resume.
type Reader struct {
	fetcher  DealFetcher
	trade    models.TradeType
	regions  []string
	months   []string
	prefixes []string
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	cursor  Cursor
	items   []RawDeal
	loaded  bool
	maxPage int
	err     error
	stats   ReaderStats
}

func NewReader(fetcher DealFetcher, trade models.TradeType, regions, months, prefixes []string, logger *logrus.Logger, m *metrics.Metrics) *Reader {
	return &Reader{
		fetcher:  fetcher,
		trade:    trade,
		regions:  regions,
		months:   months,
		prefixes: prefixes,
		logger:   logger,
		metrics:  m,
		cursor:   Cursor{}.normalized(),
	}
}

// Open positions the reader at c. The page under c is re-fetched on the next call to
// Next and the first c.Offset items of it are skipped.
func (r *Reader) Open(c Cursor) {
	r.cursor = c.normalized()
	r.items = nil
	r.loaded = false
	r.maxPage = 0
	r.err = nil
}

// Checkpoint returns the position of the next record Next would return.
func (r *Reader) Checkpoint() Cursor {
	return r.cursor
}

// Axes returns the fingerprint of the reader's region and month lists.
func (r *Reader) Axes() string {
	return AxesFingerprint(r.trade, r.regions, r.months)
}

func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Next returns the next record, or io.EOF once every cell is exhausted. A fatal
// source error ends the stream and is returned from this and every later call.
func (r *Reader) Next(ctx context.Context) (*Record, error) {
	for {
		if r.err != nil {
			return nil, r.err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.cursor.RegionIndex >= len(r.regions) {
			return nil, io.EOF
		}
		if r.cursor.MonthIndex >= len(r.months) {
			r.nextRegion()
			continue
		}

		region := r.regions[r.cursor.RegionIndex]
		if !config.PrefixAllowed(r.prefixes, region) {
			r.stats.SkippedRegions++
			r.nextRegion()
			continue
		}

		if !r.loaded {
			if r.maxPage > 0 && r.cursor.Page > r.maxPage {
				r.nextCell()
				continue
			}
			if ok := r.loadPage(ctx, region); !ok {
				continue
			}
		}

		if r.cursor.Offset >= len(r.items) {
			r.nextPage()
			continue
		}

		pos := r.cursor
		item := r.items[r.cursor.Offset]
		r.cursor.Offset++
		r.metrics.RecordRead(string(r.trade))

		return &Record{
			Trade:      r.trade,
			RegionCode: region,
			YearMonth:  r.months[r.cursor.MonthIndex],
			Item:       item,
			Position:   pos,
		}, nil
	}
}

// loadPage fetches the page under the cursor. It returns false when the cursor moved
// on instead (empty, malformed or transiently failed cell) or the stream ended.
func (r *Reader) loadPage(ctx context.Context, region string) bool {
	month := r.months[r.cursor.MonthIndex]
	log := r.logger.WithFields(logrus.Fields{
		"trade":  r.trade,
		"region": region,
		"month":  month,
		"page":   r.cursor.Page,
	})

	page, err := r.fetcher.FetchDeals(ctx, r.trade, region, month, r.cursor.Page)
	switch {
	case err == nil:
	case errors.Is(err, ErrTransient):
		log.WithError(err).Warn("Transient source failure, moving to next cell")
		r.metrics.SourceError("transient")
		r.stats.TransientCells++
		r.nextCell()
		return false
	case errors.Is(err, errMalformed):
		log.WithError(err).Warn("Malformed page, treating cell as exhausted")
		r.metrics.SourceError("malformed")
		r.stats.MalformedCells++
		r.nextCell()
		return false
	default:
		log.WithError(err).Error("Source failure, ending stream")
		r.metrics.SourceError("fatal")
		r.err = err
		return false
	}

	r.stats.PagesFetched++
	if page == nil || len(page.Items) == 0 {
		r.nextCell()
		return false
	}

	if r.maxPage == 0 && page.TotalCount > 0 {
		size := page.PageSize
		if size <= 0 {
			size = r.fetcher.PageSize()
		}
		r.maxPage = (page.TotalCount + size - 1) / size
	}

	r.items = page.Items
	r.loaded = true
	return true
}

func (r *Reader) nextPage() {
	r.cursor.Page++
	r.cursor.Offset = 0
	r.items = nil
	r.loaded = false
	if r.maxPage > 0 && r.cursor.Page > r.maxPage {
		r.nextCell()
	}
}

func (r *Reader) nextCell() {
	r.cursor.MonthIndex++
	r.cursor.Page = 1
	r.cursor.Offset = 0
	r.items = nil
	r.loaded = false
	r.maxPage = 0
	if r.cursor.MonthIndex >= len(r.months) {
		r.nextRegion()
	}
}

func (r *Reader) nextRegion() {
	r.cursor.RegionIndex++
	r.cursor.MonthIndex = 0
	r.cursor.Page = 1
	r.cursor.Offset = 0
	r.items = nil
	r.loaded = false
	r.maxPage = 0
}
