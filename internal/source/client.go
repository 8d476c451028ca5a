package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"estatefeed/server/internal/models"
)

var (
	// ErrTransient marks failures that should be retried on a later run: timeouts,
	// network errors, HTTP 429/5xx and upstream quota codes.
	ErrTransient = errors.New("transient source failure")

	// ErrFatal marks failures that end the stream: rejected requests and responses
	// whose schema cannot be understood.
	ErrFatal = errors.New("fatal source failure")
)

// ClientConfig configures the paged source API client.
type ClientConfig struct {
	BaseURL     string
	ServiceKey  string
	SalePath    string
	LeasePath   string
	SchoolPath  string
	StationPath string
	PageSize    int
	PageDelay   time.Duration
	Timeout     time.Duration
}

// Client fetches single pages from the government transaction and amenity feeds.
// Requests are spaced by a fixed delay shared by every caller of the client.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        ClientConfig
	logger     *logrus.Logger
}

func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		cfg:        cfg,
		logger:     logger,
	}
}

// PageSize is the number of rows requested per page.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// FetchDeals fetches one page of transaction records for a (region, month) cell.
func (c *Client) FetchDeals(ctx context.Context, trade models.TradeType, regionCode, yearMonth string, page int) (*Page[RawDeal], error) {
	path := c.cfg.SalePath
	if trade == models.TradeLease {
		path = c.cfg.LeasePath
	}

	params := url.Values{}
	params.Set("LAWD_CD", regionCode)
	params.Set("DEAL_YMD", yearMonth)

	body, err := c.get(ctx, path, params, page)
	if err != nil {
		return nil, err
	}
	return decodePage[RawDeal](body)
}

// FetchAmenities fetches one page of school or station records.
func (c *Client) FetchAmenities(ctx context.Context, kind models.AmenityKind, page int) (*Page[RawAmenity], error) {
	path := c.cfg.SchoolPath
	if kind == models.AmenityStation {
		path = c.cfg.StationPath
	}

	body, err := c.get(ctx, path, url.Values{}, page)
	if err != nil {
		return nil, err
	}
	return decodePage[RawAmenity](body)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, page int) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("serviceKey", c.cfg.ServiceKey)
	params.Set("pageNo", strconv.Itoa(page))
	params.Set("numOfRows", strconv.Itoa(c.cfg.PageSize))
	params.Set("_type", "json")

	reqURL := c.cfg.BaseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrFatal, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: request failed: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited (HTTP 429)", ErrTransient)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: upstream returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: upstream returned %d", ErrFatal, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTransient, err)
	}

	c.logger.WithFields(logrus.Fields{
		"path": path,
		"page": page,
	}).Debug("Fetched source page")

	return body, nil
}
