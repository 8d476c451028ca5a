package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the lookup service answers HTTP 429.
var ErrRateLimited = errors.New("geocoding rate limited")

// Lookup is the third-party geocoding service.
type Lookup interface {
	SearchAddress(ctx context.Context, query string) ([]Document, error)
	SearchKeyword(ctx context.Context, query string) ([]Document, error)
}

type Document struct {
	AddressName string       `json:"address_name"`
	PlaceName   string       `json:"place_name"`
	X           string       `json:"x"`
	Y           string       `json:"y"`
	Address     *AddressPart `json:"address"`
	RoadAddress *AddressPart `json:"road_address"`
}

type AddressPart struct {
	AddressName string `json:"address_name"`
	Region1     string `json:"region_1depth_name"`
	Region2     string `json:"region_2depth_name"`
	Region3     string `json:"region_3depth_name"`
	BCode       string `json:"b_code"`
	X           string `json:"x"`
	Y           string `json:"y"`
}

// Point returns the document location, preferring the road-address coordinate over
// the lot-address one, then the document's own coordinate.
func (d Document) Point() (orb.Point, bool) {
	if d.RoadAddress != nil {
		if pt, ok := parsePoint(d.RoadAddress.X, d.RoadAddress.Y); ok {
			return pt, true
		}
	}
	if d.Address != nil {
		if pt, ok := parsePoint(d.Address.X, d.Address.Y); ok {
			return pt, true
		}
	}
	return parsePoint(d.X, d.Y)
}

func parsePoint(x, y string) (orb.Point, bool) {
	lng, errX := strconv.ParseFloat(x, 64)
	lat, errY := strconv.ParseFloat(y, 64)
	if errX != nil || errY != nil || (lng == 0 && lat == 0) {
		return orb.Point{}, false
	}
	return orb.Point{lng, lat}, true
}

type searchResponse struct {
	Documents []Document `json:"documents"`
}

// KakaoClient queries the Kakao local search API. Positive results are cached for the
// lifetime of the client; requests are spaced by a fixed delay.
type KakaoClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	cache     map[string][]Document
	cacheLock sync.RWMutex
}

func NewKakaoClient(baseURL, apiKey string, delay, timeout time.Duration, logger *logrus.Logger) *KakaoClient {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KakaoClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		cache:   make(map[string][]Document),
	}
}

func (k *KakaoClient) SearchAddress(ctx context.Context, query string) ([]Document, error) {
	return k.search(ctx, "/v2/local/search/address.json", query)
}

func (k *KakaoClient) SearchKeyword(ctx context.Context, query string) ([]Document, error) {
	return k.search(ctx, "/v2/local/search/keyword.json", query)
}

func (k *KakaoClient) search(ctx context.Context, path, query string) ([]Document, error) {
	cacheKey := path + "|" + query

	k.cacheLock.RLock()
	if docs, ok := k.cache[cacheKey]; ok {
		k.cacheLock.RUnlock()
		return docs, nil
	}
	k.cacheLock.RUnlock()

	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.URL.RawQuery = url.Values{"query": []string{query}}.Encode()
	req.Header.Set("Authorization", "KakaoAK "+k.apiKey)

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoding service returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(result.Documents) > 0 {
		k.cacheLock.Lock()
		k.cache[cacheKey] = result.Documents
		k.cacheLock.Unlock()
	}

	k.logger.WithFields(logrus.Fields{
		"path":      path,
		"query":     query,
		"documents": len(result.Documents),
	}).Debug("Geocoding lookup finished")

	return result.Documents, nil
}
