package sis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/noah-isme/sis-enrol-sync/pkg/config"
	appErrors "github.com/noah-isme/sis-enrol-sync/pkg/errors"
)

// endOfListPattern matches the error the SIS API returns when the offset
// walks past the end of a collection. It is a clean end-of-list signal, not
// a failure; the captured group is the total list size the API claims.
var endOfListPattern = regexp.MustCompile(`Offset \[\d+\] is larger than list size: (\d+)`)

// TokenSource provides a valid bearer token for API requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Metrics receives client instrumentation events. Implementations must be
// nil-safe on the client side; a nil Metrics disables recording.
type Metrics interface {
	ObserveSISRequest(endpoint string, duration time.Duration, failed bool)
	RecordCacheLookup(hit bool)
}

// envelope is the JSON wrapper around every SIS API response.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// Client issues authenticated, rate-limited GET requests against the SIS
// REST API, handling limit/offset pagination and the response envelope.
type Client struct {
	http       *http.Client
	tokens     TokenSource
	shortCache *ResponseCache
	longCache  *ResponseCache
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	metrics    Metrics
	cfg        config.SISConfig
	logger     *zap.Logger
}

// NewClient constructs a SIS API client.
func NewClient(httpClient *http.Client, tokens TokenSource, shortCache, longCache *ResponseCache, cfg config.SISConfig, metrics Metrics, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		http:       httpClient,
		tokens:     tokens,
		shortCache: shortCache,
		longCache:  longCache,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker:    gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{Name: "sis-api"}),
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
	}
}

// GetAll fetches a complete collection, following limit/offset pagination
// until a page comes back empty or the API reports end of list. When the
// end-of-list error carries an expected total, the accumulated count must
// match it exactly; otherwise the whole fetch fails and no partial data is
// returned.
func (c *Client) GetAll(ctx context.Context, path string, query url.Values, cache *ResponseCache) ([]json.RawMessage, error) {
	limit := c.cfg.PageSize
	offset := 0
	expectedTotal := -1
	var items []json.RawMessage

	for {
		params := cloneValues(query)
		params.Set("limit", strconv.Itoa(limit))
		params.Set("offset", strconv.Itoa(offset))

		body, err := c.get(ctx, path, params, cache)
		if err != nil {
			return nil, err
		}
		if len(body) == 0 {
			return nil, appErrors.Wrap(fmt.Errorf("GET %s offset %d returned empty body", path, offset), appErrors.ErrFetchFailed.Code, "empty response")
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed response")
		}

		if env.Error != "" {
			match := endOfListPattern.FindStringSubmatch(env.Error)
			if match == nil {
				return nil, appErrors.Wrap(fmt.Errorf("GET %s offset %d: %s", path, offset, env.Error), appErrors.ErrFetchFailed.Code, "api error")
			}
			expectedTotal, _ = strconv.Atoi(match[1])
			break
		}

		if env.Data == nil {
			return nil, appErrors.Wrap(fmt.Errorf("GET %s offset %d: no data and no error in response", path, offset), appErrors.ErrFetchFailed.Code, "unexpected response")
		}

		var page []json.RawMessage
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed data array")
		}
		if len(page) == 0 {
			break
		}

		items = append(items, page...)
		offset += limit
	}

	if expectedTotal >= 0 && expectedTotal != len(items) {
		c.logger.Warn("paginated fetch count mismatch",
			zap.String("path", path),
			zap.Int("claimed", expectedTotal),
			zap.Int("fetched", len(items)),
		)
		return nil, appErrors.Clone(appErrors.ErrCountMismatch, fmt.Sprintf("claimed %d items, fetched %d", expectedTotal, len(items)))
	}

	return items, nil
}

// GetOne fetches a single resource and unwraps its data field. ErrNotFound
// is returned when the envelope carries no data.
func (c *Client) GetOne(ctx context.Context, path string, query url.Values, cache *ResponseCache) (json.RawMessage, error) {
	body, err := c.get(ctx, path, cloneValues(query), cache)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "empty response")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, "malformed response")
	}
	if env.Error != "" {
		return nil, appErrors.Wrap(fmt.Errorf("GET %s: %s", path, env.Error), appErrors.ErrFetchFailed.Code, "api error")
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, appErrors.ErrNotFound
	}
	return env.Data, nil
}

// get performs one authenticated request, consulting the given cache first.
// The cache fingerprint excludes the access token, so entries survive a
// token rotation until the explicit invalidation drops them.
func (c *Client) get(ctx context.Context, path string, params url.Values, cache *ResponseCache) ([]byte, error) {
	if payload, ok := cache.Get(ctx, path, params); ok {
		c.recordCache(true)
		return payload, nil
	}
	if cache != nil {
		c.recordCache(false)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	authed := cloneValues(params)
	authed.Set("access_token", token)
	reqURL := c.cfg.Host + c.cfg.APIPath + path + "?" + authed.Encode()

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, reqURL)
	})
	c.recordRequest(path, time.Since(start), err != nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrFetchFailed.Code, fmt.Sprintf("GET %s", path))
	}

	cache.Set(ctx, path, params, body)
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("client_secret", c.cfg.ClientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *Client) recordRequest(endpoint string, duration time.Duration, failed bool) {
	if c.metrics != nil {
		c.metrics.ObserveSISRequest(endpoint, duration, failed)
	}
}

func (c *Client) recordCache(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(hit)
	}
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for key, values := range v {
		for _, value := range values {
			out.Add(key, value)
		}
	}
	return out
}
