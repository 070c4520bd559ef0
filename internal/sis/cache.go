package sis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sis-enrol-sync/pkg/errors"
)

// CacheStore abstracts the keyed payload store backing a response cache.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ResponseCache caches raw SIS response payloads under a fingerprint of the
// request. Two instances exist per client: a short-TTL cache for
// enrolment-adjacent lookups and a long-TTL cache for catalog collections.
// Entries are scoped by namespace so the two never see each other's data.
type ResponseCache struct {
	store     CacheStore
	namespace string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewResponseCache constructs a cache over the given store and namespace.
func NewResponseCache(store CacheStore, namespace string, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{store: store, namespace: namespace, ttl: ttl, logger: logger}
}

// Get returns the cached payload for a request, reporting whether it was a
// hit. Store errors degrade to a miss so a broken cache never fails a fetch.
func (c *ResponseCache) Get(ctx context.Context, path string, params url.Values) ([]byte, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	payload, err := c.store.Get(ctx, c.key(path, params))
	if err != nil {
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			c.logger.Warn("cache get failed", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	return payload, true
}

// Set stores a payload for a request. Payloads that are not an envelope with
// a non-empty data field are dropped, which keeps error responses and empty
// results out of the cache.
func (c *ResponseCache) Set(ctx context.Context, path string, params url.Values, payload []byte) {
	if c == nil || c.store == nil {
		return
	}
	if !cacheable(payload) {
		return
	}
	if err := c.store.Set(ctx, c.key(path, params), payload, c.ttl); err != nil {
		c.logger.Warn("cache set failed", zap.String("path", path), zap.Error(err))
	}
}

// InvalidateAll drops every entry in this cache's namespace. Called whenever
// a new OAuth token is acquired, since responses are implicitly scoped to
// the authenticated principal.
func (c *ResponseCache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.DeleteByPattern(ctx, c.namespace+":*")
}

// key fingerprints the request path and parameter set. url.Values.Encode
// sorts by key, so identical parameter sets hit the same entry regardless of
// insertion order.
func (c *ResponseCache) key(path string, params url.Values) string {
	sum := sha256.Sum256([]byte(path + "?" + params.Encode()))
	return c.namespace + ":" + hex.EncodeToString(sum[:])
}

var nullLiteral = []byte("null")

func cacheable(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, nullLiteral) {
		return false
	}
	switch {
	case bytes.Equal(data, []byte("[]")), bytes.Equal(data, []byte("{}")), bytes.Equal(data, []byte(`""`)):
		return false
	}
	return true
}
