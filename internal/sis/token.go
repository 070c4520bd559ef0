package sis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
	"github.com/noah-isme/sis-enrol-sync/pkg/config"
	appErrors "github.com/noah-isme/sis-enrol-sync/pkg/errors"
)

// Settings keys for the persisted token state.
const (
	settingAccessToken  = "accesstoken"
	settingTokenExpires = "accesstokenexpiretime"
	settingRefreshToken = "refreshtoken"
)

// expirySafetyMargin is subtracted from the server-provided token lifetime
// so a token is never presented right at its expiry boundary.
const expirySafetyMargin = 10 * time.Second

// ConfigStore is the durable key-value store holding token state between
// processes. A restart must not force a needless re-login while the stored
// token is still valid.
type ConfigStore interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}

// TokenManager maintains a valid bearer token for SIS API calls with
// minimal re-authentication.
type TokenManager struct {
	http       *http.Client
	store      ConfigStore
	cfg        config.SISConfig
	shortCache *ResponseCache
	longCache  *ResponseCache
	logger     *zap.Logger
	now        func() time.Time
}

// NewTokenManager constructs a token manager. Either cache may be nil.
func NewTokenManager(httpClient *http.Client, store ConfigStore, cfg config.SISConfig, shortCache, longCache *ResponseCache, logger *zap.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenManager{
		http:       httpClient,
		store:      store,
		cfg:        cfg,
		shortCache: shortCache,
		longCache:  longCache,
		logger:     logger,
		now:        time.Now,
	}
}

// Token returns a valid access token, acquiring or refreshing one first if
// needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	ok, err := m.IsLoggedIn(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", appErrors.ErrAuthFailed
	}
	tok, err := m.storedToken(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// IsLoggedIn reports whether a valid access token is available. An expired
// token is first refreshed via the stored refresh token, then re-acquired
// via the resource-owner password grant using the configured credentials.
func (m *TokenManager) IsLoggedIn(ctx context.Context) (bool, error) {
	tok, err := m.storedToken(ctx)
	if err != nil {
		return false, err
	}

	if tok.AccessToken != "" && !tok.Valid(m.now()) {
		if tok.RefreshToken != "" {
			ok, err := m.Refresh(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		// The stored token already expired and could not be refreshed.
		if err := m.clearToken(ctx); err != nil {
			return false, err
		}
		tok = models.OAuthToken{RefreshToken: tok.RefreshToken}
	}

	if tok.AccessToken != "" {
		return true, nil
	}

	if m.cfg.Username != "" && m.cfg.Password != "" {
		return m.Login(ctx)
	}

	return false, nil
}

// Refresh exchanges the stored refresh token for a new access token. A
// response without an access_token field yields (false, nil); a non-200
// response is an error. On success both response caches are invalidated.
func (m *TokenManager) Refresh(ctx context.Context) (bool, error) {
	tok, err := m.storedToken(ctx)
	if err != nil {
		return false, err
	}
	if tok.RefreshToken == "" {
		return false, nil
	}

	params := url.Values{}
	params.Set("client_id", m.cfg.ClientID)
	params.Set("client_secret", m.cfg.ClientSecret)
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", tok.RefreshToken)

	resp, err := m.tokenRequest(ctx, params)
	if err != nil {
		return false, err
	}
	if resp.AccessToken == "" {
		return false, nil
	}

	if err := m.storeToken(ctx, resp); err != nil {
		return false, err
	}

	// A new principal invalidates everything previously cached.
	m.invalidate(ctx, m.shortCache)
	m.invalidate(ctx, m.longCache)

	m.logger.Info("sis access token refreshed")
	return true, nil
}

// Login acquires a token via the resource-owner password grant. Only the
// short-TTL cache is invalidated; catalog data survives a plain login.
func (m *TokenManager) Login(ctx context.Context) (bool, error) {
	params := url.Values{}
	params.Set("client_id", m.cfg.ClientID)
	params.Set("client_secret", m.cfg.ClientSecret)
	params.Set("grant_type", "password")
	params.Set("username", m.cfg.Username)
	params.Set("password", m.cfg.Password)

	resp, err := m.tokenRequest(ctx, params)
	if err != nil {
		return false, err
	}
	if resp.AccessToken == "" {
		return false, nil
	}

	if err := m.storeToken(ctx, resp); err != nil {
		return false, err
	}

	m.invalidate(ctx, m.shortCache)

	m.logger.Info("sis login succeeded")
	return true, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// tokenRequest hits the token endpoint with the configured HTTP method.
// Some SIS gateways only accept the grant parameters on the query string.
func (m *TokenManager) tokenRequest(ctx context.Context, params url.Values) (*tokenResponse, error) {
	endpoint := m.cfg.Host + m.cfg.TokenPath

	var req *http.Request
	var err error
	if m.cfg.TokenMethod == config.TokenMethodPost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrAuthFailed.Code, "build token request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrAuthFailed.Code, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrAuthFailed.Code, "read token response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, appErrors.Wrap(
			fmt.Errorf("token endpoint returned status %d", resp.StatusCode),
			appErrors.ErrAuthFailed.Code,
			appErrors.ErrAuthFailed.Message,
		)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrAuthFailed.Code, "malformed token response")
	}
	return &tr, nil
}

func (m *TokenManager) storedToken(ctx context.Context) (models.OAuthToken, error) {
	var tok models.OAuthToken

	access, err := m.store.Get(ctx, settingAccessToken)
	if err != nil {
		return tok, err
	}
	expires, err := m.store.Get(ctx, settingTokenExpires)
	if err != nil {
		return tok, err
	}
	refresh, err := m.store.Get(ctx, settingRefreshToken)
	if err != nil {
		return tok, err
	}

	tok.AccessToken = access
	tok.RefreshToken = refresh
	if expires != "" {
		if epoch, err := strconv.ParseInt(expires, 10, 64); err == nil {
			tok.ExpiresAt = time.Unix(epoch, 0)
		}
	}
	return tok, nil
}

// storeToken persists the new token state. The access token and expiry are
// written before the refresh token so a crash in between still leaves a
// usable access token behind.
func (m *TokenManager) storeToken(ctx context.Context, resp *tokenResponse) error {
	expiresAt := m.now().Add(time.Duration(resp.ExpiresIn)*time.Second - expirySafetyMargin)

	if err := m.store.Set(ctx, settingAccessToken, resp.AccessToken); err != nil {
		return err
	}
	if err := m.store.Set(ctx, settingTokenExpires, strconv.FormatInt(expiresAt.Unix(), 10)); err != nil {
		return err
	}
	if resp.RefreshToken != "" {
		if err := m.store.Set(ctx, settingRefreshToken, resp.RefreshToken); err != nil {
			return err
		}
	}
	return nil
}

func (m *TokenManager) clearToken(ctx context.Context) error {
	if err := m.store.Delete(ctx, settingAccessToken); err != nil {
		return err
	}
	return m.store.Delete(ctx, settingTokenExpires)
}

func (m *TokenManager) invalidate(ctx context.Context, cache *ResponseCache) {
	if cache == nil {
		return
	}
	if err := cache.InvalidateAll(ctx); err != nil {
		m.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}
