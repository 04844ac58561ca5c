// auth.go manages OAuth access tokens for the brokerage REST API.
//
// Tokens are issued with grant_type=client_credentials and are valid for
// ~24h. The broker rejects token re-issuance within a minute of the last
// issue, so tokens are cached on disk per mode per day and reused across
// restarts. A background refresher re-authenticates a configurable number
// of hours before expiry so the trading day never starts with a token about
// to lapse.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"leverage-worker/internal/config"
	"leverage-worker/pkg/types"
)

// Auth issues, caches, and refreshes the OAuth bearer token plus the
// WebSocket approval key. Safe for concurrent use.
type Auth struct {
	http      *resty.Client
	mode      types.Mode
	appKey    string
	appSecret string
	cacheDir  string

	mu          sync.RWMutex
	token       string
	expiresAt   time.Time
	approvalKey string

	logger *slog.Logger
}

type tokenCache struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Mode      string    `json:"mode"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// NewAuth creates the token manager for one broker environment.
func NewAuth(baseURL string, creds *config.Credentials, mode types.Mode, cacheDir string, logger *slog.Logger) *Auth {
	appKey, appSecret := creds.Keys(mode)
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Auth{
		http:      httpClient,
		mode:      mode,
		appKey:    appKey,
		appSecret: appSecret,
		cacheDir:  cacheDir,
		logger:    logger.With("component", "auth"),
	}
}

// Authenticate loads a cached token for today or issues a fresh one.
func (a *Auth) Authenticate(ctx context.Context) error {
	if a.loadCache() {
		a.logger.Info("reusing cached token", "expires_at", a.ExpiresAt())
		return nil
	}
	return a.issue(ctx)
}

// ForceReauth discards the current token and issues a new one. Used when the
// broker reports an auth-expired code mid-session.
func (a *Auth) ForceReauth(ctx context.Context) error {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
	return a.issue(ctx)
}

func (a *Auth) issue(ctx context.Context) error {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     a.appKey,
		"appsecret":  a.appSecret,
	}

	var result tokenResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("issue token: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.AccessToken == "" {
		return fmt.Errorf("issue token: empty access_token in response")
	}

	expiresAt := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)

	a.mu.Lock()
	a.token = result.AccessToken
	a.expiresAt = expiresAt
	a.mu.Unlock()

	a.saveCache()
	a.logger.Info("token issued", "mode", a.mode, "expires_at", expiresAt)
	return nil
}

// ApprovalKey returns the WebSocket approval key, issuing it on first use.
func (a *Auth) ApprovalKey(ctx context.Context) (string, error) {
	a.mu.RLock()
	key := a.approvalKey
	a.mu.RUnlock()
	if key != "" {
		return key, nil
	}

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     a.appKey,
		"secretkey":  a.appSecret,
	}

	var result approvalResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("approval key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("approval key: status %d: %s", resp.StatusCode(), resp.String())
	}

	a.mu.Lock()
	a.approvalKey = result.ApprovalKey
	a.mu.Unlock()
	return result.ApprovalKey, nil
}

// Token returns the current bearer token ("" when unauthenticated).
func (a *Auth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// ExpiresAt returns the current token's expiry.
func (a *Auth) ExpiresAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expiresAt
}

// AppKey returns the app key header value.
func (a *Auth) AppKey() string { return a.appKey }

// AppSecret returns the app secret header value.
func (a *Auth) AppSecret() string { return a.appSecret }

// Valid reports whether a usable token is held.
func (a *Auth) Valid() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token != "" && time.Now().Before(a.expiresAt)
}

// RunRefresher re-authenticates refreshBefore ahead of expiry. Blocks until
// ctx is cancelled.
func (a *Auth) RunRefresher(ctx context.Context, refreshBefore time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Until(a.ExpiresAt()) > refreshBefore {
				continue
			}
			if err := a.issue(ctx); err != nil {
				a.logger.Error("token refresh failed", "error", err)
			}
		}
	}
}

func (a *Auth) cachePath() string {
	name := fmt.Sprintf("token_%s_%s.json", a.mode, time.Now().Format("20060102"))
	return filepath.Join(a.cacheDir, name)
}

// loadCache restores a same-day token if it is still comfortably valid.
func (a *Auth) loadCache() bool {
	data, err := os.ReadFile(a.cachePath())
	if err != nil {
		return false
	}
	var cache tokenCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return false
	}
	if cache.Token == "" || time.Until(cache.ExpiresAt) < time.Hour {
		return false
	}

	a.mu.Lock()
	a.token = cache.Token
	a.expiresAt = cache.ExpiresAt
	a.mu.Unlock()
	return true
}

// saveCache writes atomically (tmp + rename) so a crash mid-write never
// leaves a corrupt cache.
func (a *Auth) saveCache() {
	a.mu.RLock()
	cache := tokenCache{Token: a.token, ExpiresAt: a.expiresAt, Mode: string(a.mode)}
	a.mu.RUnlock()

	if err := os.MkdirAll(a.cacheDir, 0o755); err != nil {
		a.logger.Warn("token cache dir", "error", err)
		return
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	path := a.cachePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		a.logger.Warn("token cache write", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		a.logger.Warn("token cache rename", "error", err)
	}
}
