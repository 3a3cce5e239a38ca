// Package auth obtains KIS credentials: the websocket approval key and the
// REST access token.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/settings"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://openapi.koreainvestment.com:9443"

	// Tokens are reused until one hour before they expire.
	refreshMargin = time.Hour

	// KIS issues at most one access token per minute per app key.
	rateLimitCode  = "EGW00133"
	rateLimitDelay = time.Minute
)

// TokenCache keeps the access token across calls and restarts.
type TokenCache interface {
	CachedToken() (token, appKey string, expiry time.Time)
	SaveToken(token, appKey string, expiry time.Time)
}

// Config holds configuration for creating a new Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Cache      TokenCache
	Logger     *slog.Logger
	// RetryDelay overrides the wait after a rate-limited token request.
	RetryDelay time.Duration
	// Limiter paces token requests. Nil means one request per minute.
	Limiter *rate.Limiter
}

// Client talks to the KIS oauth2 endpoints.
type Client struct {
	baseURL    string
	http       *http.Client
	cache      TokenCache
	logger     *slog.Logger
	retryDelay time.Duration
	limiter    *rate.Limiter

	// tokenMu serializes access token issuance so concurrent callers share
	// one request.
	tokenMu sync.Mutex
}

// New creates a new auth Client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       cfg.HTTPClient,
		cache:      cfg.Cache,
		logger:     cfg.Logger,
		retryDelay: cfg.RetryDelay,
		limiter:    cfg.Limiter,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.cache == nil {
		c.cache = &memoryCache{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryDelay <= 0 {
		c.retryDelay = rateLimitDelay
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(rateLimitDelay), 1)
	}
	return c
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// ApprovalKey issues a websocket approval key.
func (c *Client) ApprovalKey(ctx context.Context, creds settings.Credentials) (string, error) {
	if !creds.Ready() {
		return "", kiserr.New(kiserr.NoCredential, "approval key", nil)
	}
	c.logger.Info("Requesting approval key")

	var out approvalResponse
	status, body, err := c.post(ctx, "/oauth2/Approval", approvalRequest{
		GrantType: "client_credentials",
		AppKey:    creds.AppKey,
		SecretKey: creds.AppSecret,
	}, &out)
	if err != nil {
		return "", kiserr.New(kiserr.NetworkError, "approval key", err)
	}
	if status != http.StatusOK {
		return "", classifyStatus("approval key", status, body)
	}
	if out.ApprovalKey == "" {
		return "", kiserr.Errorf(kiserr.AuthFailure, "approval key", "response carries no approval_key")
	}
	c.logger.Info("Approval key issued")
	return out.ApprovalKey, nil
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type errorResponse struct {
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// AccessToken returns a REST bearer token, reusing the cached one while it
// was issued for the same app key and stays valid for more than an hour.
// A rate-limited issuance waits and retries until ctx is done.
func (c *Client) AccessToken(ctx context.Context, creds settings.Credentials) (string, error) {
	if !creds.Ready() {
		return "", kiserr.New(kiserr.NoCredential, "access token", nil)
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	for {
		if tok, ok := c.cached(creds.AppKey); ok {
			return tok, nil
		}
		tok, err := c.issueToken(ctx, creds)
		if err == nil {
			return tok, nil
		}
		if kind, _ := kiserr.KindOf(err); kind != kiserr.RateLimited {
			return "", err
		}
		c.logger.Warn("Access token rate limited, retrying", "delay", c.retryDelay)
		t := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", kiserr.New(kiserr.NetworkError, "access token", ctx.Err())
		case <-t.C:
		}
	}
}

func (c *Client) cached(appKey string) (string, bool) {
	tok, key, expiry := c.cache.CachedToken()
	if tok == "" || key != appKey {
		return "", false
	}
	if time.Until(expiry) <= refreshMargin {
		return "", false
	}
	return tok, true
}

func (c *Client) issueToken(ctx context.Context, creds settings.Credentials) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", kiserr.New(kiserr.NetworkError, "access token", err)
	}
	c.logger.Info("Requesting access token")

	var out tokenResponse
	issuedAt := time.Now()
	status, body, err := c.post(ctx, "/oauth2/tokenP", tokenRequest{
		GrantType: "client_credentials",
		AppKey:    creds.AppKey,
		AppSecret: creds.AppSecret,
	}, &out)
	if err != nil {
		return "", kiserr.New(kiserr.NetworkError, "access token", err)
	}
	if status != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.ErrorCode == rateLimitCode {
			return "", kiserr.Errorf(kiserr.RateLimited, "access token", "%s", e.ErrorDescription)
		}
		return "", classifyStatus("access token", status, body)
	}
	if out.AccessToken == "" {
		return "", kiserr.Errorf(kiserr.AuthFailure, "access token", "response carries no access_token")
	}

	expiry := issuedAt.Add(time.Duration(out.ExpiresIn) * time.Second)
	c.cache.SaveToken(out.AccessToken, creds.AppKey, expiry)
	c.logger.Info("Access token issued", "expires_in_hours", out.ExpiresIn/3600)
	return out.AccessToken, nil
}

// post sends a JSON body and decodes a 200 response into out. Non-200
// bodies are returned raw for classification.
func (c *Client) post(ctx context.Context, path string, in, out any) (int, []byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, body, nil
}

func classifyStatus(op string, status int, body []byte) error {
	kind := kiserr.NetworkError
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = kiserr.AuthFailure
	}
	return kiserr.Errorf(kind, op, "status %d: %s", status, strings.TrimSpace(string(body)))
}

type memoryCache struct {
	mu     sync.Mutex
	token  string
	appKey string
	expiry time.Time
}

func (m *memoryCache) CachedToken() (string, string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.appKey, m.expiry
}

func (m *memoryCache) SaveToken(token, appKey string, expiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.appKey, m.expiry = token, appKey, expiry
}
