package githubapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
)

// PoolConfig sizes the shared upstream connection pool.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	BaseTransport  http.RoundTripper
}

// NewPooledTransport creates a keep-alive transport sized for concurrent lookups.
func NewPooledTransport(cfg PoolConfig) *http.Transport {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 50
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 20
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 50
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// tokenTransport adds a bearer token to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	authorized := req.Clone(req.Context())
	authorized.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(authorized)
}

// NewTokenHTTPClient creates an HTTP client that authenticates with a personal access token.
// An empty token yields an unauthenticated client.
func NewTokenHTTPClient(token string, base http.RoundTripper, timeout time.Duration) *http.Client {
	if base == nil {
		base = NewPooledTransport(PoolConfig{})
	}
	transport := base
	if trimmed := strings.TrimSpace(token); trimmed != "" {
		transport = &tokenTransport{token: trimmed, base: base}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// NewInstallationHTTPClient creates an authenticated HTTP client for one GitHub App installation.
func NewInstallationHTTPClient(cfg InstallationAuthConfig) (*http.Client, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = NewPooledTransport(PoolConfig{})
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewGitHubRESTClient creates a go-github client whose requests flow through the
// paced request client. An empty base URL keeps the public API.
func NewGitHubRESTClient(requestClient *Client, apiBaseURL string) (*github.Client, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	client := github.NewClient(&http.Client{Transport: requestClient})
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return client, nil
	}

	parsedURL, err := parseAPIBaseURL(trimmedBaseURL)
	if err != nil {
		return nil, err
	}
	client.BaseURL = parsedURL
	return client, nil
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}
