package backend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for constructing a backend HTTP client.
type ClientConfig struct {
	BaseURL      string
	Username     string
	Password     string
	APIKey       string
	VerifyTLS    bool
	CACertPath   string
	Timeout      time.Duration
	Debug        bool
	ReauthMinGap time.Duration // skip re-auth if the last one was less than this ago
}

// httpClient implements API using JSON over HTTPS.
type httpClient struct {
	cfg     ClientConfig
	http    *http.Client
	session *sessionManager
	log     zerolog.Logger

	featureMu    sync.RWMutex
	featureCache map[string]bool
}

// NewClient constructs a backend client and performs the initial login.
func NewClient(ctx context.Context, cfg ClientConfig, log zerolog.Logger) (API, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // user-opted-in
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert %s: %w", cfg.CACertPath, err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid certificates in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = roots
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := newHTTPClient(cfg, &http.Client{Transport: transport, Timeout: cfg.Timeout}, log)
	if err := c.session.EnsureAuth(ctx); err != nil {
		return nil, fmt.Errorf("initial login: %w", err)
	}
	return c, nil
}

func newHTTPClient(cfg ClientConfig, hc *http.Client, log zerolog.Logger) *httpClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	authCfg := AuthConfig{
		BaseURL:       cfg.BaseURL,
		Username:      cfg.Username,
		Password:      cfg.Password,
		APIKey:        cfg.APIKey,
		ReauthTimeout: cfg.Timeout,
		ReauthMinGap:  cfg.ReauthMinGap,
	}
	return &httpClient{
		cfg:          cfg,
		http:         hc,
		session:      newSessionManager(authCfg, hc, log),
		log:          log,
		featureCache: make(map[string]bool),
	}
}

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
func (c *httpClient) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	c.session.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("backend api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("backend api request failed")
		}
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("backend api response")
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case http.StatusForbidden:
		msg := errorMessage(resp)
		return nil, &ErrForbidden{Msg: msg}
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &ErrNotFound{ID: req.URL.Path}
	case http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = d
			}
		}
		_ = resp.Body.Close()
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	case http.StatusConflict:
		msg := errorMessage(resp)
		return nil, &ErrConflict{Msg: msg}
	}
	if resp.StatusCode >= 400 {
		msg := errorMessage(resp)
		return nil, fmt.Errorf("%s: HTTP %d: %s", endpoint, resp.StatusCode, msg)
	}
	return resp, nil
}

// errorMessage drains and closes resp, returning the server's error text.
func errorMessage(resp *http.Response) string {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}

// withReauth executes fn, and on ErrUnauthorized calls EnsureAuth then retries once.
func (c *httpClient) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	var unauth *ErrUnauthorized
	if !errors.As(err, &unauth) {
		return err
	}
	if authErr := c.session.EnsureAuth(ctx); authErr != nil {
		return fmt.Errorf("re-auth failed: %w", authErr)
	}
	return fn()
}

// Ping verifies the backend is reachable.
func (c *httpClient) Ping(ctx context.Context) error {
	return c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+pathHealth, nil)
		if err != nil {
			return err
		}
		resp, err := c.apiDo(ctx, req, "ping")
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	})
}

// Close is a no-op; bearer tokens expire server-side.
func (c *httpClient) Close() error {
	return nil
}
