// Package auth talks to the remote authority: device authentication,
// session verification and data migration.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/fingerprint"
	"github.com/harrylevesque/devlink/internal/models"
	"github.com/harrylevesque/devlink/internal/store"
	"github.com/harrylevesque/devlink/internal/version"
)

const (
	DefaultBaseURL         = "http://localhost:5000/api"
	DefaultNetworkProbeURL = "https://www.baidu.com"

	healthTimeout  = 10 * time.Second
	probeTimeout   = 5 * time.Second
	sideTimeout    = 15 * time.Second
	maxBodyBytes   = 1 << 20
	genericFailure = "unknown authentication error"
)

// RetryPolicy bounds the retries of transient network failures. A call is
// attempted once plus up to MaxRetries more times, Delay apart.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Timeout    time.Duration // per attempt
}

// total bounds every attempt and the delays between them.
func (p RetryPolicy) total() time.Duration {
	return time.Duration(p.MaxRetries+1)*p.Timeout + time.Duration(p.MaxRetries)*p.Delay
}

var (
	AuthenticatePolicy = RetryPolicy{MaxRetries: 3, Delay: 2 * time.Second, Timeout: 30 * time.Second}
	VerifyPolicy       = RetryPolicy{MaxRetries: 2, Delay: time.Second, Timeout: 15 * time.Second}
)

// Identity is the part of the identity manager the client needs.
type Identity interface {
	UID(ctx context.Context, force bool) string
	Current() string
	PreviousUID() string
	SettlePrevious() error
}

// Publisher receives user-facing notices.
type Publisher interface {
	Publish(typ string, data any) events.Event
}

// Config holds the client settings that come from configuration.
type Config struct {
	// BaseURL takes precedence over a persisted override when set.
	BaseURL         string
	AdminContact    string
	NetworkProbeURL string
}

// Client is the authority client. It owns the session state.
type Client struct {
	http     *http.Client
	ids      Identity
	store    store.Store
	notices  Publisher
	log      *log.Logger
	contact  string
	probeURL string

	authPolicy   RetryPolicy
	verifyPolicy RetryPolicy
	sleep        func(ctx context.Context, d time.Duration) error
	describe     func() models.DeviceInfo

	group singleflight.Group

	mu      sync.RWMutex
	baseURL string
	token   string
	user    *models.User
	device  *models.Device
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPolicies overrides the authenticate and verify retry policies.
func WithPolicies(authenticate, verify RetryPolicy) Option {
	return func(c *Client) {
		c.authPolicy = authenticate
		c.verifyPolicy = verify
	}
}

// WithSleep replaces the delay between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithDeviceInfo replaces the host descriptor sent on authenticate.
func WithDeviceInfo(describe func() models.DeviceInfo) Option {
	return func(c *Client) { c.describe = describe }
}

// New builds a client. The base URL is cfg.BaseURL when set, else the
// persisted override, else DefaultBaseURL.
func New(cfg Config, ids Identity, st store.Store, notices Publisher, logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		http:         &http.Client{},
		ids:          ids,
		store:        st,
		notices:      notices,
		log:          logger,
		contact:      strings.TrimSpace(cfg.AdminContact),
		probeURL:     cfg.NetworkProbeURL,
		authPolicy:   AuthenticatePolicy,
		verifyPolicy: VerifyPolicy,
		sleep:        sleepCtx,
		describe:     fingerprint.Describe,
	}
	if c.probeURL == "" {
		c.probeURL = DefaultNetworkProbeURL
	}
	for _, o := range opts {
		o(c)
	}

	base := sanitizeBaseURL(cfg.BaseURL)
	if base == "" {
		persisted, err := st.GetString(store.KeyAPIBaseURL)
		if err != nil {
			logger.Warn("failed to read persisted api base url", "err", err)
		}
		base = sanitizeBaseURL(persisted)
	}
	if base == "" {
		base = DefaultBaseURL
	}
	c.baseURL = base
	return c
}

// sanitizeBaseURL trims whitespace and a single trailing slash.
func sanitizeBaseURL(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseURL returns the authority base URL in use.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL changes and persists the authority base URL.
func (c *Client) SetBaseURL(raw string) (string, error) {
	base := sanitizeBaseURL(raw)
	if base == "" {
		return c.BaseURL(), newError(KindValidation, 0, "apiBaseUrl must not be empty")
	}
	c.mu.Lock()
	c.baseURL = base
	c.mu.Unlock()
	if err := c.store.SetString(store.KeyAPIBaseURL, base); err != nil {
		return base, fmt.Errorf("persist api base url: %w", err)
	}
	c.log.Info("api base url updated", "url", base)
	return base, nil
}

// envelope is the response shape shared by every authority endpoint.
type envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Migrated bool            `json:"migrated,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// post sends body as JSON and decodes the envelope into out. Statuses of
// 400 and above become an *Error carrying the server message.
func (c *Client) post(ctx context.Context, path string, body any, token string, timeout time.Duration, out *envelope) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+path, bytes.NewReader(buf))
	if err != nil {
		return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode >= 400 {
		var env envelope
		_ = json.Unmarshal(data, &env)
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("request failed with status code %d", resp.StatusCode)
		}
		return &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindUnknown, Status: resp.StatusCode, Message: "invalid response from server", Err: err}
	}
	return nil
}

// get issues a GET and reports whether it answered 200 within timeout.
func (c *Client) get(ctx context.Context, url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("probe failed", "url", url, "err", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return resp.StatusCode == http.StatusOK
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// policy is exhausted.
func (c *Client) retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if KindOf(err) != KindTransientNetwork {
			return err
		}
		c.log.Warn(op+" failed", "attempt", attempt+1, "max", p.MaxRetries+1, "err", err)
		if attempt >= p.MaxRetries {
			return &Error{
				Kind:    KindTransientNetwork,
				Message: fmt.Sprintf("%s: network failure after %d retries, check the network connection and backend service", op, p.MaxRetries),
				Err:     err,
			}
		}
		if err := c.sleep(ctx, p.Delay); err != nil {
			return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
		}
	}
}

// BackendAvailable probes GET <base>/health.
func (c *Client) BackendAvailable(ctx context.Context) bool {
	return c.get(ctx, c.BaseURL()+"/health", healthTimeout)
}

// CheckNetwork reports internet and authority reachability.
func (c *Client) CheckNetwork(ctx context.Context) models.NetworkStatus {
	var st models.NetworkStatus
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		st.Network = c.get(ctx, c.probeURL, probeTimeout)
	}()
	go func() {
		defer wg.Done()
		st.Backend = c.BackendAvailable(ctx)
	}()
	wg.Wait()
	st.APIURL = c.BaseURL()
	return st
}
