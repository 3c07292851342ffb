package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/models"
	"github.com/harrylevesque/devlink/internal/version"
)

// Client talks to a running control server.
type Client struct {
	baseURL *url.URL
	hc      *http.Client
}

type ClientOptions struct {
	Addr    string
	Timeout time.Duration
}

// StatusError is returned when the control server answers with a non-2xx
// status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Code)
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.Addr == "" {
		return nil, errors.New("addr is required")
	}
	addr := opt.Addr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("invalid addr")
	}
	timeout := opt.Timeout
	if timeout == 0 {
		// authenticate may run four attempts of up to 30s each
		timeout = 3 * time.Minute
	}
	return &Client{baseURL: u, hc: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UID(ctx context.Context) (*UIDInfo, error) {
	var out UIDInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/uid", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Config(ctx context.Context) (string, error) {
	var out ConfigData
	if err := c.doJSON(ctx, http.MethodGet, "/api/config", nil, nil, &out); err != nil {
		return "", err
	}
	return out.APIBaseURL, nil
}

// SetAPIBaseURL changes the authority base URL and returns the one in effect.
func (c *Client) SetAPIBaseURL(ctx context.Context, base string) (string, error) {
	var out ConfigData
	if err := c.doJSON(ctx, http.MethodPost, "/api/config", nil, ConfigData{APIBaseURL: base}, &out); err != nil {
		return "", err
	}
	return out.APIBaseURL, nil
}

// Authenticate asks the agent to authenticate, optionally against base.
func (c *Client) Authenticate(ctx context.Context, base string) (*models.AuthSession, error) {
	var out models.AuthSession
	if err := c.doJSON(ctx, http.MethodPost, "/api/authenticate", nil, ConfigData{APIBaseURL: base}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify returns the verification payload, nil when the session could not
// be verified. reason carries the agent's explanation in that case.
func (c *Client) Verify(ctx context.Context) (v models.Verification, reason string, err error) {
	var env struct {
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/verify", nil, struct{}{}, &env); err != nil {
		return nil, "", err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, env.Message, nil
	}
	return models.Verification(env.Data), "", nil
}

func (c *Client) Network(ctx context.Context) (*models.NetworkStatus, error) {
	var out models.NetworkStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/network", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns the retained events newer than since.
func (c *Client) Events(ctx context.Context, since uint64) ([]events.Event, error) {
	q := url.Values{"since": {strconv.FormatUint(since, 10)}}
	var out []events.Event
	if err := c.doJSON(ctx, http.MethodGet, "/api/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CheckUpdate(ctx context.Context) (*UpdateCheck, error) {
	var out UpdateCheck
	if err := c.doJSON(ctx, http.MethodPost, "/api/update/check", nil, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON performs the call and decodes the envelope's data into out.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, method, path, query, body, &env); err != nil {
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, env any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var r Response
		_ = json.NewDecoder(resp.Body).Decode(&r)
		msg := r.Message
		if msg == "" {
			msg = resp.Status
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return json.NewDecoder(resp.Body).Decode(env)
}
