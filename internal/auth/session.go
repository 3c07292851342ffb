package auth

import (
	"context"
	"encoding/json"

	"github.com/harrylevesque/devlink/internal/models"
	"github.com/harrylevesque/devlink/internal/store"
)

// VerifyRequest represents the verify-device request payload.
type VerifyRequest struct {
	UID string `json:"uid"`
}

// StoredSession is what the client has persisted about the session.
type StoredSession struct {
	UID        string         `json:"uid"`
	HasToken   bool           `json:"hasToken"`
	User       *models.User   `json:"userInfo,omitempty"`
	Device     *models.Device `json:"deviceInfo,omitempty"`
	APIBaseURL string         `json:"apiBaseUrl"`
}

func (c *Client) setSession(s *models.AuthSession) {
	c.mu.Lock()
	c.token = s.Token
	c.user = s.User
	c.device = s.Device
	c.mu.Unlock()

	if err := c.store.SetString(store.KeyAuthToken, s.Token); err != nil {
		c.log.Error("failed to persist auth token", "err", err)
	}
	if s.User != nil {
		if err := c.store.SetJSON(store.KeyUserInfo, s.User); err != nil {
			c.log.Error("failed to persist user", "err", err)
		}
	}
	if s.Device != nil {
		if err := c.store.SetJSON(store.KeyDeviceInfo, s.Device); err != nil {
			c.log.Error("failed to persist device", "err", err)
		}
	}
}

// ClearSession forgets the session in memory and on disk.
func (c *Client) ClearSession() error {
	c.mu.Lock()
	c.token = ""
	c.user = nil
	c.device = nil
	c.mu.Unlock()
	return c.store.Delete(store.KeyAuthToken, store.KeyUserInfo, store.KeyDeviceInfo)
}

// RestoreSession loads a persisted token and reports whether one existed.
func (c *Client) RestoreSession() bool {
	token, err := c.store.GetString(store.KeyAuthToken)
	if err != nil {
		c.log.Warn("failed to read persisted token", "err", err)
		return false
	}
	if token == "" {
		return false
	}
	var user models.User
	var device models.Device
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if ok, _ := c.store.GetJSON(store.KeyUserInfo, &user); ok {
		c.user = &user
	}
	if ok, _ := c.store.GetJSON(store.KeyDeviceInfo, &device); ok {
		c.device = &device
	}
	return true
}

// Token returns the session token, "" when not authenticated.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// IsAuthenticated reports whether a session token is held.
func (c *Client) IsAuthenticated() bool { return c.Token() != "" }

// Stored returns the persisted session data.
func (c *Client) Stored() StoredSession {
	s := StoredSession{APIBaseURL: c.BaseURL()}
	s.UID, _ = c.store.GetString(store.KeyUID)
	token, _ := c.store.GetString(store.KeyAuthToken)
	s.HasToken = token != ""
	var user models.User
	if ok, _ := c.store.GetJSON(store.KeyUserInfo, &user); ok {
		s.User = &user
	}
	var device models.Device
	if ok, _ := c.store.GetJSON(store.KeyDeviceInfo, &device); ok {
		s.Device = &device
	}
	return s
}

// Verify re-validates the session. A nil result means the session could not
// be verified; the error then says why and is only meant for logging. A 401
// renews the session once and verifies again.
func (c *Client) Verify(ctx context.Context) (models.Verification, error) {
	return c.verify(ctx, true)
}

func (c *Client) verify(ctx context.Context, renew bool) (models.Verification, error) {
	req := VerifyRequest{UID: c.ids.UID(ctx, false)}
	token := c.Token()
	var env envelope
	err := c.retry(ctx, c.verifyPolicy, "verify", func(ctx context.Context) error {
		env = envelope{}
		return c.post(ctx, "/desktop/verify-device", req, token, c.verifyPolicy.Timeout, &env)
	})
	if err == nil {
		if !env.Success {
			return nil, newError(KindUnknown, 0, "verification rejected: %s", env.Message)
		}
		c.log.Debug("device verified")
		return nullable(env.Data), nil
	}

	if KindOf(err) == KindSessionExpired && renew {
		c.log.Info("session expired, authenticating again")
		if _, aerr := c.Authenticate(ctx); aerr != nil {
			c.log.Warn("re-authentication failed", "err", aerr)
			return nil, aerr
		}
		return c.verify(ctx, false)
	}
	c.log.Warn("device verification failed", "err", err)
	return nil, err
}

func nullable(raw json.RawMessage) models.Verification {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return models.Verification(raw)
}
