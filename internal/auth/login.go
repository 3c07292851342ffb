package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/models"
)

// AuthenticateRequest represents the authenticate request payload.
type AuthenticateRequest struct {
	UID        string            `json:"uid"`
	PrevUID    string            `json:"prevUid,omitempty"`
	DeviceInfo models.DeviceInfo `json:"deviceInfo"`
}

type authenticateData struct {
	Token  string          `json:"token"`
	User   json.RawMessage `json:"user"`
	Device json.RawMessage `json:"device"`
}

type deviceFlags struct {
	UID               string `json:"uid"`
	RequireUIDRefresh bool   `json:"requireUidRefresh"`
}

// identitySlack covers the uid recomputations an authentication may run.
const identitySlack = time.Minute

// Authenticate registers this device with the authority and stores the
// resulting session. Concurrent calls share one attempt. The attempt is
// detached from ctx so that one caller going away neither fails the others
// nor interrupts the session bookkeeping halfway; it is bounded by the
// authenticate policy instead.
func (c *Client) Authenticate(ctx context.Context) (*models.AuthSession, error) {
	v, err, _ := c.group.Do("authenticate", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.authenticateBudget())
		defer cancel()
		return c.authenticate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AuthSession), nil
}

func (c *Client) authenticateBudget() time.Duration {
	return healthTimeout + c.authPolicy.total() + 2*sideTimeout + identitySlack
}

func (c *Client) authenticate(ctx context.Context) (*models.AuthSession, error) {
	uid := c.ids.UID(ctx, false)

	if !c.BackendAvailable(ctx) {
		return nil, newError(KindBackendUnavailable, 0, "backend service unavailable, check the service status or contact the administrator")
	}

	req := AuthenticateRequest{UID: uid, PrevUID: c.ids.PreviousUID(), DeviceInfo: c.describe()}
	var env envelope
	err := c.retry(ctx, c.authPolicy, "authenticate", func(ctx context.Context) error {
		env = envelope{}
		return c.post(ctx, "/desktop/authenticate", req, "", c.authPolicy.Timeout, &env)
	})
	if err != nil {
		return nil, c.authFailure(err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "authentication failed"
		}
		return nil, newError(KindUnknown, 0, "%s", msg)
	}

	var data authenticateData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return nil, newError(KindUnknown, 0, "invalid authentication response")
	}
	session := &models.AuthSession{Token: data.Token, CreatedAt: time.Now().UTC()}
	var flags deviceFlags
	if len(data.User) > 0 && string(data.User) != "null" {
		session.User = &models.User{}
		if err := json.Unmarshal(data.User, session.User); err != nil {
			session.User = nil
		}
	}
	if len(data.Device) > 0 && string(data.Device) != "null" {
		session.Device = &models.Device{}
		if err := json.Unmarshal(data.Device, session.Device); err != nil {
			session.Device = nil
		}
		_ = json.Unmarshal(data.Device, &flags)
	}
	session.RequireUIDRefresh = flags.RequireUIDRefresh

	c.setSession(session)
	c.log.Info("device authenticated", "uid", uid)

	if flags.RequireUIDRefresh {
		c.refreshUID(ctx, session.Token)
	}
	c.reconcile(ctx, session.Token, flags.UID)
	if err := c.ids.SettlePrevious(); err != nil {
		c.log.Warn("failed to settle previous uid", "err", err)
	}
	return session, nil
}

// authFailure rewrites a failed authenticate call into the error the caller
// sees.
func (c *Client) authFailure(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return newError(KindUnknown, 0, "%s", err.Error())
	}
	switch e.Kind {
	case KindTransientNetwork:
		return e
	case KindUnauthorized:
		msg := "unauthorized, contact the administrator to authorize this device"
		if c.contact != "" {
			msg += ": " + c.contact
		}
		return &Error{Kind: KindUnauthorized, Status: e.Status, Message: msg, Err: e}
	}
	if e.Message == "" {
		return &Error{Kind: KindUnknown, Status: e.Status, Message: genericFailure, Err: e}
	}
	return &Error{Kind: KindUnknown, Status: e.Status, Message: e.Message, Err: e.Err}
}

// refreshUID recomputes the UID on the authority's request and clears the
// request flag. Failures are logged only.
func (c *Client) refreshUID(ctx context.Context, token string) {
	fresh := c.ids.UID(ctx, true)
	var env envelope
	if err := c.post(ctx, "/desktop/clear-uid-refresh", map[string]string{"uid": fresh}, token, sideTimeout, &env); err != nil {
		c.log.Warn("failed to clear uid refresh flag", "err", err)
		return
	}
	c.log.Info("device uid reset", "uid", fresh)
	if c.notices != nil {
		c.notices.Publish(events.UIDReset, map[string]string{
			"uid":     fresh,
			"message": "The device UID has been reset. Refresh the page or sign in again if old data is still shown.",
		})
	}
}

// reconcile recomputes the UID and pushes it to the authority when the
// authority has a different one on record.
func (c *Client) reconcile(ctx context.Context, token, serverUID string) {
	fresh := c.ids.UID(ctx, true)
	if serverUID == "" || serverUID == fresh {
		return
	}
	c.log.Info("uid differs from the authority's record, updating", "server", serverUID, "local", fresh)
	var env envelope
	if err := c.post(ctx, "/desktop/update-uid", map[string]string{"newUid": fresh}, token, sideTimeout, &env); err != nil {
		c.log.Warn("failed to update uid on the authority", "err", err)
		return
	}
	c.log.Info("uid updated on the authority", "uid", fresh)
}
