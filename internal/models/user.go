package models

import (
	"encoding/json"
	"time"
)

// DeviceInfo describes the host to the authority.
type DeviceInfo struct {
	Platform string `json:"platform"`
	OS       string `json:"os"`
	Version  string `json:"version"`
}

// User is the authority's user record. Only the id is interpreted locally;
// the rest is carried through as returned.
type User struct {
	ID    string          `json:"id,omitempty"`
	Extra json.RawMessage `json:"-"`
}

func (u *User) UnmarshalJSON(b []byte) error {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	u.ID = idString(probe.ID)
	u.Extra = append(u.Extra[:0], b...)
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	if len(u.Extra) > 0 {
		return u.Extra, nil
	}
	return json.Marshal(struct {
		ID string `json:"id,omitempty"`
	}{u.ID})
}

// Device is the authority's record of this machine.
type Device struct {
	ID    string          `json:"id,omitempty"`
	UID   string          `json:"uid,omitempty"`
	Extra json.RawMessage `json:"-"`
}

func (d *Device) UnmarshalJSON(b []byte) error {
	var probe struct {
		ID  any    `json:"id"`
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	d.ID = idString(probe.ID)
	d.UID = probe.UID
	d.Extra = append(d.Extra[:0], b...)
	return nil
}

func (d Device) MarshalJSON() ([]byte, error) {
	if len(d.Extra) > 0 {
		return d.Extra, nil
	}
	return json.Marshal(struct {
		ID  string `json:"id,omitempty"`
		UID string `json:"uid,omitempty"`
	}{d.ID, d.UID})
}

// AuthSession is the result of a successful authentication.
type AuthSession struct {
	Token             string    `json:"token"`
	User              *User     `json:"user,omitempty"`
	Device            *Device   `json:"device,omitempty"`
	RequireUIDRefresh bool      `json:"requireUidRefresh,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Verification is the opaque payload returned by verify-device.
type Verification = json.RawMessage

// MigrationResult is the answer to a smart-migrate request.
type MigrationResult struct {
	Migrated bool            `json:"migrated"`
	Message  string          `json:"message,omitempty"`
	Points   json.RawMessage `json:"points,omitempty"`
}

// NetworkStatus reports reachability of the internet and the authority.
type NetworkStatus struct {
	Network bool   `json:"network"`
	Backend bool   `json:"backend"`
	APIURL  string `json:"apiUrl"`
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
