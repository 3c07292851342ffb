// Package identity derives and persists the device UID.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/harrylevesque/devlink/internal/fingerprint"
	"github.com/harrylevesque/devlink/internal/store"
)

// DefaultSalt is mixed into every derived UID unless configured otherwise.
// Changing it changes every device's UID.
const DefaultSalt = "nuoan-desktop-salt-v2"

// DefaultComputeTimeout bounds one fingerprint collection.
const DefaultComputeTimeout = 30 * time.Second

// errInterrupted marks a collection cut short by its deadline. Nothing is
// persisted for it.
var errInterrupted = errors.New("fingerprint collection interrupted")

// Collector produces the device fingerprint.
type Collector interface {
	Collect(ctx context.Context) (fingerprint.Fingerprint, error)
}

// Identity is a snapshot of the persisted identity record.
type Identity struct {
	UID         string `json:"uid"`
	Fingerprint string `json:"fingerprint,omitempty"`
	SourceCount int    `json:"fingerprintSourceCount"`
	PreviousUID string `json:"previousUid,omitempty"`
}

// Manager owns the device UID. It is safe for concurrent use: concurrent
// callers asking for the same thing share one computation, and all store
// mutation is serialized.
type Manager struct {
	collector Collector
	store     store.Store
	salt      string
	log       *log.Logger

	now     func() time.Time
	suffix  func() string
	timeout time.Duration

	group singleflight.Group
	mu    sync.Mutex
	uid   string
}

// Option configures a Manager.
type Option func(*Manager)

// WithSalt overrides DefaultSalt.
func WithSalt(salt string) Option {
	return func(m *Manager) {
		if salt != "" {
			m.salt = salt
		}
	}
}

// WithClock replaces time.Now, used for fallback ids.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithComputeTimeout overrides DefaultComputeTimeout.
func WithComputeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager returns a Manager. Nothing is read until the first UID call.
func NewManager(c Collector, st store.Store, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		collector: c,
		store:     st,
		salt:      DefaultSalt,
		log:       logger,
		now:       time.Now,
		suffix:    func() string { return randomBase36(13) },
		timeout:   DefaultComputeTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// DeriveUID hashes a fingerprint string with salt into a 32 hex char UID.
func DeriveUID(fp, salt string) string {
	sum := sha256.Sum256([]byte(fp + ":" + salt))
	return hex.EncodeToString(sum[:16])
}

// UID returns the device UID, computing and persisting it if needed. When
// force is set the UID is always recomputed and the persisted one is kept as
// the previous UID. UID never fails: if the computation breaks, a fallback
// id is persisted and returned. The computation is shared by concurrent
// callers, so it does not stop when ctx is cancelled; it is bounded by the
// compute timeout instead.
func (m *Manager) UID(ctx context.Context, force bool) string {
	if !force {
		m.mu.Lock()
		uid := m.uid
		m.mu.Unlock()
		if uid != "" {
			return uid
		}
	}
	key := "identity"
	if force {
		key = "identity:force"
	}
	v, _, _ := m.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.resolve(ctx, force), nil
	})
	return v.(string)
}

// Current returns the in-memory UID without computing anything.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uid
}

func (m *Manager) resolve(ctx context.Context, force bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !force && m.uid != "" {
		return m.uid
	}
	uid, err := m.resolveLocked(ctx, force)
	if err == nil {
		return uid
	}
	if errors.Is(err, errInterrupted) {
		if kept := m.kept(); kept != "" {
			m.log.Warn("fingerprint collection interrupted, keeping current uid", "uid", kept, "err", err)
			m.uid = kept
			return kept
		}
	}

	m.log.Error("device identity unavailable, using fallback id", "err", err)
	fb := fmt.Sprintf("fallback-%d-%s", m.now().UnixMilli(), m.suffix())
	if err := m.store.SetString(store.KeyUID, fb); err != nil {
		m.log.Error("failed to persist fallback id", "err", err)
	}
	m.uid = fb
	return fb
}

func (m *Manager) resolveLocked(ctx context.Context, force bool) (string, error) {
	stored, err := m.store.GetString(store.KeyUID)
	if err != nil {
		return "", fmt.Errorf("read uid: %w", err)
	}
	storedFP, err := m.store.GetString(store.KeyFingerprint)
	if err != nil {
		return "", fmt.Errorf("read fingerprint: %w", err)
	}

	var prev string
	switch {
	case force && stored != "":
		m.log.Info("recomputing uid", "previous", stored)
		prev = stored
	case stored != "" && storedFP == "":
		m.log.Info("legacy uid without fingerprint, upgrading", "previous", stored)
		prev = stored
	case stored != "":
		m.uid = stored
		return stored, nil
	}
	return m.recompute(ctx, prev)
}

// kept is the uid to stay on when a recomputation is abandoned.
func (m *Manager) kept() string {
	if m.uid != "" {
		return m.uid
	}
	uid, err := m.store.GetString(store.KeyUID)
	if err != nil {
		return ""
	}
	return uid
}

// recompute collects the fingerprint and persists the derived uid. prev,
// when set, is recorded as the previous uid first. A collection that ran
// past its deadline leaves the store untouched.
func (m *Manager) recompute(ctx context.Context, prev string) (string, error) {
	fp, err := m.collect(ctx)
	if cerr := ctx.Err(); cerr != nil {
		return "", fmt.Errorf("%w: %w", errInterrupted, cerr)
	}
	if err != nil {
		return "", err
	}
	if prev != "" {
		if err := m.store.SetString(store.KeyPrevUID, prev); err != nil {
			return "", fmt.Errorf("persist previous uid: %w", err)
		}
	}
	uid := DeriveUID(fp.String(), m.salt)
	if err := m.store.SetString(store.KeyUID, uid); err != nil {
		return "", fmt.Errorf("persist uid: %w", err)
	}
	if err := m.store.SetString(store.KeyFingerprint, fp.String()); err != nil {
		return "", fmt.Errorf("persist fingerprint: %w", err)
	}
	if err := m.store.SetJSON(store.KeyFingerprintCount, fp.Count()); err != nil {
		return "", fmt.Errorf("persist fingerprint count: %w", err)
	}
	m.uid = uid
	m.log.Info("derived device uid", "uid", uid, "sources", fp.Count())
	return uid, nil
}

func (m *Manager) collect(ctx context.Context) (fp fingerprint.Fingerprint, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("fingerprint collection panicked: %v", v)
		}
	}()
	return m.collector.Collect(ctx)
}

// PreviousUID returns the persisted previous UID, or "".
func (m *Manager) PreviousUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, err := m.store.GetString(store.KeyPrevUID)
	if err != nil {
		m.log.Warn("failed to read previous uid", "err", err)
		return ""
	}
	return prev
}

// SettlePrevious drops the previous UID when it is the same as the current
// one, so no migration is pending for an unchanged identity.
func (m *Manager) SettlePrevious() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, err := m.store.GetString(store.KeyPrevUID)
	if err != nil || prev == "" {
		return err
	}
	uid := m.uid
	if uid == "" {
		if uid, err = m.store.GetString(store.KeyUID); err != nil {
			return err
		}
	}
	if prev != uid {
		return nil
	}
	return m.store.Delete(store.KeyPrevUID)
}

// Identity returns the persisted identity record.
func (m *Manager) Identity() (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var id Identity
	var err error
	if id.UID, err = m.store.GetString(store.KeyUID); err != nil {
		return id, err
	}
	if id.Fingerprint, err = m.store.GetString(store.KeyFingerprint); err != nil {
		return id, err
	}
	if _, err = m.store.GetJSON(store.KeyFingerprintCount, &id.SourceCount); err != nil {
		return id, err
	}
	id.PreviousUID, err = m.store.GetString(store.KeyPrevUID)
	return id, err
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	b := make([]byte, n)
	limit := big.NewInt(int64(len(base36)))
	for i := range b {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b[i] = base36[int(time.Now().UnixNano())%len(base36)]
			continue
		}
		b[i] = base36[v.Int64()]
	}
	return string(b)
}
