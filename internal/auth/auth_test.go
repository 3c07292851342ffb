package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/fingerprint"
	"github.com/harrylevesque/devlink/internal/identity"
	"github.com/harrylevesque/devlink/internal/logging"
	"github.com/harrylevesque/devlink/internal/models"
	"github.com/harrylevesque/devlink/internal/store"
)

type fakeIDs struct {
	mu     sync.Mutex
	uid    string
	prev   string
	next   string // uid produced by a forced recompute
	forced int
}

func (f *fakeIDs) UID(_ context.Context, force bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.forced++
		f.prev = f.uid
		if f.next != "" {
			f.uid = f.next
		}
	}
	return f.uid
}

func (f *fakeIDs) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uid
}

func (f *fakeIDs) PreviousUID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prev
}

func (f *fakeIDs) SettlePrevious() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prev == f.uid {
		f.prev = ""
	}
	return nil
}

// authority is a scriptable fake of the remote authority.
type authority struct {
	t *testing.T

	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]map[string]any
	auths    map[string]string
	health   int
	handlers map[string]func(w http.ResponseWriter, r *http.Request, n int)
}

func newAuthority(t *testing.T) (*authority, *httptest.Server) {
	a := &authority{
		t:        t,
		calls:    map[string]int{},
		bodies:   map[string][]map[string]any{},
		auths:    map[string]string{},
		health:   http.StatusOK,
		handlers: map[string]func(http.ResponseWriter, *http.Request, int){},
	}
	srv := httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *authority) on(path string, h func(w http.ResponseWriter, r *http.Request, n int)) {
	a.mu.Lock()
	a.handlers[path] = h
	a.mu.Unlock()
}

func (a *authority) count(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[path]
}

func (a *authority) auth(path string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.auths[path]
}

func (a *authority) lastBody(path string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.bodies[path]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func (a *authority) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	a.mu.Lock()
	a.calls[path]++
	n := a.calls[path]
	a.auths[path] = r.Header.Get("Authorization")
	if r.Body != nil {
		var body map[string]any
		if data, _ := io.ReadAll(r.Body); len(data) > 0 && json.Unmarshal(data, &body) == nil {
			a.bodies[path] = append(a.bodies[path], body)
		}
	}
	h := a.handlers[path]
	health := a.health
	a.mu.Unlock()

	if path == "/health" {
		w.WriteHeader(health)
		return
	}
	if h == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "no route"})
		return
	}
	h(w, r, n)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// hangUp closes the connection without answering.
func hangUp(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("no hijacker")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func authOK(deviceUID string, refresh bool) func(http.ResponseWriter, *http.Request, int) {
	return func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"token":  fmt.Sprintf("token-%d", n),
				"user":   map[string]any{"id": 7, "username": "alice"},
				"device": map[string]any{"id": 3, "uid": deviceUID, "requireUidRefresh": refresh},
			},
		})
	}
}

func ack(w http.ResponseWriter, _ *http.Request, _ int) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func noSleep(context.Context, time.Duration) error { return nil }

type testEnv struct {
	client *Client
	ids    *fakeIDs
	store  *store.MemStore
	bus    *events.Bus
}

func newTestClient(t *testing.T, srv *httptest.Server, contact string) testEnv {
	t.Helper()
	ids := &fakeIDs{uid: "uid-1"}
	st := store.NewMem()
	bus := events.NewBus()
	c := New(Config{BaseURL: srv.URL + "/api/", AdminContact: contact}, ids, st, bus, logging.Discard(),
		WithSleep(noSleep),
		WithDeviceInfo(func() models.DeviceInfo { return models.DeviceInfo{Platform: "linux", OS: "Linux", Version: "6.8.0"} }),
	)
	return testEnv{client: c, ids: ids, store: st, bus: bus}
}

func TestAuthenticateSuccessPersistsSession(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK("uid-1", false))
	env := newTestClient(t, srv, "")
	env.ids.prev = "legacy-uid"

	s, err := env.client.Authenticate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Token != "token-1" || s.User == nil || s.User.ID != "7" || s.Device == nil || s.Device.UID != "uid-1" {
		t.Fatalf("session = %+v", s)
	}
	if tok, _ := env.store.GetString(store.KeyAuthToken); tok != "token-1" {
		t.Fatalf("persisted token = %q", tok)
	}
	if !env.store.Has(store.KeyUserInfo) || !env.store.Has(store.KeyDeviceInfo) {
		t.Fatal("user or device not persisted")
	}
	if !env.client.IsAuthenticated() {
		t.Fatal("client not authenticated")
	}

	body := a.lastBody("/desktop/authenticate")
	if body["uid"] != "uid-1" || body["prevUid"] != "legacy-uid" {
		t.Fatalf("request body = %v", body)
	}
	info, _ := body["deviceInfo"].(map[string]any)
	if info["platform"] != "linux" || info["os"] != "Linux" || info["version"] != "6.8.0" {
		t.Fatalf("deviceInfo = %v", info)
	}
	if a.count("/desktop/update-uid") != 0 {
		t.Fatal("update-uid sent although uids match")
	}
	if env.ids.forced != 1 {
		t.Fatalf("forced recomputes = %d, want 1 (reconcile)", env.ids.forced)
	}
	if env.ids.PreviousUID() != "" {
		t.Fatalf("previous uid left equal to uid: %q", env.ids.PreviousUID())
	}
}

func TestAuthenticateOmitsEmptyPrevUID(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK("uid-1", false))
	env := newTestClient(t, srv, "")
	if _, err := env.client.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.lastBody("/desktop/authenticate")["prevUid"]; ok {
		t.Fatal("prevUid sent although none is pending")
	}
}

func TestAuthenticateRetryBound(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", func(w http.ResponseWriter, _ *http.Request, _ int) { hangUp(w) })
	env := newTestClient(t, srv, "")

	_, err := env.client.Authenticate(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if KindOf(err) != KindTransientNetwork || StatusOf(err) != http.StatusServiceUnavailable {
		t.Fatalf("kind = %v status = %d", KindOf(err), StatusOf(err))
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Fatalf("message = %q", err.Error())
	}
	if n := a.count("/desktop/authenticate"); n != 4 {
		t.Fatalf("attempts = %d, want 4", n)
	}
}

func TestAuthenticateRecoversFromTransientErrors(t *testing.T) {
	a, srv := newAuthority(t)
	ok := authOK("uid-1", false)
	a.on("/desktop/authenticate", func(w http.ResponseWriter, r *http.Request, n int) {
		if n <= 2 {
			hangUp(w)
			return
		}
		ok(w, r, n)
	})
	var slept []time.Duration
	env := newTestClient(t, srv, "")
	env.client.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	s, err := env.client.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("caller saw failure: %v", err)
	}
	if s.Token != "token-3" {
		t.Fatalf("token = %q", s.Token)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Fatalf("delays = %v", slept)
	}
}

func TestAuthenticateForbidden(t *testing.T) {
	for _, tc := range []struct {
		contact string
		want    string
	}{
		{"admin@x", "unauthorized, contact the administrator to authorize this device: admin@x"},
		{"", "unauthorized, contact the administrator to authorize this device"},
	} {
		a, srv := newAuthority(t)
		a.on("/desktop/authenticate", func(w http.ResponseWriter, _ *http.Request, _ int) {
			writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "message": "device not approved"})
		})
		env := newTestClient(t, srv, tc.contact)
		_, err := env.client.Authenticate(context.Background())
		if err == nil || err.Error() != tc.want {
			t.Fatalf("contact %q: err = %v", tc.contact, err)
		}
		if KindOf(err) != KindUnauthorized || StatusOf(err) != http.StatusForbidden {
			t.Fatalf("kind = %v", KindOf(err))
		}
		if n := a.count("/desktop/authenticate"); n != 1 {
			t.Fatalf("403 retried: %d attempts", n)
		}
	}
}

func TestAuthenticateBackendUnavailable(t *testing.T) {
	a, srv := newAuthority(t)
	a.health = http.StatusServiceUnavailable
	env := newTestClient(t, srv, "")
	_, err := env.client.Authenticate(context.Background())
	if KindOf(err) != KindBackendUnavailable || StatusOf(err) != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if a.count("/desktop/authenticate") != 0 {
		t.Fatal("authenticate called with backend down")
	}
}

func TestAuthenticateServerMessage(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "database offline"})
	})
	env := newTestClient(t, srv, "")
	_, err := env.client.Authenticate(context.Background())
	if err == nil || err.Error() != "database offline" || StatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("err = %v", err)
	}
	if a.count("/desktop/authenticate") != 1 {
		t.Fatal("server error retried")
	}
}

func TestAuthenticateStatusWithoutMessage(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusBadRequest)
	})
	env := newTestClient(t, srv, "")
	_, err := env.client.Authenticate(context.Background())
	if err == nil || err.Error() != "request failed with status code 400" {
		t.Fatalf("err = %v", err)
	}
}

func TestAuthenticateUIDRefresh(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK("uid-1", true))
	a.on("/desktop/clear-uid-refresh", ack)
	a.on("/desktop/update-uid", ack)
	env := newTestClient(t, srv, "")
	env.ids.next = "uid-2"

	if _, err := env.client.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if body := a.lastBody("/desktop/clear-uid-refresh"); body["uid"] != "uid-2" {
		t.Fatalf("clear-uid-refresh body = %v", body)
	}
	if auth := a.auth("/desktop/clear-uid-refresh"); auth != "Bearer token-1" {
		t.Fatalf("clear-uid-refresh auth = %q", auth)
	}
	evs := env.bus.Since(0)
	if len(evs) != 1 || evs[0].Type != events.UIDReset {
		t.Fatalf("events = %+v", evs)
	}
	// The authority still records uid-1: reconcile pushes uid-2.
	if body := a.lastBody("/desktop/update-uid"); body["newUid"] != "uid-2" {
		t.Fatalf("update-uid body = %v", body)
	}
	if env.ids.forced != 2 {
		t.Fatalf("forced recomputes = %d, want 2", env.ids.forced)
	}
}

func TestAuthenticateReconcileFailureIsNotFatal(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK("server-old", false))
	a.on("/desktop/update-uid", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "nope"})
	})
	env := newTestClient(t, srv, "")
	if _, err := env.client.Authenticate(context.Background()); err != nil {
		t.Fatalf("reconcile failure surfaced: %v", err)
	}
	if a.count("/desktop/update-uid") != 1 {
		t.Fatal("update-uid not attempted")
	}
}

func TestAuthenticateSingleFlight(t *testing.T) {
	a, srv := newAuthority(t)
	gate := make(chan struct{})
	ok := authOK("uid-1", false)
	a.on("/desktop/authenticate", func(w http.ResponseWriter, r *http.Request, n int) {
		<-gate
		ok(w, r, n)
	})
	env := newTestClient(t, srv, "")

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.client.Authenticate(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()
	if failures.Load() != 0 {
		t.Fatalf("%d callers failed", failures.Load())
	}
	if n := a.count("/desktop/authenticate"); n != 1 {
		t.Fatalf("authenticate sent %d times", n)
	}
}

func TestVerifySuccess(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/verify-device", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"status": "active"}})
	})
	env := newTestClient(t, srv, "")
	env.store.SetString(store.KeyAuthToken, "tok")
	env.client.RestoreSession()

	v, err := env.client.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(v), `"active"`) {
		t.Fatalf("verification = %s", v)
	}
	if got := a.auth("/desktop/verify-device"); got != "Bearer tok" {
		t.Fatalf("auth header = %q", got)
	}
	if body := a.lastBody("/desktop/verify-device"); body["uid"] != "uid-1" {
		t.Fatalf("body = %v", body)
	}
}

func TestVerifyRenewsSessionOnce(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK("uid-1", false))
	a.on("/desktop/verify-device", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "token expired"})
	})
	env := newTestClient(t, srv, "")

	v, err := env.client.Verify(context.Background())
	if v != nil {
		t.Fatalf("verification = %s, want nil", v)
	}
	if KindOf(err) != KindSessionExpired {
		t.Fatalf("err = %v", err)
	}
	if n := a.count("/desktop/authenticate"); n != 1 {
		t.Fatalf("authenticate attempts = %d, want 1", n)
	}
	if n := a.count("/desktop/verify-device"); n != 2 {
		t.Fatalf("verify attempts = %d, want 2", n)
	}
}

func TestVerifyRenewalSucceeds(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK("uid-1", false))
	a.on("/desktop/verify-device", func(w http.ResponseWriter, r *http.Request, _ int) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"ok": true}})
	})
	env := newTestClient(t, srv, "")
	v, err := env.client.Verify(context.Background())
	if err != nil || v == nil {
		t.Fatalf("v = %s err = %v", v, err)
	}
}

func TestVerifyRenewalFailureReturnsNil(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "revoked"})
	})
	a.on("/desktop/verify-device", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "expired"})
	})
	env := newTestClient(t, srv, "")
	v, err := env.client.Verify(context.Background())
	if v != nil || KindOf(err) != KindUnauthorized {
		t.Fatalf("v = %s err = %v", v, err)
	}
	if a.count("/desktop/verify-device") != 1 || a.count("/desktop/authenticate") != 1 {
		t.Fatalf("verify=%d authenticate=%d", a.count("/desktop/verify-device"), a.count("/desktop/authenticate"))
	}
}

func TestVerifyRetryBound(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/verify-device", func(w http.ResponseWriter, _ *http.Request, _ int) { hangUp(w) })
	env := newTestClient(t, srv, "")
	v, err := env.client.Verify(context.Background())
	if v != nil || !strings.Contains(fmt.Sprint(err), "after 2 retries") {
		t.Fatalf("v = %s err = %v", v, err)
	}
	if n := a.count("/desktop/verify-device"); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
}

func TestSmartMigrate(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/smart-migrate", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "migrated": true, "message": "restored", "data": map[string]any{"points": 120}})
	})
	env := newTestClient(t, srv, "")
	env.store.SetString(store.KeyAuthToken, "old")
	env.store.SetString(store.KeyUserInfo, "u")
	env.client.RestoreSession()

	res, err := env.client.SmartMigrate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Migrated || string(res.Points) != "120" {
		t.Fatalf("result = %+v", res)
	}
	if body := a.lastBody("/desktop/smart-migrate"); body["currentUid"] != "uid-1" {
		t.Fatalf("body = %v", body)
	}
	if env.client.IsAuthenticated() || env.store.Has(store.KeyAuthToken) || env.store.Has(store.KeyUserInfo) {
		t.Fatal("session not cleared after migration")
	}
	if evs := env.bus.Since(0); len(evs) != 1 || evs[0].Type != events.MigrationSuccess {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSmartMigrateNothingToDo(t *testing.T) {
	a, srv := newAuthority(t)
	a.on("/desktop/smart-migrate", func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "migrated": false, "message": "no legacy data"})
	})
	env := newTestClient(t, srv, "")
	env.store.SetString(store.KeyAuthToken, "keep")
	env.client.RestoreSession()
	res, err := env.client.SmartMigrate(context.Background())
	if err != nil || res.Migrated {
		t.Fatalf("res = %+v err = %v", res, err)
	}
	if !env.client.IsAuthenticated() {
		t.Fatal("session dropped without migration")
	}
}

func TestBaseURLPrecedence(t *testing.T) {
	st := store.NewMem()
	ids := &fakeIDs{uid: "u"}
	if got := New(Config{}, ids, st, nil, logging.Discard()).BaseURL(); got != DefaultBaseURL {
		t.Fatalf("default = %q", got)
	}
	st.SetString(store.KeyAPIBaseURL, "http://persisted/api")
	if got := New(Config{}, ids, st, nil, logging.Discard()).BaseURL(); got != "http://persisted/api" {
		t.Fatalf("persisted = %q", got)
	}
	c := New(Config{BaseURL: " http://configured/api/ "}, ids, st, nil, logging.Discard())
	if got := c.BaseURL(); got != "http://configured/api" {
		t.Fatalf("configured = %q", got)
	}

	got, err := c.SetBaseURL("http://x/")
	if err != nil || got != "http://x" || c.BaseURL() != "http://x" {
		t.Fatalf("SetBaseURL = %q, %v", got, err)
	}
	if v, _ := st.GetString(store.KeyAPIBaseURL); v != "http://x" {
		t.Fatalf("persisted = %q", v)
	}
	if _, err := c.SetBaseURL("  "); KindOf(err) != KindValidation {
		t.Fatalf("empty url err = %v", err)
	}
}

func TestCheckNetwork(t *testing.T) {
	_, srv := newAuthority(t)
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer probe.Close()
	ids := &fakeIDs{uid: "u"}
	c := New(Config{BaseURL: srv.URL + "/api", NetworkProbeURL: probe.URL}, ids, store.NewMem(), nil, logging.Discard())
	st := c.CheckNetwork(context.Background())
	if !st.Network || !st.Backend || st.APIURL != srv.URL+"/api" {
		t.Fatalf("status = %+v", st)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "auth.example"}, true},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), true},
		{"hang up", fmt.Errorf("post: %w", io.EOF), true},
		{"canceled", fmt.Errorf("post: %w", context.Canceled), false},
		{"other", errors.New("x509: certificate signed by unknown authority"), false},
	}
	for _, tc := range cases {
		if got := isTransient(tc.err); got != tc.want {
			t.Errorf("%s: isTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

const machineFingerprint = "board_uuid:4C4C4544-0042-3510-8050-B4C04F564433|board_serial:SN-1"

// machineRunner answers wmic like a real machine and, like
// exec.CommandContext, fails once ctx is done.
type machineRunner struct{ calls atomic.Int32 }

func (r *machineRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "wmic" && len(args) > 0 && args[0] == "csproduct" {
		return []byte("\r\nUUID=4C4C4544-0042-3510-8050-B4C04F564433\r\nIdentifyingNumber=SN-1\r\n\r\n"), nil
	}
	return nil, errors.New("not available")
}

// cancelOnToken cancels the caller's context as soon as the session token
// is stored, which is right before the uid reconciliation.
type cancelOnToken struct {
	*store.MemStore
	cancel context.CancelFunc
}

func (s *cancelOnToken) SetString(key, value string) error {
	err := s.MemStore.SetString(key, value)
	if key == store.KeyAuthToken {
		s.cancel()
	}
	return err
}

func newMachineIdentity(st store.Store, r fingerprint.Runner) *identity.Manager {
	c := fingerprint.NewCollector(&fingerprint.WMICReader{Runner: r}, st, logging.Discard())
	return identity.NewManager(c, st, logging.Discard())
}

func newMachineClient(srv *httptest.Server, st store.Store, ids *identity.Manager) *Client {
	return New(Config{BaseURL: srv.URL + "/api/"}, ids, st, events.NewBus(), logging.Discard(),
		WithSleep(noSleep),
		WithDeviceInfo(func() models.DeviceInfo { return models.DeviceInfo{Platform: "win32", OS: "Windows", Version: "10.0.19045"} }),
	)
}

func TestAuthenticateCallerCancelKeepsIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := store.NewMem()
	st := &cancelOnToken{MemStore: mem, cancel: cancel}
	runner := &machineRunner{}
	ids := newMachineIdentity(st, runner)

	uid := ids.UID(context.Background(), false)
	if uid != identity.DeriveUID(machineFingerprint, identity.DefaultSalt) {
		t.Fatalf("initial uid %q", uid)
	}
	before := runner.calls.Load()

	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK(uid, true))
	a.on("/desktop/clear-uid-refresh", ack)
	a.on("/desktop/update-uid", ack)
	c := newMachineClient(srv, st, ids)

	if _, err := c.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context was not cancelled during the flow")
	}
	if runner.calls.Load() == before {
		t.Fatal("uid was not recomputed after the cancel")
	}
	if got := ids.Current(); got != uid {
		t.Fatalf("uid drifted to %q, want %q", got, uid)
	}
	id, err := ids.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if id.UID != uid || id.Fingerprint != machineFingerprint {
		t.Fatalf("persisted identity = %+v", id)
	}
	if id.PreviousUID != "" {
		t.Fatalf("previous uid left pending: %q", id.PreviousUID)
	}
	if mem.Has(store.KeyRandomDeviceID) {
		t.Fatal("random device id minted")
	}
	if n := a.count("/desktop/update-uid"); n != 0 {
		t.Fatalf("update-uid sent %d times", n)
	}
	if got := a.lastBody("/desktop/clear-uid-refresh")["uid"]; got != uid {
		t.Fatalf("clear-uid-refresh uid = %v", got)
	}

	// the next start resolves the same uid from the store
	if got := newMachineIdentity(mem, runner).UID(context.Background(), false); got != uid {
		t.Fatalf("uid after restart = %q", got)
	}
}

func TestAuthenticateFollowerOutlivesLeaderCancel(t *testing.T) {
	a, srv := newAuthority(t)
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	ok := authOK("uid-1", false)
	a.on("/desktop/authenticate", func(w http.ResponseWriter, r *http.Request, n int) {
		once.Do(func() { close(entered) })
		<-gate
		ok(w, r, n)
	})
	env := newTestClient(t, srv, "")

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.client.Authenticate(leaderCtx)
		leaderErr <- err
	}()
	<-entered

	followerErr := make(chan error, 1)
	go func() {
		_, err := env.client.Authenticate(context.Background())
		followerErr <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancelLeader()
	time.Sleep(50 * time.Millisecond)
	close(gate)

	if err := <-followerErr; err != nil {
		t.Fatalf("follower failed: %v", err)
	}
	if err := <-leaderErr; err != nil {
		t.Fatalf("leader failed: %v", err)
	}
	if n := a.count("/desktop/authenticate"); n != 1 {
		t.Fatalf("authenticate sent %d times", n)
	}
	if !env.client.IsAuthenticated() {
		t.Fatal("session not kept")
	}
}

func TestAuthenticateUpgradesLegacyUID(t *testing.T) {
	st := store.NewMem()
	if err := st.SetString(store.KeyUID, "legacy-uid"); err != nil {
		t.Fatal(err)
	}
	ids := newMachineIdentity(st, &machineRunner{})
	want := identity.DeriveUID(machineFingerprint, identity.DefaultSalt)

	a, srv := newAuthority(t)
	a.on("/desktop/authenticate", authOK("legacy-uid", false))
	a.on("/desktop/update-uid", ack)
	c := newMachineClient(srv, st, ids)

	if _, err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	body := a.lastBody("/desktop/authenticate")
	if body["uid"] != want || body["prevUid"] != "legacy-uid" {
		t.Fatalf("authenticate body = %v", body)
	}
	if got := a.lastBody("/desktop/update-uid")["newUid"]; got != want {
		t.Fatalf("update-uid newUid = %v", got)
	}
	// reconciliation recomputed the same uid, so nothing is left to migrate
	if prev := ids.PreviousUID(); prev != "" {
		t.Fatalf("previous uid = %q", prev)
	}
	if got := ids.Current(); got != want {
		t.Fatalf("uid = %q", got)
	}
}
