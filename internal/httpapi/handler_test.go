package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/kryptograf"

	"pkt.systems/portald/internal/browser/browsertest"
	"pkt.systems/portald/internal/cryptoutil"
	"pkt.systems/portald/internal/dlock"
	"pkt.systems/portald/internal/hostpool"
	"pkt.systems/portald/internal/lockstore"
	"pkt.systems/portald/internal/pipeline"
	"pkt.systems/portald/internal/portal"
	"pkt.systems/portald/internal/storage/memory"
)

const (
	testID   = "31210000"
	testPass = "s3cret"
)

type harness struct {
	handler *Handler
	script  *browsertest.Script
	codec   *cryptoutil.Codec
	backend *memory.Store
	pool    *hostpool.Pool
}

type harnessConfig struct {
	policy   pipeline.Policy
	deadline time.Duration
	lockWait time.Duration
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	manager := portal.NewManager(portal.Config{})
	sel := manager.Selectors()

	script := browsertest.New()
	script.IDSelector = sel.LoginID
	script.PassSelector = sel.LoginPass
	script.ButtonSelector = sel.LoginButton
	script.MarkerSelector = sel.LogoutMarker
	script.MarkerText = "Thoát"
	script.ValidID = testID
	script.ValidPass = testPass
	script.Tables[sel.ScheduleTable] = "mon 07:30 CS101"
	script.Tables[sel.ProfileTable] = "CS101 8.5"
	script.Tables[sel.ExamTable] = "CS101 2026-01-10"
	script.Tables[sel.TuitionTable] = "2025-2026 3500000"

	codec, err := cryptoutil.NewCodec(kryptograf.MustGenerateRootKey())
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	backend := memory.New()
	store := lockstore.New(lockstore.Config{Backend: backend})
	lockWait := hc.lockWait
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	locker := dlock.New(dlock.Config{Store: store, Poll: 5 * time.Millisecond, MaxWait: lockWait})
	pool := hostpool.New(script, nil)

	h := NewHandler(Config{
		Locker:          locker,
		Pool:            pool,
		Portal:          manager,
		Codec:           codec,
		Policy:          hc.policy,
		RequestDeadline: hc.deadline,
	})
	return &harness{handler: h, script: script, codec: codec, backend: backend, pool: pool}
}

func (h *harness) request(t *testing.T, path, id, pass string) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, h.body(t, id, pass), path, "application/json")
}

func (h *harness) body(t *testing.T, id, pass string) []byte {
	t.Helper()
	encrypted, err := h.codec.Encrypt(pass)
	if err != nil {
		t.Fatalf("encrypt pass: %v", err)
	}
	payload, err := json.Marshal(map[string]string{"id": id, "pass": encrypted})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return payload
}

func (h *harness) do(t *testing.T, body []byte, path, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) lockHeld(t *testing.T, id string) bool {
	t.Helper()
	rec, _, err := h.backend.LoadLock(context.Background(), id)
	if err != nil {
		t.Fatalf("load lock %q: %v", id, err)
	}
	return rec.Held
}

func resultOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body resultBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body.Result
}

func TestLoginSuccess(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	rec := h.request(t, "/login", testID, testPass)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := resultOf(t, rec); got != "Login Successfully!" {
		t.Fatalf("result = %q", got)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("missing correlation id header")
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after request")
	}
	if h.pool.Refs() != 0 {
		t.Fatalf("pool refs = %d after request", h.pool.Refs())
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	rec := h.request(t, "/login", testID, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := resultOf(t, rec); got != "Login failed! invalid id or password!" {
		t.Fatalf("result = %q", got)
	}
	// Resources must come and go in matched pairs even on the deny path.
	if h.script.SessionsOpened() != 1 || h.script.SessionsClosed() != 1 {
		t.Fatalf("sessions opened=%d closed=%d, want 1/1",
			h.script.SessionsOpened(), h.script.SessionsClosed())
	}
	if h.script.Launches() != 1 || h.script.HostCloses() != 1 {
		t.Fatalf("hosts launched=%d closed=%d, want 1/1",
			h.script.Launches(), h.script.HostCloses())
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after denied login")
	}
}

func TestLoginAutomationFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.script.FailWith(errors.New("engine crashed"))
	rec := h.request(t, "/login", testID, testPass)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := resultOf(t, rec); !strings.HasPrefix(got, "Fatal Error: ") {
		t.Fatalf("result = %q, want Fatal Error prefix", got)
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after automation failure")
	}
}

func TestContentTypeGate(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	for _, contentType := range []string{"", "text/plain", "application/x-www-form-urlencoded"} {
		rec := h.do(t, h.body(t, testID, testPass), "/login", contentType)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("content type %q: status = %d, want 403", contentType, rec.Code)
		}
		if got := resultOf(t, rec); got != "Forbidden" {
			t.Fatalf("content type %q: result = %q", contentType, got)
		}
	}
	// Parameters on the media type are fine.
	rec := h.do(t, h.body(t, testID, testPass), "/login", "application/json; charset=utf-8")
	if rec.Code != http.StatusOK {
		t.Fatalf("charset parameter rejected: status = %d", rec.Code)
	}
}

func TestMalformedBody(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	rec := h.do(t, []byte("{not json"), "/login", "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMissingFields(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	rec := h.do(t, []byte(`{"id":"","pass":""}`), "/login", "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUndecryptablePass(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	payload, _ := json.Marshal(map[string]string{"id": testID, "pass": "AAAA"})
	rec := h.do(t, payload, "/login", "application/json")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := resultOf(t, rec); got != "Login failed! invalid id or password!" {
		t.Fatalf("result = %q", got)
	}
}

func TestRouting(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/login", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /login status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/nope", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("POST /nope status = %d", rec.Code)
	}
}

func TestAllSuccess(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	rec := h.request(t, "/all", testID, testPass)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Schedule == nil || res.Profile == nil || res.ExamSchedule == nil || res.Tuition == nil {
		t.Fatalf("incomplete result: %+v", res)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after request")
	}
}

func TestAllInvalidCredentials(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	rec := h.request(t, "/all", testID, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := resultOf(t, rec); got != "Login failed! invalid id or password!" {
		t.Fatalf("result = %q", got)
	}
}

// Session expiry halfway through the pipeline: the steps that already ran
// keep their data, the rest are recorded as soft failures, and the
// response is still a 200.
func TestAllPartialResult(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: pipeline.PolicyContinue})
	manager := portal.NewManager(portal.Config{})
	h.script.ExpireAfter(manager.Selectors().ExamTable)

	rec := h.request(t, "/all", testID, testPass)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Schedule == nil || res.Profile == nil || res.ExamSchedule == nil {
		t.Fatalf("pre-expiry data missing: %+v", res)
	}
	if res.Tuition != nil {
		t.Fatalf("tuition present despite expired session")
	}
	if res.Errors["tuition"] != "session expired" {
		t.Fatalf("errors = %v", res.Errors)
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after partial result")
	}
}

func TestAllAbortPolicy(t *testing.T) {
	h := newHarness(t, harnessConfig{policy: pipeline.PolicyAbort})
	manager := portal.NewManager(portal.Config{})
	delete(h.script.Tables, manager.Selectors().ScheduleTable)

	rec := h.request(t, "/all", testID, testPass)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := resultOf(t, rec); got != "schedule: no data" {
		t.Fatalf("result = %q", got)
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after abort")
	}
}

// Two concurrent requests for the same id: the second cannot make
// progress while the first holds the identity lock, and with a short wait
// ceiling it is turned away as busy.
func TestSameIdentitySerialized(t *testing.T) {
	h := newHarness(t, harnessConfig{lockWait: 100 * time.Millisecond})
	gate := make(chan struct{})
	h.script.BlockOnLogin = gate

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- h.request(t, "/login", testID, testPass)
	}()

	// Wait for the first request to reach the login click while holding
	// the lock.
	deadline := time.Now().Add(5 * time.Second)
	for h.script.LoginClicks() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first request never reached login")
		}
		time.Sleep(time.Millisecond)
	}

	rec := h.request(t, "/login", testID, testPass)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second request status = %d, want 503", rec.Code)
	}
	if got := resultOf(t, rec); got != "Server busy, please retry later" {
		t.Fatalf("second request result = %q", got)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	close(gate)
	first := <-done
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d body = %s", first.Code, first.Body.String())
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after both requests")
	}
}

// Each id gets its own lock record; serving one id leaves the others
// untouched.
func TestDistinctIdentitiesGetDistinctLocks(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	rec := h.request(t, "/login", testID, testPass)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if _, _, err := h.backend.LoadLock(context.Background(), "someone-else"); err == nil {
		t.Fatalf("lock record created for an id that never sent a request")
	}
	if h.lockHeld(t, testID) {
		t.Fatalf("lock still held after request")
	}
}

// The watchdog races a stuck pipeline: the client gets the deadline
// response and the lock and pool resources are force-released while the
// pipeline is still blocked.
func TestWatchdogDeadline(t *testing.T) {
	h := newHarness(t, harnessConfig{deadline: 50 * time.Millisecond})
	gate := make(chan struct{})
	h.script.BlockOnLogin = gate

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- h.request(t, "/login", testID, testPass)
	}()

	// The forced cleanup releases the lock while the request is stuck.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, _, err := h.backend.LoadLock(context.Background(), testID)
		if err == nil && !rec.Held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watchdog never released the lock")
		}
		time.Sleep(time.Millisecond)
	}

	close(gate)
	rec := <-done
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := resultOf(t, rec); got != "Request deadline exceeded" {
		t.Fatalf("result = %q", got)
	}
	if h.pool.Refs() != 0 {
		t.Fatalf("pool refs = %d after forced cleanup", h.pool.Refs())
	}
}
