// Package httpapi wires the HTTP endpoints to the lock, pool, and portal
// components and enforces the per-request lifecycle: lock, resource,
// pipeline, guarded cleanup, exactly one JSON response.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/browser"
	"pkt.systems/portald/internal/clock"
	"pkt.systems/portald/internal/correlation"
	"pkt.systems/portald/internal/cryptoutil"
	"pkt.systems/portald/internal/dlock"
	"pkt.systems/portald/internal/hostpool"
	"pkt.systems/portald/internal/pipeline"
	"pkt.systems/portald/internal/portal"
	"pkt.systems/portald/internal/reqguard"
	"pkt.systems/portald/internal/svcfields"
)

const headerCorrelationID = "X-Correlation-Id"

const maxBodyBytes = 1 << 20

// DefaultRequestDeadline bounds a request end to end, just under the
// 120-minute ceiling of the original hosting platform.
const DefaultRequestDeadline = 118 * time.Minute

const (
	msgLoginOK        = "Login Successfully!"
	msgLoginFailed    = "Login failed! invalid id or password!"
	msgForbidden      = "Forbidden"
	msgServerBusy     = "Server busy, please retry later"
	msgDeadline       = "Request deadline exceeded"
	fatalErrorPrefix  = "Fatal Error: "
	busyRetryAfterSec = "30"
)

// Observer receives coarse operational events; the server side binds it
// to the Prometheus collectors. All methods must be cheap and nil-safe
// implementations are provided by nopObserver.
type Observer interface {
	LockAcquire(outcome string)
	StepOutcome(step, status string)
	WatchdogFired()
}

type nopObserver struct{}

func (nopObserver) LockAcquire(string)         {}
func (nopObserver) StepOutcome(string, string) {}
func (nopObserver) WatchdogFired()             {}

// Config assembles a Handler.
type Config struct {
	Locker          *dlock.Locker
	Pool            *hostpool.Pool
	Portal          *portal.Manager
	Codec           *cryptoutil.Codec
	Clock           clock.Clock
	Logger          pslog.Logger
	Policy          pipeline.Policy
	RequestDeadline time.Duration
	Observer        Observer
}

// Handler implements the HTTP surface.
type Handler struct {
	locker   *dlock.Locker
	pool     *hostpool.Pool
	portal   *portal.Manager
	codec    *cryptoutil.Codec
	clock    clock.Clock
	logger   pslog.Logger
	orch     *pipeline.Orchestrator
	watchdog *reqguard.Watchdog
	observer Observer
}

// NewHandler constructs a Handler, applying defaults for unset fields.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		locker:   cfg.Locker,
		pool:     cfg.Pool,
		portal:   cfg.Portal,
		codec:    cfg.Codec,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
	if h.clock == nil {
		h.clock = clock.Real{}
	}
	if h.logger == nil {
		h.logger = pslog.NoopLogger()
	}
	if h.observer == nil {
		h.observer = nopObserver{}
	}
	deadline := cfg.RequestDeadline
	if deadline <= 0 {
		deadline = DefaultRequestDeadline
	}
	h.orch = pipeline.New(cfg.Policy, svcfields.WithSubsystem(h.logger, "pipeline"))
	h.watchdog = reqguard.NewWatchdog(h.clock, deadline, svcfields.WithSubsystem(h.logger, "watchdog"))
	return h
}

type resultBody struct {
	Result string `json:"Result"`
}

// ServeHTTP routes requests and logs their completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cid := correlation.Ensure(r.Context())
	w.Header().Set(headerCorrelationID, cid)
	logger := h.logger.With("cid", cid)
	start := h.clock.Now()
	ow := &onceWriter{w: w}
	switch r.URL.Path {
	case "/healthz":
		if r.Method != http.MethodGet {
			ow.Write(http.StatusMethodNotAllowed, resultBody{Result: "Method Not Allowed"}, nil)
			break
		}
		ow.Write(http.StatusOK, map[string]string{"status": "ok"}, nil)
	case "/login":
		if r.Method != http.MethodPost {
			ow.Write(http.StatusMethodNotAllowed, resultBody{Result: "Method Not Allowed"}, nil)
			break
		}
		h.handleLogin(ctx, ow, r, svcfields.WithSubsystem(logger, "api.http.login"))
	case "/all":
		if r.Method != http.MethodPost {
			ow.Write(http.StatusMethodNotAllowed, resultBody{Result: "Method Not Allowed"}, nil)
			break
		}
		h.handleAll(ctx, ow, r, svcfields.WithSubsystem(logger, "api.http.all"))
	default:
		ow.Write(http.StatusNotFound, resultBody{Result: "Not Found"}, nil)
	}
	svcfields.WithSubsystem(logger, "api.http").Info("request.served",
		"method", r.Method,
		"path", r.URL.Path,
		"status", ow.Status(),
		"duration_ms", h.clock.Now().Sub(start).Milliseconds(),
	)
}

// credentials is the shared request body of /login and /all. The pass
// field arrives encrypted; it is decrypted once and consumed by the
// session manager.
type credentials struct {
	ID   string `json:"id"`
	Pass string `json:"pass"`
}

// decodeCredentials performs request admission: content-type gate, body
// decode, credential decryption. On failure the response has already
// been written.
func (h *Handler) decodeCredentials(ow *onceWriter, r *http.Request, logger pslog.Logger) (string, string, bool) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		ow.Write(http.StatusForbidden, resultBody{Result: msgForbidden}, nil)
		return "", "", false
	}
	var req credentials
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		ow.Write(http.StatusBadRequest, resultBody{Result: "Malformed request body"}, nil)
		return "", "", false
	}
	if req.ID == "" || req.Pass == "" {
		ow.Write(http.StatusBadRequest, resultBody{Result: "Missing id or pass"}, nil)
		return "", "", false
	}
	secret, err := h.codec.Decrypt(req.Pass)
	if err != nil {
		logger.Warn("credential.decrypt_failed", "error", err)
		ow.Write(http.StatusUnauthorized, resultBody{Result: msgLoginFailed}, nil)
		return "", "", false
	}
	return req.ID, secret, true
}

// runGuarded acquires the distributed lock and a pool reference for id,
// arms the watchdog, and runs fn with the session. All releases are
// registered on one scope closed exactly once by whichever of the normal
// path or the watchdog gets there first.
func (h *Handler) runGuarded(ctx context.Context, ow *onceWriter, logger pslog.Logger, id string, fn func(ctx context.Context, sess browser.Session)) {
	scope := reqguard.NewScope(logger)
	cleanupCtx := context.WithoutCancel(ctx)
	defer scope.Close(cleanupCtx)
	timer := h.watchdog.Arm(scope, func() {
		h.observer.WatchdogFired()
		ow.Write(http.StatusUnauthorized, resultBody{Result: msgDeadline}, nil)
	})
	defer timer.Disarm()

	handle, err := h.locker.Acquire(ctx, id)
	if errors.Is(err, dlock.ErrLockTimeout) {
		h.observer.LockAcquire("timeout")
		ow.Write(http.StatusServiceUnavailable, resultBody{Result: msgServerBusy},
			map[string]string{"Retry-After": busyRetryAfterSec})
		return
	}
	if err != nil {
		h.observer.LockAcquire("error")
		logger.Error("lock.acquire_failed", "id", id, "error", err)
		ow.Write(http.StatusUnauthorized, resultBody{Result: fatalErrorPrefix + "lock acquisition failed"}, nil)
		return
	}
	h.observer.LockAcquire("claimed")
	scope.Defer("lock.release", handle.Release)

	ref, err := h.pool.Acquire(ctx)
	if err != nil {
		logger.Error("pool.acquire_failed", "error", err)
		ow.Write(http.StatusUnauthorized, resultBody{Result: fatalErrorPrefix + classifyAutomation(err)}, nil)
		return
	}
	scope.Defer("pool.release", ref.Release)

	fn(ctx, ref.Session())
}

// classifyAutomation maps automation-layer failures to client-safe
// messages. Raw errors stay in the logs.
func classifyAutomation(err error) string {
	switch {
	case errors.Is(err, browser.ErrElementNotFound):
		return "portal page changed"
	case errors.Is(err, context.DeadlineExceeded):
		return "automation timeout"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	default:
		return "automation failure"
	}
}

// onceWriter guards the response: exactly one write wins, whether it
// comes from the handler goroutine or the watchdog.
type onceWriter struct {
	w http.ResponseWriter

	mu      sync.Mutex
	written bool
	status  int
}

// Write emits the response if none has been written yet and reports
// whether this call won.
func (ow *onceWriter) Write(status int, payload any, headers map[string]string) bool {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	if ow.written {
		return false
	}
	ow.written = true
	ow.status = status
	ow.w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		ow.w.Header().Set(k, v)
	}
	ow.w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(ow.w).Encode(payload)
	}
	return true
}

// Status returns the written status, or zero when nothing was written.
func (ow *onceWriter) Status() int {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	return ow.status
}
