// Package session owns the single, exclusive automation session to the
// target system.
//
// Concurrency model: transMu serializes state transitions (create, release)
// so that at most one external session exists at any time, even while a
// slow creation or shutdown is in flight. stateMu guards the fields read by
// status queries so those never wait on the external system.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/target"
)

// ErrUnavailable is returned by Acquire when no session could be created.
var ErrUnavailable = errors.New("session unavailable")

// UnavailableError carries the cause of a failed session creation. It
// matches ErrUnavailable with errors.Is.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "session unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports whether target is ErrUnavailable.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Reason explains a state transition.
type Reason string

const (
	ReasonAcquired Reason = "acquired"
	ReasonExplicit Reason = "explicit"
	ReasonIdle     Reason = "idle_timeout"
	ReasonFault    Reason = "transport_fault"
	ReasonShutdown Reason = "shutdown"
)

// StateChange is published to subscribers on every transition.
type StateChange struct {
	Active    bool
	Reason    Reason
	SessionID string
	At        time.Time
}

// Settings is the read-only configuration the manager depends on.
type Settings interface {
	// IdleTimeoutMinutes returns the idle threshold; 0 disables the watchdog.
	IdleTimeoutMinutes() int
	SessionCredentials() target.Credentials
}

// Status is a point-in-time snapshot for status displays.
type Status struct {
	Active       bool
	SessionID    string
	LastActivity time.Time
	IdleTimeout  time.Duration
	// Remaining is the time left before the idle release, zero when the
	// watchdog is disabled or no session is active.
	Remaining time.Duration
}

// Manager is the single owner of the automation session handle.
type Manager struct {
	connector     target.Connector
	settings      Settings
	lg            *zap.Logger
	now           func() time.Time
	checkInterval time.Duration

	transMu sync.Mutex

	stateMu      sync.Mutex
	handle       target.Handle
	lastActivity time.Time
	// idleFired is set once the watchdog released the session for the
	// current idle episode. Acquire and Touch clear it.
	idleFired bool

	subMu   sync.Mutex
	subs    map[uint64]chan StateChange
	nextSub uint64

	running atomic.Bool

	created  metric.Int64Counter
	released metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(m *Manager) {
		if lg != nil {
			m.lg = lg
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCheckInterval sets the watchdog period.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithMeterProvider enables session metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) {
		if mp == nil {
			return
		}
		meter := mp.Meter("github.com/xenking/ordersync/internal/session")
		if c, err := meter.Int64Counter("ordersync.session.created",
			metric.WithDescription("Automation sessions created")); err == nil {
			m.created = c
		}
		if c, err := meter.Int64Counter("ordersync.session.released",
			metric.WithDescription("Automation sessions released, by reason")); err == nil {
			m.released = c
		}
	}
}

// NewManager creates a Manager in the Absent state.
func NewManager(connector target.Connector, settings Settings, opts ...Option) *Manager {
	nop := noop.NewMeterProvider().Meter("")
	created, _ := nop.Int64Counter("created")
	released, _ := nop.Int64Counter("released")

	m := &Manager{
		connector:     connector,
		settings:      settings,
		lg:            zap.NewNop(),
		now:           time.Now,
		checkInterval: time.Minute,
		subs:          make(map[uint64]chan StateChange),
		created:       created,
		released:      released,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire returns the active session, creating one when none exists.
// Concurrent callers observing the Absent state share a single creation.
// Acquiring counts as activity.
func (m *Manager) Acquire(ctx context.Context) (target.Handle, error) {
	if h := m.activeHandle(true); h != nil {
		return h, nil
	}

	m.transMu.Lock()
	defer m.transMu.Unlock()

	if h := m.activeHandle(true); h != nil {
		return h, nil
	}

	h, err := m.connector.CreateSession(ctx, m.settings.SessionCredentials())
	if err != nil {
		m.lg.Warn("Session creation failed", zap.Error(err))
		return nil, &UnavailableError{Err: err}
	}

	now := m.now()
	m.stateMu.Lock()
	m.handle = h
	m.lastActivity = now
	m.idleFired = false
	m.stateMu.Unlock()

	m.created.Add(ctx, 1)
	m.lg.Info("Session acquired",
		zap.String("session", h.ID()),
		zap.String("documents", string(h.Documents().Variant())),
	)
	m.publish(StateChange{Active: true, Reason: ReasonAcquired, SessionID: h.ID(), At: now})
	return h, nil
}

// Release closes the active session, if any. Shutdown failures are logged
// and swallowed: local state is cleared regardless.
func (m *Manager) Release(ctx context.Context, reason Reason) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.stateMu.Lock()
	h := m.handle
	m.handle = nil
	m.stateMu.Unlock()

	m.closeHandle(ctx, h, reason)
}

// Invalidate releases h when err is a transport fault and h is still the
// active session. A fault observed on a session that was already released or
// replaced leaves the current session alone. It reports whether h was
// released.
func (m *Manager) Invalidate(ctx context.Context, h target.Handle, err error) bool {
	if h == nil || !target.IsTransportFault(err) {
		return false
	}

	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.stateMu.Lock()
	if m.handle != h {
		m.stateMu.Unlock()
		m.lg.Debug("Transport fault on stale session ignored",
			zap.String("session", h.ID()),
			zap.Error(err),
		)
		return false
	}
	m.handle = nil
	m.stateMu.Unlock()

	m.lg.Warn("Session invalidated by transport fault",
		zap.String("session", h.ID()),
		zap.Error(err),
	)
	m.closeHandle(ctx, h, ReasonFault)
	return true
}

// Touch records user or synchronization activity, postponing the idle
// release. The manager never infers activity on its own.
func (m *Manager) Touch() {
	now := m.now()
	m.stateMu.Lock()
	m.lastActivity = now
	m.idleFired = false
	m.stateMu.Unlock()
}

// IsActive reports whether a session is currently held.
func (m *Manager) IsActive() bool {
	return m.activeHandle(false) != nil
}

// Status returns a snapshot of the session state.
func (m *Manager) Status() Status {
	now := m.now()
	timeout := m.idleTimeout()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	s := Status{
		Active:       m.handle != nil,
		LastActivity: m.lastActivity,
		IdleTimeout:  timeout,
	}
	if m.handle != nil {
		s.SessionID = m.handle.ID()
		s.Remaining = Remaining(m.lastActivity, now, timeout)
	}
	return s
}

// Remaining projects the time left before an idle release from the last
// activity time. It returns zero when the watchdog is disabled.
func Remaining(lastActivity, now time.Time, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	left := timeout - now.Sub(lastActivity)
	if left < 0 {
		return 0
	}
	return left
}

// Run drives the idle watchdog until ctx is cancelled, then releases the
// session.
func (m *Manager) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			m.Release(shutdownCtx, ReasonShutdown)
			cancel()
			return nil
		case <-ticker.C:
			m.checkIdle(ctx)
		}
	}
}

// Running reports whether the watchdog loop is running.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// checkIdle releases the session once per idle episode when the time since
// the last activity reached the configured threshold.
func (m *Manager) checkIdle(ctx context.Context) bool {
	timeout := m.idleTimeout()
	if timeout <= 0 {
		return false
	}

	m.transMu.Lock()
	defer m.transMu.Unlock()

	now := m.now()
	m.stateMu.Lock()
	if m.handle == nil || m.idleFired || now.Sub(m.lastActivity) < timeout {
		m.stateMu.Unlock()
		return false
	}
	m.idleFired = true
	h := m.handle
	m.handle = nil
	idle := now.Sub(m.lastActivity)
	m.stateMu.Unlock()

	m.lg.Info("Session idle timeout reached",
		zap.String("session", h.ID()),
		zap.Duration("idle", idle),
		zap.Duration("timeout", timeout),
	)
	m.closeHandle(ctx, h, ReasonIdle)
	return true
}

// closeHandle shuts h down and notifies subscribers. Must hold transMu.
func (m *Manager) closeHandle(ctx context.Context, h target.Handle, reason Reason) {
	if h == nil {
		return
	}
	if err := h.Close(ctx); err != nil {
		m.lg.Warn("Session shutdown failed, state cleared anyway",
			zap.String("session", h.ID()),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
	} else {
		m.lg.Info("Session released",
			zap.String("session", h.ID()),
			zap.String("reason", string(reason)),
		)
	}
	m.released.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	m.publish(StateChange{Active: false, Reason: reason, SessionID: h.ID(), At: m.now()})
}

func (m *Manager) activeHandle(touch bool) target.Handle {
	now := m.now()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.handle != nil && touch {
		m.lastActivity = now
		m.idleFired = false
	}
	return m.handle
}

func (m *Manager) idleTimeout() time.Duration {
	minutes := m.settings.IdleTimeoutMinutes()
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}
