// Package health implements the per-connection ping/pong liveness state
// machine described by spec.md §4.5: IDLE → PINGING → (PONG_OK |
// PONG_MISSED), driven by a repeating ping timer and a one-shot pong
// timeout, both scheduled through pkg/clock so tests never sleep.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aionbuilders/helios/pkg/clock"
)

// State names the health-check state machine's position.
type State int

const (
	StateIdle State = iota
	StatePinging
	StatePongOK
	StatePongMissed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePinging:
		return "PINGING"
	case StatePongOK:
		return "PONG_OK"
	case StatePongMissed:
		return "PONG_MISSED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the health-check tunables. New uses the values exactly as
// given; DefaultConfig returns the stated defaults.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

// DefaultConfig matches spec.md §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Interval: 30 * time.Second, Timeout: 10 * time.Second, MaxMissed: 2}
}

// Pinger is the transport-facing seam Health needs: send a ping frame,
// or close the underlying connection with a code and reason.
type Pinger interface {
	SendPing() error
	Close(code int, reason string) error
}

// Listener receives Health's lifecycle notifications. All methods must
// return quickly: OnPingMissed runs on Health's timer goroutine and
// OnPongReceived on the goroutine that calls Pong.
type Listener interface {
	OnPingMissed(missedPongs int)
	OnPongReceived(latency time.Duration)
}

// ManualPingTimeout bounds Health.Ping, per spec.md §4.5.
const ManualPingTimeout = 10 * time.Second

// pingTimeoutError is the type of ErrPingTimeout.
type pingTimeoutError struct{}

func (pingTimeoutError) Error() string { return "health: ping timed out" }

// ErrPingTimeout is the sentinel returned by Ping on timeout.
var ErrPingTimeout error = pingTimeoutError{}

// Health runs the ping/pong state machine for a single connection.
type Health struct {
	cfg      Config
	clock    clock.Clock
	pinger   Pinger
	listener Listener
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	missedPongs int
	lastPingAt  time.Time
	lastPongAt  time.Time
	ticker      clock.Timer
	timeout     clock.Timer

	manualMu  sync.Mutex
	manualAck chan time.Time
}

// New constructs a Health machine. logger and c may be nil, defaulting
// to slog.Default() and a real clock respectively.
func New(cfg Config, c clock.Clock, pinger Pinger, listener Listener, logger *slog.Logger) *Health {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{cfg: cfg, clock: c, pinger: pinger, listener: listener, logger: logger, state: StateIdle}
}

// State returns the current state under lock.
func (h *Health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start begins the repeating ping cycle. It is a no-op if disabled by
// config. Calling Start while already running restarts cleanly.
func (h *Health) Start() {
	if !h.cfg.Enabled {
		return
	}
	h.Stop()

	h.mu.Lock()
	h.state = StatePinging
	h.mu.Unlock()

	h.ticker = h.clock.NewTicker(h.cfg.Interval, h.tick)
}

// Stop cancels both the repeating ping timer and any pending pong
// timeout, and returns the machine to IDLE. Safe to call repeatedly.
func (h *Health) Stop() {
	h.mu.Lock()
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
	if h.timeout != nil {
		h.timeout.Stop()
		h.timeout = nil
	}
	h.state = StateIdle
	h.mu.Unlock()
}

// Reset clears counters and timestamps, for use by Connection.reconnect
// before Start is called again.
func (h *Health) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missedPongs = 0
	h.lastPingAt = time.Time{}
	h.lastPongAt = time.Time{}
}

func (h *Health) tick() {
	h.mu.Lock()
	if h.state != StatePinging && h.state != StatePongOK && h.state != StatePongMissed {
		h.mu.Unlock()
		return
	}
	if h.missedPongs >= h.cfg.MaxMissed {
		h.mu.Unlock()
		_ = h.pinger.Close(1000, "Ping timeout")
		h.Stop()
		return
	}
	now := h.clock.Now()
	h.lastPingAt = now
	h.mu.Unlock()

	if err := h.pinger.SendPing(); err != nil {
		h.logger.Warn("health: send ping failed", "error", err)
	}

	h.mu.Lock()
	if h.timeout != nil {
		h.timeout.Stop()
	}
	h.timeout = h.clock.AfterFunc(h.cfg.Timeout, h.onTimeout)
	h.mu.Unlock()
}

func (h *Health) onTimeout() {
	h.mu.Lock()
	missed := h.lastPongAt.Before(h.lastPingAt)
	if missed {
		h.missedPongs++
		h.state = StatePongMissed
	}
	count := h.missedPongs
	h.mu.Unlock()

	if missed {
		h.listener.OnPingMissed(count)
	}
}

// Pong records a received pong frame, resetting the missed-pong counter
// and reporting round-trip latency to the Listener.
func (h *Health) Pong() {
	now := h.clock.Now()

	h.mu.Lock()
	h.lastPongAt = now
	h.missedPongs = 0
	h.state = StatePongOK
	lastPing := h.lastPingAt
	if h.timeout != nil {
		h.timeout.Stop()
		h.timeout = nil
	}
	h.mu.Unlock()

	h.deliverManualAck(now)

	var latency time.Duration
	if !lastPing.IsZero() {
		latency = now.Sub(lastPing)
	}
	h.listener.OnPongReceived(latency)
}

func (h *Health) deliverManualAck(at time.Time) {
	h.manualMu.Lock()
	ch := h.manualAck
	h.manualMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- at:
	default:
	}
}

// Ping sends a single out-of-cycle ping and blocks until a pong arrives
// or ManualPingTimeout elapses, returning the measured round trip.
func (h *Health) Ping() (time.Duration, error) {
	ack := make(chan time.Time, 1)

	h.manualMu.Lock()
	h.manualAck = ack
	h.manualMu.Unlock()
	defer func() {
		h.manualMu.Lock()
		if h.manualAck == ack {
			h.manualAck = nil
		}
		h.manualMu.Unlock()
	}()

	sentAt := h.clock.Now()
	if err := h.pinger.SendPing(); err != nil {
		return 0, err
	}

	timeout := h.clock.AfterFunc(ManualPingTimeout, func() {
		select {
		case ack <- time.Time{}:
		default:
		}
	})
	defer timeout.Stop()

	at := <-ack
	if at.IsZero() {
		return 0, ErrPingTimeout
	}
	return at.Sub(sentAt), nil
}
