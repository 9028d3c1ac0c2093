// Package connwatch keeps the device attached to a working Wi-Fi network.
//
// A [Supervisor] checks internet reachability on a fixed interval. A
// single failed ping is only counted: failover starts once the failure
// count reaches the configured threshold, which debounces transient
// blips without thrashing the radio. Failover walks the known network
// profiles in priority order, issuing a connect command and then polling
// the active network until the profile shows up fully associated. The
// first confirmed profile wins. When every profile has been tried the
// supervisor backs off before the next full cycle.
//
// The supervisor owns its state. Other components read a copy through
// [Supervisor.State] and never share mutable state with the loop.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/termkeep/internal/config"
)

var (
	// ErrNoProfiles means failover was needed but no networks are known.
	ErrNoProfiles = errors.New("no network profiles configured")
	// ErrFailoverExhausted means every profile was tried without a
	// confirmed connection.
	ErrFailoverExhausted = errors.New("no network profile could be connected")
	// ErrUnknownProfile means a switch was requested for a network that
	// is not in the profile list.
	ErrUnknownProfile = errors.New("unknown network profile")
	// ErrNotConfirmed means a connect command was issued but the network
	// never became the active, associated one.
	ErrNotConfirmed = errors.New("network did not become active")
	// ErrScanUnsupported means the Network cannot list visible networks.
	ErrScanUnsupported = errors.New("network scan not supported")
	// ErrRadioBusy means another connect sequence holds the radio.
	ErrRadioBusy = errors.New("network switch already in progress")
)

// Recorder persists the last confirmed network so it survives restarts.
type Recorder interface {
	Set(key, value string) error
}

// recorder keys.
const (
	keyLastNetwork    = "last_network"
	keyLastFailoverAt = "last_failover_at"
)

// Config configures a [Supervisor]. Zero durations and counts are
// replaced with defaults.
type Config struct {
	// Pinger checks reachability. Required.
	Pinger Pinger
	// Network issues connect commands and reports the active network.
	// Required.
	Network Network
	// Profiles in failover priority order.
	Profiles []config.NetworkProfile

	// Interval between reachability checks (default: 10s).
	Interval time.Duration
	// PingTimeout bounds a single ping (default: 2s).
	PingTimeout time.Duration
	// Threshold is how many consecutive failures trigger failover (default: 3).
	Threshold int
	// Polls is how many times the active network is checked after each
	// connect command (default: 5).
	Polls int
	// PollDelay is the wait before each poll (default: 2s).
	PollDelay time.Duration
	// Backoff is the pause after an exhausted failover cycle (default: 30s).
	Backoff time.Duration

	// OnFailover is called after failover confirms a network. Called in
	// a separate goroutine; must not block indefinitely. Optional.
	OnFailover func(name string)

	// Recorder, when set, receives the last confirmed network.
	Recorder Recorder

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Sleep and Now replace the wall clock in tests.
	Sleep func(ctx context.Context, d time.Duration) bool
	Now   func() time.Time
}

// State is a snapshot of the supervisor's view of connectivity.
type State struct {
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	// CurrentNetwork is empty when the active network is unknown.
	CurrentNetwork string    `json:"current_network,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastFailoverAt time.Time `json:"last_failover_at"`
	Failovers      int       `json:"failovers"`
	AutoSwitch     bool      `json:"auto_switch"`
}

// NetworkName returns CurrentNetwork, or "unknown".
func (s State) NetworkName() string {
	if s.CurrentNetwork == "" {
		return "unknown"
	}
	return s.CurrentNetwork
}

// Supervisor runs the reachability loop and failover policy.
type Supervisor struct {
	cfg        Config
	logger     *slog.Logger
	autoSwitch atomic.Bool

	// radio serializes connect sequences between the loop and explicit
	// switch requests. It holds one token and never guards state.
	radio chan struct{}

	mu    sync.Mutex
	state State
}

// New creates a supervisor. Panics if Pinger or Network is nil; those
// are wiring mistakes, not runtime conditions.
func New(cfg Config) *Supervisor {
	if cfg.Pinger == nil {
		panic("connwatch: Config.Pinger must not be nil")
	}
	if cfg.Network == nil {
		panic("connwatch: Config.Network must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Polls <= 0 {
		cfg.Polls = 5
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 2 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Profiles = append([]config.NetworkProfile(nil), cfg.Profiles...)

	s := &Supervisor{cfg: cfg, logger: cfg.Logger, radio: make(chan struct{}, 1)}
	s.autoSwitch.Store(true)
	return s
}

// State returns a copy of the current connectivity state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.AutoSwitch = s.autoSwitch.Load()
	return st
}

// SetAutoSwitch enables or disables automatic failover. Probing and
// failure counting continue either way.
func (s *Supervisor) SetAutoSwitch(on bool) {
	s.autoSwitch.Store(on)
	s.logger.Info("auto switch changed", "enabled", on)
}

// Profiles returns the known network profiles in priority order.
func (s *Supervisor) Profiles() []config.NetworkProfile {
	return append([]config.NetworkProfile(nil), s.cfg.Profiles...)
}

// Run checks reachability every Interval until ctx is cancelled. It
// returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("connectivity supervisor started",
		"interval", s.cfg.Interval,
		"threshold", s.cfg.Threshold,
		"profiles", len(s.cfg.Profiles),
	)

	if name, err := s.cfg.Network.Current(ctx); err == nil && name != "" {
		s.mu.Lock()
		s.state.CurrentNetwork = name
		s.mu.Unlock()
	}

	for {
		s.Check(ctx)
		if !s.cfg.Sleep(ctx, s.cfg.Interval) {
			s.logger.Info("connectivity supervisor stopped")
			return nil
		}
	}
}

// Check runs one ping and applies the failure policy. It reports
// whether a failover cycle ran, and that cycle's error if it failed.
func (s *Supervisor) Check(ctx context.Context) (bool, error) {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	err := s.cfg.Pinger.Ping(pingCtx)
	cancel()

	s.mu.Lock()
	s.state.LastCheckedAt = s.cfg.Now()
	if err == nil {
		recovered := s.state.ConsecutiveFailures > 0
		s.state.ConsecutiveFailures = 0
		s.state.LastError = ""
		s.mu.Unlock()
		if recovered {
			s.logger.Info("connectivity recovered")
		}
		return false, nil
	}
	s.state.ConsecutiveFailures++
	s.state.LastError = err.Error()
	failures := s.state.ConsecutiveFailures
	s.mu.Unlock()

	if failures < s.cfg.Threshold {
		s.logger.Debug("reachability ping failed",
			"consecutive_failures", failures,
			"threshold", s.cfg.Threshold,
			"error", err,
		)
		return false, nil
	}

	if !s.autoSwitch.Load() {
		s.logger.Warn("connectivity lost, auto switch disabled",
			"consecutive_failures", failures,
			"error", err,
		)
		return false, nil
	}

	s.logger.Warn("connectivity lost, starting failover",
		"consecutive_failures", failures,
		"error", err,
	)
	_, ferr := s.Failover(ctx)
	return true, ferr
}

// Failover tries each profile in priority order and returns the first
// confirmed network name. After an exhausted cycle it sleeps Backoff
// before returning ErrFailoverExhausted.
func (s *Supervisor) Failover(ctx context.Context) (string, error) {
	if len(s.cfg.Profiles) == 0 {
		s.logger.Warn("failover needed but no network profiles configured")
		return "", ErrNoProfiles
	}

	select {
	case s.radio <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	name, ok := s.cycle(ctx)
	<-s.radio
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if ok {
		return name, nil
	}

	s.logger.Warn("failover cycle exhausted, backing off",
		"profiles", len(s.cfg.Profiles),
		"backoff", s.cfg.Backoff,
	)
	if !s.cfg.Sleep(ctx, s.cfg.Backoff) {
		return "", ctx.Err()
	}
	return "", ErrFailoverExhausted
}

// Scan lists visible networks, strongest first. It reads the last scan
// the radio made and does not take the radio.
func (s *Supervisor) Scan(ctx context.Context) ([]ScanResult, error) {
	sc, ok := s.cfg.Network.(Scanner)
	if !ok {
		return nil, ErrScanUnsupported
	}
	return sc.Scan(ctx)
}

// cycle runs one connect sequence per profile in priority order. The
// caller holds the radio.
func (s *Supervisor) cycle(ctx context.Context) (string, bool) {
	for i, p := range s.cfg.Profiles {
		if ctx.Err() != nil {
			return "", false
		}
		s.logger.Info("trying network", "network", p.Name, "priority", i+1)
		if s.connect(ctx, p) {
			s.confirmed(p.Name, true)
			return p.Name, true
		}
	}
	return "", false
}

// SwitchTo connects to the named profile on request. It runs one
// connect sequence and never falls through to other profiles. When a
// failover cycle holds the radio it returns [ErrRadioBusy] at once
// instead of waiting.
func (s *Supervisor) SwitchTo(ctx context.Context, name string) error {
	var profile config.NetworkProfile
	found := false
	for _, p := range s.cfg.Profiles {
		if p.Name == name {
			profile, found = p, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}

	select {
	case s.radio <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrRadioBusy
	}
	defer func() { <-s.radio }()

	if !s.connect(ctx, profile) {
		return fmt.Errorf("%w: %q", ErrNotConfirmed, name)
	}
	s.confirmed(name, false)
	return nil
}

// connect issues the connect command for p and polls until p is the
// active network or the poll budget runs out. Failures are logged and
// reported as false.
func (s *Supervisor) connect(ctx context.Context, p config.NetworkProfile) bool {
	if err := s.cfg.Network.Connect(ctx, p); err != nil {
		s.logger.Warn("connect command failed", "network", p.Name, "error", err)
		return false
	}

	for poll := 1; poll <= s.cfg.Polls; poll++ {
		if !s.cfg.Sleep(ctx, s.cfg.PollDelay) {
			return false
		}
		current, err := s.cfg.Network.Current(ctx)
		if err != nil {
			s.logger.Debug("network poll failed", "network", p.Name, "poll", poll, "error", err)
			continue
		}
		if current == p.Name {
			s.logger.Info("network connected", "network", p.Name, "polls", poll)
			return true
		}
		s.logger.Debug("network not active yet",
			"network", p.Name,
			"current", current,
			"poll", poll,
		)
	}

	s.logger.Info("network did not become active", "network", p.Name, "polls", s.cfg.Polls)
	return false
}

// confirmed records name as the active network and resets the failure
// count. failover distinguishes loop-driven switches from requested ones.
func (s *Supervisor) confirmed(name string, failover bool) {
	now := s.cfg.Now()

	s.mu.Lock()
	s.state.CurrentNetwork = name
	s.state.ConsecutiveFailures = 0
	s.state.LastError = ""
	if failover {
		s.state.LastFailoverAt = now
		s.state.Failovers++
	}
	s.mu.Unlock()

	if r := s.cfg.Recorder; r != nil {
		if err := r.Set(keyLastNetwork, name); err != nil {
			s.logger.Warn("failed to record network", "network", name, "error", err)
		}
		if failover {
			if err := r.Set(keyLastFailoverAt, now.UTC().Format(time.RFC3339)); err != nil {
				s.logger.Warn("failed to record failover time", "error", err)
			}
		}
	}

	if failover && s.cfg.OnFailover != nil {
		go s.cfg.OnFailover(name)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
