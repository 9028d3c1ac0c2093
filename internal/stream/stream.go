// Package stream manages the single live-stream encoder subprocess.
//
// At most one encoder runs at a time. Starting a new stream first stops
// the old one and waits for its whole process group to be gone. The
// encoder runs in its own process group so termination reaches any
// children it spawns. Stopping is two-phase: a graceful signal to the
// group, a bounded wait, then a forceful kill.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoDestination means no output URL is configured.
	ErrNoDestination = errors.New("no stream destination configured")
	// ErrNoSource means Start was called without a source URL.
	ErrNoSource = errors.New("no stream source given")
	// ErrExited means the encoder died during its settle window,
	// usually because the source could not be opened.
	ErrExited = errors.New("encoder exited during startup")
	// ErrStopTimeout means the process group survived the forceful kill
	// for a full stop timeout. This should not happen on a sane kernel.
	ErrStopTimeout = errors.New("encoder did not exit after kill")
)

// Recorder persists stream history.
type Recorder interface {
	Set(key, value string) error
}

// Config configures a [Manager]. Zero values are replaced with the
// low-latency defaults.
type Config struct {
	// Binary is the encoder executable (default: ffmpeg).
	Binary string
	// Destination is the output URL, typically rtmp://.
	Destination string
	// Preset is the x264 preset (default: ultrafast).
	Preset string
	// KeyframeInterval is the GOP length in frames (default: 60).
	KeyframeInterval int
	// VideoBitrate caps the video rate (default: 2500k).
	VideoBitrate string
	// BufSize is the rate-control buffer (default: 5000k).
	BufSize string
	// AudioBitrate is the AAC rate (default: 128k).
	AudioBitrate string
	// StopTimeout bounds each phase of Stop (default: 5s).
	StopTimeout time.Duration
	// SettleTime is how long Start watches for an immediate exit
	// (default: 1s). Negative disables the check.
	SettleTime time.Duration
	// ArgsFunc overrides the encoder argument list.
	ArgsFunc func(source, destination string) []string

	Recorder Recorder
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Handle describes the running stream.
type Handle struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	SourceURL string    `json:"source_url"`
}

// Uptime returns how long the stream has been running at now.
func (h Handle) Uptime(now time.Time) time.Duration {
	return now.Sub(h.StartedAt)
}

// proc is one launched encoder. The waiter goroutine owns cmd.Wait and
// closes done after storing err.
type proc struct {
	handle Handle
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
}

// Manager owns the encoder subprocess.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// opMu serializes Start and Stop, so a new start is always fenced
	// behind the previous stop.
	opMu sync.Mutex

	mu  sync.Mutex
	cur *proc
}

// New creates a stream manager.
func New(cfg Config) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Preset == "" {
		cfg.Preset = "ultrafast"
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = 60
	}
	if cfg.VideoBitrate == "" {
		cfg.VideoBitrate = "2500k"
	}
	if cfg.BufSize == "" {
		cfg.BufSize = "5000k"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "128k"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.SettleTime == 0 {
		cfg.SettleTime = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Args returns the encoder argument list for source.
func (m *Manager) Args(source string) []string {
	if m.cfg.ArgsFunc != nil {
		return m.cfg.ArgsFunc(source, m.cfg.Destination)
	}
	gop := strconv.Itoa(m.cfg.KeyframeInterval)
	return []string{
		"-re", "-i", source,
		"-c:v", "libx264",
		"-preset", m.cfg.Preset,
		"-tune", "zerolatency",
		"-g", gop,
		"-keyint_min", gop,
		"-b:v", m.cfg.VideoBitrate,
		"-maxrate", m.cfg.VideoBitrate,
		"-bufsize", m.cfg.BufSize,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", m.cfg.AudioBitrate,
		"-ar", "44100",
		"-f", "flv",
		m.cfg.Destination,
	}
}

// Destination returns the configured output URL.
func (m *Manager) Destination() string { return m.cfg.Destination }

// Status returns the running stream, if any.
func (m *Manager) Status() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Handle{}, false
	}
	return m.cur.handle, true
}

// Start stops any running stream, then launches the encoder for source.
// ctx only bounds the wait to begin; the encoder outlives it.
func (m *Manager) Start(ctx context.Context, source string) (Handle, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return Handle{}, ErrNoSource
	}
	if m.cfg.Destination == "" {
		return Handle{}, ErrNoDestination
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.stopLocked(ctx); err != nil {
		return Handle{}, fmt.Errorf("stop previous stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	cmd := exec.Command(m.cfg.Binary, m.Args(source)...)
	// Output is discarded: a long stream would otherwise grow a buffer
	// without bound.
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start %s: %w", m.cfg.Binary, err)
	}

	p := &proc{
		handle: Handle{
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
			SourceURL: source,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.cur = p
	m.mu.Unlock()

	go m.wait(p)

	if m.cfg.SettleTime > 0 {
		timer := time.NewTimer(m.cfg.SettleTime)
		select {
		case <-p.done:
			timer.Stop()
			// Reap any children the leader left behind.
			_ = signalGroup(cmd.Process, true)
			return Handle{}, fmt.Errorf("%w: %v", ErrExited, exitDetail(p.err))
		case <-timer.C:
		}
	}

	m.logger.Info("stream started",
		"pid", p.handle.PID,
		"source", source,
		"destination", m.cfg.Destination,
	)
	m.record("last_source", source)
	m.record("last_started_at", p.handle.StartedAt.UTC().Format(time.RFC3339))
	return p.handle, nil
}

// Stop terminates the running stream, if any. After Stop returns nil no
// process from the stream's group is running.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	m.mu.Lock()
	p := m.cur
	m.cur = nil
	m.mu.Unlock()

	if p == nil {
		return nil
	}

	logger := m.logger.With("pid", p.handle.PID)

	select {
	case <-p.done:
	default:
		logger.Info("stopping stream")
		if err := signalGroup(p.cmd.Process, false); err != nil {
			logger.Warn("graceful signal failed", "error", err)
		}

		timer := time.NewTimer(m.cfg.StopTimeout)
		select {
		case <-p.done:
			timer.Stop()
		case <-timer.C:
			logger.Warn("stream did not exit gracefully, killing", "timeout", m.cfg.StopTimeout)
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("stop cancelled, killing")
		}
	}

	// The leader may be gone while children that ignored the graceful
	// signal still hold the group. Kill the group unconditionally.
	if err := signalGroup(p.cmd.Process, true); err != nil {
		logger.Warn("kill failed", "error", err)
	}

	select {
	case <-p.done:
	case <-time.After(m.cfg.StopTimeout):
		return fmt.Errorf("%w: pid %d", ErrStopTimeout, p.handle.PID)
	}

	logger.Info("stream stopped", "ran_for", time.Since(p.handle.StartedAt).Round(time.Second))
	m.record("last_stopped_at", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// wait reaps p. If p is still the current stream it exited on its own,
// so the handle is cleared.
func (m *Manager) wait(p *proc) {
	p.err = p.cmd.Wait()
	close(p.done)

	m.mu.Lock()
	unexpected := m.cur == p
	if unexpected {
		m.cur = nil
	}
	m.mu.Unlock()

	if unexpected {
		m.logger.Warn("stream exited unexpectedly",
			"pid", p.handle.PID,
			"source", p.handle.SourceURL,
			"detail", exitDetail(p.err),
		)
		m.record("last_exit", exitDetail(p.err))
	}
}

func (m *Manager) record(key, value string) {
	if m.cfg.Recorder == nil {
		return
	}
	if err := m.cfg.Recorder.Set(key, value); err != nil {
		m.logger.Warn("failed to record stream state", "key", key, "error", err)
	}
}

func exitDetail(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
