// Package provision installs and repairs a termkeep device: the
// process manager, the storage service, auxiliary packages, the daemon
// config, process registration, and the storage token. Every step
// checks before it acts, so running it again on a provisioned device
// changes nothing.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/pkgs"
	"github.com/nugget/termkeep/internal/procmgr"
	"github.com/nugget/termkeep/internal/shellexec"
)

// Step names, in run order.
const (
	StepProcessManager = "process manager"
	StepStoragePackage = "storage package"
	StepAdminPassword  = "admin credential"
	StepPackages       = "packages"
	StepDaemonConfig   = "daemon config"
	StepRegistration   = "process registration"
	StepToken          = "storage token"
)

// App names registered with the process manager.
const (
	AppStorage = "alist"
	AppDaemon  = "termkeep"
)

// DefaultPackages are the auxiliary packages the daemon needs: ffmpeg
// for streaming, termux-api for Wi-Fi control, nodejs for pm2.
var DefaultPackages = []string{"ffmpeg", "termux-api", "nodejs"}

// Token acquisition defaults.
const (
	DefaultAttempts   = 10
	DefaultRetryDelay = 2 * time.Second
)

// Authenticator mints a storage token.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (config.StoredToken, error)
}

// ProcessManager registers long-running apps.
type ProcessManager interface {
	Delete(ctx context.Context, name string) error
	Start(ctx context.Context, app procmgr.App) error
	Save(ctx context.Context) error
}

// Packages queries and installs system packages.
type Packages interface {
	Installed(ctx context.Context) (map[string]bool, error)
	Install(ctx context.Context, names ...string) error
}

// Recorder stores the provisioning history.
type Recorder interface {
	Set(key, value string) error
}

// Config holds the provisioner's collaborators and paths.
type Config struct {
	// Runner runs the one-off commands (npm, alist admin).
	Runner   shellexec.Runner
	PM2      ProcessManager
	Packages Packages
	Storage  Authenticator
	// Store is the env file; it supplies the template values and
	// receives the token.
	Store *config.Store

	// WorkDir is where a stale ad-hoc storage binary may live.
	WorkDir string
	// ConfigPath is where daemon.yaml is written.
	ConfigPath string
	// Profile is the shell profile that gets `pm2 resurrect`.
	Profile string
	// Executable is the termkeep binary registered with pm2.
	Executable string

	StoragePackage string
	AuxPackages    []string

	Attempts   int
	RetryDelay time.Duration

	// LookPath resolves binaries on PATH; "" means not found.
	LookPath func(name string) string
	// LANAddr returns this device's LAN address for the summary.
	LANAddr func() string
	Sleep   func(ctx context.Context, d time.Duration) bool

	Recorder Recorder
	Logger   *slog.Logger
}

// Provisioner runs the install and repair sequence.
type Provisioner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a provisioner. Runner, PM2, Packages, Storage, and Store
// are required.
func New(cfg Config) *Provisioner {
	if cfg.Runner == nil || cfg.PM2 == nil || cfg.Packages == nil || cfg.Storage == nil || cfg.Store == nil {
		panic("provision: Runner, PM2, Packages, Storage, and Store are required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = config.FileName
	}
	if cfg.Profile == "" {
		home, _ := os.UserHomeDir()
		cfg.Profile = filepath.Join(home, ".bashrc")
	}
	if cfg.Executable == "" {
		cfg.Executable, _ = os.Executable()
	}
	if cfg.StoragePackage == "" {
		cfg.StoragePackage = "alist"
	}
	if cfg.AuxPackages == nil {
		cfg.AuxPackages = DefaultPackages
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.LookPath == nil {
		cfg.LookPath = shellexec.LookPath
	}
	if cfg.LANAddr == nil {
		cfg.LANAddr = lanAddr
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provisioner{cfg: cfg, logger: cfg.Logger}
}

// step is one unit of the sequence.
type step struct {
	name     string
	required bool
	needs    []string
	run      func(ctx context.Context) (Status, string, error)
}

func (p *Provisioner) steps() []step {
	return []step{
		{name: StepProcessManager, required: true, run: p.ensureProcessManager},
		{name: StepStoragePackage, required: true, run: p.ensureStoragePackage},
		{name: StepAdminPassword, needs: []string{StepStoragePackage}, run: p.setAdminPassword},
		{name: StepPackages, run: p.ensurePackages},
		{name: StepDaemonConfig, run: p.renderConfig},
		{name: StepRegistration, required: true, needs: []string{StepProcessManager, StepStoragePackage}, run: p.register},
		{name: StepToken, needs: []string{StepRegistration}, run: p.acquireToken},
	}
}

// Run executes the full sequence. Step failures are recorded in the
// report; see [Report.Err].
func (p *Provisioner) Run(ctx context.Context) *Report {
	return p.execute(ctx, p.steps())
}

// RepairToken runs only the token step.
func (p *Provisioner) RepairToken(ctx context.Context) *Report {
	var only []step
	for _, s := range p.steps() {
		if s.name == StepToken {
			s.needs = nil
			only = append(only, s)
		}
	}
	return p.execute(ctx, only)
}

func (p *Provisioner) execute(ctx context.Context, steps []step) *Report {
	report := &Report{
		StartedAt:  time.Now(),
		StorageURL: p.cfg.Store.GetDefault(config.KeyAlistURL, config.DefaultAlistURL),
	}
	report.LANURL = lanURL(report.StorageURL, p.cfg.LANAddr())

	failed := make(map[string]bool)
	for i, s := range steps {
		res := StepResult{Name: s.name, Required: s.required}

		if dep := firstFailed(s.needs, failed); dep != "" {
			res.Status = StatusFailed
			res.Detail = fmt.Sprintf("not run: %s failed", dep)
		} else if err := ctx.Err(); err != nil {
			res.Status = StatusFailed
			res.Detail = "not run: " + err.Error()
		} else {
			p.logger.Info("provision step", "step", i+1, "of", len(steps), "name", s.name)
			status, detail, err := s.run(ctx)
			res.Status, res.Detail = status, detail
			if err != nil {
				res.Status = StatusFailed
				res.Detail = err.Error()
			}
		}

		if res.Status == StatusFailed {
			failed[s.name] = true
			p.logger.Warn("provision step failed", "name", s.name, "detail", res.Detail, "required", s.required)
		} else {
			p.logger.Info("provision step done", "name", s.name, "status", res.Status, "detail", res.Detail)
		}
		report.Steps = append(report.Steps, res)
	}
	report.FinishedAt = time.Now()

	p.record(report)
	return report
}

func firstFailed(needs []string, failed map[string]bool) string {
	for _, n := range needs {
		if failed[n] {
			return n
		}
	}
	return ""
}

func (p *Provisioner) record(r *Report) {
	if p.cfg.Recorder == nil {
		return
	}
	set := func(k, v string) {
		if err := p.cfg.Recorder.Set(k, v); err != nil {
			p.logger.Warn("provision history not recorded", "key", k, "error", err)
		}
	}
	set("last_run", r.FinishedAt.UTC().Format(time.RFC3339))
	set("last_result", string(r.Outcome()))
	for _, s := range r.Steps {
		set("step."+s.Name, string(s.Status))
	}
}

// Step 0.
func (p *Provisioner) ensureProcessManager(ctx context.Context) (Status, string, error) {
	if path := p.cfg.LookPath("pm2"); path != "" {
		return StatusSkipped, "pm2 at " + path, nil
	}
	if p.cfg.LookPath("npm") == "" {
		if err := p.cfg.Packages.Install(ctx, "nodejs"); err != nil {
			return StatusFailed, "", fmt.Errorf("install nodejs for npm: %w", err)
		}
	}
	if _, err := p.cfg.Runner.Run(ctx, "npm", "install", "-g", "pm2"); err != nil {
		return StatusFailed, "", fmt.Errorf("npm install -g pm2: %w", err)
	}
	return StatusChanged, "installed pm2", nil
}

// Step 1.
func (p *Provisioner) ensureStoragePackage(ctx context.Context) (Status, string, error) {
	var notes []string

	stale := filepath.Join(p.cfg.WorkDir, p.cfg.StoragePackage)
	if fi, err := os.Lstat(stale); err == nil && !fi.IsDir() {
		if err := os.Remove(stale); err != nil {
			return StatusFailed, "", fmt.Errorf("remove stale binary %s: %w", stale, err)
		}
		p.logger.Info("removed stale storage binary", "path", stale)
		notes = append(notes, "removed "+stale)
	}

	installed, err := p.cfg.Packages.Installed(ctx)
	if err != nil {
		return StatusFailed, "", err
	}
	if installed[p.cfg.StoragePackage] {
		if len(notes) > 0 {
			return StatusChanged, joinNotes(notes, "package present"), nil
		}
		return StatusSkipped, "package present", nil
	}
	if err := p.cfg.Packages.Install(ctx, p.cfg.StoragePackage); err != nil {
		return StatusFailed, "", err
	}
	return StatusChanged, joinNotes(notes, "installed "+p.cfg.StoragePackage), nil
}

// Step 2. A fresh install may need one server start before the admin
// command works, so failure here never stops the run.
func (p *Provisioner) setAdminPassword(ctx context.Context) (Status, string, error) {
	password := p.cfg.Store.GetDefault(config.KeyAlistPassword, config.DefaultAlistPassword)
	res, err := p.cfg.Runner.Run(ctx, p.cfg.StoragePackage, "admin", "set", password)
	if err != nil {
		detail := err.Error()
		if res != nil {
			detail = res.Summary()
		}
		return StatusFailed, "", fmt.Errorf("set admin password (re-run provision after the service has started once): %s", detail)
	}
	return StatusOK, "admin password set from " + config.KeyAlistPassword, nil
}

// Step 3.
func (p *Provisioner) ensurePackages(ctx context.Context) (Status, string, error) {
	installed, err := p.cfg.Packages.Installed(ctx)
	if err != nil {
		return StatusFailed, "", err
	}
	missing := pkgs.Missing(p.cfg.AuxPackages, installed)
	if len(missing) == 0 {
		return StatusSkipped, "all present", nil
	}
	if err := p.cfg.Packages.Install(ctx, missing...); err != nil {
		return StatusFailed, "", fmt.Errorf("%w (streaming needs ffmpeg; Wi-Fi control needs termux-api)", err)
	}
	return StatusChanged, fmt.Sprintf("installed %v", missing), nil
}

// Step 4. The file is always rewritten from the env file; edits made
// directly to it do not survive.
func (p *Provisioner) renderConfig(context.Context) (Status, string, error) {
	cfg := config.FromStore(p.cfg.Store)
	if abs, err := filepath.Abs(cfg.EnvFile); err == nil {
		cfg.EnvFile = abs
	}
	data, err := config.Render(cfg)
	if err != nil {
		return StatusFailed, "", err
	}

	old, readErr := os.ReadFile(p.cfg.ConfigPath)
	if err := config.WriteFileAtomic(p.cfg.ConfigPath, data, 0o600); err != nil {
		return StatusFailed, "", err
	}
	if readErr == nil && string(old) == string(data) {
		return StatusOK, p.cfg.ConfigPath + " unchanged", nil
	}
	return StatusChanged, "wrote " + p.cfg.ConfigPath, nil
}

// Step 5. Prior registrations are removed first so each name is
// registered exactly once.
func (p *Provisioner) register(ctx context.Context) (Status, string, error) {
	storageBin := p.cfg.LookPath(p.cfg.StoragePackage)
	if storageBin == "" {
		storageBin = p.cfg.StoragePackage
	}
	configPath, _ := filepath.Abs(p.cfg.ConfigPath)

	apps := []procmgr.App{
		{Name: AppStorage, Command: storageBin, Args: []string{"server"}},
		{Name: AppDaemon, Command: p.cfg.Executable, Args: []string{"-config", configPath, "serve"}},
	}
	for _, app := range apps {
		if err := p.cfg.PM2.Delete(ctx, app.Name); err != nil {
			return StatusFailed, "", err
		}
		if err := p.cfg.PM2.Start(ctx, app); err != nil {
			return StatusFailed, "", err
		}
	}
	if err := p.cfg.PM2.Save(ctx); err != nil {
		return StatusFailed, "", err
	}

	detail := "registered alist, termkeep"
	changed, err := procmgr.EnsureResurrect(p.cfg.Profile)
	switch {
	case err != nil:
		detail += "; autostart not configured: " + err.Error()
	case changed:
		detail += "; added pm2 resurrect to " + p.cfg.Profile
	}
	return StatusChanged, detail, nil
}

// Step 6. The storage service was just started and may still be
// initializing, hence the bounded retry.
func (p *Provisioner) acquireToken(ctx context.Context) (Status, string, error) {
	user := p.cfg.Store.GetDefault(config.KeyAlistUser, config.DefaultAlistUser)
	password := p.cfg.Store.GetDefault(config.KeyAlistPassword, config.DefaultAlistPassword)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		tok, err := p.cfg.Storage.Authenticate(ctx, user, password)
		if err == nil {
			if err := p.cfg.Store.SetToken(tok); err != nil {
				return StatusFailed, "", fmt.Errorf("persist token: %w", err)
			}
			return StatusOK, fmt.Sprintf("token saved after %d attempt(s)", attempt), nil
		}
		lastErr = err
		p.logger.Debug("token attempt failed", "attempt", attempt, "error", err)

		if attempt < p.cfg.Attempts && !p.cfg.Sleep(ctx, p.cfg.RetryDelay) {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
	}
	return StatusDegraded, fmt.Sprintf("file browsing disabled until `termkeep token` succeeds: %v", lastErr), nil
}

func joinNotes(notes []string, last string) string {
	out := ""
	for _, n := range notes {
		out += n + "; "
	}
	return out + last
}

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
