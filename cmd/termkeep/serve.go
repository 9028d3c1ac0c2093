package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/termkeep/internal/alist"
	"github.com/nugget/termkeep/internal/assist"
	"github.com/nugget/termkeep/internal/buildinfo"
	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/connwatch"
	"github.com/nugget/termkeep/internal/metrics"
	"github.com/nugget/termkeep/internal/mqtt"
	"github.com/nugget/termkeep/internal/opstate"
	"github.com/nugget/termkeep/internal/router"
	"github.com/nugget/termkeep/internal/shellexec"
	"github.com/nugget/termkeep/internal/stream"
	"github.com/nugget/termkeep/internal/sysstat"
	"github.com/nugget/termkeep/internal/telegram"
)

// noticeTimeout bounds one failover notice to the admins.
const noticeTimeout = 15 * time.Second

// daemon holds the wired components of `termkeep serve`.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	env        *config.Store
	state      *opstate.Store
	storage    *alist.Client
	streamer   *stream.Manager
	supervisor *connwatch.Supervisor
	router     *router.Router
	metrics    *metrics.Metrics
	health     *sysstat.Collector
	cpuAlert   *sysstat.CPUAlert

	// Optional outer surfaces; nil when not configured.
	bridge    *telegram.Bridge
	publisher *mqtt.Publisher
	server    *metrics.Server
}

// runServe runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting termkeep", "version", buildinfo.Version, "config", cfgPath)

	d, err := newDaemon(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer d.close()

	return d.run(ctx)
}

// newDaemon builds every component from cfg. Nothing runs until
// [daemon.run].
func newDaemon(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (*daemon, error) {
	env, err := loadEnv(opts, cfg)
	if err != nil {
		return nil, err
	}
	state, err := opstate.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	d := &daemon{cfg: cfg, logger: logger, env: env, state: state}
	exec := shellexec.New(shellexec.Config{Logger: logger})
	tokens := &fileTokens{store: env, logger: logger}

	d.storage = alist.New(alist.Config{
		BaseURL: cfg.Storage.URL,
		Timeout: config.Seconds(cfg.Storage.TimeoutSec),
		Tokens:  tokens,
		Logger:  logger,
	})
	if !env.Token().Valid() {
		logger.Warn("no storage token; file browsing disabled until `termkeep token` succeeds")
	}

	d.streamer = stream.New(stream.Config{
		Binary:           cfg.Stream.Binary,
		Destination:      cfg.Stream.Destination,
		Preset:           cfg.Stream.Preset,
		KeyframeInterval: cfg.Stream.KeyframeInterval,
		VideoBitrate:     cfg.Stream.VideoBitrate,
		BufSize:          cfg.Stream.BufSize,
		AudioBitrate:     cfg.Stream.AudioBitrate,
		StopTimeout:      config.Seconds(cfg.Stream.StopTimeoutSec),
		Recorder:         state.Namespace(opstate.Stream),
		Logger:           logger,
	})

	// The failover hook needs the bridge, which needs the router, which
	// needs the supervisor. It is bound before anything runs.
	var onFailover func(name string)
	sup := cfg.Supervisor
	d.supervisor = connwatch.New(connwatch.Config{
		Pinger:      newPinger(cfg, exec),
		Network:     &connwatch.TermuxNetwork{Runner: exec},
		Profiles:    sup.Networks,
		Interval:    config.Seconds(sup.IntervalSec),
		PingTimeout: config.Seconds(sup.PingTimeoutSec),
		Threshold:   sup.FailureThreshold,
		Polls:       sup.ConnectPolls,
		PollDelay:   config.Seconds(sup.PollDelaySec),
		Backoff:     config.Seconds(sup.BackoffSec),
		OnFailover: func(name string) {
			if onFailover != nil {
				onFailover(name)
			}
		},
		Recorder: state.Namespace(opstate.Connectivity),
		Logger:   logger,
	})
	d.supervisor.SetAutoSwitch(sup.AutoSwitch)

	d.health = sysstat.New(sysstat.Config{Runner: exec, Logger: logger})

	d.metrics = metrics.New(metrics.Sources{
		ConsecutiveFailures: func() int { return d.supervisor.State().ConsecutiveFailures },
		Failovers:           func() int { return d.supervisor.State().Failovers },
		Streaming: func() bool {
			_, ok := d.streamer.Status()
			return ok
		},
	})

	assistant, err := assist.New(ctx, assist.Config{
		APIKey: cfg.Assistant.APIKey,
		Model:  cfg.Assistant.Model,
		Logger: logger,
	})
	if err != nil {
		logger.Warn("assistant unavailable", "error", err)
	}

	rcfg := router.Config{
		Storage:      d.storage,
		Stream:       d.streamer,
		Network:      d.supervisor,
		Tokens:       tokens,
		AllowList:    cfg.Router.AllowList,
		SessionLimit: cfg.Router.SessionLimit,
		PageSize:     cfg.Router.PageSize,
		Health:       d.health,
		Observe:      d.metrics.ObserveCommand,
		Logger:       logger,
	}
	if assistant != nil {
		rcfg.Assistant = assistant
	}
	d.router = router.New(rcfg)

	if cfg.Chat.Configured() {
		client := telegram.NewClient(telegram.ClientConfig{
			Token:  cfg.Chat.BotToken,
			APIURL: cfg.Chat.APIURL,
			Logger: logger,
		})
		d.bridge = telegram.NewBridge(telegram.BridgeConfig{
			Client:      client,
			Handler:     d.router,
			AllowList:   cfg.Router.AllowList,
			PollTimeout: config.Seconds(cfg.Chat.PollTimeoutSec),
			Logger:      logger,
		})
		onFailover = router.NotifyFailover(ctx, d.bridge, noticeTimeout, logger)
	} else {
		logger.Warn("no bot token configured; chat control disabled")
	}

	// Without a bridge the alert is log-only.
	alertCfg := sysstat.AlertConfig{CPU: d.health, Logger: logger}
	if d.bridge != nil {
		alertCfg.Notify = d.bridge.Notify
	}
	d.cpuAlert = sysstat.NewAlert(alertCfg)

	if cfg.MQTT.Configured() {
		id, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			d.close()
			return nil, err
		}
		if err := state.Set(opstate.Daemon, "instance_id", id); err != nil {
			logger.Warn("instance id not recorded", "error", err)
		}
		d.publisher = mqtt.New(cfg.MQTT, id, mqtt.StateFunc(d.mqttState), logger)
	}

	if cfg.Metrics.Listen != "" {
		d.server = metrics.NewServer(cfg.Metrics.Listen, d.metrics, logger)
	}

	return d, nil
}

func newPinger(cfg *config.Config, runner shellexec.Runner) connwatch.Pinger {
	sup := cfg.Supervisor
	if sup.Reach == "icmp" {
		return &connwatch.ICMPPinger{
			Target:  sup.PingTarget,
			Timeout: config.Seconds(sup.PingTimeoutSec),
		}
	}
	return &connwatch.CommandPinger{
		Runner:  runner,
		Target:  sup.PingTarget,
		WaitSec: sup.PingTimeoutSec,
	}
}

// run starts every component under one errgroup and blocks until ctx is
// cancelled. Only the supervisor is essential: an optional surface that
// fails is logged and the daemon keeps the device online.
func (d *daemon) run(ctx context.Context) error {
	d.recordStart()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.supervisor.Run(gctx) })

	optional := func(name string, start func(context.Context) error) {
		g.Go(func() error {
			if err := start(gctx); err != nil {
				d.logger.Error(name+" stopped", "error", err)
			}
			return nil
		})
	}
	if d.bridge != nil {
		optional("chat bridge", d.bridge.Start)
	}
	optional("cpu alert", d.cpuAlert.Run)
	if d.publisher != nil {
		optional("mqtt publisher", d.publisher.Start)
	}
	if d.server != nil {
		optional("metrics server", d.server.Start)
	}

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*config.Seconds(d.cfg.Stream.StopTimeoutSec)+time.Second)
	defer cancel()
	if stopErr := d.streamer.Stop(stopCtx); stopErr != nil {
		d.logger.Warn("stream stop on shutdown", "error", stopErr)
	}
	d.logger.Info("termkeep stopped")
	return err
}

func (d *daemon) recordStart() {
	daemonNS := d.state.Namespace(opstate.Daemon)
	for k, v := range map[string]string{
		"last_start": time.Now().UTC().Format(time.RFC3339),
		"version":    buildinfo.Version,
	} {
		if err := daemonNS.Set(k, v); err != nil {
			d.logger.Warn("daemon state not recorded", "key", k, "error", err)
		}
	}
}

func (d *daemon) mqttState() mqtt.State {
	net := d.supervisor.State()
	s := mqtt.State{
		Network:             net.NetworkName(),
		ConsecutiveFailures: net.ConsecutiveFailures,
		UptimeSeconds:       int64(buildinfo.Uptime().Seconds()),
		Version:             buildinfo.Version,
	}
	if h, ok := d.streamer.Status(); ok {
		s.Streaming = true
		s.StreamSource = h.SourceURL
	}
	return s
}

func (d *daemon) close() {
	if d.state != nil {
		d.state.Close()
	}
}

// fileTokens serves the storage token from the env file, re-reading it
// when the file changes so a `termkeep token` run in another process is
// picked up without a restart.
type fileTokens struct {
	store  *config.Store
	logger *slog.Logger

	mu      sync.Mutex
	modTime time.Time
}

// Token implements [alist.TokenSource].
func (f *fileTokens) Token() config.StoredToken {
	f.mu.Lock()
	defer f.mu.Unlock()

	if path := f.store.Path(); path != "" {
		if fi, err := os.Stat(path); err == nil && !fi.ModTime().Equal(f.modTime) {
			if err := f.store.Reload(); err != nil {
				f.logger.Warn("env file reload failed", "error", err)
			} else {
				if !f.modTime.IsZero() {
					f.logger.Debug("env file reloaded", "path", path)
				}
				f.modTime = fi.ModTime()
			}
		}
	}
	return f.store.Token()
}
