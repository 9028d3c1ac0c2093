package sysstat

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CPUReader samples CPU load.
type CPUReader interface {
	CPU(ctx context.Context) (float64, error)
}

// AlertConfig configures a [CPUAlert].
type AlertConfig struct {
	CPU CPUReader
	// Threshold is the load, in percent, above which admins are told.
	// Default 90.
	Threshold float64
	// Interval between samples. Default 10s.
	Interval time.Duration
	// Cooldown is the minimum time between two alerts. Default 5m.
	Cooldown time.Duration
	// Notify delivers the alert text. Nil only logs.
	Notify func(ctx context.Context, text string) error
	Logger *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// CPUAlert warns the admins when the device stays busy.
type CPUAlert struct {
	cfg       AlertConfig
	lastAlert time.Time
}

// NewAlert creates a CPU alert loop.
func NewAlert(cfg AlertConfig) *CPUAlert {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 90
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &CPUAlert{cfg: cfg}
}

// AlertMessage is the notice sent for a CPU reading.
func AlertMessage(cpu float64) string {
	return fmt.Sprintf("🚨 CPU alert: %.0f%%", cpu)
}

// Run samples until ctx is cancelled and returns nil then.
func (a *CPUAlert) Run(ctx context.Context) error {
	a.cfg.Logger.Info("cpu alert started", "threshold", a.cfg.Threshold, "cooldown", a.cfg.Cooldown)
	for a.cfg.Sleep(ctx, a.cfg.Interval) {
		a.Check(ctx)
	}
	return nil
}

// Check takes one sample and reports whether an alert was sent. No
// sample is taken during the cooldown.
func (a *CPUAlert) Check(ctx context.Context) bool {
	now := a.cfg.Now()
	if !a.lastAlert.IsZero() && now.Sub(a.lastAlert) < a.cfg.Cooldown {
		return false
	}
	load, err := a.cfg.CPU.CPU(ctx)
	if err != nil {
		a.cfg.Logger.Debug("cpu sample failed", "error", err)
		return false
	}
	if load <= a.cfg.Threshold {
		return false
	}

	a.lastAlert = now
	a.cfg.Logger.Warn("cpu load above threshold", "cpu_percent", load, "threshold", a.cfg.Threshold)
	if a.cfg.Notify != nil {
		if err := a.cfg.Notify(ctx, AlertMessage(load)); err != nil {
			a.cfg.Logger.Warn("cpu alert not delivered", "error", err)
		}
	}
	return true
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
