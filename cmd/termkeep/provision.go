package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/nugget/termkeep/internal/alist"
	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/opstate"
	"github.com/nugget/termkeep/internal/pkgs"
	"github.com/nugget/termkeep/internal/procmgr"
	"github.com/nugget/termkeep/internal/provision"
	"github.com/nugget/termkeep/internal/shellexec"
)

// runProvision runs the install sequence, or only the token step when
// tokenOnly is set. The summary goes to stdout and progress logs to
// stderr. A failed required step makes the command fail.
func runProvision(ctx context.Context, stdout, stderr io.Writer, opts options, tokenOnly bool) error {
	store, err := loadEnv(opts, nil)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(store.Get(config.KeyLogLevel))
	if err != nil {
		level = slog.LevelInfo
	}
	logger := config.NewLogger(stderr, level, "text")

	defaults := config.FromStore(store)
	exec := shellexec.New(shellexec.Config{Logger: logger})

	pcfg := provision.Config{
		Runner:   exec,
		PM2:      &procmgr.PM2{Runner: exec, Logger: logger},
		Packages: &pkgs.Termux{Runner: exec, Logger: logger},
		Storage: alist.New(alist.Config{
			BaseURL: defaults.Storage.URL,
			Logger:  logger,
		}),
		Store:      store,
		ConfigPath: opts.configPath,
		Logger:     logger,
	}

	state, err := opstate.Open(defaults.DataDir)
	if err != nil {
		logger.Warn("provision history will not be recorded", "error", err)
	} else {
		defer state.Close()
		pcfg.Recorder = state.Namespace(opstate.Provision)
	}

	p := provision.New(pcfg)
	var report *provision.Report
	if tokenOnly {
		report = p.RepairToken(ctx)
	} else {
		report = p.Run(ctx)
	}

	if opts.outputFmt == "json" {
		if err := writeJSON(stdout, report); err != nil {
			return err
		}
	} else if err := report.Render(stdout); err != nil {
		return err
	}
	return report.Err()
}
