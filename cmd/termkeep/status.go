package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/termkeep/internal/alist"
	"github.com/nugget/termkeep/internal/assist"
	"github.com/nugget/termkeep/internal/buildinfo"
	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/connwatch"
	"github.com/nugget/termkeep/internal/opstate"
	"github.com/nugget/termkeep/internal/procmgr"
	"github.com/nugget/termkeep/internal/shellexec"
)

// statusSummary is the one-shot output of `termkeep status`.
type statusSummary struct {
	Version        string    `json:"version"`
	StorageURL     string    `json:"storage_url"`
	StorageVersion string    `json:"storage_version"`
	Network        string    `json:"network"`
	TokenPresent   bool      `json:"token_present"`
	TokenObtained  time.Time `json:"token_obtained_at,omitzero"`
	Profiles       []string  `json:"profiles"`
	AllowList      int       `json:"allow_list"`
	StreamTarget   bool      `json:"stream_destination_set"`
	LastProvision  string    `json:"last_provision,omitempty"`
	ProvisionedAt  time.Time `json:"last_provision_at,omitzero"`
	LastNetwork    string    `json:"last_network,omitempty"`
}

// networkTimeout bounds the termux-api query; it hangs when the API app
// is missing.
const networkTimeout = 5 * time.Second

func runStatus(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, store, err := configOrDefaults(opts)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError, "text")

	storage := alist.New(alist.Config{BaseURL: cfg.Storage.URL, Logger: logger})
	tok := store.Token()
	s := statusSummary{
		Version:        buildinfo.Version,
		StorageURL:     storage.BaseURL(),
		StorageVersion: storage.Version(ctx),
		Network:        "unknown",
		TokenPresent:   tok.Valid(),
		TokenObtained:  tok.ObtainedAt,
		Profiles:       []string{},
		AllowList:      len(cfg.Router.AllowList),
		StreamTarget:   cfg.Stream.Destination != "",
	}
	for _, p := range cfg.Supervisor.Networks {
		s.Profiles = append(s.Profiles, p.Name)
	}

	nctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	network := &connwatch.TermuxNetwork{Runner: shellexec.New(shellexec.Config{Timeout: networkTimeout, Logger: logger})}
	if name, err := network.Current(nctx); err == nil && name != "" {
		s.Network = name
	}

	// Only read history that exists; status must not create the store.
	if _, err := os.Stat(filepath.Join(cfg.DataDir, opstate.FileName)); err == nil {
		if state, err := opstate.Open(cfg.DataDir); err == nil {
			s.LastProvision, _ = state.Get(opstate.Provision, "last_result")
			s.ProvisionedAt, _ = state.Updated(opstate.Provision, "last_result")
			s.LastNetwork, _ = state.Get(opstate.Connectivity, "last_network")
			state.Close()
		}
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, s)
	}
	writeStatus(stdout, s)
	return nil
}

func writeStatus(w io.Writer, s statusSummary) {
	token := "missing (run termkeep token)"
	if s.TokenPresent {
		token = "configured"
		if !s.TokenObtained.IsZero() {
			token += " " + s.TokenObtained.Local().Format(time.DateTime)
		}
	}
	profiles := "none"
	if len(s.Profiles) > 0 {
		profiles = strings.Join(s.Profiles, ", ")
	}
	allow := fmt.Sprintf("%d identities", s.AllowList)
	if s.AllowList == 0 {
		allow = "open mode (anyone may command the bot)"
	}

	fmt.Fprintf(w, "termkeep %s\n", s.Version)
	fmt.Fprintf(w, "  %-12s %s (%s)\n", "storage:", s.StorageVersion, s.StorageURL)
	fmt.Fprintf(w, "  %-12s %s\n", "token:", token)
	fmt.Fprintf(w, "  %-12s %s\n", "network:", s.Network)
	fmt.Fprintf(w, "  %-12s %s\n", "profiles:", profiles)
	fmt.Fprintf(w, "  %-12s %s\n", "allow-list:", allow)
	fmt.Fprintf(w, "  %-12s %t\n", "stream dest:", s.StreamTarget)
	if s.LastProvision != "" {
		line := s.LastProvision
		if !s.ProvisionedAt.IsZero() {
			line += " at " + s.ProvisionedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "  %-12s %s\n", "provision:", line)
	}
	if s.LastNetwork != "" {
		fmt.Fprintf(w, "  %-12s %s\n", "last net:", s.LastNetwork)
	}
}

// runAsk sends one question to the troubleshooting assistant.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	cfg, _, err := configOrDefaults(opts)
	if err != nil {
		return err
	}
	a, err := assist.New(ctx, assist.Config{
		APIKey: cfg.Assistant.APIKey,
		Model:  cfg.Assistant.Model,
		Logger: config.NewLogger(stderr, slog.LevelWarn, "text"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, a.Ask(ctx, strings.Join(args, " ")))
	return nil
}

// runLogs prints the tail of a pm2-managed app's log, termkeep's own by
// default: `termkeep logs [app] [lines]`.
func runLogs(ctx context.Context, stdout io.Writer, pm2 *procmgr.PM2, args []string) error {
	name, lines := "termkeep", 0
	if len(args) > 0 {
		name = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: termkeep logs [app] [lines]: bad line count %q", args[1])
		}
		lines = n
	}
	out, err := pm2.Logs(ctx, name, lines)
	if err != nil {
		return fmt.Errorf("logs for %s: %w", name, err)
	}
	_, err = io.WriteString(stdout, out)
	return err
}
