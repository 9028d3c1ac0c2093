// Termkeep keeps an Android phone running Termux usable as an unattended
// file server and streaming box.
//
// It supervises Wi-Fi connectivity and fails over between known
// networks, bridges the local AList file service to a Telegram bot,
// restreams files to an RTMP endpoint with ffmpeg, and provisions the
// whole stack idempotently under pm2.
//
// Usage:
//
//	termkeep init [dir]         Write a starter env file
//	termkeep serve              Run the daemon
//	termkeep provision          Install or repair the device
//	termkeep token              Re-acquire the storage token only
//	termkeep status             Print a one-shot status summary
//	termkeep ask <question>     Ask the troubleshooting assistant
//	termkeep logs [app] [n]     Tail a pm2 app log
//	termkeep version            Print version and build information
//	termkeep -o json status     Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/termkeep/internal/buildinfo"
	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/procmgr"
	"github.com/nugget/termkeep/internal/shellexec"
)

// main only constructs the OS-level environment (context, stdio, argv)
// and delegates to [run].
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	envPath    string
	outputFmt  string
}

// run is the real entry point. Arguments are parsed by hand so run can
// be called concurrently from tests without flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-env" && i+1 < len(args):
			opts.envPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-env="):
			opts.envPath = strings.TrimPrefix(args[i], "-env=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "serve":
		return runServe(ctx, stdout, opts)
	case "provision":
		return runProvision(ctx, stdout, stderr, opts, false)
	case "token":
		return runProvision(ctx, stdout, stderr, opts, true)
	case "status":
		return runStatus(ctx, stdout, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: termkeep ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "logs":
		pm2 := &procmgr.PM2{Runner: shellexec.New(shellexec.Config{})}
		return runLogs(ctx, stdout, pm2, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, kv := range [][2]string{
		{"go_version", info.GoVersion},
		{"platform", info.Platform},
		{"termux", fmt.Sprint(info.Termux)},
		{"uptime", info.Uptime},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", kv[0]+":", kv[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "termkeep - unattended Termux file server and stream box")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: termkeep [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]   Write a starter .env and data directory")
	fmt.Fprintln(w, "  serve        Run the daemon (supervisor, chat bridge, optional mqtt/metrics)")
	fmt.Fprintln(w, "  provision    Install or repair the device (safe to re-run)")
	fmt.Fprintln(w, "  token        Re-acquire the storage token only")
	fmt.Fprintln(w, "  status       Print a one-shot status summary")
	fmt.Fprintln(w, "  ask <q>      Ask the troubleshooting assistant")
	fmt.Fprintln(w, "  logs [app]   Tail a pm2 app log (default termkeep)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Daemon config (default: auto-discover)")
	fmt.Fprintln(w, "  -env <path>       Env file for provision/token (default: .env)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the daemon config. An explicit path must
// exist; otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// loadEnv opens the env file: the -env flag, then the config's
// env_file, then ".env".
func loadEnv(opts options, cfg *config.Config) (*config.Store, error) {
	path := opts.envPath
	if path == "" && cfg != nil {
		path = cfg.EnvFile
	}
	if path == "" {
		path = ".env"
	}
	store, err := config.LoadEnvFile(path)
	if err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return store, nil
}

// configOrDefaults loads the daemon config when one exists and falls
// back to values derived from the env file, so status and ask work
// before the first provision.
func configOrDefaults(opts options) (*config.Config, *config.Store, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		if opts.configPath != "" {
			return nil, nil, err
		}
		store, err := loadEnv(opts, nil)
		if err != nil {
			return nil, nil, err
		}
		return config.FromStore(store), store, nil
	}
	store, err := loadEnv(opts, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
