// Package procmgr drives the PM2 process manager: registering apps,
// persisting the process list, and reading status and logs.
package procmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nugget/termkeep/internal/shellexec"
)

// ResurrectLine is appended to the shell profile so PM2 restores the
// saved process list at login.
const ResurrectLine = "pm2 resurrect"

// Process is one PM2-managed process.
type Process struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Status   string `json:"status"`
	Restarts int    `json:"restarts"`
}

// Online reports whether PM2 considers the process running.
func (p Process) Online() bool { return p.Status == "online" }

// App is a long-running command to register.
type App struct {
	Name    string
	Command string
	Args    []string
}

// PM2 runs pm2 subcommands through a [shellexec.Runner].
type PM2 struct {
	Runner shellexec.Runner
	// Binary defaults to "pm2".
	Binary string
	Logger *slog.Logger
}

func (m *PM2) bin() string {
	if m.Binary == "" {
		return "pm2"
	}
	return m.Binary
}

func (m *PM2) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *PM2) run(ctx context.Context, args ...string) (*shellexec.Result, error) {
	res, err := m.Runner.Run(ctx, m.bin(), args...)
	if err != nil {
		if res != nil && res.Output != "" {
			return res, fmt.Errorf("pm2 %s: %w: %s", args[0], err, lastLine(res.Output))
		}
		return res, fmt.Errorf("pm2 %s: %w", args[0], err)
	}
	return res, nil
}

// jlistEntry is the subset of `pm2 jlist` output used here.
type jlistEntry struct {
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	PM2Env struct {
		Status      string `json:"status"`
		RestartTime int    `json:"restart_time"`
	} `json:"pm2_env"`
}

// List returns the registered processes.
func (m *PM2) List(ctx context.Context) ([]Process, error) {
	res, err := m.run(ctx, "jlist")
	if err != nil {
		return nil, err
	}
	return parseJList(res.Output)
}

func parseJList(out string) ([]Process, error) {
	// pm2 may print update notices before the JSON array.
	start := strings.IndexByte(out, '[')
	if start < 0 {
		return nil, fmt.Errorf("pm2 jlist: no JSON in output")
	}
	var entries []jlistEntry
	dec := json.NewDecoder(bytes.NewReader([]byte(out[start:])))
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("pm2 jlist: %w", err)
	}
	procs := make([]Process, 0, len(entries))
	for _, e := range entries {
		procs = append(procs, Process{
			Name:     e.Name,
			PID:      e.PID,
			Status:   e.PM2Env.Status,
			Restarts: e.PM2Env.RestartTime,
		})
	}
	return procs, nil
}

// Has reports how many registrations exist under name.
func (m *PM2) Has(ctx context.Context, name string) (int, error) {
	procs, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range procs {
		if p.Name == name {
			n++
		}
	}
	return n, nil
}

// Delete removes every registration under name. An absent name is not
// an error.
func (m *PM2) Delete(ctx context.Context, name string) error {
	n, err := m.Has(ctx, name)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if _, err := m.run(ctx, "delete", name); err != nil {
		return err
	}
	m.logger().Info("pm2 registration removed", "name", name, "count", n)
	return nil
}

// Start registers and starts app.
func (m *PM2) Start(ctx context.Context, app App) error {
	if app.Name == "" || app.Command == "" {
		return errors.New("pm2 start: app name and command are required")
	}
	args := []string{"start", app.Command, "--name", app.Name}
	if len(app.Args) > 0 {
		args = append(args, "--")
		args = append(args, app.Args...)
	}
	if _, err := m.run(ctx, args...); err != nil {
		return err
	}
	m.logger().Info("pm2 app started", "name", app.Name, "command", app.Command)
	return nil
}

// Save persists the process list for `pm2 resurrect`.
func (m *PM2) Save(ctx context.Context) error {
	_, err := m.run(ctx, "save")
	return err
}

// Logs returns the last lines of name's log.
func (m *PM2) Logs(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	res, err := m.run(ctx, "logs", name, "--lines", strconv.Itoa(lines), "--nostream", "--no-color")
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// EnsureResurrect appends [ResurrectLine] to the profile at path unless
// it is already present. It reports whether the file changed.
func EnsureResurrect(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) == ResurrectLine {
			return false, nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	prefix := ""
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + ResurrectLine + "\n"); err != nil {
		return false, fmt.Errorf("append %s: %w", path, err)
	}
	return true, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
