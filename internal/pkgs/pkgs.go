// Package pkgs queries and installs Termux packages.
package pkgs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/termkeep/internal/shellexec"
)

// installTimeout bounds one `pkg install`, which downloads.
const installTimeout = 10 * time.Minute

// TimeoutRunner is a runner that accepts a per-call timeout.
// *shellexec.Executor implements it.
type TimeoutRunner interface {
	RunTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (*shellexec.Result, error)
}

// Termux manages packages with dpkg-query and pkg.
type Termux struct {
	Runner shellexec.Runner
	Logger *slog.Logger
}

// Installed returns the set of installed package names.
func (t *Termux) Installed(ctx context.Context) (map[string]bool, error) {
	res, err := t.Runner.Run(ctx, "dpkg-query", "-W", "-f=${Package}\n")
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	set := make(map[string]bool)
	for _, l := range strings.Split(res.Output, "\n") {
		if name := strings.TrimSpace(l); name != "" {
			set[name] = true
		}
	}
	return set, nil
}

// Install installs names non-interactively. It does nothing when names
// is empty.
func (t *Termux) Install(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	args := append([]string{"install", "-y"}, names...)

	var (
		res *shellexec.Result
		err error
	)
	if tr, ok := t.Runner.(TimeoutRunner); ok {
		res, err = tr.RunTimeout(ctx, installTimeout, "pkg", args...)
	} else {
		res, err = t.Runner.Run(ctx, "pkg", args...)
	}
	if err != nil {
		detail := ""
		if res != nil {
			detail = ": " + res.Summary()
		}
		return fmt.Errorf("pkg install %s: %w%s", strings.Join(names, " "), err, detail)
	}
	t.logger().Info("packages installed", "packages", names)
	return nil
}

func (t *Termux) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// Missing returns the desired packages that are not installed, in
// desired order without duplicates.
func Missing(desired []string, installed map[string]bool) []string {
	var out []string
	seen := make(map[string]bool, len(desired))
	for _, name := range desired {
		if installed[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
