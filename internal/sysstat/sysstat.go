// Package sysstat samples device health: CPU, memory and disk load,
// the battery via termux-api, and the processes using the most memory.
package sysstat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nugget/termkeep/internal/shellexec"
)

// Unavailable marks a percentage that could not be read. Android hides
// parts of /proc from apps, so any reading may be missing.
const Unavailable = -1

// Snapshot is one health reading. Percentages are 0-100 or [Unavailable].
type Snapshot struct {
	CPUPercent  float64  `json:"cpu_percent"`
	MemPercent  float64  `json:"mem_percent"`
	DiskPercent float64  `json:"disk_percent"`
	Battery     *Battery `json:"battery,omitempty"`
}

// Battery is the subset of termux-battery-status used here.
type Battery struct {
	Percentage  int     `json:"percentage"`
	Status      string  `json:"status"`
	Plugged     string  `json:"plugged"`
	Health      string  `json:"health"`
	Temperature float64 `json:"temperature"`
}

// Process is one entry of the top-processes view.
type Process struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	MemPercent float32 `json:"mem_percent"`
}

// Percent formats a reading, or "n/a" when it is [Unavailable].
func Percent(v float64) string {
	if v < 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", v)
}

// host is the gopsutil surface, replaced in tests.
type host interface {
	cpuPercent(ctx context.Context, interval time.Duration) (float64, error)
	memPercent(ctx context.Context) (float64, error)
	diskPercent(ctx context.Context, path string) (float64, error)
	processes(ctx context.Context) ([]Process, error)
}

// Config configures a [Collector].
type Config struct {
	// Runner runs termux-battery-status. Nil skips the battery.
	Runner shellexec.Runner
	// DiskPath is the filesystem measured for disk use. Default "/".
	DiskPath string
	// Sample is the CPU sampling window. Default 500ms.
	Sample time.Duration
	Logger *slog.Logger
}

// Collector reads device health.
type Collector struct {
	cfg  Config
	host host
}

// New creates a collector backed by gopsutil.
func New(cfg Config) *Collector {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.Sample <= 0 {
		cfg.Sample = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{cfg: cfg, host: gopsutilHost{}}
}

// CPU samples CPU load over the configured window.
func (c *Collector) CPU(ctx context.Context) (float64, error) {
	v, err := c.host.cpuPercent(ctx, c.cfg.Sample)
	if err != nil {
		return Unavailable, fmt.Errorf("cpu: %w", err)
	}
	return v, nil
}

// Snapshot reads every metric. A metric that cannot be read is
// [Unavailable]; Snapshot fails only when nothing could be read.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{CPUPercent: Unavailable, MemPercent: Unavailable, DiskPercent: Unavailable}
	var errs []error

	if v, err := c.CPU(ctx); err == nil {
		s.CPUPercent = v
	} else {
		errs = append(errs, err)
	}
	if v, err := c.host.memPercent(ctx); err == nil {
		s.MemPercent = v
	} else {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if v, err := c.host.diskPercent(ctx, c.cfg.DiskPath); err == nil {
		s.DiskPercent = v
	} else {
		errs = append(errs, fmt.Errorf("disk %s: %w", c.cfg.DiskPath, err))
	}
	if b, err := c.Battery(ctx); err == nil {
		s.Battery = b
	} else {
		c.cfg.Logger.Debug("battery unavailable", "error", err)
	}

	for _, err := range errs {
		c.cfg.Logger.Debug("health reading unavailable", "error", err)
	}
	if len(errs) == 3 && s.Battery == nil {
		return s, fmt.Errorf("no health readings: %w", errs[0])
	}
	return s, nil
}

// Battery reads termux-battery-status.
func (c *Collector) Battery(ctx context.Context) (*Battery, error) {
	if c.cfg.Runner == nil {
		return nil, fmt.Errorf("battery: no runner")
	}
	res, err := c.cfg.Runner.Run(ctx, "termux-battery-status")
	if err != nil {
		return nil, fmt.Errorf("battery: %w", err)
	}
	var b Battery
	if err := json.Unmarshal([]byte(res.Output), &b); err != nil {
		return nil, fmt.Errorf("parse battery status: %w", err)
	}
	return &b, nil
}

// MinProcessMem hides processes below this share of memory.
const MinProcessMem = 0.5

// TopProcesses returns up to n processes using more than
// [MinProcessMem] percent of memory, largest first.
func (c *Collector) TopProcesses(ctx context.Context, n int) ([]Process, error) {
	all, err := c.host.processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var top []Process
	for _, p := range all {
		if p.MemPercent > MinProcessMem {
			top = append(top, p)
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].MemPercent != top[j].MemPercent {
			return top[i].MemPercent > top[j].MemPercent
		}
		return top[i].PID < top[j].PID
	})
	if n > 0 && len(top) > n {
		top = top[:n]
	}
	return top, nil
}

type gopsutilHost struct{}

func (gopsutilHost) cpuPercent(ctx context.Context, interval time.Duration) (float64, error) {
	v, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("no cpu sample")
	}
	return v[0], nil
}

func (gopsutilHost) memPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (gopsutilHost) diskPercent(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

func (gopsutilHost) processes(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		// Processes exit while being listed; skip what cannot be read.
		memPct, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Process{PID: p.Pid, Name: name, MemPercent: memPct})
	}
	return out, nil
}
