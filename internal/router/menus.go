package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/termkeep/internal/buildinfo"
	"github.com/nugget/termkeep/internal/sysstat"
)

func mainButtons() [][]Button {
	return [][]Button{
		{{Text: "📂 Files", Data: cbFilesHome}, {Text: "📺 Stream", Data: cbStreamMenu}},
		{{Text: "📡 Network", Data: cbNetMenu}, {Text: "💾 Storage", Data: cbStorageMenu}},
		{{Text: "⚙️ Processes", Data: cbProcMenu}, {Text: "🔄 Refresh", Data: cbMainMenu}},
	}
}

func (r *Router) mainMenu(ctx context.Context) Reply {
	return Reply{Text: r.statusText(ctx), Buttons: mainButtons()}
}

// statusText is the one-screen device summary.
func (r *Router) statusText(ctx context.Context) string {
	now := r.cfg.Now()
	net := r.cfg.Network.State()

	var b strings.Builder
	b.WriteString("📊 termkeep status\n")
	fmt.Fprintf(&b, "⏱ uptime: %s\n", buildinfo.Uptime().Truncate(time.Second))

	auto := "off"
	if net.AutoSwitch {
		auto = "on"
	}
	fmt.Fprintf(&b, "📡 network: %s (failures %d, auto-switch %s)\n",
		net.NetworkName(), net.ConsecutiveFailures, auto)

	if h, ok := r.cfg.Stream.Status(); ok {
		fmt.Fprintf(&b, "📺 stream: live %s from %s\n", h.Uptime(now).Truncate(time.Second), h.SourceURL)
	} else {
		b.WriteString("📺 stream: idle\n")
	}

	r.writeHealth(ctx, &b)
	fmt.Fprintf(&b, "💾 storage: %s\n", r.cfg.Storage.Version(ctx))
	if r.cfg.Tokens.Token().Valid() {
		b.WriteString("🔑 token: configured")
	} else {
		b.WriteString("🔑 token: missing (file browsing disabled)")
	}
	if r.OpenMode() {
		b.WriteString("\n⚠️ open mode: no allow-list configured")
	}
	return b.String()
}

func (r *Router) streamMenu() Reply {
	state := "🔴 idle"
	if h, ok := r.cfg.Stream.Status(); ok {
		state = "🟢 live: " + h.SourceURL
	}
	return Reply{
		Text: "📺 Stream control",
		Buttons: [][]Button{
			{{Text: "Status: " + state, Data: cbNoop}},
			{{Text: "▶️ Start", Data: cbStreamInput}, {Text: "⏹ Stop", Data: cbStreamStop}},
			{{Text: "🔙 Menu", Data: cbMainMenu}},
		},
	}
}

func (r *Router) networkMenu() Reply {
	st := r.cfg.Network.State()
	auto := "🔁 Auto-switch: off"
	if st.AutoSwitch {
		auto = "🔁 Auto-switch: on"
	}

	rows := [][]Button{{{Text: "Current: " + st.NetworkName(), Data: cbNoop}}}
	for _, p := range r.cfg.Network.Profiles() {
		rows = append(rows, []Button{{Text: "📶 " + p.Name, Data: cbNetSwitch + p.Name}})
	}
	rows = append(rows,
		[]Button{{Text: auto, Data: cbNetAuto}, {Text: "🔍 Scan", Data: cbNetScan}},
		[]Button{{Text: "🔙 Menu", Data: cbMainMenu}},
	)

	text := "📡 Network"
	if st.LastError != "" {
		text += "\nlast error: " + st.LastError
	}
	return Reply{Text: text, Buttons: rows}
}

func (r *Router) networkPrompt() string {
	return "📡 Which network? Known: " + r.profileNames()
}

// scanTop is how many access points a scan shows.
const scanTop = 10

func (r *Router) scanNetworks(ctx context.Context) Reply {
	results, err := r.cfg.Network.Scan(ctx)
	if err != nil {
		r.logger.Warn("wifi scan failed", "error", err)
		return failed("Scan failed: %v", err)
	}

	known := make(map[string]bool)
	for _, p := range r.cfg.Network.Profiles() {
		known[p.Name] = true
	}

	var b strings.Builder
	b.WriteString("🔍 Wi-Fi scan")
	if len(results) == 0 {
		b.WriteString("\nno networks visible")
	}
	var rows [][]Button
	for i, res := range results {
		if i == scanTop {
			break
		}
		fmt.Fprintf(&b, "\n📶 %s (%d dBm)", res.SSID, res.RSSI)
		if known[res.SSID] {
			b.WriteString(" ⭐")
			rows = append(rows, []Button{{Text: "Join " + res.SSID, Data: cbNetSwitch + res.SSID}})
		}
	}
	rows = append(rows, []Button{{Text: "🔙 Network", Data: cbNetMenu}})
	return Reply{Text: b.String(), Buttons: rows}
}

// writeHealth adds the device load lines when a Health source is set.
func (r *Router) writeHealth(ctx context.Context, b *strings.Builder) {
	if r.cfg.Health == nil {
		return
	}
	s, err := r.cfg.Health.Snapshot(ctx)
	if err != nil {
		r.logger.Debug("health snapshot failed", "error", err)
		b.WriteString("💻 health: unavailable\n")
		return
	}
	fmt.Fprintf(b, "💻 cpu %s · mem %s · disk %s\n",
		sysstat.Percent(s.CPUPercent), sysstat.Percent(s.MemPercent), sysstat.Percent(s.DiskPercent))
	if s.Battery != nil {
		fmt.Fprintf(b, "🔋 battery: %d%% (%s)\n", s.Battery.Percentage, strings.ToLower(s.Battery.Status))
	} else {
		b.WriteString("🔋 battery: n/a\n")
	}
}

// procTop is how many processes the process view lists.
const procTop = 10

func (r *Router) processMenu(ctx context.Context) Reply {
	buttons := [][]Button{
		{{Text: "🔄 Refresh", Data: cbProcMenu}},
		{{Text: "🔙 Menu", Data: cbMainMenu}},
	}
	if r.cfg.Health == nil {
		return Reply{Text: "⚙️ Process view unavailable.", Buttons: buttons}
	}
	procs, err := r.cfg.Health.TopProcesses(ctx, procTop)
	if err != nil {
		r.logger.Warn("process listing failed", "error", err)
		return failed("Could not list processes: %v", err)
	}

	var b strings.Builder
	b.WriteString("⚙️ Top processes (memory)")
	if len(procs) == 0 {
		b.WriteString("\nnothing above the reporting floor")
	}
	for _, p := range procs {
		fmt.Fprintf(&b, "\n%d | %s | %.1f%%", p.PID, p.Name, p.MemPercent)
	}
	return Reply{Text: b.String(), Buttons: buttons}
}
