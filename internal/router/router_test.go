package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/termkeep/internal/alist"
	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/connwatch"
	"github.com/nugget/termkeep/internal/stream"
	"github.com/nugget/termkeep/internal/sysstat"
)

type fakeStorage struct {
	listings map[string][]alist.DirEntry
	listErr  error
	links    map[string]string
	resolved []string
	lists    []string
}

func (f *fakeStorage) List(_ context.Context, path string) ([]alist.DirEntry, error) {
	f.lists = append(f.lists, path)
	if f.listErr != nil {
		return nil, f.listErr
	}
	entries, ok := f.listings[path]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", path, alist.ErrNotFound)
	}
	return entries, nil
}

func (f *fakeStorage) ResolveDirectLink(_ context.Context, path string) (string, error) {
	f.resolved = append(f.resolved, path)
	link, ok := f.links[path]
	if !ok {
		return "", alist.ErrNotFound
	}
	return link, nil
}

func (f *fakeStorage) Version(context.Context) string { return "v3.40.0" }

func (f *fakeStorage) Storages(context.Context) ([]alist.Storage, error) {
	return []alist.Storage{
		{MountPath: "/local", Status: "work"},
		{MountPath: "/cloud", Status: "failed to refresh token"},
	}, nil
}

type fakeStream struct {
	started []string
	stops   int
	cur     *stream.Handle
	err     error
}

func (f *fakeStream) Start(_ context.Context, source string) (stream.Handle, error) {
	if f.err != nil {
		return stream.Handle{}, f.err
	}
	f.started = append(f.started, source)
	h := stream.Handle{PID: 4242, StartedAt: time.Now(), SourceURL: source}
	f.cur = &h
	return h, nil
}

func (f *fakeStream) Stop(context.Context) error {
	f.stops++
	f.cur = nil
	return nil
}

func (f *fakeStream) Status() (stream.Handle, bool) {
	if f.cur == nil {
		return stream.Handle{}, false
	}
	return *f.cur, true
}

type fakeNet struct {
	state    connwatch.State
	profiles []config.NetworkProfile
	switched []string
	err      error
	scan     []connwatch.ScanResult
	scanErr  error
}

func (f *fakeNet) Scan(context.Context) ([]connwatch.ScanResult, error) { return f.scan, f.scanErr }

func (f *fakeNet) State() connwatch.State             { return f.state }
func (f *fakeNet) Profiles() []config.NetworkProfile { return f.profiles }
func (f *fakeNet) SetAutoSwitch(on bool)             { f.state.AutoSwitch = on }

func (f *fakeNet) SwitchTo(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	for _, p := range f.profiles {
		if p.Name == name {
			f.switched = append(f.switched, name)
			f.state.CurrentNetwork = name
			return nil
		}
	}
	return fmt.Errorf("%w: %q", connwatch.ErrUnknownProfile, name)
}

type fakeAsker struct{ questions []string }

func (f *fakeAsker) Ask(_ context.Context, q string) string {
	f.questions = append(f.questions, q)
	return "try restarting alist"
}

type fakeHealth struct {
	snap  sysstat.Snapshot
	procs []sysstat.Process
	err   error
	asked int
}

func (f *fakeHealth) Snapshot(context.Context) (sysstat.Snapshot, error) { return f.snap, f.err }

func (f *fakeHealth) TopProcesses(_ context.Context, n int) ([]sysstat.Process, error) {
	f.asked = n
	return f.procs, f.err
}

type harness struct {
	r       *Router
	storage *fakeStorage
	stream  *fakeStream
	net     *fakeNet
	asker   *fakeAsker
	health  *fakeHealth
	seen    []string
}

func newHarness(t *testing.T, allow ...string) *harness {
	t.Helper()
	h := &harness{
		storage: &fakeStorage{
			listings: map[string][]alist.DirEntry{
				"/": {
					{Name: "docs", IsDir: true, Size: -1},
					{Name: "readme.txt", Size: 128},
				},
				"/docs": {{Name: "a.mp4", Size: 5 << 20}},
			},
			links: map[string]string{
				"/readme.txt":  "http://127.0.0.1:5244/d/readme.txt?sign=x",
				"/docs/a.mp4": "http://127.0.0.1:5244/d/docs/a.mp4?sign=y",
			},
		},
		stream: &fakeStream{},
		net: &fakeNet{
			state:    connwatch.State{CurrentNetwork: "home", AutoSwitch: true},
			profiles: []config.NetworkProfile{{Name: "home"}, {Name: "backup"}},
		},
		asker: &fakeAsker{},
		health: &fakeHealth{snap: sysstat.Snapshot{
			CPUPercent:  12,
			MemPercent:  40,
			DiskPercent: sysstat.Unavailable,
			Battery:     &sysstat.Battery{Percentage: 81, Status: "CHARGING"},
		}},
	}
	h.r = New(Config{
		Storage:   h.storage,
		Stream:    h.stream,
		Network:   h.net,
		Assistant: h.asker,
		Health:    h.health,
		Tokens:    alist.TokenFunc(func() config.StoredToken { return config.StoredToken{Value: "tok"} }),
		AllowList: allow,
		Observe:   func(cmd, outcome string) { h.seen = append(h.seen, cmd+":"+outcome) },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) text(id, text string) Reply {
	return h.r.Handle(context.Background(), Inbound{Identity: id, Text: text})
}

func (h *harness) press(id, data string) Reply {
	return h.r.Handle(context.Background(), Inbound{Identity: id, Callback: data})
}

func TestOpenMode_AcceptsAnyone(t *testing.T) {
	h := newHarness(t)
	if !h.r.OpenMode() {
		t.Fatal("empty allow-list should be open mode")
	}
	reply := h.text("stranger", "/status")
	if reply.Failed {
		t.Fatalf("open mode rejected command: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "open mode") {
		t.Errorf("status should flag open mode: %q", reply.Text)
	}
}

func TestAllowList_RejectsWithoutSideEffect(t *testing.T) {
	h := newHarness(t, "100")

	reply := h.text("200", "/stream rtsp://cam")
	if !reply.Failed {
		t.Fatalf("unauthorized command accepted: %q", reply.Text)
	}
	reply = h.press("200", "fm_home")
	if !reply.Failed {
		t.Fatal("unauthorized callback accepted")
	}

	if len(h.stream.started) != 0 || len(h.storage.lists) != 0 {
		t.Error("unauthorized command had side effects")
	}
	if h.r.Sessions().Len() != 0 {
		t.Error("unauthorized identity got a session")
	}
	if h.seen[0] != "stream:denied" {
		t.Errorf("observed %v, want stream:denied first", h.seen)
	}

	if reply := h.text("100", "/status"); reply.Failed {
		t.Errorf("allowed identity rejected: %q", reply.Text)
	}
}

func TestFileActionResolvesIndex(t *testing.T) {
	h := newHarness(t)

	reply := h.press("1", "fm_home")
	if reply.Failed {
		t.Fatalf("fm_home: %q", reply.Text)
	}
	var datas []string
	for _, row := range reply.Buttons {
		for _, b := range row {
			datas = append(datas, b.Data)
		}
	}
	joined := strings.Join(datas, " ")
	if !strings.Contains(joined, "fm_cd_0") || !strings.Contains(joined, "fm_opt_1") {
		t.Errorf("listing buttons = %v", datas)
	}

	reply = h.press("1", "fm_link_1")
	if reply.Failed {
		t.Fatalf("fm_link_1: %q", reply.Text)
	}
	if len(h.storage.resolved) != 1 || h.storage.resolved[0] != "/readme.txt" {
		t.Errorf("resolved %v, want [/readme.txt]", h.storage.resolved)
	}
	if !strings.Contains(reply.Text, "sign=x") {
		t.Errorf("link reply = %q", reply.Text)
	}
}

func TestStreamEntryChainsIntoStart(t *testing.T) {
	h := newHarness(t)
	h.press("1", "fm_home")
	h.press("1", "fm_cd_0")

	sess, _ := h.r.Sessions().Peek("1")
	if sess.CurrentPath != "/docs" {
		t.Fatalf("current path = %q, want /docs", sess.CurrentPath)
	}

	reply := h.press("1", "fm_stream_0")
	if reply.Failed {
		t.Fatalf("fm_stream_0: %q", reply.Text)
	}
	if len(h.stream.started) != 1 || !strings.Contains(h.stream.started[0], "a.mp4") {
		t.Errorf("started %v", h.stream.started)
	}
}

func TestUnknownIndex(t *testing.T) {
	h := newHarness(t)
	h.press("1", "fm_home")
	sess, _ := h.r.Sessions().Peek("1")
	before := len(sess.LastListing)

	for _, data := range []string{"fm_link_7", "fm_cd_2", "fm_opt_99", "fm_stream_5"} {
		reply := h.press("1", data)
		if !reply.Failed {
			t.Errorf("%s: expected error reply, got %q", data, reply.Text)
		}
	}
	if len(sess.LastListing) != before || sess.CurrentPath != "/" {
		t.Error("bad index changed the listing")
	}
	if len(h.storage.resolved) != 0 {
		t.Error("bad index reached storage")
	}
}

func TestCDIntoFileFails(t *testing.T) {
	h := newHarness(t)
	h.press("1", "fm_home")
	if reply := h.press("1", "fm_cd_1"); !reply.Failed {
		t.Errorf("cd into file: %q", reply.Text)
	}
}

func TestUpFromRootIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.press("1", "fm_home")
	for i := 0; i < 3; i++ {
		if reply := h.press("1", "fm_up"); reply.Failed {
			t.Fatalf("fm_up #%d: %q", i, reply.Text)
		}
		sess, _ := h.r.Sessions().Peek("1")
		if sess.CurrentPath != "/" {
			t.Fatalf("path after up #%d = %q", i, sess.CurrentPath)
		}
	}
}

func TestListingFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.press("1", "fm_home")

	h.storage.listErr = fmt.Errorf("list: %w", alist.ErrUnauthorized)
	reply := h.press("1", "fm_cd_0")
	if !reply.Failed || !strings.Contains(reply.Text, "termkeep token") {
		t.Errorf("reply = %q, want token repair hint", reply.Text)
	}
	sess, _ := h.r.Sessions().Peek("1")
	if sess.CurrentPath != "/" || len(sess.LastListing) != 2 {
		t.Errorf("session changed on failure: %+v", sess)
	}
}

func TestListingPageSize(t *testing.T) {
	h := newHarness(t)
	var many []alist.DirEntry
	for i := 0; i < 30; i++ {
		many = append(many, alist.DirEntry{Name: fmt.Sprintf("f%02d", i), Size: 1})
	}
	h.storage.listings["/big"] = many

	reply := h.text("1", "/ls /big")
	items := 0
	for _, row := range reply.Buttons {
		for _, b := range row {
			if strings.HasPrefix(b.Data, "fm_opt_") {
				items++
			}
		}
	}
	if items != DefaultPageSize {
		t.Errorf("shown %d items, want %d", items, DefaultPageSize)
	}
	if !strings.Contains(reply.Text, "10 more") {
		t.Errorf("text should mention hidden items: %q", reply.Text)
	}
}

func TestPendingStreamURL(t *testing.T) {
	h := newHarness(t)

	reply := h.text("1", "/stream")
	if !strings.Contains(reply.Text, "URL") {
		t.Fatalf("prompt = %q", reply.Text)
	}
	sess, _ := h.r.Sessions().Peek("1")
	if sess.Pending != PendingStreamURL {
		t.Fatalf("pending = %v", sess.Pending)
	}

	h.text("1", "rtmp://src/live")
	if sess.Pending != PendingNone {
		t.Error("session did not return to idle")
	}
	if len(h.stream.started) != 1 || h.stream.started[0] != "rtmp://src/live" {
		t.Errorf("started %v", h.stream.started)
	}
}

func TestPendingClearedOnFailure(t *testing.T) {
	h := newHarness(t)
	h.stream.err = stream.ErrNoDestination

	h.press("1", "stream_input")
	reply := h.text("1", "rtmp://src/live")
	if !reply.Failed || !strings.Contains(reply.Text, config.KeyRTMPURL) {
		t.Errorf("reply = %q", reply.Text)
	}
	sess, _ := h.r.Sessions().Peek("1")
	if sess.Pending != PendingNone {
		t.Error("failed answer left the session pending")
	}

	// The next message is a command again.
	if reply := h.text("1", "/help"); !strings.Contains(reply.Text, "/stream") {
		t.Errorf("help = %q", reply.Text)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t)

	if reply := h.text("1", "/stop"); !strings.Contains(reply.Text, "No stream") {
		t.Errorf("idle stop = %q", reply.Text)
	}
	h.text("1", "/stream rtmp://a")
	if reply := h.press("1", "stop_stream"); !strings.Contains(reply.Text, "stopped") {
		t.Errorf("stop = %q", reply.Text)
	}
	if h.stream.stops != 2 {
		t.Errorf("stops = %d", h.stream.stops)
	}
}

func TestWifi(t *testing.T) {
	h := newHarness(t)

	if reply := h.text("1", "/wifi backup"); reply.Failed {
		t.Fatalf("switch: %q", reply.Text)
	}
	reply := h.text("1", "/wifi nowhere")
	if !reply.Failed || !strings.Contains(reply.Text, "home, backup") {
		t.Errorf("unknown network reply = %q", reply.Text)
	}

	h.text("1", "/wifi")
	h.text("1", "home")
	h.press("1", "net_switch_backup")

	want := []string{"backup", "home", "backup"}
	if strings.Join(h.net.switched, ",") != strings.Join(want, ",") {
		t.Errorf("switched %v, want %v", h.net.switched, want)
	}
}

func TestNetAutoToggle(t *testing.T) {
	h := newHarness(t)
	h.press("1", "net_auto")
	if h.net.state.AutoSwitch {
		t.Error("auto switch still on")
	}
	h.press("1", "net_auto")
	if !h.net.state.AutoSwitch {
		t.Error("auto switch still off")
	}
}

func TestAsk(t *testing.T) {
	h := newHarness(t)
	if reply := h.text("1", "/ask why is alist offline"); reply.Text != "try restarting alist" {
		t.Errorf("reply = %q", reply.Text)
	}
	h.text("1", "/ask")
	h.text("1", "pm2 keeps restarting")
	if len(h.asker.questions) != 2 || h.asker.questions[1] != "pm2 keeps restarting" {
		t.Errorf("questions = %v", h.asker.questions)
	}
}

func TestStatusSummary(t *testing.T) {
	h := newHarness(t, "1")
	h.text("1", "/stream rtmp://cam")

	reply := h.text("1", "/status")
	for _, want := range []string{"home", "rtmp://cam", "v3.40.0", "token: configured"} {
		if !strings.Contains(reply.Text, want) {
			t.Errorf("status missing %q:\n%s", want, reply.Text)
		}
	}
	if strings.Contains(reply.Text, "open mode") {
		t.Error("status flags open mode with an allow-list")
	}
}

func TestStorageStatus(t *testing.T) {
	h := newHarness(t)
	reply := h.text("1", "/storage")
	if !strings.Contains(reply.Text, "🟢 /local") || !strings.Contains(reply.Text, "🔴 /cloud") {
		t.Errorf("storage = %q", reply.Text)
	}
}

func TestUnknownInputGetsHelp(t *testing.T) {
	h := newHarness(t)
	for _, text := range []string{"/bogus", "hello", "/STATUS"} {
		if reply := h.text("1", text); reply.Text != helpText {
			t.Errorf("%q: reply = %q, want help", text, reply.Text)
		}
	}
	if reply := h.press("1", "mystery"); !reply.Failed {
		t.Error("unknown callback should fail")
	}
}

func TestObserveLabels(t *testing.T) {
	h := newHarness(t)
	h.text("1", "/menu@termkeep_bot")
	h.press("1", "fm_home")
	h.press("1", "fm_link_9")
	h.press("1", "net_switch_home")

	want := []string{"menu:ok", "fm_home:ok", "fm_link:error", "net_switch:ok"}
	if strings.Join(h.seen, " ") != strings.Join(want, " ") {
		t.Errorf("observed %v, want %v", h.seen, want)
	}
}

func TestObserveLabels_BoundedForUnknownInput(t *testing.T) {
	h := newHarness(t, "100")
	for i := range 50 {
		h.text("200", fmt.Sprintf("/x%d", i))
		h.press("200", fmt.Sprintf("junk%dx", i))
		h.press("200", fmt.Sprintf("junk_%d", i))
	}
	h.text("100", "/reboot")

	labels := make(map[string]bool)
	for _, s := range h.seen {
		labels[s] = true
	}
	want := map[string]bool{"unknown:denied": true, "unknown:ok": true}
	if len(labels) != len(want) {
		t.Errorf("label sets = %v, want %v", labels, want)
	}
	for l := range want {
		if !labels[l] {
			t.Errorf("missing label %q in %v", l, labels)
		}
	}
}

func TestPending_ConsumesNextMessage(t *testing.T) {
	h := newHarness(t)
	h.text("1", "/stream")
	h.text("1", "/status")

	if len(h.stream.started) != 1 || h.stream.started[0] != "/status" {
		t.Errorf("started = %v, want the answer consumed as the source", h.stream.started)
	}
	if reply := h.text("1", "/status"); reply.Failed || len(h.stream.started) != 1 {
		t.Errorf("session should be idle after the answer: %+v", reply)
	}
}

func TestSwitchNetwork_Busy(t *testing.T) {
	h := newHarness(t)
	h.net.err = connwatch.ErrRadioBusy
	reply := h.text("1", "/wifi backup")
	if !reply.Failed || !strings.Contains(reply.Text, "failover") {
		t.Errorf("busy reply = %+v", reply)
	}
}

func TestNotifyFailover(t *testing.T) {
	var got []string
	n := notifierFunc(func(_ context.Context, text string) error {
		got = append(got, text)
		return errors.New("chat down")
	})
	hook := NotifyFailover(context.Background(), n, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	hook("backup")
	if len(got) != 1 || got[0] != FailoverMessage("backup") {
		t.Errorf("notices = %v", got)
	}
}

type notifierFunc func(context.Context, string) error

func (f notifierFunc) Notify(ctx context.Context, text string) error { return f(ctx, text) }

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{-1, "dir"},
		{128, "128 B"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatus_DeviceHealth(t *testing.T) {
	h := newHarness(t)
	reply := h.text("1", "/status")
	for _, want := range []string{"cpu 12%", "mem 40%", "disk n/a", "battery: 81% (charging)"} {
		if !strings.Contains(reply.Text, want) {
			t.Errorf("status missing %q:\n%s", want, reply.Text)
		}
	}

	h.health.err = errors.New("no /proc")
	if reply := h.text("1", "/status"); !strings.Contains(reply.Text, "health: unavailable") || reply.Failed {
		t.Errorf("status without health = %+v", reply)
	}
}

func TestProcessMenu(t *testing.T) {
	h := newHarness(t)
	h.health.procs = []sysstat.Process{{PID: 20, Name: "ffmpeg", MemPercent: 9.8}, {PID: 30, Name: "alist", MemPercent: 4.2}}

	reply := h.press("1", "menu_proc")
	if reply.Failed || h.health.asked != 10 {
		t.Fatalf("reply = %+v, asked for %d", reply, h.health.asked)
	}
	if !strings.Contains(reply.Text, "20 | ffmpeg | 9.8%") || !strings.Contains(reply.Text, "30 | alist | 4.2%") {
		t.Errorf("process view = %q", reply.Text)
	}
	if reply.Buttons[0][0].Data != "menu_proc" {
		t.Errorf("first button = %+v, want refresh", reply.Buttons[0][0])
	}

	h.health.err = errors.New("denied")
	if reply := h.press("1", "menu_proc"); !reply.Failed {
		t.Error("listing failure should be an error reply")
	}
}

func TestScanNetworks(t *testing.T) {
	h := newHarness(t)
	for i := range 12 {
		h.net.scan = append(h.net.scan, connwatch.ScanResult{SSID: fmt.Sprintf("ap%02d", i), RSSI: -40 - i})
	}
	h.net.scan[3].SSID = "backup"

	reply := h.press("1", "net_scan")
	if reply.Failed {
		t.Fatalf("scan failed: %q", reply.Text)
	}
	if got := strings.Count(reply.Text, "📶"); got != 10 {
		t.Errorf("listed %d networks, want 10:\n%s", got, reply.Text)
	}
	if !strings.Contains(reply.Text, "backup (-43 dBm) ⭐") || strings.Contains(reply.Text, "ap11") {
		t.Errorf("scan text = %q", reply.Text)
	}
	if reply.Buttons[0][0].Data != "net_switch_backup" {
		t.Errorf("join button = %+v", reply.Buttons[0][0])
	}

	h.net.scanErr = connwatch.ErrScanUnsupported
	if reply := h.press("1", "net_scan"); !reply.Failed {
		t.Error("scan error should be an error reply")
	}
}
