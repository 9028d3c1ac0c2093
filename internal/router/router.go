// Package router turns inbound chat commands and button callbacks into
// actions on the stream manager, the storage bridge, and the
// connectivity supervisor. It knows nothing about the chat transport:
// callers hand it an [Inbound] and render the [Reply] it returns.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/termkeep/internal/alist"
	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/connwatch"
	"github.com/nugget/termkeep/internal/stream"
	"github.com/nugget/termkeep/internal/sysstat"
)

// DefaultPageSize is how many listing entries are shown as buttons.
const DefaultPageSize = 20

// Metric outcomes passed to Config.Observe.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeDenied = "denied"
)

// Inbound is one message or button press from a chat identity.
type Inbound struct {
	// Identity is the sender, checked against the allow-list.
	Identity string
	ChatID   int64
	// Text is set for typed messages.
	Text string
	// Callback is set for button presses.
	Callback string
}

// Button is one inline button. Exactly one of Data and URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Reply is what the router wants sent back.
type Reply struct {
	Text    string
	Buttons [][]Button
	// Alert asks the transport to surface the text prominently; used for
	// callback answers.
	Alert bool
	// Failed marks an error reply.
	Failed bool
}

// Storage is the file-storage bridge.
type Storage interface {
	List(ctx context.Context, path string) ([]alist.DirEntry, error)
	ResolveDirectLink(ctx context.Context, path string) (string, error)
	Version(ctx context.Context) string
	Storages(ctx context.Context) ([]alist.Storage, error)
}

// Streamer runs the single live stream.
type Streamer interface {
	Start(ctx context.Context, source string) (stream.Handle, error)
	Stop(ctx context.Context) error
	Status() (stream.Handle, bool)
}

// Connectivity is the network supervisor.
type Connectivity interface {
	State() connwatch.State
	Profiles() []config.NetworkProfile
	SwitchTo(ctx context.Context, name string) error
	SetAutoSwitch(on bool)
	Scan(ctx context.Context) ([]connwatch.ScanResult, error)
}

// Health reads device load for the status panel and process view.
type Health interface {
	Snapshot(ctx context.Context) (sysstat.Snapshot, error)
	TopProcesses(ctx context.Context, n int) ([]sysstat.Process, error)
}

// Asker answers free-form troubleshooting questions. It never fails;
// problems come back as an apology string.
type Asker interface {
	Ask(ctx context.Context, question string) string
}

// Config configures a [Router].
type Config struct {
	Storage Storage
	Stream  Streamer
	Network Connectivity
	// Assistant and Health are optional.
	Assistant Asker
	Health    Health
	// Tokens reports whether a storage token is configured.
	Tokens alist.TokenSource

	// AllowList holds the identities allowed to issue commands. Empty
	// means open mode: everyone is allowed.
	AllowList []string

	SessionLimit int
	PageSize     int

	// Observe, when set, is told the command name and outcome of every
	// handled inbound.
	Observe func(command, outcome string)

	Now    func() time.Time
	Logger *slog.Logger
}

// Router dispatches inbound commands. Handle serializes calls so
// commands are processed one at a time in arrival order.
type Router struct {
	cfg      Config
	logger   *slog.Logger
	sessions *Sessions
	allowed  map[string]bool

	mu sync.Mutex
}

// New creates a router. Panics if Storage, Stream, or Network is nil.
func New(cfg Config) *Router {
	if cfg.Storage == nil || cfg.Stream == nil || cfg.Network == nil {
		panic("router: Storage, Stream, and Network are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Tokens == nil {
		cfg.Tokens = alist.TokenFunc(func() config.StoredToken { return config.StoredToken{} })
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Router{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: NewSessions(cfg.SessionLimit),
		allowed:  make(map[string]bool, len(cfg.AllowList)),
	}
	for _, id := range cfg.AllowList {
		r.allowed[strings.TrimSpace(id)] = true
	}
	if r.OpenMode() {
		r.logger.Warn("command allow-list is empty; accepting commands from any identity")
	}
	return r
}

// OpenMode reports whether every identity is allowed.
func (r *Router) OpenMode() bool { return len(r.allowed) == 0 }

// Sessions exposes the session table.
func (r *Router) Sessions() *Sessions { return r.sessions }

// Authorized reports whether identity may issue commands.
func (r *Router) Authorized(identity string) bool {
	return r.OpenMode() || r.allowed[identity]
}

// Handle processes one inbound and returns the reply to send.
func (r *Router) Handle(ctx context.Context, in Inbound) Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := commandName(in)

	if !r.Authorized(in.Identity) {
		r.logger.Warn("unauthorized command rejected",
			"identity", in.Identity,
			"command", name,
		)
		r.observe(name, OutcomeDenied)
		return Reply{Text: "⛔ Not authorized.", Alert: true, Failed: true}
	}

	sess := r.sessions.Get(in.Identity, r.cfg.Now())

	var reply Reply
	switch {
	case in.Callback != "":
		reply = r.callback(ctx, sess, in.Callback)
	case sess.Pending != PendingNone:
		name = "answer_" + sess.Pending.String()
		reply = r.answer(ctx, sess, in.Text)
	default:
		reply = r.command(ctx, sess, in.Text)
	}

	r.logger.Debug("command handled",
		"identity", in.Identity,
		"session", sess.ID,
		"command", name,
		"failed", reply.Failed,
	)
	outcome := OutcomeOK
	if reply.Failed {
		outcome = OutcomeError
	}
	r.observe(name, outcome)
	return reply
}

func (r *Router) observe(command, outcome string) {
	if r.cfg.Observe != nil {
		r.cfg.Observe(command, outcome)
	}
}

// labelUnknown is the metric label for commands and callbacks outside
// the known set, so unauthorized input cannot grow label cardinality.
const labelUnknown = "unknown"

var knownCommands = map[string]bool{
	"start": true, "menu": true, "status": true, "stream": true, "stop": true,
	"ls": true, "wifi": true, "storage": true, "ask": true, "help": true,
}

var knownCallbacks = map[string]bool{
	cbNoop: true, cbMainMenu: true, cbFilesHome: true, cbFilesUp: true,
	cbFilesBack: true, cbFilesReload: true, cbFilesCD: true, cbFilesOpt: true,
	cbFilesStream: true, cbFilesLink: true, cbStreamInput: true, cbStreamStop: true,
	cbStreamMenu: true, cbNetMenu: true, cbNetAuto: true, cbNetScan: true,
	cbStorageMenu: true, cbProcMenu: true,
}

// commandName is the bounded metric label for in.
func commandName(in Inbound) string {
	if in.Callback != "" {
		if strings.HasPrefix(in.Callback, cbNetSwitch) {
			return strings.TrimSuffix(cbNetSwitch, "_")
		}
		name, _ := splitIndexed(in.Callback)
		if !knownCallbacks[name] {
			return labelUnknown
		}
		return name
	}
	cmd, _ := parseCommand(in.Text)
	if cmd == "" {
		return "text"
	}
	if name := strings.TrimPrefix(cmd, "/"); knownCommands[name] {
		return name
	}
	return labelUnknown
}

// parseCommand splits "/cmd@bot rest" into "/cmd" and "rest". Text
// that is not a command returns an empty cmd.
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, arg, _ = strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, strings.TrimSpace(arg)
}

func (r *Router) command(ctx context.Context, sess *Session, text string) Reply {
	cmd, arg := parseCommand(text)
	switch cmd {
	case "/start", "/menu":
		return r.mainMenu(ctx)
	case "/status":
		return Reply{Text: r.statusText(ctx)}
	case "/stream":
		if arg == "" {
			sess.Pending = PendingStreamURL
			return Reply{Text: "📺 Send me the stream source URL."}
		}
		return r.startStream(ctx, arg)
	case "/stop":
		return r.stopStream(ctx)
	case "/ls":
		return r.browse(ctx, sess, alist.Clean(arg))
	case "/wifi":
		if arg == "" {
			sess.Pending = PendingNetworkName
			return Reply{Text: r.networkPrompt()}
		}
		return r.switchNetwork(ctx, arg)
	case "/storage":
		return r.storageStatus(ctx)
	case "/ask":
		if arg == "" {
			sess.Pending = PendingQuestion
			return Reply{Text: "💬 What is the problem?"}
		}
		return r.ask(ctx, arg)
	case "/help":
		return Reply{Text: helpText}
	default:
		return Reply{Text: helpText}
	}
}

// answer consumes text as the reply to sess.Pending. The session
// returns to idle whatever the outcome.
func (r *Router) answer(ctx context.Context, sess *Session, text string) Reply {
	pending := sess.Pending
	sess.Pending = PendingNone
	text = strings.TrimSpace(text)

	switch pending {
	case PendingStreamURL:
		return r.startStream(ctx, text)
	case PendingNetworkName:
		return r.switchNetwork(ctx, text)
	case PendingQuestion:
		return r.ask(ctx, text)
	default:
		return Reply{Text: helpText}
	}
}

// Callback data values and prefixes.
const (
	cbNoop        = "noop"
	cbMainMenu    = "main_menu"
	cbFilesHome   = "fm_home"
	cbFilesUp     = "fm_up"
	cbFilesBack   = "fm_back"
	cbFilesReload = "fm_refresh"
	cbFilesCD     = "fm_cd"
	cbFilesOpt    = "fm_opt"
	cbFilesStream = "fm_stream"
	cbFilesLink   = "fm_link"
	cbStreamInput = "stream_input"
	cbStreamStop  = "stop_stream"
	cbStreamMenu  = "menu_stream"
	cbNetMenu     = "menu_net"
	cbNetAuto     = "net_auto"
	cbNetSwitch   = "net_switch_"
	cbStorageMenu = "menu_storage"
	cbNetScan     = "net_scan"
	cbProcMenu    = "menu_proc"
)

// splitIndexed splits "fm_cd_3" into "fm_cd" and 3. Data without a
// numeric suffix returns index -1.
func splitIndexed(data string) (string, int) {
	i := strings.LastIndexByte(data, '_')
	if i < 0 {
		return data, -1
	}
	n, err := strconv.Atoi(data[i+1:])
	if err != nil {
		return data, -1
	}
	return data[:i], n
}

func (r *Router) callback(ctx context.Context, sess *Session, data string) Reply {
	if name, ok := strings.CutPrefix(data, cbNetSwitch); ok {
		return r.switchNetwork(ctx, name)
	}

	switch data {
	case cbNoop:
		return Reply{}
	case cbMainMenu:
		return r.mainMenu(ctx)
	case cbFilesHome:
		return r.browse(ctx, sess, alist.Root)
	case cbFilesUp:
		return r.browse(ctx, sess, alist.Parent(sess.CurrentPath))
	case cbFilesReload:
		return r.browse(ctx, sess, sess.CurrentPath)
	case cbFilesBack:
		if sess.LastListing == nil {
			return r.browse(ctx, sess, sess.CurrentPath)
		}
		return r.renderListing(sess)
	case cbStreamInput:
		sess.Pending = PendingStreamURL
		return Reply{Text: "📺 Send me the stream source URL."}
	case cbStreamStop:
		return r.stopStream(ctx)
	case cbStreamMenu:
		return r.streamMenu()
	case cbNetMenu:
		return r.networkMenu()
	case cbNetAuto:
		on := !r.cfg.Network.State().AutoSwitch
		r.cfg.Network.SetAutoSwitch(on)
		r.logger.Info("auto switch toggled", "enabled", on)
		return r.networkMenu()
	case cbStorageMenu:
		return r.storageStatus(ctx)
	case cbNetScan:
		return r.scanNetworks(ctx)
	case cbProcMenu:
		return r.processMenu(ctx)
	}

	name, idx := splitIndexed(data)
	if idx >= 0 {
		switch name {
		case cbFilesCD:
			return r.enter(ctx, sess, idx)
		case cbFilesOpt:
			return r.fileOptions(sess, idx)
		case cbFilesStream:
			return r.streamEntry(ctx, sess, idx)
		case cbFilesLink:
			return r.linkEntry(ctx, sess, idx)
		}
	}

	r.logger.Debug("unknown callback", "data", data)
	return failed("Unknown action.")
}

func failed(format string, args ...any) Reply {
	return Reply{Text: "❌ " + fmt.Sprintf(format, args...), Failed: true, Alert: true}
}

func (r *Router) startStream(ctx context.Context, source string) Reply {
	h, err := r.cfg.Stream.Start(ctx, source)
	if err != nil {
		r.logger.Warn("stream start failed", "source", source, "error", err)
		switch {
		case errors.Is(err, stream.ErrNoDestination):
			return failed("No stream destination configured. Set %s and re-run provision.", config.KeyRTMPURL)
		case errors.Is(err, stream.ErrNoSource):
			return failed("No stream source given.")
		default:
			return failed("Stream failed to start: %v", err)
		}
	}
	return Reply{
		Text:    fmt.Sprintf("▶️ Streaming %s (pid %d).", h.SourceURL, h.PID),
		Buttons: [][]Button{{{Text: "⏹ Stop", Data: cbStreamStop}}},
	}
}

func (r *Router) stopStream(ctx context.Context) Reply {
	_, running := r.cfg.Stream.Status()
	if err := r.cfg.Stream.Stop(ctx); err != nil {
		r.logger.Error("stream stop failed", "error", err)
		return failed("Stream did not stop: %v", err)
	}
	if !running {
		return Reply{Text: "No stream is running."}
	}
	return Reply{Text: "⏹ Stream stopped."}
}

func (r *Router) switchNetwork(ctx context.Context, name string) Reply {
	name = strings.TrimSpace(name)
	if err := r.cfg.Network.SwitchTo(ctx, name); err != nil {
		r.logger.Warn("network switch failed", "network", name, "error", err)
		switch {
		case errors.Is(err, connwatch.ErrUnknownProfile):
			return failed("Unknown network %q. Known: %s.", name, r.profileNames())
		case errors.Is(err, connwatch.ErrRadioBusy):
			return failed("A failover is joining a network right now. Try /wifi %s again in a minute.", name)
		}
		return failed("Could not join %q: %v", name, err)
	}
	return Reply{Text: fmt.Sprintf("📡 Connected to %s.", name)}
}

func (r *Router) profileNames() string {
	var names []string
	for _, p := range r.cfg.Network.Profiles() {
		names = append(names, p.Name)
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func (r *Router) ask(ctx context.Context, question string) Reply {
	if r.cfg.Assistant == nil {
		return failed("The assistant is not configured.")
	}
	if question == "" {
		return failed("Ask a question after /ask.")
	}
	return Reply{Text: r.cfg.Assistant.Ask(ctx, question)}
}

func (r *Router) storageStatus(ctx context.Context) Reply {
	storages, err := r.cfg.Storage.Storages(ctx)
	if err != nil {
		return storageFailure(err)
	}
	var b strings.Builder
	b.WriteString("💾 Storage backends\n")
	if len(storages) == 0 {
		b.WriteString("(none mounted)\n")
	}
	for _, s := range storages {
		mark := "🔴"
		if s.Working() {
			mark = "🟢"
		}
		fmt.Fprintf(&b, "%s %s", mark, s.MountPath)
		if !s.Working() && s.Status != "" {
			fmt.Fprintf(&b, " (%s)", s.Status)
		}
		b.WriteByte('\n')
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n"), Buttons: [][]Button{{{Text: "🔙 Menu", Data: cbMainMenu}}}}
}

// storageFailure renders a storage bridge error with the repair hint
// that applies.
func storageFailure(err error) Reply {
	switch {
	case errors.Is(err, alist.ErrNoToken):
		return failed("No storage token configured. Run `termkeep token` on the device.")
	case errors.Is(err, alist.ErrUnauthorized):
		return failed("Storage token rejected (password changed?). Run `termkeep token` on the device.")
	case errors.Is(err, alist.ErrOffline):
		return failed("Storage service is offline.")
	case errors.Is(err, alist.ErrNotFound):
		return failed("Path not found.")
	default:
		return failed("Storage error: %v", err)
	}
}

const helpText = `Commands:
/menu - control panel
/status - device status
/stream <url> - start streaming a source
/stop - stop the stream
/ls [path] - browse storage
/wifi <name> - switch network
/storage - storage backend status
/ask <question> - troubleshooting assistant
/help - this text`

// FailoverMessage is the notice sent to admins after an automatic
// network switch.
func FailoverMessage(name string) string {
	return fmt.Sprintf("📡 Connectivity lost; switched to %s.", name)
}

// Notifier delivers unsolicited messages to the admins.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NotifyFailover returns a supervisor failover hook that messages the
// admins through n. Each notice is bounded by timeout.
func NotifyFailover(ctx context.Context, n Notifier, timeout time.Duration, logger *slog.Logger) func(name string) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string) {
		nctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := n.Notify(nctx, FailoverMessage(name)); err != nil {
			logger.Warn("failover notice not delivered", "network", name, "error", err)
		}
	}
}
