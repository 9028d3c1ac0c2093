package telegram

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/termkeep/internal/router"
)

// Poll error backoff bounds.
const (
	minBackoff = 5 * time.Second
	maxBackoff = 60 * time.Second
)

// DefaultPollTimeout is the getUpdates long-poll wait.
const DefaultPollTimeout = 20 * time.Second

// handleTimeout bounds processing of one update, including the reply.
const handleTimeout = 2 * time.Minute

// Handler processes one inbound. *router.Router implements it.
type Handler interface {
	Handle(ctx context.Context, in router.Inbound) router.Reply
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client  *Client
	Handler Handler
	// AllowList receives unsolicited notices. When empty, notices go to
	// every chat that has sent a command since startup.
	AllowList   []string
	PollTimeout time.Duration
	Logger      *slog.Logger

	// Sleep replaces the backoff wait in tests.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Bridge long-polls the Bot API and routes each update through the
// handler, one at a time in arrival order.
type Bridge struct {
	client  *Client
	handler Handler
	logger  *slog.Logger
	poll    time.Duration
	sleep   func(ctx context.Context, d time.Duration) bool
	notify  []int64

	mu     sync.Mutex
	offset int64
	seen   *recentChats // chats we replied to, for open-mode notices
}

// SeenLimit bounds how many chats open-mode notices go to.
const SeenLimit = 64

// recentChats remembers the most recently active chat ids, evicting the
// least recent past its limit. Callers hold Bridge.mu.
type recentChats struct {
	limit int
	order *list.List // front is most recent; values are int64
	index map[int64]*list.Element
}

func newRecentChats(limit int) *recentChats {
	return &recentChats{limit: limit, order: list.New(), index: make(map[int64]*list.Element)}
}

func (r *recentChats) touch(id int64) {
	if el, ok := r.index[id]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.index[id] = r.order.PushFront(id)
	if r.order.Len() > r.limit {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.index, oldest.Value.(int64))
	}
}

func (r *recentChats) ids() []int64 {
	out := make([]int64, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(int64))
	}
	return out
}

// NewBridge creates a chat bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	b := &Bridge{
		client:  cfg.Client,
		handler: cfg.Handler,
		logger:  logger,
		poll:    poll,
		sleep:   sleep,
		seen:    newRecentChats(SeenLimit),
	}
	for _, id := range cfg.AllowList {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			logger.Warn("ignoring non-numeric admin id for notices", "id", id)
			continue
		}
		b.notify = append(b.notify, n)
	}
	return b
}

// Start checks the bot token, then polls for updates until ctx is
// cancelled. A rejected token is an error. It returns nil on
// cancellation; poll failures are logged and retried with backoff.
func (b *Bridge) Start(ctx context.Context) error {
	me, err := b.client.GetMe(ctx)
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Code == 401:
		return fmt.Errorf("telegram bot token rejected: %w", err)
	case err != nil:
		b.logger.Warn("telegram identity check failed", "error", err)
	}
	b.logger.Info("telegram bridge started", "bot", me.Username, "poll_timeout", b.poll)

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bridge shutting down")
			return nil
		}

		updates, err := b.client.GetUpdates(ctx, b.nextOffset(), b.poll)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.As(err, &apiErr) && apiErr.Code == 401 {
				return fmt.Errorf("telegram bot token rejected: %w", err)
			}
			b.logger.Warn("telegram poll failed", "error", err, "retry_in", backoff)
			if !b.sleep(ctx, backoff) {
				continue
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		for _, u := range updates {
			b.advance(u.UpdateID)
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bridge) nextOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

func (b *Bridge) advance(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id >= b.offset {
		b.offset = id + 1
	}
}

// inbound converts an update to a router inbound. Updates with nothing
// to route return false.
func inbound(u Update) (router.Inbound, string, bool) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		in := router.Inbound{
			Identity: strconv.FormatInt(q.From.ID, 10),
			Callback: q.Data,
		}
		if q.Message != nil {
			in.ChatID = q.Message.Chat.ID
		} else {
			in.ChatID = q.From.ID
		}
		return in, q.ID, q.Data != ""
	case u.Message != nil && u.Message.Text != "" && u.Message.From != nil:
		m := u.Message
		return router.Inbound{
			Identity: strconv.FormatInt(m.From.ID, 10),
			ChatID:   m.Chat.ID,
			Text:     m.Text,
		}, "", !m.From.IsBot
	default:
		return router.Inbound{}, "", false
	}
}

func (b *Bridge) handleUpdate(ctx context.Context, u Update) {
	in, callbackID, ok := inbound(u)
	if !ok {
		b.logger.Debug("telegram ignoring update", "update_id", u.UpdateID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	b.logger.Info("telegram command received",
		"identity", in.Identity,
		"chat_id", in.ChatID,
		"callback", in.Callback != "",
	)

	reply := b.handler.Handle(ctx, in)

	if callbackID != "" {
		// The toast only carries failures; the full reply is sent as a
		// message below.
		toast := ""
		if reply.Failed {
			toast = reply.Text
		}
		if err := b.client.AnswerCallback(ctx, callbackID, toast, reply.Alert && reply.Failed); err != nil {
			b.logger.Debug("telegram callback answer failed", "error", err)
		}
	}

	if reply.Text == "" {
		return
	}

	b.mu.Lock()
	b.seen.touch(in.ChatID)
	b.mu.Unlock()

	if err := b.client.SendMessage(ctx, in.ChatID, reply.Text, reply.Buttons); err != nil {
		b.logger.Error("telegram reply send failed",
			"chat_id", in.ChatID,
			"error", err,
		)
	}
}

// Notify sends text to the admins. It returns the first error after
// trying every recipient.
func (b *Bridge) Notify(ctx context.Context, text string) error {
	targets := b.notify
	if len(targets) == 0 {
		b.mu.Lock()
		targets = b.seen.ids()
		b.mu.Unlock()
	}
	if len(targets) == 0 {
		b.logger.Debug("telegram notice dropped; no recipients")
		return nil
	}

	var first error
	for _, id := range targets {
		if err := b.client.SendMessage(ctx, id, text, nil); err != nil {
			b.logger.Warn("telegram notice failed", "chat_id", id, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns true if the
// full duration elapsed.
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
