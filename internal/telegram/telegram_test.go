package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/termkeep/internal/router"
)

const testToken = "123:abc"

// fakeBotAPI serves queued updates once and records outbound calls.
type fakeBotAPI struct {
	mu       sync.Mutex
	updates  []Update
	offsets  []float64
	sent     []map[string]any
	answered []map[string]any
	failPoll int // number of getUpdates calls that return 502 first
	status   int // when set, every call returns ok=false with this code
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)

	var params map[string]any
	json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": f.status, "description": "Unauthorized"})
		return
	}

	write := func(result any) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	}

	switch method {
	case "getUpdates":
		if f.failPoll > 0 {
			f.failPoll--
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "<html>bad gateway</html>")
			return
		}
		f.offsets = append(f.offsets, params["offset"].(float64))
		ups := f.updates
		f.updates = nil
		if ups == nil {
			ups = []Update{}
		}
		write(ups)
	case "sendMessage":
		f.sent = append(f.sent, params)
		write(Message{MessageID: 1})
	case "answerCallbackQuery":
		f.answered = append(f.answered, params)
		write(true)
	case "getMe":
		write(User{ID: 99, IsBot: true, Username: "termkeep_bot"})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 404, "description": "Not Found"})
	}
}

func (f *fakeBotAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingHandler struct {
	mu  sync.Mutex
	ins []router.Inbound
	out router.Reply
}

func (h *recordingHandler) Handle(_ context.Context, in router.Inbound) router.Reply {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ins = append(h.ins, in)
	return h.out
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestClient(t *testing.T, api *fakeBotAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{Token: testToken, APIURL: srv.URL, Logger: quiet()})
}

func TestClient_SendMessageKeyboard(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestClient(t, api)

	err := c.SendMessage(context.Background(), 42, "hello", [][]router.Button{
		{{Text: "Files", Data: "fm_home"}, {Text: "Web", URL: "http://127.0.0.1:5244"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := api.sent[0]
	if got["chat_id"].(float64) != 42 || got["text"] != "hello" {
		t.Errorf("params = %v", got)
	}
	rows := got["reply_markup"].(map[string]any)["inline_keyboard"].([]any)
	row := rows[0].([]any)
	if row[0].(map[string]any)["callback_data"] != "fm_home" || row[1].(map[string]any)["url"] != "http://127.0.0.1:5244" {
		t.Errorf("keyboard = %v", rows)
	}
	if _, ok := row[1].(map[string]any)["callback_data"]; ok {
		t.Error("url button carries callback_data")
	}
}

func TestClient_SendMessageTruncates(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestClient(t, api)
	if err := c.SendMessage(context.Background(), 1, strings.Repeat("x", 5000), nil); err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(api.sent[0]["text"].(string))); n != maxMessageLen {
		t.Errorf("sent %d runes, want %d", n, maxMessageLen)
	}
	if _, ok := api.sent[0]["reply_markup"]; ok {
		t.Error("empty keyboard should be omitted")
	}
}

func TestClient_APIError(t *testing.T) {
	api := &fakeBotAPI{status: http.StatusUnauthorized}
	c := newTestClient(t, api)

	_, err := c.GetMe(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 401 {
		t.Fatalf("err = %v, want APIError 401", err)
	}
	if strings.Contains(err.Error(), testToken) {
		t.Error("error leaks the bot token")
	}
}

func TestClient_NoToken(t *testing.T) {
	c := NewClient(ClientConfig{Logger: quiet()})
	if _, err := c.GetMe(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestInbound(t *testing.T) {
	tests := []struct {
		name   string
		update Update
		want   router.Inbound
		ok     bool
	}{
		{
			name:   "text",
			update: Update{Message: &Message{From: &User{ID: 7}, Chat: Chat{ID: 70}, Text: "/status"}},
			want:   router.Inbound{Identity: "7", ChatID: 70, Text: "/status"},
			ok:     true,
		},
		{
			name: "callback",
			update: Update{CallbackQuery: &CallbackQuery{
				ID: "q1", From: User{ID: 7}, Data: "fm_up",
				Message: &Message{Chat: Chat{ID: 70}},
			}},
			want: router.Inbound{Identity: "7", ChatID: 70, Callback: "fm_up"},
			ok:   true,
		},
		{
			name:   "from bot",
			update: Update{Message: &Message{From: &User{ID: 8, IsBot: true}, Text: "hi"}},
			ok:     false,
		},
		{
			name:   "no text",
			update: Update{Message: &Message{From: &User{ID: 7}}},
			ok:     false,
		},
		{
			name: "empty",
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, ok := inbound(tt.update)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("inbound = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func runBridge(t *testing.T, b *Bridge) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBridge_RoutesInOrder(t *testing.T) {
	api := &fakeBotAPI{updates: []Update{
		{UpdateID: 10, Message: &Message{From: &User{ID: 1}, Chat: Chat{ID: 100}, Text: "/stream"}},
		{UpdateID: 11, Message: &Message{From: &User{ID: 1}, Chat: Chat{ID: 100}, Text: "rtmp://x"}},
		{UpdateID: 12, CallbackQuery: &CallbackQuery{ID: "cb", From: User{ID: 1}, Data: "stop_stream", Message: &Message{Chat: Chat{ID: 100}}}},
	}}
	h := &recordingHandler{out: router.Reply{Text: "ok"}}
	b := NewBridge(BridgeConfig{
		Client:      newTestClient(t, api),
		Handler:     h,
		PollTimeout: time.Second,
		Logger:      quiet(),
	})
	stop := runBridge(t, b)

	waitFor(t, func() bool { return api.sentCount() == 3 })
	if err := stop(); err != nil {
		t.Fatalf("Start returned %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ins) != 3 || h.ins[0].Text != "/stream" || h.ins[1].Text != "rtmp://x" || h.ins[2].Callback != "stop_stream" {
		t.Errorf("handled %+v", h.ins)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.answered) != 1 || api.answered[0]["callback_query_id"] != "cb" {
		t.Errorf("answered = %v", api.answered)
	}
	if len(api.offsets) < 2 || api.offsets[0] != 0 || api.offsets[1] != 13 {
		t.Errorf("offsets = %v, want [0 13 ...]", api.offsets)
	}
}

func TestBridge_BacksOffOnPollErrors(t *testing.T) {
	api := &fakeBotAPI{failPoll: 3}
	var mu sync.Mutex
	var waits []time.Duration
	b := NewBridge(BridgeConfig{
		Client:      newTestClient(t, api),
		Handler:     &recordingHandler{},
		PollTimeout: time.Second,
		Logger:      quiet(),
		Sleep: func(ctx context.Context, d time.Duration) bool {
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
			return ctx.Err() == nil
		},
	})
	stop := runBridge(t, b)
	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.offsets) > 0
	})
	stop()

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestBridge_StopsOnRejectedToken(t *testing.T) {
	api := &fakeBotAPI{status: http.StatusUnauthorized}
	b := NewBridge(BridgeConfig{Client: newTestClient(t, api), Handler: &recordingHandler{}, Logger: quiet()})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected error for rejected token")
	}
}

func TestBridge_Notify(t *testing.T) {
	api := &fakeBotAPI{}
	b := NewBridge(BridgeConfig{
		Client:    newTestClient(t, api),
		Handler:   &recordingHandler{},
		AllowList: []string{"1", "2", "nope"},
		Logger:    quiet(),
	})
	if err := b.Notify(context.Background(), "switched"); err != nil {
		t.Fatal(err)
	}
	if len(api.sent) != 2 || api.sent[1]["chat_id"].(float64) != 2 {
		t.Errorf("sent = %v", api.sent)
	}
}

func TestBridge_NotifyOpenModeUsesSeenChats(t *testing.T) {
	api := &fakeBotAPI{}
	h := &recordingHandler{out: router.Reply{Text: "menu"}}
	b := NewBridge(BridgeConfig{Client: newTestClient(t, api), Handler: h, Logger: quiet()})

	if err := b.Notify(context.Background(), "nobody yet"); err != nil {
		t.Fatal(err)
	}
	if len(api.sent) != 0 {
		t.Fatal("notice sent with no recipients")
	}

	b.handleUpdate(context.Background(), Update{Message: &Message{From: &User{ID: 5}, Chat: Chat{ID: 55}, Text: "/menu"}})
	b.Notify(context.Background(), "switched")
	if len(api.sent) != 2 || api.sent[1]["chat_id"].(float64) != 55 {
		t.Errorf("sent = %v", api.sent)
	}
}

func TestRecentChats_Bounded(t *testing.T) {
	r := newRecentChats(3)
	for _, id := range []int64{1, 2, 3, 1, 4, 5} {
		r.touch(id)
	}
	got := r.ids()
	want := []int64{5, 4, 1}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ids = %v, want %v", got, want)
			break
		}
	}
}

func TestBridge_SeenChatsBounded(t *testing.T) {
	api := &fakeBotAPI{}
	h := &recordingHandler{out: router.Reply{Text: "menu"}}
	b := NewBridge(BridgeConfig{Client: newTestClient(t, api), Handler: h, Logger: quiet()})

	for i := range SeenLimit + 20 {
		id := int64(1000 + i)
		b.handleUpdate(context.Background(), Update{Message: &Message{From: &User{ID: id}, Chat: Chat{ID: id}, Text: "/menu"}})
	}
	b.mu.Lock()
	n := len(b.seen.ids())
	b.mu.Unlock()
	if n != SeenLimit {
		t.Errorf("seen chats = %d, want %d", n, SeenLimit)
	}
}
