package assist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeGen struct {
	answer   string
	err      error
	block    bool
	model    string
	system   string
	question string
}

func (f *fakeGen) Generate(ctx context.Context, model, system, question string) (string, error) {
	f.model, f.system, f.question = model, system, question
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.answer, f.err
}

func newTest(t *testing.T, cfg Config) *Assistant {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAsk(t *testing.T) {
	gen := &fakeGen{answer: "  Run `pm2 logs alist`.\n"}
	a := newTest(t, Config{Generator: gen})

	got := a.Ask(context.Background(), " why is alist down? ")
	if got != "Run `pm2 logs alist`." {
		t.Errorf("Ask() = %q", got)
	}
	if gen.model != DefaultModel {
		t.Errorf("model = %q", gen.model)
	}
	if gen.question != "why is alist down?" {
		t.Errorf("question = %q", gen.question)
	}
	if !strings.Contains(gen.system, "Termux") || !strings.Contains(gen.system, "PM2") {
		t.Error("system instruction missing domain context")
	}
}

func TestAsk_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGen
		q    string
		want string
	}{
		{"error", &fakeGen{err: errors.New("quota exceeded")}, "q", FailureReply},
		{"empty answer", &fakeGen{answer: "   "}, "q", EmptyReply},
		{"empty question", &fakeGen{answer: "x"}, "  ", EmptyReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTest(t, Config{Generator: tt.gen})
			if got := a.Ask(context.Background(), tt.q); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsk_Timeout(t *testing.T) {
	a := newTest(t, Config{Generator: &fakeGen{block: true}, Timeout: 20 * time.Millisecond})

	start := time.Now()
	got := a.Ask(context.Background(), "hello")
	if got != FailureReply {
		t.Errorf("Ask() = %q", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not applied")
	}
}

func TestNotConfigured(t *testing.T) {
	a := newTest(t, Config{})
	if a.Configured() {
		t.Error("Configured() = true without key")
	}
	if got := a.Ask(context.Background(), "hello"); got != NotConfiguredReply {
		t.Errorf("Ask() = %q", got)
	}
}

func TestNew_WithKeyBuildsClient(t *testing.T) {
	a := newTest(t, Config{APIKey: "test-key", Model: "gemini-custom"})
	if !a.Configured() {
		t.Error("Configured() = false with key")
	}
	if a.model != "gemini-custom" {
		t.Errorf("model = %q", a.model)
	}
}
