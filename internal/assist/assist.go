// Package assist answers troubleshooting questions about the device
// stack with a hosted Gemini model.
package assist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// DefaultTimeout bounds one question.
const DefaultTimeout = 60 * time.Second

// Replies returned instead of an error.
const (
	NotConfiguredReply = "The assistant is not configured. Set GEMINI_API_KEY in the env file and restart."
	FailureReply       = "Sorry, I could not reach the assistant. Check the network connection and try again."
	EmptyReply         = "I couldn't generate a response. Please try again."
)

// SystemInstruction frames every question.
const SystemInstruction = `You are an expert in Termux on Android and in Linux administration, and an advanced user of AList, FFmpeg, and PM2.
You help the user run the AList file server, a Telegram control bot, and FFmpeg RTMP live streaming on an Android phone under Termux.

Key facts:
1. AList: started with 'alist server', listens on port 5244, admin password set with 'alist admin set <password>'. Tokens come from POST /api/auth/login.
2. Termux: install packages with 'pkg install'; storage access needs 'termux-setup-storage'.
3. FFmpeg streaming: ffmpeg -re -i <input> -c:v libx264 -preset veryfast -f flv <rtmp url>.
   - "Connection refused": check the RTMP address and the network.
   - "403 Forbidden": the direct link expired or is protected; fetch a fresh AList link.
4. PM2: 'pm2 list' shows processes, 'pm2 logs <name>' shows output, 'pm2 save' then 'pm2 resurrect' restores them after Termux restarts.
5. Wi-Fi control needs the Termux:API app with location permission; 'termux-wifi-connectioninfo' shows the current network.

Answer briefly and give the fix or the command directly. When the user pastes an error, explain its cause first. Use Markdown code blocks for commands.`

// Generator produces one model answer.
type Generator interface {
	Generate(ctx context.Context, model, system, question string) (string, error)
}

// Config configures an [Assistant].
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	// Generator replaces the Gemini client. Optional.
	Generator Generator
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Assistant answers questions. Ask never fails.
type Assistant struct {
	gen     Generator
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an assistant. An empty APIKey without a Generator gives
// an assistant that always replies with [NotConfiguredReply].
func New(ctx context.Context, cfg Config) (*Assistant, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	gen := cfg.Generator
	if gen == nil && cfg.APIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		gen = &gemini{client: client}
	}

	return &Assistant{
		gen:     gen,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Configured reports whether questions reach a model.
func (a *Assistant) Configured() bool { return a.gen != nil }

// Ask returns the model's answer, or an apology when the assistant is
// unconfigured, the call fails, or the answer is empty.
func (a *Assistant) Ask(ctx context.Context, question string) string {
	if a.gen == nil {
		return NotConfiguredReply
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return EmptyReply
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	answer, err := a.gen.Generate(ctx, a.model, SystemInstruction, question)
	if err != nil {
		a.logger.Warn("assistant request failed",
			"model", a.model,
			"timeout", errors.Is(err, context.DeadlineExceeded),
			"error", err)
		return FailureReply
	}
	a.logger.Debug("assistant answered", "model", a.model, "elapsed", time.Since(start).Round(time.Millisecond))

	if answer = strings.TrimSpace(answer); answer == "" {
		return EmptyReply
	}
	return answer
}

type gemini struct {
	client *genai.Client
}

func (g *gemini) Generate(ctx context.Context, model, system, question string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(question), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}
