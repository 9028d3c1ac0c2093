package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/termkeep/internal/config"
	"github.com/nugget/termkeep/internal/httpkit"
	"github.com/nugget/termkeep/internal/router"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// maxMessageLen is the Bot API limit on message text, in runes.
const maxMessageLen = 4096

// requestTimeout bounds calls other than getUpdates.
const requestTimeout = 15 * time.Second

// APIError is a Bot API call that returned ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// ErrNoToken means the client was built without a bot token.
var ErrNoToken = errors.New("telegram bot token not configured")

// ClientConfig configures a [Client].
type ClientConfig struct {
	Token string
	// APIURL overrides [DefaultAPIURL].
	APIURL string
	// HTTPClient overrides the default client. Its timeout must exceed
	// the long-poll timeout; the default client has none and bounds
	// each call with a context instead.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls Bot API methods.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(cfg.APIURL, "/"),
		token:  cfg.Token,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
}

func call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var zero T
	if c.token == "" {
		return zero, ErrNoToken
	}

	// The token is part of the path; never log the URL.
	req, err := httpkit.NewJSONRequest(ctx, http.MethodPost, c.base+"/bot"+c.token+"/"+method, params)
	if err != nil {
		return zero, fmt.Errorf("telegram %s: %w", method, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("telegram %s: %w", method, redact(err, c.token))
	}

	var env apiResponse[T]
	if err := httpkit.DecodeJSON(resp.Body, &env); err != nil {
		return zero, fmt.Errorf("telegram %s: HTTP %d: %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		return zero, &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
	}
	c.logger.Log(ctx, config.LevelTrace, "telegram call", "method", method)
	return env.Result, nil
}

// redact strips the bot token from transport errors, which quote the
// request URL.
func redact(err error, token string) error {
	msg := err.Error()
	if token == "" || !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<token>"))
}

// GetUpdates long-polls for updates after offset, waiting up to
// timeout for one to arrive.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+requestTimeout)
	defer cancel()
	return call[[]Update](ctx, c, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	})
}

// SendMessage sends text to chatID with an optional inline keyboard.
// Text longer than the API limit is truncated.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, buttons [][]router.Button) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := map[string]any{
		"chat_id":                  chatID,
		"text":                     truncate(text, maxMessageLen),
		"disable_web_page_preview": true,
	}
	if kb := keyboard(buttons); kb != nil {
		params["reply_markup"] = kb
	}
	_, err := call[Message](ctx, c, "sendMessage", params)
	return err
}

// AnswerCallback acknowledges a button press. A non-empty text is shown
// as a toast, or as a dialog when alert is set.
func (c *Client) AnswerCallback(ctx context.Context, id, text string, alert bool) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := map[string]any{"callback_query_id": id}
	if text != "" {
		params["text"] = truncate(text, 200)
		params["show_alert"] = alert
	}
	_, err := call[bool](ctx, c, "answerCallbackQuery", params)
	return err
}

// GetMe returns the bot's own account. Used to check the token.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return call[User](ctx, c, "getMe", nil)
}

func keyboard(rows [][]router.Button) *InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := &InlineKeyboardMarkup{}
	for _, row := range rows {
		var out []InlineKeyboardButton
		for _, b := range row {
			out = append(out, InlineKeyboardButton{Text: b.Text, CallbackData: b.Data, URL: b.URL})
		}
		kb.InlineKeyboard = append(kb.InlineKeyboard, out)
	}
	return kb
}

// truncate returns s truncated to maxLen runes with an ellipsis if it
// exceeds the limit.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
