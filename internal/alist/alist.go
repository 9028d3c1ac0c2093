// Package alist is a thin client for the local AList file storage
// service. Every call is a single bounded HTTP request: the client never
// retries and never re-authenticates on its own. An authorization
// failure is reported to the caller, who decides whether to re-run the
// token step.
package alist

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
)

// versionTimeout bounds the unauthenticated version request, which the
// status summary calls on every request.
const versionTimeout = 2 * time.Second

// Offline is what [Client.Version] returns when the service cannot be
// reached.
const Offline = "offline"

var (
	// ErrOffline means the service could not be reached at all.
	ErrOffline = errors.New("storage service offline")
	// ErrProtocol means the service answered with something this client
	// does not understand.
	ErrProtocol = errors.New("unexpected storage service response")
	// ErrUnauthorized means the token was rejected. Re-run the token
	// step to mint a new one.
	ErrUnauthorized = errors.New("storage token rejected; run termkeep token")
	// ErrNotFound means the path does not exist.
	ErrNotFound = errors.New("path not found")
	// ErrNoToken means no token is configured, so the call was not made.
	ErrNoToken = errors.New("no storage token configured; run termkeep token")
)

// APIError is a non-200 code in an otherwise successful HTTP exchange.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("storage API error %d: %s", e.Code, e.Message)
}

// Unwrap maps the domain code onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Code == http.StatusNotFound,
		strings.Contains(strings.ToLower(e.Message), "not found"):
		return ErrNotFound
	default:
		return ErrProtocol
	}
}

// TokenSource returns the current token. It is consulted on every call
// so a token refreshed on disk by another process is picked up.
type TokenSource interface {
	Token() config.StoredToken
}

// TokenFunc adapts a function to [TokenSource].
type TokenFunc func() config.StoredToken

// Token implements [TokenSource].
func (f TokenFunc) Token() config.StoredToken { return f() }

// DirEntry is one item in a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	// Size is -1 for directories.
	Size int64 `json:"size"`
}

// Storage is a mounted storage backend.
type Storage struct {
	ID        int    `json:"id"`
	MountPath string `json:"mount_path"`
	Driver    string `json:"driver"`
	Status    string `json:"status"`
	Disabled  bool   `json:"disabled"`
}

// Working reports whether the backend reports itself healthy.
func (s Storage) Working() bool {
	return !s.Disabled && s.Status == "work"
}

// Config configures a [Client].
type Config struct {
	// BaseURL of the service (default: http://127.0.0.1:5244).
	BaseURL string
	// Timeout bounds each request (default: 10s).
	Timeout time.Duration
	Tokens  TokenSource
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the storage service.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

// New creates a storage client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultAlistURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))
	}
	if cfg.Tokens == nil {
		cfg.Tokens = TokenFunc(func() config.StoredToken { return config.StoredToken{} })
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		tokens:  cfg.Tokens,
		logger:  cfg.Logger,
	}
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// envelope is the response wrapper every endpoint uses.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// call performs one request and decodes the envelope into data. token
// is sent verbatim in the Authorization header when non-empty; the
// service does not use a Bearer prefix.
func call[T any](ctx context.Context, c *Client, method, path, token string, body any) (T, error) {
	var zero T

	req, err := httpkit.NewJSONRequest(ctx, method, c.baseURL+path, body)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrOffline, path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		httpkit.DrainAndClose(resp.Body, 4096)
		return zero, fmt.Errorf("%s: %w", path, &APIError{Code: http.StatusUnauthorized, Message: resp.Status})
	}
	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 256)
		return zero, fmt.Errorf("%w: %s: HTTP %d: %s", ErrProtocol, path, resp.StatusCode, detail)
	}

	var env envelope[T]
	if err := httpkit.DecodeJSON(resp.Body, &env); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrProtocol, path, err)
	}
	if env.Code != http.StatusOK {
		return zero, fmt.Errorf("%s: %w", path, &APIError{Code: env.Code, Message: env.Message})
	}

	c.logger.Log(ctx, config.LevelTrace, "storage call", "method", method, "path", path)
	return env.Data, nil
}

func (c *Client) token() (string, error) {
	tok := c.tokens.Token()
	if !tok.Valid() {
		return "", ErrNoToken
	}
	return tok.Value, nil
}

// Authenticate exchanges the admin credential for a token. The caller
// persists it.
func (c *Client) Authenticate(ctx context.Context, username, password string) (config.StoredToken, error) {
	data, err := call[struct {
		Token string `json:"token"`
	}](ctx, c, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return config.StoredToken{}, err
	}
	if data.Token == "" {
		return config.StoredToken{}, fmt.Errorf("%w: login returned an empty token", ErrProtocol)
	}
	return config.StoredToken{Value: data.Token, ObtainedAt: time.Now()}, nil
}

// List returns a fresh listing of path in backend order. An empty
// directory yields an empty, non-nil slice.
func (c *Client) List(ctx context.Context, path string) ([]DirEntry, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	data, err := call[struct {
		Content []DirEntry `json:"content"`
	}](ctx, c, http.MethodPost, "/api/fs/list", token, map[string]any{
		"path":     Clean(path),
		"refresh":  true,
		"page":     1,
		"per_page": 0,
	})
	if err != nil {
		return nil, err
	}

	entries := data.Content
	if entries == nil {
		entries = []DirEntry{}
	}
	for i := range entries {
		if entries[i].IsDir {
			entries[i].Size = -1
		}
	}
	return entries, nil
}

// ResolveDirectLink returns a URL that serves the file at path without
// further authentication.
func (c *Client) ResolveDirectLink(ctx context.Context, path string) (string, error) {
	token, err := c.token()
	if err != nil {
		return "", err
	}

	data, err := call[struct {
		RawURL string `json:"raw_url"`
		IsDir  bool   `json:"is_dir"`
	}](ctx, c, http.MethodPost, "/api/fs/get", token, map[string]string{
		"path": Clean(path),
	})
	if err != nil {
		return "", err
	}
	if data.IsDir {
		return "", fmt.Errorf("%w: %s is a directory", ErrProtocol, path)
	}
	if data.RawURL == "" {
		return "", fmt.Errorf("%w: no raw_url for %s", ErrProtocol, path)
	}
	return data.RawURL, nil
}

// Version returns the service version, or [Offline] on any failure.
func (c *Client) Version(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	data, err := call[struct {
		Version string `json:"version"`
	}](ctx, c, http.MethodGet, "/api/public/settings", "", nil)
	if err != nil || data.Version == "" {
		c.logger.Debug("storage version unavailable", "error", err)
		return Offline
	}
	return data.Version
}

// Storages lists the mounted storage backends.
func (c *Client) Storages(ctx context.Context) ([]Storage, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	data, err := call[struct {
		Content []Storage `json:"content"`
	}](ctx, c, http.MethodGet, "/api/admin/storage/list", token, nil)
	if err != nil {
		return nil, err
	}
	if data.Content == nil {
		return []Storage{}, nil
	}
	return data.Content, nil
}
