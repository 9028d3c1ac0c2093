package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/daemon.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Point every search location at an empty directory.
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("PREFIX", dir)
	t.Chdir(dir)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, FileName), []byte("log_level: info\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != FileName {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, FileName)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	os.WriteFile(path, []byte("chat:\n  bot_token: ${TERMKEEP_TEST_TOKEN}\n"), 0600)
	t.Setenv("TERMKEEP_TEST_TOKEN", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Chat.BotToken != "secret123" {
		t.Errorf("bot_token = %q, want %q", cfg.Chat.BotToken, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	os.WriteFile(path, []byte("supervisor:\n  failure_threshold: 5\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Supervisor.FailureThreshold != 5 {
		t.Errorf("failure_threshold = %d, want 5", cfg.Supervisor.FailureThreshold)
	}
	if cfg.Supervisor.IntervalSec != 10 {
		t.Errorf("interval_sec = %d, want 10", cfg.Supervisor.IntervalSec)
	}
	if cfg.Supervisor.BackoffSec != 30 {
		t.Errorf("backoff_sec = %d, want 30", cfg.Supervisor.BackoffSec)
	}
	if !cfg.Supervisor.AutoSwitch {
		t.Error("auto_switch should default to true")
	}
	if cfg.Storage.URL != DefaultAlistURL {
		t.Errorf("storage.url = %q, want %q", cfg.Storage.URL, DefaultAlistURL)
	}
	if cfg.Router.PageSize != 20 {
		t.Errorf("router.page_size = %d, want 20", cfg.Router.PageSize)
	}
	if cfg.Stream.Preset != "ultrafast" {
		t.Errorf("stream.preset = %q, want ultrafast", cfg.Stream.Preset)
	}
}

func TestLoad_AutoSwitchDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	os.WriteFile(path, []byte("supervisor:\n  auto_switch: false\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Supervisor.AutoSwitch {
		t.Error("auto_switch = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default is valid", mutate: func(*Config) {}},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "unknown log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log_format",
		},
		{
			name:    "bad reach method",
			mutate:  func(c *Config) { c.Supervisor.Reach = "carrier-pigeon" },
			wantErr: "supervisor.reach",
		},
		{
			name: "duplicate network",
			mutate: func(c *Config) {
				c.Supervisor.Networks = []NetworkProfile{{Name: "home"}, {Name: "home"}}
			},
			wantErr: "duplicate network",
		},
		{
			name: "unnamed network",
			mutate: func(c *Config) {
				c.Supervisor.Networks = []NetworkProfile{{Secret: "x"}}
			},
			wantErr: "name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRender_RoundTrip(t *testing.T) {
	store := NewMemoryStore(map[string]string{
		KeyBotToken: "123:ab$cd",
		KeyAdminID:  "42, 43",
		KeyRTMPURL:  "rtmp://live.example/app/key",
		"WIFI_1":    "home:pa$$w0rd$HOME",
		"WIFI_2":    "phone:",
	})
	t.Setenv("HOME", "/should/not/appear")

	data, err := Render(FromStore(store))
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Generated by") {
		t.Errorf("rendered config missing generated header:\n%s", data)
	}

	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load rendered config: %v", err)
	}

	if cfg.Chat.BotToken != "123:ab$cd" {
		t.Errorf("bot_token = %q", cfg.Chat.BotToken)
	}
	if got := strings.Join(cfg.Router.AllowList, ","); got != "42,43" {
		t.Errorf("allow_list = %q, want 42,43", got)
	}
	if cfg.Stream.Destination != "rtmp://live.example/app/key" {
		t.Errorf("stream.destination = %q", cfg.Stream.Destination)
	}
	if len(cfg.Supervisor.Networks) != 2 {
		t.Fatalf("networks = %+v, want 2 entries", cfg.Supervisor.Networks)
	}
	if cfg.Supervisor.Networks[0] != (NetworkProfile{Name: "home", Secret: "pa$$w0rd$HOME"}) {
		t.Errorf("networks[0] = %+v", cfg.Supervisor.Networks[0])
	}
	if cfg.Supervisor.Networks[1].Name != "phone" {
		t.Errorf("networks[1] = %+v", cfg.Supervisor.Networks[1])
	}
}

func TestFromStore_AssistantKeyFallback(t *testing.T) {
	store := NewMemoryStore(map[string]string{KeyGeminiKeyAlt: "legacy-key"})
	if got := FromStore(store).Assistant.APIKey; got != "legacy-key" {
		t.Errorf("assistant.api_key = %q, want legacy-key", got)
	}

	store = NewMemoryStore(map[string]string{
		KeyGeminiKey:    "primary",
		KeyGeminiKeyAlt: "legacy-key",
	})
	if got := FromStore(store).Assistant.APIKey; got != "primary" {
		t.Errorf("assistant.api_key = %q, want primary", got)
	}
}
