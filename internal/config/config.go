// Package config handles termkeep configuration: the persisted env file
// (see [Store]) and the generated daemon configuration (see [Config]).
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the generated daemon configuration file name.
const FileName = "daemon.yaml"

// generatedHeader is prepended to every rendered config. The provisioner
// regenerates the whole file, so hand edits do not survive.
const generatedHeader = `# Generated by "termkeep provision". Do not edit: this file is rewritten
# on every provision run. Change values in the env file and re-provision.
`

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./daemon.yaml, ~/.config/termkeep/daemon.yaml,
// $PREFIX/etc/termkeep/daemon.yaml (Termux keeps /etc under $PREFIX).
func DefaultSearchPaths() []string {
	paths := []string{FileName}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "termkeep", FileName))
	}

	prefix := os.Getenv("PREFIX")
	paths = append(paths, filepath.Join(prefix, "/etc/termkeep", FileName))
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v); run termkeep provision", DefaultSearchPaths())
}

// Config holds the daemon configuration.
type Config struct {
	EnvFile    string           `yaml:"env_file"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Stream     StreamConfig     `yaml:"stream"`
	Storage    StorageConfig    `yaml:"storage"`
	Router     RouterConfig     `yaml:"router"`
	Chat       ChatConfig       `yaml:"chat"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Assistant  AssistantConfig  `yaml:"assistant"`
}

// SupervisorConfig tunes the connectivity supervisor.
type SupervisorConfig struct {
	// AutoSwitch enables failover between known networks.
	AutoSwitch bool `yaml:"auto_switch"`
	// PingTarget is the address pinged for reachability.
	PingTarget string `yaml:"ping_target"`
	// Reach selects the reachability check: "command" shells out to
	// ping, "icmp" sends an echo from an unprivileged socket.
	Reach string `yaml:"reach"`
	// IntervalSec is the delay between reachability checks.
	IntervalSec int `yaml:"interval_sec"`
	// PingTimeoutSec bounds one ping.
	PingTimeoutSec int `yaml:"ping_timeout_sec"`
	// FailureThreshold is how many consecutive failures trigger failover.
	FailureThreshold int `yaml:"failure_threshold"`
	// ConnectPolls is how many times the active network is polled after
	// each connect command.
	ConnectPolls int `yaml:"connect_polls"`
	// PollDelaySec is the delay between connect polls.
	PollDelaySec int `yaml:"poll_delay_sec"`
	// BackoffSec is the pause after a failover cycle.
	BackoffSec int `yaml:"backoff_sec"`
	// Networks in priority order.
	Networks []NetworkProfile `yaml:"networks"`
}

// StreamConfig configures the encoder subprocess.
type StreamConfig struct {
	Binary           string `yaml:"binary"`
	Destination      string `yaml:"destination"`
	Preset           string `yaml:"preset"`
	KeyframeInterval int    `yaml:"keyframe_interval"`
	VideoBitrate     string `yaml:"video_bitrate"`
	BufSize          string `yaml:"bufsize"`
	AudioBitrate     string `yaml:"audio_bitrate"`
	StopTimeoutSec   int    `yaml:"stop_timeout_sec"`
}

// StorageConfig points at the file storage service.
type StorageConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// RouterConfig configures remote command handling.
type RouterConfig struct {
	// AllowList holds the chat identities allowed to issue commands.
	// Empty means open mode: every identity is accepted.
	AllowList []string `yaml:"allow_list"`
	// SessionLimit bounds the number of remembered conversations.
	SessionLimit int `yaml:"session_limit"`
	// PageSize caps how many listing entries are offered as buttons.
	PageSize int `yaml:"page_size"`
}

// ChatConfig configures the chat bot transport.
type ChatConfig struct {
	BotToken       string `yaml:"bot_token"`
	APIURL         string `yaml:"api_url"`
	PollTimeoutSec int    `yaml:"poll_timeout_sec"`
}

// Configured reports whether a bot token is present.
func (c ChatConfig) Configured() bool { return c.BotToken != "" }

// MQTTConfig configures optional status publishing.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// AssistantConfig configures the troubleshooting assistant.
type AssistantConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Configured reports whether an API key is present.
func (c AssistantConfig) Configured() bool { return c.APIKey != "" }

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Hand-written configs may reference the environment. Rendered ones
	// already hold literal values, and secrets may contain '$'.
	if !bytes.HasPrefix(data, []byte(generatedHeader)) {
		data = []byte(os.ExpandEnv(string(data)))
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Supervisor: SupervisorConfig{AutoSwitch: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.EnvFile == "" {
		c.EnvFile = ".env"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	s := &c.Supervisor
	if s.PingTarget == "" {
		s.PingTarget = DefaultPingTarget
	}
	if s.Reach == "" {
		s.Reach = "command"
	}
	if s.IntervalSec <= 0 {
		s.IntervalSec = 10
	}
	if s.PingTimeoutSec <= 0 {
		s.PingTimeoutSec = 2
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 3
	}
	if s.ConnectPolls <= 0 {
		s.ConnectPolls = 5
	}
	if s.PollDelaySec <= 0 {
		s.PollDelaySec = 2
	}
	if s.BackoffSec <= 0 {
		s.BackoffSec = 30
	}

	st := &c.Stream
	if st.Binary == "" {
		st.Binary = "ffmpeg"
	}
	if st.Preset == "" {
		st.Preset = "ultrafast"
	}
	if st.KeyframeInterval <= 0 {
		st.KeyframeInterval = 60
	}
	if st.VideoBitrate == "" {
		st.VideoBitrate = "2500k"
	}
	if st.BufSize == "" {
		st.BufSize = "5000k"
	}
	if st.AudioBitrate == "" {
		st.AudioBitrate = "128k"
	}
	if st.StopTimeoutSec <= 0 {
		st.StopTimeoutSec = 5
	}

	if c.Storage.URL == "" {
		c.Storage.URL = DefaultAlistURL
	}
	if c.Storage.TimeoutSec <= 0 {
		c.Storage.TimeoutSec = 10
	}

	if c.Router.SessionLimit <= 0 {
		c.Router.SessionLimit = 256
	}
	if c.Router.PageSize <= 0 {
		c.Router.PageSize = 20
	}

	if c.Chat.APIURL == "" {
		c.Chat.APIURL = "https://api.telegram.org"
	}
	if c.Chat.PollTimeoutSec <= 0 {
		c.Chat.PollTimeoutSec = 20
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "termkeep"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}

	if c.Assistant.Model == "" {
		c.Assistant.Model = "gemini-2.5-flash"
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (expected text or json)", c.LogFormat)
	}
	switch c.Supervisor.Reach {
	case "command", "icmp":
	default:
		return fmt.Errorf("unknown supervisor.reach %q (expected command or icmp)", c.Supervisor.Reach)
	}
	seen := make(map[string]bool)
	for i, n := range c.Supervisor.Networks {
		if n.Name == "" {
			return fmt.Errorf("supervisor.networks[%d]: name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("supervisor.networks[%d]: duplicate network %q", i, n.Name)
		}
		seen[n.Name] = true
	}
	return nil
}

// FromStore builds the daemon configuration from env file values layered
// over defaults. This is the template the provisioner renders.
func FromStore(s *Store) *Config {
	cfg := Default()
	cfg.EnvFile = s.Path()
	if cfg.EnvFile == "" {
		cfg.EnvFile = ".env"
	}
	cfg.LogLevel = s.Get(KeyLogLevel)
	cfg.Supervisor.PingTarget = s.GetDefault(KeyPingTarget, DefaultPingTarget)
	cfg.Supervisor.Networks = s.Networks()
	cfg.Stream.Destination = s.Get(KeyRTMPURL)
	cfg.Storage.URL = s.GetDefault(KeyAlistURL, DefaultAlistURL)
	cfg.Router.AllowList = s.AllowList()
	cfg.Chat.BotToken = s.Get(KeyBotToken)
	cfg.MQTT.Broker = s.Get(KeyMQTTBroker)
	cfg.MQTT.Username = s.Get(KeyMQTTUser)
	cfg.MQTT.Password = s.Get(KeyMQTTPassword)
	cfg.Metrics.Listen = s.Get(KeyMetricsAddr)
	cfg.Assistant.APIKey = s.GetDefault(KeyGeminiKey, s.Get(KeyGeminiKeyAlt))
	return cfg
}

// Render serializes cfg as YAML with the generated-file header.
func Render(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(generatedHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Seconds converts a whole-second config value into a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
