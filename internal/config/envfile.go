package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Keys recognized in the env file. Anything else is preserved on
// rewrite but otherwise ignored.
const (
	KeyBotToken      = "BOT_TOKEN"
	KeyAdminID       = "ADMIN_ID"
	KeyAlistToken    = "ALIST_TOKEN"
	KeyAlistTokenAt  = "ALIST_TOKEN_AT"
	KeyAlistURL      = "ALIST_URL"
	KeyAlistUser     = "ALIST_USERNAME"
	KeyAlistPassword = "ALIST_PASSWORD"
	KeyRTMPURL       = "RTMP_URL"
	KeyWifiProfiles  = "WIFI_PROFILES"
	KeyPingTarget    = "PING_TARGET"
	KeyGeminiKey     = "GEMINI_API_KEY"
	KeyGeminiKeyAlt  = "API_KEY"
	KeyMQTTBroker    = "MQTT_BROKER"
	KeyMQTTUser      = "MQTT_USERNAME"
	KeyMQTTPassword  = "MQTT_PASSWORD"
	KeyMetricsAddr   = "METRICS_ADDR"
	KeyLogLevel      = "LOG_LEVEL"

	// wifiPrefix marks numbered network profile entries (WIFI_1, WIFI_2, ...).
	wifiPrefix = "WIFI_"
)

// Defaults for keys with a meaningful fallback.
const (
	DefaultAlistURL      = "http://127.0.0.1:5244"
	DefaultAlistUser     = "admin"
	DefaultAlistPassword = "admin"
	DefaultPingTarget    = "223.5.5.5"
)

// NetworkProfile is a known Wi-Fi network. Slice order is failover
// priority.
type NetworkProfile struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

// StoredToken is the storage service bearer token and when it was
// minted. It stays valid until a call fails with an authorization error.
type StoredToken struct {
	Value      string
	ObtainedAt time.Time
}

// Valid reports whether a token value is present.
func (t StoredToken) Valid() bool { return t.Value != "" }

// line is one physical line of the env file. Comment and blank lines
// keep key empty so they survive a rewrite untouched.
type line struct {
	key string
	raw string
}

// Store is the persisted key=value configuration file merged with the
// process environment. A non-empty file value wins over the environment:
// PM2 snapshots the environment when a process is registered, so an
// inherited variable can be older than a token written to the file
// since. The environment only fills keys the file leaves empty. Writes
// always go to the file. All methods are safe for concurrent use.
type Store struct {
	path   string
	lookup func(string) (string, bool)

	mu     sync.RWMutex
	lines  []line
	values map[string]string
}

// LoadEnvFile reads the env file at path. A missing file is not an
// error: the store starts empty and Save creates it.
func LoadEnvFile(path string) (*Store, error) {
	s := &Store{
		path:   path,
		lookup: os.LookupEnv,
		values: make(map[string]string),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryStore returns a store that is not backed by a file and does
// not consult the environment. Save is a no-op. Intended for tests and
// one-shot commands.
func NewMemoryStore(values map[string]string) *Store {
	s := &Store{
		lookup: func(string) (string, bool) { return "", false },
		values: make(map[string]string, len(values)),
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.values[k] = values[k]
		s.lines = append(s.lines, line{key: k})
	}
	return s
}

// Path returns the backing file path, or "" for memory stores.
func (s *Store) Path() string { return s.path }

// Reload re-reads the backing file, discarding unsaved changes.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read env file %s: %w", s.path, err)
	}

	lines, values := parseEnv(data)

	s.mu.Lock()
	s.lines = lines
	s.values = values
	s.mu.Unlock()
	return nil
}

// parseEnv splits env file content into ordered lines and a value map.
// Later duplicates of a key override earlier ones, matching how a shell
// would source the file.
func parseEnv(data []byte) ([]line, map[string]string) {
	var lines []line
	values := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lines = append(lines, line{raw: raw})
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "export ")
		key, value, ok := strings.Cut(trimmed, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			lines = append(lines, line{raw: raw})
			continue
		}
		if _, seen := values[key]; !seen {
			lines = append(lines, line{key: key})
		}
		values[key] = unquote(strings.TrimSpace(value))
	}
	return lines, values
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Get returns the value for key from the file, falling back to the
// process environment.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	v := s.values[key]
	s.mu.RUnlock()
	if v != "" {
		return v
	}
	if env, ok := s.lookup(key); ok {
		return env
	}
	return ""
}

// GetDefault returns Get(key), or def when the value is empty.
func (s *Store) GetDefault(key, def string) string {
	if v := s.Get(key); v != "" {
		return v
	}
	return def
}

// Set updates key in memory. Call Save to persist.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		s.lines = append(s.lines, line{key: key})
	}
	s.values[key] = value
}

// Save rewrites the whole file atomically: content goes to a temp file
// in the same directory which is then renamed over the original.
// Comment lines and key order are preserved.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	var buf bytes.Buffer
	for _, l := range s.lines {
		if l.key == "" {
			buf.WriteString(l.raw)
		} else {
			buf.WriteString(l.key)
			buf.WriteByte('=')
			buf.WriteString(s.values[l.key])
		}
		buf.WriteByte('\n')
	}
	s.mu.RUnlock()

	return WriteFileAtomic(s.path, buf.Bytes(), 0o600)
}

// WriteFileAtomic writes data to a temporary sibling of path and renames
// it into place so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Token returns the stored storage-service token.
func (s *Store) Token() StoredToken {
	tok := StoredToken{Value: s.Get(KeyAlistToken)}
	if at := s.Get(KeyAlistTokenAt); at != "" {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			tok.ObtainedAt = t
		}
	}
	return tok
}

// SetToken records tok and persists the file.
func (s *Store) SetToken(tok StoredToken) error {
	s.Set(KeyAlistToken, tok.Value)
	if tok.ObtainedAt.IsZero() {
		s.Set(KeyAlistTokenAt, "")
	} else {
		s.Set(KeyAlistTokenAt, tok.ObtainedAt.UTC().Format(time.RFC3339))
	}
	return s.Save()
}

// AllowList returns the authorized chat identities. ADMIN_ID accepts a
// comma or whitespace separated list; "0" is the historical "nobody
// configured" value and is ignored.
func (s *Store) AllowList() []string {
	var ids []string
	for _, f := range strings.FieldsFunc(s.Get(KeyAdminID), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if f == "0" {
			continue
		}
		ids = append(ids, f)
	}
	return ids
}

// Networks returns the configured network profiles in priority order:
// numbered WIFI_<n> entries by ascending n (ties by key), then
// WIFI_PROFILES in list order. The first occurrence of a name wins.
func (s *Store) Networks() []NetworkProfile {
	s.mu.RLock()
	type numbered struct {
		n   int
		key string
	}
	var entries []numbered
	for k := range s.values {
		if !strings.HasPrefix(k, wifiPrefix) || k == KeyWifiProfiles {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(k, wifiPrefix))
		if err != nil {
			continue
		}
		entries = append(entries, numbered{n: n, key: k})
	}
	s.mu.RUnlock()

	// Equal numbers (WIFI_1, WIFI_01) fall back to the key so the order
	// does not depend on map iteration.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].n != entries[j].n {
			return entries[i].n < entries[j].n
		}
		return entries[i].key < entries[j].key
	})

	var specs []string
	for _, e := range entries {
		specs = append(specs, s.Get(e.key))
	}
	specs = append(specs, strings.Split(s.Get(KeyWifiProfiles), ",")...)

	seen := make(map[string]bool)
	var profiles []NetworkProfile
	for _, spec := range specs {
		p, ok := ParseNetworkProfile(spec)
		if !ok || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		profiles = append(profiles, p)
	}
	return profiles
}

// ParseNetworkProfile parses "name:secret". The secret may contain
// colons; the name may not. An open network uses an empty secret.
func ParseNetworkProfile(spec string) (NetworkProfile, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return NetworkProfile{}, false
	}
	name, secret, _ := strings.Cut(spec, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return NetworkProfile{}, false
	}
	return NetworkProfile{Name: name, Secret: secret}, true
}
