// Package config loads and saves fetchkit's on-disk configuration,
// grounded on the teacher's internal/core/config/config.go: same
// ~/.config/<app>/config.yml layout, same gopkg.in/yaml.v3 round-trip, same
// tilde-expansion helper, generalized from vget's media-download knobs to
// fetchkit's HTTP client, range engine, orchestrator, and crawler defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fetchkit/fetchkit/internal/core/httpclient"
	"github.com/fetchkit/fetchkit/internal/core/orchestrator"
	"github.com/fetchkit/fetchkit/internal/core/rangeengine"
	"github.com/fetchkit/fetchkit/internal/core/tuner"
)

const (
	ConfigFileName = "config.yml"
	AppDirName     = "fetchkit"
)

// ConfigDir returns the standard config directory for fetchkit.
// Windows: %APPDATA%\fetchkit\
// macOS/Linux: ~/.config/fetchkit/
func ConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file, e.g.
// ~/.config/fetchkit/config.yml.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Config is the top-level, yaml-serializable configuration for every
// component in the engine.
type Config struct {
	OutputDir string `yaml:"output_dir,omitempty"`

	HTTP         HTTPConfig         `yaml:"http,omitempty"`
	RangeEngine  RangeEngineConfig  `yaml:"range_engine,omitempty"`
	Tuner        TunerConfig        `yaml:"tuner,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Crawler      CrawlerConfig      `yaml:"crawler,omitempty"`

	WebDAVServers map[string]WebDAVServer `yaml:"webdav_servers,omitempty"`
}

// HTTPConfig mirrors httpclient.Config's yaml-facing fields.
type HTTPConfig struct {
	UserAgent      string            `yaml:"user_agent,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	MaxRedirects   int               `yaml:"max_redirects,omitempty"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout,omitempty"`
	ReadTimeout    time.Duration     `yaml:"read_timeout,omitempty"`
	TLSInsecure    bool              `yaml:"tls_insecure,omitempty"`
	CAFile         string            `yaml:"ca_file,omitempty"`
	UseHTTP2       bool              `yaml:"use_http2,omitempty"`
	RateLimitBytes int               `yaml:"rate_limit_bytes,omitempty"`
	HTTPProxy      string            `yaml:"http_proxy,omitempty"`
	HTTPSProxy     string            `yaml:"https_proxy,omitempty"`
	NoProxy        string            `yaml:"no_proxy,omitempty"`
}

// ToClientConfig builds an httpclient.Config from the on-disk settings.
func (h HTTPConfig) ToClientConfig() httpclient.Config {
	return httpclient.Config{
		UserAgent:      h.UserAgent,
		Headers:        h.Headers,
		MaxRedirects:   h.MaxRedirects,
		ConnectTimeout: h.ConnectTimeout,
		ReadTimeout:    h.ReadTimeout,
		TLS:            httpclient.TLSConfig{InsecureSkipVerify: h.TLSInsecure, CAFile: h.CAFile},
		UseHTTP2:       h.UseHTTP2,
		RateLimitBytes: h.RateLimitBytes,
		Proxy:          httpclient.ProxyConfig{HTTPProxy: h.HTTPProxy, HTTPSProxy: h.HTTPSProxy, NoProxy: h.NoProxy},
	}
}

// RangeEngineConfig mirrors rangeengine.Config's yaml-facing fields.
type RangeEngineConfig struct {
	TargetChunkBytes  int64 `yaml:"target_chunk_bytes,omitempty"`
	MinChunks         int   `yaml:"min_chunks,omitempty"`
	MaxChunks         int   `yaml:"max_chunks,omitempty"`
	ParallelThreshold int64 `yaml:"parallel_threshold,omitempty"`
	BufferSize        int   `yaml:"buffer_size,omitempty"`
	MaxRetries        int   `yaml:"max_retries,omitempty"`
}

// ToRangeConfig builds a rangeengine.Config, falling back to
// rangeengine.DefaultConfig for any zero-valued field.
func (r RangeEngineConfig) ToRangeConfig() rangeengine.Config {
	cfg := rangeengine.DefaultConfig
	if r.TargetChunkBytes > 0 {
		cfg.TargetChunkBytes = r.TargetChunkBytes
	}
	if r.MinChunks > 0 {
		cfg.MinChunks = r.MinChunks
	}
	if r.MaxChunks > 0 {
		cfg.MaxChunks = r.MaxChunks
	}
	if r.ParallelThreshold > 0 {
		cfg.ParallelThreshold = r.ParallelThreshold
	}
	if r.BufferSize > 0 {
		cfg.BufferSize = r.BufferSize
	}
	if r.MaxRetries > 0 {
		cfg.MaxRetries = r.MaxRetries
	}
	return cfg
}

// TunerConfig mirrors tuner.Limits.
type TunerConfig struct {
	MinChunkBytes int64 `yaml:"min_chunk_bytes,omitempty"`
	MaxChunkBytes int64 `yaml:"max_chunk_bytes,omitempty"`
	MinChunks     int   `yaml:"min_chunks,omitempty"`
	MaxChunks     int   `yaml:"max_chunks,omitempty"`
}

// ToLimits builds tuner.Limits, falling back to tuner.DefaultLimits for any
// zero-valued field.
func (t TunerConfig) ToLimits() tuner.Limits {
	limits := tuner.DefaultLimits
	if t.MinChunkBytes > 0 {
		limits.MinChunkBytes = t.MinChunkBytes
	}
	if t.MaxChunkBytes > 0 {
		limits.MaxChunkBytes = t.MaxChunkBytes
	}
	if t.MinChunks > 0 {
		limits.MinChunks = t.MinChunks
	}
	if t.MaxChunks > 0 {
		limits.MaxChunks = t.MaxChunks
	}
	return limits
}

// OrchestratorConfig mirrors orchestrator.Config's yaml-facing fields.
type OrchestratorConfig struct {
	UseServerTimestamps bool          `yaml:"use_server_timestamps,omitempty"`
	Timestamping        bool          `yaml:"timestamping,omitempty"`
	InitialDelay        time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay            time.Duration `yaml:"max_delay,omitempty"`
	MaxRetries          int           `yaml:"max_retries,omitempty"`
	Wait                time.Duration `yaml:"wait,omitempty"`
	WaitRandomized      bool          `yaml:"wait_randomized,omitempty"`
	WaitRetry           time.Duration `yaml:"wait_retry,omitempty"`
	QuotaBytes          int64         `yaml:"quota_bytes,omitempty"`
}

// ToOrchestratorConfig builds an orchestrator.Config, falling back to
// orchestrator.DefaultConfig for any zero-valued field.
func (o OrchestratorConfig) ToOrchestratorConfig(rangeCfg rangeengine.Config) orchestrator.Config {
	cfg := orchestrator.DefaultConfig
	cfg.Range = rangeCfg
	cfg.UseServerTimestamp = o.UseServerTimestamps
	cfg.Timestamping = o.Timestamping
	cfg.WaitRandomized = o.WaitRandomized
	if o.InitialDelay > 0 {
		cfg.InitialDelay = o.InitialDelay
	}
	if o.MaxDelay > 0 {
		cfg.MaxDelay = o.MaxDelay
	}
	if o.MaxRetries > 0 {
		cfg.MaxRetries = o.MaxRetries
	}
	cfg.Wait = o.Wait
	cfg.WaitRetry = o.WaitRetry
	cfg.QuotaBytes = o.QuotaBytes
	return cfg
}

// CrawlerConfig holds defaults for recursive retrieval (C7).
type CrawlerConfig struct {
	MaxDepth       int      `yaml:"max_depth,omitempty"`
	SpanHosts      bool     `yaml:"span_hosts,omitempty"`
	RespectRobots  bool     `yaml:"respect_robots,omitempty"`
	AcceptGlobs    []string `yaml:"accept,omitempty"`
	RejectGlobs    []string `yaml:"reject,omitempty"`
	IncludeDomains []string `yaml:"include_domains,omitempty"`
	ExcludeDomains []string `yaml:"exclude_domains,omitempty"`
}

// WebDAVServer represents a WebDAV sink target, named so a crawl or
// download can reference it by name instead of a literal URL.
type WebDAVServer struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GetWebDAVServer returns a named WebDAV server, or nil if not configured.
func (c *Config) GetWebDAVServer(name string) *WebDAVServer {
	if c.WebDAVServers == nil {
		return nil
	}
	if s, ok := c.WebDAVServers[name]; ok {
		return &s
	}
	return nil
}

// DefaultOutputDir returns /downloads when running in a container,
// ~/downloads otherwise, and ./downloads when the home directory cannot be
// determined.
func DefaultOutputDir() string {
	if IsRunningInContainer() {
		return "/downloads"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./downloads"
	}
	return filepath.Join(home, "downloads")
}

// IsRunningInContainer detects common container runtimes, the way the
// teacher's IsRunningInDocker does, generalized to also catch podman's
// marker file.
func IsRunningInContainer() bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") || strings.Contains(content, "containerd") {
			return true
		}
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	return false
}

// DefaultConfig returns a Config with sensible defaults for every
// component.
func DefaultConfig() *Config {
	return &Config{
		OutputDir: DefaultOutputDir(),
		Crawler: CrawlerConfig{
			MaxDepth:      5,
			RespectRobots: true,
		},
	}
}

// Exists reports whether the config file is present.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config from ~/.config/fetchkit/config.yml.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.OutputDir = expandPath(cfg.OutputDir)
	return cfg, nil
}

// expandPath expands a leading "~" to the user's home directory, matching
// the teacher's expandPath helper.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "~") {
		return path
	}
	if len(path) > 1 && path[1] != '/' && path[1] != '\\' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	sub := strings.TrimPrefix(path[1:], "/")
	sub = strings.TrimPrefix(sub, "\\")
	return filepath.Join(home, sub)
}

// Save writes cfg to ~/.config/fetchkit/config.yml, creating the directory
// if needed.
func Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	path, err := ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# fetchkit configuration file\n# Run 'fetchkit config init' to regenerate with defaults\n\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}

// Init creates a new config.yml with default values, refusing to overwrite
// an existing one.
func Init() error {
	if Exists() {
		path, _ := ConfigPath()
		return fmt.Errorf("%s already exists", path)
	}
	return Save(DefaultConfig())
}

// LoadOrDefault loads the config if present, otherwise returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}
