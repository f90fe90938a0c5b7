package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/transport"
)

const DefaultListenAddr = "127.0.0.1:8080"

type Config struct {
	ListenAddr string         `json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
	Origin     string         `json:"origin" yaml:"origin" env:"ORIGIN"`
	Policy     PolicyConfig   `json:"policy" yaml:"policy" envPrefix:"POLICY_"`
	Storage    StorageConfig  `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Network    NetworkConfig  `json:"network" yaml:"network" envPrefix:"NETWORK_"`
	Install    InstallConfig  `json:"install" yaml:"install" envPrefix:"INSTALL_"`
	Admin      AdminConfig    `json:"admin" yaml:"admin" envPrefix:"ADMIN_"`
	Health     HealthConfig   `json:"health" yaml:"health" envPrefix:"HEALTH_"`
	Metrics    MetricsConfig  `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Limits     LimitsConfig   `json:"limits" yaml:"limits" envPrefix:"LIMITS_"`
	Shutdown   ShutdownConfig `json:"shutdown" yaml:"shutdown" envPrefix:"SHUTDOWN_"`
}

// PolicyConfig starts from a preset and overrides the fields that are set.
type PolicyConfig struct {
	Preset             string   `json:"preset" yaml:"preset" env:"PRESET"`
	Version            string   `json:"version" yaml:"version" env:"VERSION"`
	Manifest           []string `json:"manifest" yaml:"manifest" env:"MANIFEST"`
	ShellURL           string   `json:"shell_url" yaml:"shell_url" env:"SHELL_URL"`
	StaticPrefix       string   `json:"static_prefix" yaml:"static_prefix" env:"STATIC_PREFIX"`
	NavigationFallback *bool    `json:"navigation_fallback" yaml:"navigation_fallback" env:"NAVIGATION_FALLBACK"`
	CacheOnFetch       *bool    `json:"cache_on_fetch" yaml:"cache_on_fetch" env:"CACHE_ON_FETCH"`
	SkipWaiting        *bool    `json:"skip_waiting" yaml:"skip_waiting" env:"SKIP_WAITING"`
}

type StorageConfig struct {
	Driver         string `json:"driver" yaml:"driver" env:"DRIVER"`
	Path           string `json:"path" yaml:"path" env:"PATH"`
	MaxObjectBytes int64  `json:"max_object_bytes" yaml:"max_object_bytes" env:"MAX_OBJECT_BYTES"`
}

type NetworkConfig struct {
	DialTimeoutMS           int `json:"dial_timeout_ms" yaml:"dial_timeout_ms" env:"DIAL_TIMEOUT_MS"`
	TLSHandshakeTimeoutMS   int `json:"tls_handshake_timeout_ms" yaml:"tls_handshake_timeout_ms" env:"TLS_HANDSHAKE_TIMEOUT_MS"`
	ResponseHeaderTimeoutMS int `json:"response_header_timeout_ms" yaml:"response_header_timeout_ms" env:"RESPONSE_HEADER_TIMEOUT_MS"`
	IdleConnTimeoutMS       int `json:"idle_conn_timeout_ms" yaml:"idle_conn_timeout_ms" env:"IDLE_CONN_TIMEOUT_MS"`
	MaxIdleConnsPerHost     int `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST"`
	MaxConnsPerHost         int `json:"max_conns_per_host" yaml:"max_conns_per_host" env:"MAX_CONNS_PER_HOST"`
}

type InstallConfig struct {
	Concurrency int `json:"concurrency" yaml:"concurrency" env:"CONCURRENCY"`
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffMS   int `json:"backoff_ms" yaml:"backoff_ms" env:"BACKOFF_MS"`
	// RetryIntervalMS spaces out new registrations of the initial worker
	// after every install attempt has failed.
	RetryIntervalMS int `json:"retry_interval_ms" yaml:"retry_interval_ms" env:"RETRY_INTERVAL_MS"`
}

type AdminConfig struct {
	ListenAddr   string `json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
	TokenEnv     string `json:"token_env" yaml:"token_env" env:"TOKEN_ENV"`
	CertFile     string `json:"cert_file" yaml:"cert_file" env:"CERT_FILE"`
	KeyFile      string `json:"key_file" yaml:"key_file" env:"KEY_FILE"`
	ClientCAFile string `json:"client_ca_file" yaml:"client_ca_file" env:"CLIENT_CA_FILE"`
}

type HealthConfig struct {
	GRPCAddr        string `json:"grpc_addr" yaml:"grpc_addr" env:"GRPC_ADDR"`
	ProbePath       string `json:"probe_path" yaml:"probe_path" env:"PROBE_PATH"`
	ProbeIntervalMS int    `json:"probe_interval_ms" yaml:"probe_interval_ms" env:"PROBE_INTERVAL_MS"`
	ProbeTimeoutMS  int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms" env:"PROBE_TIMEOUT_MS"`
	HealthyAfter    int    `json:"healthy_after" yaml:"healthy_after" env:"HEALTHY_AFTER"`
	UnhealthyAfter  int    `json:"unhealthy_after" yaml:"unhealthy_after" env:"UNHEALTHY_AFTER"`
}

type MetricsConfig struct {
	Path         string `json:"path" yaml:"path" env:"PATH"`
	RequireToken bool   `json:"require_token" yaml:"require_token" env:"REQUIRE_TOKEN"`
	TokenEnv     string `json:"token_env" yaml:"token_env" env:"TOKEN_ENV"`
}

type LimitsConfig struct {
	MaxHeaderBytes          int    `json:"max_header_bytes" yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	MaxHeaderCount          int    `json:"max_header_count" yaml:"max_header_count" env:"MAX_HEADER_COUNT"`
	MaxURLBytes             int    `json:"max_url_bytes" yaml:"max_url_bytes" env:"MAX_URL_BYTES"`
	MaxBodyBytes            *int64 `json:"max_body_bytes" yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	ReadHeaderTimeoutMS     int    `json:"read_header_timeout_ms" yaml:"read_header_timeout_ms" env:"READ_HEADER_TIMEOUT_MS"`
	ReadTimeoutMS           int    `json:"read_timeout_ms" yaml:"read_timeout_ms" env:"READ_TIMEOUT_MS"`
	WriteTimeoutMS          int    `json:"write_timeout_ms" yaml:"write_timeout_ms" env:"WRITE_TIMEOUT_MS"`
	IdleTimeoutMS           int    `json:"idle_timeout_ms" yaml:"idle_timeout_ms" env:"IDLE_TIMEOUT_MS"`
	ResponseStreamTimeoutMS int    `json:"response_stream_timeout_ms" yaml:"response_stream_timeout_ms" env:"RESPONSE_STREAM_TIMEOUT_MS"`
}

type ShutdownConfig struct {
	DrainMS           int `json:"drain_ms" yaml:"drain_ms" env:"DRAIN_MS"`
	GracefulTimeoutMS int `json:"graceful_timeout_ms" yaml:"graceful_timeout_ms" env:"GRACEFUL_TIMEOUT_MS"`
	ForceCloseMS      int `json:"force_close_ms" yaml:"force_close_ms" env:"FORCE_CLOSE_MS"`
}

// Load reads a config file. Files ending in .yaml or .yml are parsed as YAML;
// anything else is JSON with comments and trailing commas allowed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

func ParseJSON(data []byte) (*Config, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return &cfg, nil
}

func ParseYAML(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ListenAddress() string {
	if c == nil || strings.TrimSpace(c.ListenAddr) == "" {
		return DefaultListenAddr
	}
	return c.ListenAddr
}

func (c *Config) OriginURL() (*url.URL, error) {
	if c == nil || strings.TrimSpace(c.Origin) == "" {
		return nil, errors.New("origin is required")
	}
	origin, err := url.Parse(strings.TrimSpace(c.Origin))
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must use http or https", c.Origin)
	}
	if origin.Host == "" {
		return nil, fmt.Errorf("origin %q has no host", c.Origin)
	}
	return origin, nil
}

// BuildPolicy resolves the configured preset and applies overrides.
func (c *Config) BuildPolicy() (policy.Policy, error) {
	if c == nil {
		return policy.Policy{}, errors.New("config is nil")
	}
	return c.Policy.Build()
}

func (p PolicyConfig) Build() (policy.Policy, error) {
	built, err := policy.Preset(p.Preset)
	if err != nil {
		return policy.Policy{}, err
	}
	if strings.TrimSpace(p.Version) != "" {
		built.Version = strings.TrimSpace(p.Version)
	}
	if len(p.Manifest) > 0 {
		built.Manifest = append([]string(nil), p.Manifest...)
	}
	if p.ShellURL != "" {
		built.ShellURL = p.ShellURL
	}
	if p.StaticPrefix != "" {
		built.StaticPrefix = p.StaticPrefix
	}
	if p.NavigationFallback != nil {
		built.NavigationFallback = *p.NavigationFallback
	}
	if p.CacheOnFetch != nil {
		built.CacheOnFetch = *p.CacheOnFetch
	}
	if p.SkipWaiting != nil {
		built.SkipWaiting = *p.SkipWaiting
	}
	if err := built.Validate(); err != nil {
		return policy.Policy{}, err
	}
	return built, nil
}

func (c *Config) StorageOptions() cache.Options {
	return cache.Options{
		Driver:         c.Storage.Driver,
		Path:           c.Storage.Path,
		MaxObjectBytes: c.Storage.MaxObjectBytes,
	}
}

func (c *Config) NetworkOptions() transport.Options {
	opts := transport.DefaultOptions()
	if c.Network.DialTimeoutMS > 0 {
		opts.DialTimeout = millis(c.Network.DialTimeoutMS)
	}
	if c.Network.TLSHandshakeTimeoutMS > 0 {
		opts.TLSHandshakeTimeout = millis(c.Network.TLSHandshakeTimeoutMS)
	}
	if c.Network.ResponseHeaderTimeoutMS > 0 {
		opts.ResponseHeaderTimeout = millis(c.Network.ResponseHeaderTimeoutMS)
	}
	if c.Network.IdleConnTimeoutMS > 0 {
		opts.IdleConnTimeout = millis(c.Network.IdleConnTimeoutMS)
	}
	if c.Network.MaxIdleConnsPerHost > 0 {
		opts.MaxIdleConnsPerHost = c.Network.MaxIdleConnsPerHost
	}
	if c.Network.MaxConnsPerHost > 0 {
		opts.MaxConnsPerHost = c.Network.MaxConnsPerHost
	}
	return opts
}

// DefaultMetricsPath sits outside any path the helpdesk app serves. Requests
// for the metrics path are answered by the scrape handler and never reach
// the worker.
const DefaultMetricsPath = "/_offline/metrics"

func (c *Config) MetricsPath() string {
	if c == nil || strings.TrimSpace(c.Metrics.Path) == "" {
		return DefaultMetricsPath
	}
	return c.Metrics.Path
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
