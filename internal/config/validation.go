package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"helpdesk_offline_cache/internal/cache"
)

const (
	defaultMetricsTokenEnv = "METRICS_TOKEN"
	DefaultAdminTokenEnv   = "ADMIN_TOKEN"
)

func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if _, err := cfg.OriginURL(); err != nil {
		return warnings, err
	}
	if err := validatePolicy(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateStorage(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateInstall(cfg); err != nil {
		return warnings, err
	}
	if err := validateAdmin(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateLimits(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateMetrics(cfg); err != nil {
		return warnings, err
	}
	if err := validateMetricsPath(cfg); err != nil {
		return warnings, err
	}
	return warnings, nil
}

func ValidateMetricsToken(cfg *Config) error {
	return validateMetrics(cfg)
}

func validatePolicy(cfg *Config, warnings *[]string) error {
	built, err := cfg.BuildPolicy()
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if built.NavigationFallback && !slices.Contains(built.Manifest, built.ShellURL) {
		*warnings = append(*warnings, fmt.Sprintf("policy shell_url %q is not in the manifest; navigation fallback depends on it being cached", built.ShellURL))
	}
	if len(built.Manifest) == 0 {
		*warnings = append(*warnings, "policy manifest is empty")
	}
	if !built.SkipWaiting && strings.TrimSpace(cfg.Admin.ListenAddr) == "" {
		*warnings = append(*warnings, "policy skip_waiting disabled without an admin listener; waiting versions cannot be promoted")
	}
	return nil
}

func validateStorage(cfg *Config, warnings *[]string) error {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", cache.DriverMemory:
		*warnings = append(*warnings, "storage driver memory does not survive restarts")
	case cache.DriverBolt, cache.DriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", driver)
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if cfg.Storage.MaxObjectBytes < 0 {
		return errors.New("storage.max_object_bytes must be non-negative")
	}
	return nil
}

func validateInstall(cfg *Config) error {
	if cfg.Install.Concurrency < 0 {
		return errors.New("install.concurrency must be non-negative")
	}
	if cfg.Install.MaxAttempts < 0 {
		return errors.New("install.max_attempts must be non-negative")
	}
	if cfg.Install.BackoffMS < 0 {
		return errors.New("install.backoff_ms must be non-negative")
	}
	if cfg.Install.RetryIntervalMS < 0 {
		return errors.New("install.retry_interval_ms must be non-negative")
	}
	return nil
}

func validateAdmin(cfg *Config, warnings *[]string) error {
	if strings.TrimSpace(cfg.Admin.ListenAddr) == "" {
		return nil
	}
	if strings.TrimSpace(os.Getenv(cfg.AdminTokenEnv())) == "" {
		return fmt.Errorf("admin token missing in %s", cfg.AdminTokenEnv())
	}
	hasCert := strings.TrimSpace(cfg.Admin.CertFile) != ""
	hasKey := strings.TrimSpace(cfg.Admin.KeyFile) != ""
	if hasCert != hasKey {
		return errors.New("admin.cert_file and admin.key_file must be set together")
	}
	if strings.TrimSpace(cfg.Admin.ClientCAFile) != "" && !hasCert {
		return errors.New("admin.client_ca_file requires admin.cert_file")
	}
	if !hasCert {
		*warnings = append(*warnings, "admin listener serves plain http")
	}
	return nil
}

func (c *Config) AdminTokenEnv() string {
	env := strings.TrimSpace(c.Admin.TokenEnv)
	if env == "" {
		return DefaultAdminTokenEnv
	}
	return env
}

func validateMetrics(cfg *Config) error {
	if cfg == nil || !cfg.Metrics.RequireToken {
		return nil
	}
	if strings.TrimSpace(os.Getenv(cfg.MetricsTokenEnv())) == "" {
		return fmt.Errorf("metrics token missing in %s", cfg.MetricsTokenEnv())
	}
	return nil
}

// validateMetricsPath rejects a metrics path that shadows a page the worker
// has to answer: the shell URL or a same-origin manifest entry.
func validateMetricsPath(cfg *Config) error {
	metricsPath := cfg.MetricsPath()
	if !strings.HasPrefix(metricsPath, "/") {
		return fmt.Errorf("metrics.path %q must start with /", metricsPath)
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	built, err := cfg.BuildPolicy()
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	for _, raw := range append([]string{built.ShellURL}, built.Manifest...) {
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		target := origin.ResolveReference(ref)
		if target.Host == origin.Host && target.Path == metricsPath {
			return fmt.Errorf("metrics.path %q shadows %q served by the worker", metricsPath, raw)
		}
	}
	return nil
}

func (c *Config) MetricsTokenEnv() string {
	env := strings.TrimSpace(c.Metrics.TokenEnv)
	if env == "" {
		return defaultMetricsTokenEnv
	}
	return env
}

func validateLimits(cfg *Config, warnings *[]string) error {
	limitsConfigured := limitsConfigured(cfg.Limits)
	if cfg.Limits.MaxBodyBytes != nil {
		if *cfg.Limits.MaxBodyBytes <= 0 {
			return errors.New("limits.max_body_bytes must be > 0")
		}
	}
	if limitsConfigured && cfg.Limits.ReadHeaderTimeoutMS <= 0 {
		return errors.New("limits.read_header_timeout_ms must be > 0")
	}
	if cfg.Limits.WriteTimeoutMS > 0 && cfg.Limits.WriteTimeoutMS < 1000 {
		*warnings = append(*warnings, "limits.write_timeout_ms under 1s may cut off large cached assets")
	}
	return nil
}

func limitsConfigured(cfg LimitsConfig) bool {
	if cfg.MaxHeaderBytes != 0 || cfg.MaxHeaderCount != 0 || cfg.MaxURLBytes != 0 {
		return true
	}
	if cfg.MaxBodyBytes != nil {
		return true
	}
	if cfg.ReadHeaderTimeoutMS != 0 || cfg.ReadTimeoutMS != 0 || cfg.WriteTimeoutMS != 0 {
		return true
	}
	if cfg.IdleTimeoutMS != 0 || cfg.ResponseStreamTimeoutMS != 0 {
		return true
	}
	return false
}
