package runtime

import (
	"cmp"
	"errors"
	"time"

	"helpdesk_offline_cache/internal/config"
)

// ShutdownConfig paces process exit: Drain keeps in-flight fetches running
// after listeners close, GracefulTimeout bounds waiting for them, and
// ForceClose is the grace period before remaining connections are cut.
type ShutdownConfig struct {
	Drain           time.Duration
	GracefulTimeout time.Duration
	ForceClose      time.Duration
}

func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Drain:           2 * time.Second,
		GracefulTimeout: 5 * time.Second,
		ForceClose:      2 * time.Second,
	}
}

func ShutdownFromConfig(cfg config.ShutdownConfig) (ShutdownConfig, error) {
	var errs []error
	for name, value := range map[string]int{
		"shutdown.drain_ms":            cfg.DrainMS,
		"shutdown.graceful_timeout_ms": cfg.GracefulTimeoutMS,
		"shutdown.force_close_ms":      cfg.ForceCloseMS,
	} {
		if value < 0 {
			errs = append(errs, errors.New(name+" must be non-negative"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ShutdownConfig{}, err
	}
	return ApplyShutdownDefaults(ShutdownConfig{
		Drain:           millis(cfg.DrainMS),
		GracefulTimeout: millis(cfg.GracefulTimeoutMS),
		ForceClose:      millis(cfg.ForceCloseMS),
	}), nil
}

// ApplyShutdownDefaults fills every non-positive duration.
func ApplyShutdownDefaults(cfg ShutdownConfig) ShutdownConfig {
	defaults := DefaultShutdownConfig()
	cfg.Drain = cmp.Or(max(cfg.Drain, 0), defaults.Drain)
	cfg.GracefulTimeout = cmp.Or(max(cfg.GracefulTimeout, 0), defaults.GracefulTimeout)
	cfg.ForceClose = cmp.Or(max(cfg.ForceClose, 0), defaults.ForceClose)
	return cfg
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
