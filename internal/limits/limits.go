package limits

import (
	"errors"
	"time"

	"helpdesk_offline_cache/internal/config"
)

// Limits bound what a client may send through the proxy. Only non-GET
// requests such as ticket submissions carry bodies; those always go to the
// network, so MaxBodyBytes caps what is streamed upstream.
type Limits struct {
	MaxHeaderBytes        int
	MaxHeaderCount        int
	MaxURLBytes           int
	MaxBodyBytes          int64
	ReadHeaderTimeout     time.Duration
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	IdleTimeout           time.Duration
	ResponseStreamTimeout time.Duration
}

func Default() Limits {
	return Limits{
		MaxHeaderBytes:    64 << 10,
		MaxHeaderCount:    200,
		MaxURLBytes:       8 << 10,
		MaxBodyBytes:      10 << 20,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

// FromConfig overlays the positive values of cfg on Default and rejects
// negative ones.
func FromConfig(cfg config.LimitsConfig) (Limits, error) {
	if err := checkNonNegative(cfg); err != nil {
		return Limits{}, err
	}

	l := Default()
	overrideInt(&l.MaxHeaderBytes, cfg.MaxHeaderBytes)
	overrideInt(&l.MaxHeaderCount, cfg.MaxHeaderCount)
	overrideInt(&l.MaxURLBytes, cfg.MaxURLBytes)
	if cfg.MaxBodyBytes != nil {
		l.MaxBodyBytes = *cfg.MaxBodyBytes
	}
	overrideMillis(&l.ReadHeaderTimeout, cfg.ReadHeaderTimeoutMS)
	overrideMillis(&l.ReadTimeout, cfg.ReadTimeoutMS)
	overrideMillis(&l.WriteTimeout, cfg.WriteTimeoutMS)
	overrideMillis(&l.IdleTimeout, cfg.IdleTimeoutMS)
	overrideMillis(&l.ResponseStreamTimeout, cfg.ResponseStreamTimeoutMS)
	return l, nil
}

func checkNonNegative(cfg config.LimitsConfig) error {
	var errs []error
	check := func(name string, value int64) {
		if value < 0 {
			errs = append(errs, errors.New("limits."+name+" must be non-negative"))
		}
	}
	check("max_header_bytes", int64(cfg.MaxHeaderBytes))
	check("max_header_count", int64(cfg.MaxHeaderCount))
	check("max_url_bytes", int64(cfg.MaxURLBytes))
	if cfg.MaxBodyBytes != nil {
		check("max_body_bytes", *cfg.MaxBodyBytes)
	}
	check("read_header_timeout_ms", int64(cfg.ReadHeaderTimeoutMS))
	check("read_timeout_ms", int64(cfg.ReadTimeoutMS))
	check("write_timeout_ms", int64(cfg.WriteTimeoutMS))
	check("idle_timeout_ms", int64(cfg.IdleTimeoutMS))
	check("response_stream_timeout_ms", int64(cfg.ResponseStreamTimeoutMS))
	return errors.Join(errs...)
}

func overrideInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

func overrideMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
