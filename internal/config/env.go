package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds values that take precedence over the file. Unset
// variables leave the pointer nil.
type envOverrides struct {
	URL            *string  `env:"OPSYNC_URL"`
	TenantID       *string  `env:"OPSYNC_TENANT_ID"`
	UserID         *string  `env:"OPSYNC_USER_ID"`
	UserName       *string  `env:"OPSYNC_USER_NAME"`
	LogLevel       *string  `env:"OPSYNC_LOG_LEVEL"`
	LogFormat      *string  `env:"OPSYNC_LOG_FORMAT"`
	MetricsEnabled *bool    `env:"OPSYNC_METRICS_ENABLED"`
	MetricsAddr    *string  `env:"OPSYNC_METRICS_ADDR"`
	OTLPEndpoint   *string  `env:"OPSYNC_OTLP_ENDPOINT"`
	SamplingRate   *float64 `env:"OPSYNC_TRACE_SAMPLING_RATE"`
}

// ApplyEnv overrides cfg with OPSYNC_* environment variables.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setString(&cfg.Connection.URL, o.URL)
	setString(&cfg.Connection.TenantID, o.TenantID)
	setString(&cfg.Connection.UserID, o.UserID)
	setString(&cfg.Connection.UserName, o.UserName)
	setString(&cfg.Logging.Level, o.LogLevel)
	setString(&cfg.Logging.Format, o.LogFormat)
	setString(&cfg.Metrics.Addr, o.MetricsAddr)
	setString(&cfg.Tracing.Endpoint, o.OTLPEndpoint)
	if o.MetricsEnabled != nil {
		cfg.Metrics.Enabled = *o.MetricsEnabled
	}
	if o.SamplingRate != nil {
		cfg.Tracing.SamplingRate = o.SamplingRate
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
