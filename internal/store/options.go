package store

import "log/slog"

// Option configures a Store backend at construction.
type Option func(*commonConfig)

type commonConfig struct {
	logger *slog.Logger
}

func newCommonConfig(opts []Option) commonConfig {
	cfg := commonConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger overrides the default logger used for backend warnings and
// errors (e.g. backend I/O failures, §4.1 "Failure modes").
func WithLogger(l *slog.Logger) Option {
	return func(c *commonConfig) {
		if l != nil {
			c.logger = l
		}
	}
}
