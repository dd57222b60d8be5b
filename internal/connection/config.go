package connection

import "time"

type Config struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	BackoffMin     time.Duration `yaml:"backoffMin"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	EmitTimeout    time.Duration `yaml:"emitTimeout"`
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 2 * time.Second,
		RetryDelay:     5 * time.Second,
		ConnectTimeout: 20 * time.Second,
		BackoffMin:     1 * time.Second,
		BackoffMax:     10 * time.Second,
		EmitTimeout:    2 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = def.EmitTimeout
	}
	return cfg
}
