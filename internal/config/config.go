// Package config loads keeperd configuration: defaults, then an optional
// YAML file, then KEEPER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"eblusha/keeper/internal/callalert"
	"eblusha/keeper/internal/connection"
	"eblusha/keeper/internal/credstore"
	"eblusha/keeper/internal/keepalive"
	"eblusha/keeper/internal/notify"
)

const EnvPrefix = "KEEPER_"

type Config struct {
	Connection    connection.Config `yaml:"connection"`
	Credentials   CredentialConfig  `yaml:"credentials"`
	Calls         callalert.Config  `yaml:"calls"`
	Notifications notify.Config     `yaml:"notifications"`
	Avatars       AvatarConfig      `yaml:"avatars"`
	KeepAlive     keepalive.Config  `yaml:"keepalive"`
	RPC           RPCConfig         `yaml:"rpc"`
	Log           LogConfig         `yaml:"log"`
}

type CredentialConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Secret   string `yaml:"secret"`
	RedisURL string `yaml:"redisUrl"`
	RedisKey string `yaml:"redisKey"`
}

func (c CredentialConfig) StoreOptions() credstore.Options {
	return credstore.Options{
		Backend:  c.Backend,
		Path:     c.Path,
		Secret:   c.Secret,
		RedisURL: c.RedisURL,
		RedisKey: c.RedisKey,
	}
}

type AvatarConfig struct {
	HostRPS   float64 `yaml:"hostRps"`
	HostBurst int     `yaml:"hostBurst"`
}

type RPCConfig struct {
	Addr       string  `yaml:"addr"`
	Token      string  `yaml:"token"`
	RateRPS    float64 `yaml:"rateRps"`
	RateBurst  int     `yaml:"rateBurst"`
	HubHistory int     `yaml:"hubHistory"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides lists the settings that can be changed without a config file.
// Unset variables leave the loaded value alone.
type envOverrides struct {
	ServerURL         string         `env:"SERVER_URL"`
	CredentialBackend string         `env:"CREDENTIAL_BACKEND"`
	CredentialPath    string         `env:"CREDENTIAL_PATH"`
	CredentialSecret  string         `env:"CREDENTIAL_SECRET"`
	RedisURL          string         `env:"REDIS_URL"`
	RPCAddr           string         `env:"RPC_ADDR"`
	RPCToken          string         `env:"RPC_TOKEN"`
	LogLevel          string         `env:"LOG_LEVEL"`
	LogFormat         string         `env:"LOG_FORMAT"`
	KeepAlivePeriod   *time.Duration `env:"KEEPALIVE_PERIOD"`
	RingTimeout       *time.Duration `env:"RING_TIMEOUT"`
	ConnectTimeout    *time.Duration `env:"CONNECT_TIMEOUT"`
	AvatarWorkers     *int           `env:"AVATAR_WORKERS"`
}

func Default() Config {
	return Config{
		Connection:    connection.DefaultConfig(),
		Credentials:   CredentialConfig{Backend: credstore.BackendFile, Path: "keeper-data/credential.json"},
		Calls:         callalert.DefaultConfig(),
		Notifications: notify.DefaultConfig(),
		Avatars:       AvatarConfig{HostRPS: 2, HostBurst: 4},
		KeepAlive:     keepalive.DefaultConfig(),
		RPC: RPCConfig{
			Addr:       "127.0.0.1:8797",
			RateRPS:    20,
			RateBurst:  40,
			HubHistory: 1024,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configPath, or the first existing default candidate when it is
// empty, and applies the process environment.
func Load(configPath string) (Config, error) {
	return LoadWithEnv(configPath, envMap(os.Environ()))
}

func LoadWithEnv(configPath string, environ map[string]string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	explicit := strings.TrimSpace(configPath) != ""
	if !explicit {
		candidates = []string{"configs/keeper.yaml", "keeper.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg, environ); err != nil {
		return Config{}, err
	}
	return Normalize(cfg), nil
}

func ApplyEnvOverrides(cfg *Config, environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setString(&cfg.Connection.URL, o.ServerURL)
	setString(&cfg.Credentials.Backend, o.CredentialBackend)
	setString(&cfg.Credentials.Path, o.CredentialPath)
	setString(&cfg.Credentials.Secret, o.CredentialSecret)
	setString(&cfg.Credentials.RedisURL, o.RedisURL)
	setString(&cfg.RPC.Addr, o.RPCAddr)
	setString(&cfg.RPC.Token, o.RPCToken)
	setString(&cfg.Log.Level, o.LogLevel)
	setString(&cfg.Log.Format, o.LogFormat)
	if o.KeepAlivePeriod != nil {
		cfg.KeepAlive.Period = *o.KeepAlivePeriod
	}
	if o.RingTimeout != nil {
		cfg.Calls.RingTimeout = *o.RingTimeout
	}
	if o.ConnectTimeout != nil {
		cfg.Connection.ConnectTimeout = *o.ConnectTimeout
	}
	if o.AvatarWorkers != nil {
		cfg.Notifications.AvatarWorkers = *o.AvatarWorkers
	}
	return nil
}

// Normalize replaces missing or non-positive values with defaults.
func Normalize(cfg Config) Config {
	def := Default()
	cfg.Connection.URL = strings.TrimRight(strings.TrimSpace(cfg.Connection.URL), "/")
	if cfg.Connection.ReconnectDelay <= 0 {
		cfg.Connection.ReconnectDelay = def.Connection.ReconnectDelay
	}
	if cfg.Connection.RetryDelay <= 0 {
		cfg.Connection.RetryDelay = def.Connection.RetryDelay
	}
	if cfg.Connection.ConnectTimeout <= 0 {
		cfg.Connection.ConnectTimeout = def.Connection.ConnectTimeout
	}
	if cfg.Connection.BackoffMin <= 0 {
		cfg.Connection.BackoffMin = def.Connection.BackoffMin
	}
	if cfg.Connection.BackoffMax < cfg.Connection.BackoffMin {
		cfg.Connection.BackoffMax = def.Connection.BackoffMax
		if cfg.Connection.BackoffMax < cfg.Connection.BackoffMin {
			cfg.Connection.BackoffMax = cfg.Connection.BackoffMin
		}
	}
	if cfg.Connection.EmitTimeout <= 0 {
		cfg.Connection.EmitTimeout = def.Connection.EmitTimeout
	}
	if strings.TrimSpace(cfg.Credentials.Backend) == "" {
		cfg.Credentials.Backend = def.Credentials.Backend
	}
	if strings.TrimSpace(cfg.Credentials.Path) == "" {
		cfg.Credentials.Path = def.Credentials.Path
	}
	if cfg.Calls.RingTimeout <= 0 {
		cfg.Calls.RingTimeout = def.Calls.RingTimeout
	}
	if cfg.Calls.WakeLockTimeout <= 0 {
		cfg.Calls.WakeLockTimeout = def.Calls.WakeLockTimeout
	}
	if len(cfg.Calls.Vibration) == 0 {
		cfg.Calls.Vibration = def.Calls.Vibration
	}
	if cfg.Notifications.AvatarWorkers <= 0 {
		cfg.Notifications.AvatarWorkers = def.Notifications.AvatarWorkers
	}
	if cfg.Notifications.AvatarTimeout <= 0 {
		cfg.Notifications.AvatarTimeout = def.Notifications.AvatarTimeout
	}
	if cfg.Avatars.HostRPS <= 0 {
		cfg.Avatars.HostRPS = def.Avatars.HostRPS
	}
	if cfg.Avatars.HostBurst <= 0 {
		cfg.Avatars.HostBurst = def.Avatars.HostBurst
	}
	if cfg.KeepAlive.Period <= 0 {
		cfg.KeepAlive.Period = def.KeepAlive.Period
	}
	if cfg.KeepAlive.TickTimeout <= 0 {
		cfg.KeepAlive.TickTimeout = def.KeepAlive.TickTimeout
	}
	if cfg.KeepAlive.ServiceAlivePeriod <= 0 {
		cfg.KeepAlive.ServiceAlivePeriod = def.KeepAlive.ServiceAlivePeriod
	}
	if strings.TrimSpace(cfg.RPC.Addr) == "" {
		cfg.RPC.Addr = def.RPC.Addr
	}
	if cfg.RPC.RateRPS <= 0 {
		cfg.RPC.RateRPS = def.RPC.RateRPS
	}
	if cfg.RPC.RateBurst <= 0 {
		cfg.RPC.RateBurst = def.RPC.RateBurst
	}
	if cfg.RPC.HubHistory <= 0 {
		cfg.RPC.HubHistory = def.RPC.HubHistory
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = def.Log.Level
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = def.Log.Format
	}
	return cfg
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}
