// Package config defines the orchestrator's configuration structure and
// loads it from a config file, environment variables, and flags, in that
// order of increasing precedence, via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Server holds the HTTP listener settings.
type Server struct {
	ServerMode string `mapstructure:"server_mode" default:"dev"`
	HTTPPort   int    `mapstructure:"http_port" default:"8080"`
}

// Database holds the three DSNs behind the orchestrator's connection pools
// (§5): interactive API traffic, SSE streaming, and background reconcilers
// each get their own pool so a slow consumer of one can't starve another.
type Database struct {
	APIDSN       string `mapstructure:"api_dsn"`
	StreamDSN    string `mapstructure:"stream_dsn"`
	ReconcileDSN string `mapstructure:"reconcile_dsn"`
}

// Dispatch holds the push-dispatcher's tunables.
type Dispatch struct {
	Concurrency int `mapstructure:"concurrency" default:"32"`
}

// Auth holds the session-JWT signing secret and the static API key table
// used by the auth middleware. APIKeys is a comma-separated list of
// "sk_xxx=<project-uuid>" pairs; a real deployment would back this with a
// table instead, but no such store operation exists in SPEC_FULL.md.
type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	APIKeys   string `mapstructure:"api_keys"`
}

// Reconcile holds the background loop periods, overriding reconcile.DefaultConfig.
type Reconcile struct {
	StaleWorkerCleanup     time.Duration `mapstructure:"stale_worker_cleanup" default:"60s"`
	ExpiredWaits           time.Duration `mapstructure:"expired_waits" default:"5s"`
	EventWaitFallback      time.Duration `mapstructure:"event_wait_fallback" default:"2s"`
	SubworkflowReconcile   time.Duration `mapstructure:"subworkflow_reconcile" default:"10s"`
	EventTriggerProcessor  time.Duration `mapstructure:"event_trigger_processor" default:"2s"`
	ScheduleFiring         time.Duration `mapstructure:"schedule_firing" default:"5s"`
	ExecutionTimeout       time.Duration `mapstructure:"execution_timeout" default:"30s"`
	PendingCancelPropagate time.Duration `mapstructure:"pending_cancel_propagate" default:"5s"`
	RetentionGC            time.Duration `mapstructure:"retention_gc" default:"1h"`
	RetentionMaxAge        time.Duration `mapstructure:"retention_max_age" default:"720h"`
}

// Configuration is the root configuration object for the orchestrator
// binary.
type Configuration struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Dispatch  Dispatch  `mapstructure:"dispatch"`
	Auth      Auth      `mapstructure:"auth"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	LogFormat string    `mapstructure:"log_format" default:"json"`
	LogLevel  string    `mapstructure:"log_level" default:"info"`
}

// WithDefaults applies the struct-tag defaults from creasty/defaults to a
// freshly unmarshaled Configuration, filling in anything viper left zero.
func WithDefaults(cfg *Configuration) error {
	return defaults.Set(cfg)
}

// Load reads configuration from (in increasing precedence) an optional
// config file, environment variables prefixed ORCHESTRATOR_, and explicitly
// set flags, applying struct-tag defaults for anything left unset. An
// environment variable is only picked up for a key viper already knows
// from a bound flag or from the config file.
func Load(flags *pflag.FlagSet, configFile string) (*Configuration, error) {
	v := viper.New()
	v.SetEnvPrefix("orchestrator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := &Configuration{}
	if err := WithDefaults(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ParseAPIKeys parses the Auth.APIKeys "key=project-uuid,..." table into a
// lookup map for the auth middleware.
func ParseAPIKeys(raw string) (map[string]uuid.UUID, error) {
	out := map[string]uuid.UUID{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid api key entry %q", pair)
		}
		id, err := uuid.Parse(kv[1])
		if err != nil {
			return nil, fmt.Errorf("invalid project id for api key %q: %w", kv[0], err)
		}
		out[kv[0]] = id
	}
	return out, nil
}
