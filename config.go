package worker

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ConfigEnvPrefix prefixes environment overrides of config keys, so
// WORKER_EXECUTION_TIMEOUT overrides execution_timeout.
const ConfigEnvPrefix = "WORKER"

// ProcessEnv holds the process-level variables read at startup.
type ProcessEnv struct {
	// Environment overrides the mode from the config file.
	Environment Environment `env:"ENVIRONMENT"`
	ConfigFile  string      `env:"WORKER_CONFIG"`
	// Secrets is a comma separated list of name:value pairs.
	Secrets map[string]string `env:"WORKER_SECRETS"`
}

// ParseProcessEnv reads ProcessEnv from the environment.
func ParseProcessEnv() (ProcessEnv, error) {
	var pe ProcessEnv
	if err := env.Parse(&pe); err != nil {
		return ProcessEnv{}, fmt.Errorf("parse env: %w", err)
	}
	return pe, nil
}

// LoadConfig reads a HostConfig from path (YAML, TOML or JSON by
// extension). Unset fields take their DefaultHostConfig values, and
// WORKER_* variables override scalar keys. Names under vars are
// upper-cased. An empty path searches for worker.yaml or worker.toml in
// the working directory; finding none is not an error.
func LoadConfig(path string) (HostConfig, error) {
	v := viper.New()
	def := DefaultHostConfig()
	v.SetDefault("environment", string(def.Environment))
	v.SetDefault("execution_timeout", def.ExecutionTimeout)
	v.SetDefault("wait_until_timeout", def.WaitUntilTimeout)
	v.SetDefault("max_response_bytes", def.MaxResponseBytes)
	v.SetDefault("background_workers", def.BackgroundWorkers)
	v.SetDefault("scheduled_max_retries", def.ScheduledMaxRetries)
	v.SetDefault("listen", def.Listen)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("name", "")
	v.SetDefault("origin", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("worker")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return HostConfig{}, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(ConfigEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg HostConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return HostConfig{}, fmt.Errorf("decoding config: %w", err)
	}
	if len(cfg.Vars) > 0 {
		// viper lower-cases keys; variable names are conventionally upper case.
		vars := make(map[string]string, len(cfg.Vars))
		for k, val := range cfg.Vars {
			vars[strings.ToUpper(k)] = val
		}
		cfg.Vars = vars
	}
	for i, b := range cfg.Hyperdrive {
		cfg.Hyperdrive[i].ConnectionString = os.ExpandEnv(b.ConnectionString)
	}
	for i, b := range cfg.KV {
		cfg.KV[i].RedisURL = os.ExpandEnv(b.RedisURL)
	}
	if cfg.AI != nil {
		cfg.AI.Token = os.ExpandEnv(cfg.AI.Token)
	}
	if err := cfg.Validate(); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

// ApplyProcessEnv overlays pe onto cfg and env.
func ApplyProcessEnv(pe ProcessEnv, cfg *HostConfig, e *Env) {
	if pe.Environment != "" {
		cfg.Environment = pe.Environment
		if e != nil {
			e.Environment = pe.Environment
		}
	}
	if e == nil {
		return
	}
	if e.Secrets == nil && len(pe.Secrets) > 0 {
		e.Secrets = make(map[string]string, len(pe.Secrets))
	}
	for k, val := range pe.Secrets {
		e.Secrets[k] = val
	}
}
