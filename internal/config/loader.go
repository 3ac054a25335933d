// Package config loads slotbatch's process configuration: status server,
// logging, metrics and the default locations of run state.
//
// Precedence, highest first: runtime overrides, SLOTBATCH_* environment
// variables, the user config file, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config and data directory lookup.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is slotbatch's identity.
var DefaultIdentity = Identity{BinaryName: "slotbatch", EnvPrefix: "SLOTBATCH", ConfigName: "slotbatch"}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HistoryConfig is the default cost history store, used when a batch
// manifest names none.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
	URL  string `mapstructure:"url"`
	// AuthToken is never read from files; set SLOTBATCH_HISTORY_AUTH_TOKEN.
	AuthToken string `mapstructure:"auth_token"`
}

type RunsConfig struct {
	// Dir holds background run records and logs.
	Dir string `mapstructure:"dir"`
}

// Config is the loaded process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	History HistoryConfig `mapstructure:"history"`
	Runs    RunsConfig    `mapstructure:"runs"`
}

var (
	configMu     sync.RWMutex
	appIdentity  *Identity
	appConfig    *Config
	explicitFile string
)

// SetConfigFile makes path the only config file considered. An empty path
// restores the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	explicitFile = path
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("history.path", "")
	v.SetDefault("history.url", "")
	v.SetDefault("runs.dir", "")
}

// Load builds the configuration and makes it the one GetConfig returns.
// Each override map is applied on top of everything else, later maps
// winning.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	identity := *appIdentity
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if path, explicit := userConfigFile(identity); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || (!errors.As(err, &notFound) && !os.IsNotExist(err)) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	if cfg.Runs.Dir == "" {
		cfg.Runs.Dir = filepath.Join(DataDir(), "runs")
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// DataDir is the application's data directory.
func DataDir() string {
	configMu.RLock()
	id := DefaultIdentity
	if appIdentity != nil {
		id = *appIdentity
	}
	configMu.RUnlock()
	return gfconfig.GetAppDataDir(id.ConfigName)
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "HISTORY_PATH", Path: "history.path"},
		{Name: p + "HISTORY_URL", Path: "history.url"},
		{Name: p + "HISTORY_AUTH_TOKEN", Path: "history.auth_token"},
		{Name: p + "RUNS_DIR", Path: "runs.dir"},
	}
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	explicit := explicitFile
	configMu.RUnlock()
	if explicit != "" {
		return []string{explicit}
	}
	if id == nil {
		return []string{}
	}

	var paths []string
	if env := os.Getenv(id.EnvPrefix + "_CONFIG"); env != "" {
		paths = append(paths, env)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName, "config.yaml"))
	}
	return paths
}

// userConfigFile picks the config file to read. An explicit file is
// returned even when missing so that Load can report it.
func userConfigFile(_ Identity) (string, bool) {
	configMu.RLock()
	explicit := explicitFile
	configMu.RUnlock()
	if explicit != "" {
		return explicit, true
	}
	for _, p := range getUserConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, false
		}
	}
	return "", false
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
