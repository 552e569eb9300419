package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/records"
)

// Loader loads configuration layers over defaults.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with the SEISBRIDGE environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "SEISBRIDGE",
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation after loading.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over the defaults and applies environment
// overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	consumers := make(map[string]ConsumerConfig)
	for _, k := range records.Kinds() {
		consumers[string(k)] = ConsumerConfig{
			Partitions:   1,
			BatchSize:    100,
			FetchMaxWait: Duration(time.Second),
			AckWait:      Duration(30 * time.Second),
			AckTimeout:   Duration(5 * time.Second),
			Backend:      BackendBolt,
			Path:         filepath.Join("data", string(k)+".db"),
			Codec:        "json",
		}
	}
	return &Config{
		Version: "1.0.0",
		Platform: PlatformConfig{
			ID: "seisbridge",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		ConfigRepository: RepositoryConfig{
			Type: RepositoryMemory,
		},
		Dispatcher: DispatcherConfig{
			Stations:             StationSourceConfig{Type: StationsStatic},
			RefreshInterval:      Duration(time.Minute),
			ConnTimeout:          Duration(10 * time.Second),
			Workers:              8,
			QueueSize:            256,
			RejectionLogInterval: Duration(time.Second),
			RejectionLogBurst:    10,
		},
		Consumers:       consumers,
		ShutdownTimeout: Duration(30 * time.Second),
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadRaw reads a JSON or YAML layer as a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	return raw, nil
}

// deepMergeMaps merges override into base. Nested maps merge key by key;
// anything else in override replaces the base value. Nil values are
// ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies SEISBRIDGE_* variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", false, err
		}
		return val, val != "", nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"PLATFORM_ID", &cfg.Platform.ID},
		{"INSTANCE_ID", &cfg.Platform.InstanceID},
		{"ENVIRONMENT", &cfg.Platform.Environment},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"METRICS_ADDRESS", &cfg.Metrics.Address},
		{"CONFIG_REPOSITORY_TYPE", &cfg.ConfigRepository.Type},
		{"CONFIG_REPOSITORY_PATH", &cfg.ConfigRepository.Path},
		{"CONFIG_REPOSITORY_BUCKET", &cfg.ConfigRepository.Bucket},
		{"STATIONS_TYPE", &cfg.Dispatcher.Stations.Type},
		{"STATIONS_PATH", &cfg.Dispatcher.Stations.Path},
		{"STATIONS_BUCKET", &cfg.Dispatcher.Stations.Bucket},
	}
	for _, s := range strs {
		val, ok, err := env(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	val, ok, err := env("NATS_URLS")
	if err != nil {
		return err
	}
	if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	val, ok, err = env("METRICS_ENABLED")
	if err != nil {
		return err
	}
	if ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: %s_METRICS_ENABLED: %v", errors.ErrInvalidConfig, l.envPrefix, err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

// SaveToFile writes the configuration as JSON or YAML, chosen by extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if m, err = toMap(c); err == nil {
			data, err = yaml.Marshal(m)
		}
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode configuration")
	}
	return safeWriteFile(path, data)
}
