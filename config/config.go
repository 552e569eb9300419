package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/records"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/station"
)

// Repository types.
const (
	RepositoryMemory = "memory"
	RepositoryFile   = "file"
	RepositoryKV     = "kv"
)

// Station source types.
const (
	StationsStatic = "static"
	StationsFile   = "file"
	StationsKV     = "kv"
)

// Storage backends.
const (
	BackendBolt   = "bbolt"
	BackendPebble = "pebble"
)

// Config is the complete process configuration.
type Config struct {
	Version          string                    `json:"version"`
	Platform         PlatformConfig            `json:"platform"`
	NATS             NATSConfig                `json:"nats"`
	Metrics          MetricsConfig             `json:"metrics"`
	ConfigRepository RepositoryConfig          `json:"config_repository"`
	Dispatcher       DispatcherConfig          `json:"dispatcher"`
	Consumers        map[string]ConsumerConfig `json:"consumers,omitempty"` // keyed by record kind
	ShutdownTimeout  Duration                  `json:"shutdown_timeout"`
}

// PlatformConfig identifies this deployment.
type PlatformConfig struct {
	ID          string `json:"id"`
	InstanceID  string `json:"instance_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait Duration      `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig holds client TLS files.
type NATSTLSConfig struct {
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	CAFiles            []string `json:"ca_files,omitempty"`
	MinVersion         string   `json:"min_version,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
}

// URL returns the comma-joined server list nats.Connect accepts.
func (c NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// MetricsConfig configures the /metrics and /health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
	Path    string `json:"path,omitempty"`
}

// RepositoryConfig selects the configuration repository.
type RepositoryConfig struct {
	Type string `json:"type"`
	// Path is the YAML file for the file repository.
	Path string `json:"path,omitempty"`
	// Bucket is the KV bucket for the kv repository.
	Bucket string `json:"bucket,omitempty"`
	// Values seed the memory repository and sit beneath the others as
	// defaults.
	Values map[string]string `json:"values,omitempty"`
}

// StationSourceConfig selects where station parameters come from.
type StationSourceConfig struct {
	Type     string               `json:"type"`
	Path     string               `json:"path,omitempty"`
	Bucket   string               `json:"bucket,omitempty"`
	Stations []station.Parameters `json:"stations,omitempty"`
	Debounce Duration             `json:"debounce,omitempty"`
}

// DispatcherConfig configures the connection dispatcher service.
type DispatcherConfig struct {
	Stations        StationSourceConfig `json:"stations"`
	RefreshInterval Duration            `json:"refresh_interval"`
	ConnTimeout     Duration            `json:"conn_timeout,omitempty"`
	Workers         int                 `json:"workers,omitempty"`
	QueueSize       int                 `json:"queue_size,omitempty"`
	// ConsumerKey names the configuration key whose address stations are
	// redirected to.
	ConsumerKey string `json:"consumer_key,omitempty"`
	// RejectionLogInterval spaces rejection log lines per burst.
	RejectionLogInterval Duration `json:"rejection_log_interval,omitempty"`
	RejectionLogBurst    int      `json:"rejection_log_burst,omitempty"`
}

// ConsumerConfig configures the storage consumer for one record kind.
type ConsumerConfig struct {
	Enabled bool `json:"enabled"`
	// Stream and Subject default to the kind's names.
	Stream  string `json:"stream,omitempty"`
	Subject string `json:"subject,omitempty"`
	// Partitions is the number of subjects "<subject>.<n>" consumed in
	// parallel.
	Partitions   int      `json:"partitions"`
	BatchSize    int      `json:"batch_size"`
	FetchMaxWait Duration `json:"fetch_max_wait"`
	AckWait      Duration `json:"ack_wait"`
	AckTimeout   Duration `json:"ack_timeout,omitempty"`
	Backend      string   `json:"backend"`
	Path         string   `json:"path"`
	Codec        string   `json:"codec"`
	Compression  bool     `json:"compression"`
}

// PartitionSubjects returns the subjects of every partition.
func (c ConsumerConfig) PartitionSubjects() []string {
	out := make([]string, c.Partitions)
	for i := range out {
		out[i] = c.Subject + "." + strconv.Itoa(i)
	}
	return out
}

// Consumer returns the consumer configuration for kind with stream and
// subject defaults filled in.
func (c *Config) Consumer(kind records.Kind) (ConsumerConfig, bool) {
	cc, ok := c.Consumers[string(kind)]
	if !ok {
		return ConsumerConfig{}, false
	}
	if cc.Stream == "" {
		cc.Stream = kind.Stream()
	}
	if cc.Subject == "" {
		cc.Subject = kind.Subject()
	}
	if cc.Partitions <= 0 {
		cc.Partitions = 1
	}
	return cc, true
}

// EnabledKinds returns the kinds with an enabled consumer, in kind order.
func (c *Config) EnabledKinds() []records.Kind {
	var out []records.Kind
	for _, k := range records.Kinds() {
		if cc, ok := c.Consumers[string(k)]; ok && cc.Enabled {
			out = append(out, k)
		}
	}
	return out
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates cfg and swaps it in.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...))
	}

	if c.Platform.ID == "" {
		add("platform.id is required")
	}
	if c.needsNATS() && len(c.NATS.URLs) == 0 {
		add("nats.urls is required when a consumer or KV source is configured")
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			add("metrics.address %q: %v", c.Metrics.Address, err)
		}
	}

	switch c.ConfigRepository.Type {
	case RepositoryMemory:
	case RepositoryFile:
		if c.ConfigRepository.Path == "" {
			add("config_repository.path is required for type file")
		}
	case RepositoryKV:
		if c.ConfigRepository.Bucket == "" {
			add("config_repository.bucket is required for type kv")
		}
	default:
		add("config_repository.type %q is not one of memory, file, kv", c.ConfigRepository.Type)
	}

	errs = append(errs, c.Dispatcher.validate()...)

	for _, name := range slices.Sorted(maps.Keys(c.Consumers)) {
		if _, err := records.ParseKind(name); err != nil {
			add("consumers.%s: unknown record kind", name)
			continue
		}
		errs = append(errs, c.Consumers[name].validate(name)...)
	}

	if err := errors.Join(errs...); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "validate configuration")
	}
	return nil
}

func (c *Config) needsNATS() bool {
	if c.ConfigRepository.Type == RepositoryKV || c.Dispatcher.Stations.Type == StationsKV {
		return true
	}
	return len(c.EnabledKinds()) > 0
}

func (d DispatcherConfig) validate() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: dispatcher."+format, append([]any{errors.ErrInvalidConfig}, args...)...))
	}
	switch d.Stations.Type {
	case StationsStatic:
		for _, p := range d.Stations.Stations {
			if err := p.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	case StationsFile:
		if d.Stations.Path == "" {
			add("stations.path is required for type file")
		}
	case StationsKV:
		if d.Stations.Bucket == "" {
			add("stations.bucket is required for type kv")
		}
	default:
		add("stations.type %q is not one of static, file, kv", d.Stations.Type)
	}
	if d.RefreshInterval.Std() < 0 {
		add("refresh_interval must not be negative")
	}
	if d.Workers < 0 || d.QueueSize < 0 {
		add("workers and queue_size must not be negative")
	}
	return errs
}

func (cc ConsumerConfig) validate(kind string) []error {
	if !cc.Enabled {
		return nil
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: consumers.%s."+format, append([]any{errors.ErrInvalidConfig, kind}, args...)...))
	}
	if cc.Partitions < 0 {
		add("partitions must not be negative")
	}
	if cc.BatchSize < 0 {
		add("batch_size must not be negative")
	}
	switch cc.Backend {
	case BackendBolt, BackendPebble:
	default:
		add("backend %q is not one of bbolt, pebble", cc.Backend)
	}
	if cc.Path == "" {
		add("path is required")
	}
	switch strings.ToLower(cc.Codec) {
	case "", "json", "cbor":
	default:
		add("codec %q is not one of json, cbor", cc.Codec)
	}
	return errs
}

// Instance returns the instance identifier, falling back to the platform id.
func (c *Config) Instance() string {
	if c.Platform.InstanceID != "" {
		return c.Platform.InstanceID
	}
	return c.Platform.ID
}

// String returns the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Duration is a time.Duration that reads and writes as a string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
		return nil
	case string:
		parsed, err := parseDurationWithDays(x)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %v", errors.ErrInvalidConfig, x, err)
		}
		*d = Duration(parsed)
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("%w: duration must be a string or number", errors.ErrInvalidConfig)
	}
}

// parseDurationWithDays parses durations that may include days ("14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
