package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys are
// separated by a double underscore: ANOMALY_ANOMALY__LEARNING__MIN_DATA_POINTS.
const EnvPrefix = "ANOMALY_"

// Storage backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"required"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	Anomaly   AnomalyConfig   `koanf:"anomaly"`
	Storage   StorageConfig   `koanf:"storage"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// AnomalyConfig is the recognized configuration surface of the detection engine.
type AnomalyConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Features   FeatureToggles  `koanf:"features"`
	Thresholds ThresholdConfig `koanf:"thresholds"`
	Weights    WeightConfig    `koanf:"weights"`
	Windows    WindowConfig    `koanf:"windows"`
	Learning   LearningConfig  `koanf:"learning"`
	Isolation  IsolationConfig `koanf:"isolation"`

	MaxBaselineSize       int           `koanf:"max_baseline_size" validate:"gte=0"`
	UpdateGlobalBaseline  bool          `koanf:"update_global_baseline"`
	GlobalPersistInterval time.Duration `koanf:"global_persist_interval" validate:"gte=0"`
	PersistTimeout        time.Duration `koanf:"persist_timeout" validate:"gt=0"`
	RandomSeed            uint64        `koanf:"random_seed"`
	StatsFlushInterval    time.Duration `koanf:"stats_flush_interval" validate:"gte=0"`
	RecentAnomalyLimit    int           `koanf:"recent_anomaly_limit" validate:"gte=0"`
}

type FeatureToggles struct {
	LoginPatterns   bool `koanf:"login_patterns"`
	RequestPatterns bool `koanf:"request_patterns"`
	UserBehavior    bool `koanf:"user_behavior"`
	SystemMetrics   bool `koanf:"system_metrics"`
}

type ThresholdConfig struct {
	ZScore         float64 `koanf:"zscore" validate:"gt=0"`
	MADScore       float64 `koanf:"mad_score" validate:"gt=0"`
	IsolationScore float64 `koanf:"isolation_score" validate:"gt=0"`
}

type WeightConfig struct {
	ZScore         float64 `koanf:"zscore" validate:"gte=0"`
	MADScore       float64 `koanf:"mad_score" validate:"gte=0"`
	IsolationScore float64 `koanf:"isolation_score" validate:"gte=0"`
}

// WindowConfig holds the retention windows in their natural units.
type WindowConfig struct {
	ShortTermMinutes int `koanf:"short_term" validate:"gt=0"`
	MediumTermHours  int `koanf:"medium_term" validate:"gt=0"`
	LongTermDays     int `koanf:"long_term" validate:"gt=0"`
}

func (w WindowConfig) ShortTerm() time.Duration {
	return time.Duration(w.ShortTermMinutes) * time.Minute
}

func (w WindowConfig) MediumTerm() time.Duration {
	return time.Duration(w.MediumTermHours) * time.Hour
}

func (w WindowConfig) LongTerm() time.Duration {
	return time.Duration(w.LongTermDays) * 24 * time.Hour
}

type LearningConfig struct {
	MinDataPoints          int `koanf:"min_data_points" validate:"gte=1"`
	UpdateFrequencyMinutes int `koanf:"update_frequency" validate:"gt=0"`
}

func (l LearningConfig) UpdateFrequency() time.Duration {
	return time.Duration(l.UpdateFrequencyMinutes) * time.Minute
}

// IsolationConfig seeds the initial isolation parameters before recalibration.
type IsolationConfig struct {
	MaxDepth      int `koanf:"max_depth" validate:"gte=1"`
	SubsampleSize int `koanf:"subsample_size" validate:"gte=2"`
	Trials        int `koanf:"trials" validate:"gte=1"`
}

type StorageConfig struct {
	Backend string `koanf:"backend" validate:"oneof=memory redis postgres"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Anomaly:     DefaultAnomalyConfig(),
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			ConnMaxLifetime: 30 * time.Minute,
			MigrateOnStart:  true,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9102",
		},
	}
}

// DefaultAnomalyConfig returns the engine defaults.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Enabled: true,
		Features: FeatureToggles{
			LoginPatterns:   true,
			RequestPatterns: true,
			UserBehavior:    true,
			SystemMetrics:   false,
		},
		Thresholds: ThresholdConfig{
			ZScore:         3.0,
			MADScore:       3.5,
			IsolationScore: 0.6,
		},
		Weights: WeightConfig{
			ZScore:         0.3,
			MADScore:       0.3,
			IsolationScore: 0.4,
		},
		Windows: WindowConfig{
			ShortTermMinutes: 15,
			MediumTermHours:  24,
			LongTermDays:     30,
		},
		Learning: LearningConfig{
			MinDataPoints:          30,
			UpdateFrequencyMinutes: 60,
		},
		Isolation: IsolationConfig{
			MaxDepth:      10,
			SubsampleSize: 100,
			Trials:        10,
		},
		MaxBaselineSize:       10000,
		UpdateGlobalBaseline:  true,
		GlobalPersistInterval: 5 * time.Second,
		PersistTimeout:        2 * time.Second,
		StatsFlushInterval:    10 * time.Second,
		RecentAnomalyLimit:    100,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Validate checks the engine configuration on its own.
func (a AnomalyConfig) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid anomaly configuration: %w", err)
	}
	return nil
}
