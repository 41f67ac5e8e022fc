package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lazypower/vigil/internal/errors"
)

// Config holds all vigil configuration.
type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Log           LogConfig           `mapstructure:"log"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Inference     InferenceConfig     `mapstructure:"inference"`
	Classifier    ClassifierConfig    `mapstructure:"classifier"`
	Rings         RingsConfig         `mapstructure:"rings"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // "sqlite" or "badger"
	Path      string `mapstructure:"path"`
	BadgerDir string `mapstructure:"badger_dir"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

type IngestConfig struct {
	Workers int `mapstructure:"workers"`
}

type InferenceConfig struct {
	Window           time.Duration      `mapstructure:"window"`
	SyncWindow       time.Duration      `mapstructure:"sync_window"`
	MinCoOccurrence  int                `mapstructure:"min_co_occurrence"`
	HalfLife         time.Duration      `mapstructure:"half_life"`
	SaturationK      float64            `mapstructure:"saturation_k"`
	BaseWeights      map[string]float64 `mapstructure:"base_weights"`
	ClassifierWeight float64            `mapstructure:"classifier_weight"`
	MimicryThreshold float64            `mapstructure:"mimicry_threshold"`
	MimicryMinEvents int                `mapstructure:"mimicry_min_events"`
	MaxWindowEvents  int                `mapstructure:"max_window_events"`
	Retention        time.Duration      `mapstructure:"retention"`
}

type ClassifierConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxInFlight   int           `mapstructure:"max_in_flight"`
}

type RingsConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	MinSize       int     `mapstructure:"min_size"`
	DensityFloor  float64 `mapstructure:"density_floor"`
}

type ConsolidationConfig struct {
	Window                time.Duration `mapstructure:"window"`
	HalfLife              time.Duration `mapstructure:"half_life"`
	InactivityThreshold   int           `mapstructure:"inactivity_threshold"`
	ReactivationThreshold float64       `mapstructure:"reactivation_threshold"`
	ActivitySaturation    float64       `mapstructure:"activity_saturation"`
	Workers               int           `mapstructure:"workers"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	InitialBackoff        time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff            time.Duration `mapstructure:"max_backoff"`
}

type RetrievalConfig struct {
	TopK int `mapstructure:"top_k"`
}

// Default returns a Config with sensible defaults. Storage paths are
// resolved at load time under ~/.vigil.
func Default() Config {
	return Config{
		Storage: StorageConfig{Backend: "sqlite"},
		Log:     LogConfig{Level: "info"},
		Ingest:  IngestConfig{Workers: 8},
		Inference: InferenceConfig{
			Window:          15 * time.Minute,
			SyncWindow:      2 * time.Minute,
			MinCoOccurrence: 2,
			HalfLife:        30 * 24 * time.Hour,
			SaturationK:     0.5,
			BaseWeights: map[string]float64{
				"co_occurrence":         0.9,
				"interaction":           0.8,
				"shared_infrastructure": 0.6,
				"coordination":          0.7,
				"mimicry":               0.5,
			},
			ClassifierWeight: 0.2,
			MimicryThreshold: 0.9,
			MimicryMinEvents: 5,
			MaxWindowEvents:  4096,
			Retention:        time.Hour,
		},
		Classifier: ClassifierConfig{
			Timeout:       2 * time.Second,
			RatePerSecond: 20,
			Burst:         5,
			MaxInFlight:   16,
		},
		Rings: RingsConfig{
			MinConfidence: 0.6,
			MinSize:       3,
			DensityFloor:  0.5,
		},
		Consolidation: ConsolidationConfig{
			Window:                24 * time.Hour,
			HalfLife:              30 * 24 * time.Hour,
			InactivityThreshold:   3,
			ReactivationThreshold: 0.8,
			ActivitySaturation:    0.2,
			Workers:               4,
			MaxAttempts:           3,
			InitialBackoff:        100 * time.Millisecond,
			MaxBackoff:            5 * time.Second,
		},
		Retrieval: RetrievalConfig{TopK: 5},
	}
}

// DefaultDir returns ~/.vigil.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "get home dir")
	}
	return filepath.Join(home, ".vigil"), nil
}

// Load reads the TOML config at path, or ~/.vigil/vigil.toml when path is
// empty. A missing default file yields defaults; a missing explicit file is
// an error. VIGIL_* environment variables override file values.
func Load(path string) (Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := DefaultDir()
		if err != nil {
			return cfg, err
		}
		v.SetConfigName("vigil")
		v.SetConfigType("toml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	if err := cfg.resolvePaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("storage.backend", cfg.Storage.Backend)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.badger_dir", cfg.Storage.BadgerDir)
	v.SetDefault("log.json", cfg.Log.JSON)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("ingest.workers", cfg.Ingest.Workers)

	v.SetDefault("inference.window", cfg.Inference.Window)
	v.SetDefault("inference.sync_window", cfg.Inference.SyncWindow)
	v.SetDefault("inference.min_co_occurrence", cfg.Inference.MinCoOccurrence)
	v.SetDefault("inference.half_life", cfg.Inference.HalfLife)
	v.SetDefault("inference.saturation_k", cfg.Inference.SaturationK)
	v.SetDefault("inference.base_weights", cfg.Inference.BaseWeights)
	v.SetDefault("inference.classifier_weight", cfg.Inference.ClassifierWeight)
	v.SetDefault("inference.mimicry_threshold", cfg.Inference.MimicryThreshold)
	v.SetDefault("inference.mimicry_min_events", cfg.Inference.MimicryMinEvents)
	v.SetDefault("inference.max_window_events", cfg.Inference.MaxWindowEvents)
	v.SetDefault("inference.retention", cfg.Inference.Retention)

	v.SetDefault("classifier.enabled", cfg.Classifier.Enabled)
	v.SetDefault("classifier.url", cfg.Classifier.URL)
	v.SetDefault("classifier.timeout", cfg.Classifier.Timeout)
	v.SetDefault("classifier.rate_per_second", cfg.Classifier.RatePerSecond)
	v.SetDefault("classifier.burst", cfg.Classifier.Burst)
	v.SetDefault("classifier.max_in_flight", cfg.Classifier.MaxInFlight)

	v.SetDefault("rings.min_confidence", cfg.Rings.MinConfidence)
	v.SetDefault("rings.min_size", cfg.Rings.MinSize)
	v.SetDefault("rings.density_floor", cfg.Rings.DensityFloor)

	v.SetDefault("consolidation.window", cfg.Consolidation.Window)
	v.SetDefault("consolidation.half_life", cfg.Consolidation.HalfLife)
	v.SetDefault("consolidation.inactivity_threshold", cfg.Consolidation.InactivityThreshold)
	v.SetDefault("consolidation.reactivation_threshold", cfg.Consolidation.ReactivationThreshold)
	v.SetDefault("consolidation.activity_saturation", cfg.Consolidation.ActivitySaturation)
	v.SetDefault("consolidation.workers", cfg.Consolidation.Workers)
	v.SetDefault("consolidation.max_attempts", cfg.Consolidation.MaxAttempts)
	v.SetDefault("consolidation.initial_backoff", cfg.Consolidation.InitialBackoff)
	v.SetDefault("consolidation.max_backoff", cfg.Consolidation.MaxBackoff)

	v.SetDefault("retrieval.top_k", cfg.Retrieval.TopK)
}

func (c *Config) resolvePaths() error {
	if c.Storage.Path != "" && c.Storage.BadgerDir != "" {
		return nil
	}
	dir, err := DefaultDir()
	if err != nil {
		return err
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(dir, "vigil.db")
	}
	if c.Storage.BadgerDir == "" {
		c.Storage.BadgerDir = filepath.Join(dir, "evidence")
	}
	return nil
}

// Validate rejects out-of-range tuning values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "badger":
	default:
		return errors.Validationf("storage.backend must be sqlite or badger, got %q", c.Storage.Backend)
	}

	inf := c.Inference
	if inf.Window <= 0 || inf.SyncWindow <= 0 || inf.HalfLife <= 0 {
		return errors.Validationf("inference windows and half_life must be positive")
	}
	if inf.MinCoOccurrence < 1 {
		return errors.Validationf("inference.min_co_occurrence must be at least 1")
	}
	if inf.SaturationK <= 0 {
		return errors.Validationf("inference.saturation_k must be positive")
	}
	for typ, w := range inf.BaseWeights {
		if w < 0 || w > 1 {
			return errors.Validationf("inference.base_weights.%s must be in [0,1], got %v", typ, w)
		}
	}
	if !unit(inf.ClassifierWeight) || !unit(inf.MimicryThreshold) {
		return errors.Validationf("inference classifier_weight and mimicry_threshold must be in [0,1]")
	}

	if c.Classifier.Enabled && c.Classifier.URL == "" {
		return errors.Validationf("classifier.url is required when the classifier is enabled")
	}

	if !unit(c.Rings.MinConfidence) || !unit(c.Rings.DensityFloor) {
		return errors.Validationf("rings.min_confidence and rings.density_floor must be in [0,1]")
	}
	if c.Rings.MinSize < 2 {
		return errors.Validationf("rings.min_size must be at least 2")
	}

	con := c.Consolidation
	if con.Window <= 0 || con.HalfLife <= 0 {
		return errors.Validationf("consolidation window and half_life must be positive")
	}
	if con.InactivityThreshold < 1 {
		return errors.Validationf("consolidation.inactivity_threshold must be at least 1")
	}
	if !unit(con.ReactivationThreshold) {
		return errors.Validationf("consolidation.reactivation_threshold must be in [0,1]")
	}
	if con.Workers < 1 || con.MaxAttempts < 1 {
		return errors.Validationf("consolidation workers and max_attempts must be at least 1")
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }
