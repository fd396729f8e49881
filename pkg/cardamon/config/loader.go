package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Load reads the configuration file at path, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"path", path,
		"processes", len(cfg.Processes),
		"scenarios", len(cfg.Scenarios),
		"observations", len(cfg.Observations),
		"sampleInterval", cfg.Metrics.SampleInterval,
		"dbPath", cfg.DB.Path)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.SampleInterval == 0 {
		cfg.Metrics.SampleInterval = DefaultSampleInterval
	}
	if cfg.Metrics.FlushInterval == 0 {
		cfg.Metrics.FlushInterval = DefaultFlushInterval
	}
	if cfg.Metrics.StartTimeout == 0 {
		cfg.Metrics.StartTimeout = DefaultStartTimeout
	}
	if cfg.Metrics.StopTimeout == 0 {
		cfg.Metrics.StopTimeout = DefaultStopTimeout
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = DefaultDBPath
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}
	for i := range cfg.Scenarios {
		if cfg.Scenarios[i].Iterations == 0 {
			cfg.Scenarios[i].Iterations = 1
		}
	}
	for i := range cfg.Processes {
		if cfg.Processes[i].Redirect == "" {
			cfg.Processes[i].Redirect = RedirectFile
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := getEnvOrDefault("CARDAMON_DB_PATH", ""); v != "" {
		cfg.DB.Path = v
	}
	if v := getIntOrDefault("CARDAMON_API_PORT", 0); v != 0 {
		cfg.API.Port = v
	}
	if v := getDurationOrDefault("CARDAMON_SAMPLE_INTERVAL", 0); v != 0 {
		cfg.Metrics.SampleInterval = v
	}
	if v := getFloatOrDefault("CARDAMON_CARBON_INTENSITY", 0); v != 0 {
		cfg.Carbon.Intensity = v
	}
	if v := getEnvOrDefault("CARDAMON_CARBON_REGION", ""); v != "" {
		cfg.Carbon.Region = v
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
