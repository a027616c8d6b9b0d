// Package config handles configuration loading, validation, and management for echoroi.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"echoroi/internal/geometry"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete echoroi configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Registry configuration for the shape database.
	Registry RegistryConfig `toml:"registry" json:"registry" yaml:"registry"`

	// Annotations configuration for the record directory.
	Annotations AnnotationsConfig `toml:"annotations" json:"annotations" yaml:"annotations"`

	// Window configuration for extraction windows.
	Window WindowConfig `toml:"window" json:"window" yaml:"window"`

	// Extract configuration for ROI extraction.
	Extract ExtractConfig `toml:"extract" json:"extract" yaml:"extract"`

	// Render configuration for ROI images.
	Render RenderConfig `toml:"render" json:"render" yaml:"render"`

	// Watch configuration for continuous reconciliation.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// RegistryConfig holds registry database configuration.
type RegistryConfig struct {
	// Path is the path to the SQLite registry file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// AnnotationsConfig holds annotation directory configuration.
type AnnotationsConfig struct {
	// Dir is the directory of annotation JSON records.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// ValidateSchema checks every record against the embedded JSON schema.
	ValidateSchema bool `toml:"validate_schema" json:"validate_schema" yaml:"validate_schema"`

	// SkipPolicy decides what happens to shapes of unreadable records:
	// "delete" or "preserve".
	SkipPolicy string `toml:"skip_policy" json:"skip_policy" yaml:"skip_policy"`

	// SessionPrefix overrides the timestamp prefix of newly assigned ids.
	SessionPrefix string `toml:"session_prefix" json:"session_prefix" yaml:"session_prefix"`
}

// WindowConfig holds extraction window configuration. When both Width and
// Height are set the window has a fixed size, otherwise Padding applies.
type WindowConfig struct {
	// Padding is added on every side of the bounding box.
	Padding int `toml:"padding" json:"padding" yaml:"padding"`

	// Width is the fixed window width in time samples.
	Width int `toml:"width" json:"width" yaml:"width"`

	// Height is the fixed window height in depth samples.
	Height int `toml:"height" json:"height" yaml:"height"`
}

// ExtractConfig holds ROI extraction configuration.
type ExtractConfig struct {
	// GridPath is the default echogram array file.
	GridPath string `toml:"grid_path" json:"grid_path" yaml:"grid_path"`

	// OutputDir receives extracted ROIs and rendered images.
	OutputDir string `toml:"output_dir" json:"output_dir" yaml:"output_dir"`

	// Channels limits extraction to the given frequency channels.
	// If empty, all channels are extracted.
	Channels []float64 `toml:"channels" json:"channels" yaml:"channels"`

	// MaskCacheTTLSec is how long rasterized masks are cached.
	// Set to 0 to disable the cache.
	MaskCacheTTLSec int `toml:"mask_cache_ttl_sec" json:"mask_cache_ttl_sec" yaml:"mask_cache_ttl_sec"`
}

// RenderConfig holds ROI image rendering configuration.
type RenderConfig struct {
	// VMin and VMax bound the Sv colour range in dB.
	VMin float64 `toml:"vmin" json:"vmin" yaml:"vmin"`
	VMax float64 `toml:"vmax" json:"vmax" yaml:"vmax"`

	// AlphaIn is the overlay opacity inside the mask.
	AlphaIn float64 `toml:"alpha_in" json:"alpha_in" yaml:"alpha_in"`

	// AlphaOut is the overlay opacity outside the mask.
	AlphaOut float64 `toml:"alpha_out" json:"alpha_out" yaml:"alpha_out"`

	// Scale is the integer upscaling factor.
	Scale int `toml:"scale" json:"scale" yaml:"scale"`
}

// WatchConfig holds directory watching configuration.
type WatchConfig struct {
	// DebounceMs is the debounce interval in milliseconds.
	// Records must be stable for this duration before a pass runs.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a new configuration with default values.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Registry: RegistryConfig{
			Path:          filepath.Join(dir, "roi_registry.db"),
			BusyTimeoutMs: 5000,
		},
		Annotations: AnnotationsConfig{
			Dir:            "annotations",
			ValidateSchema: true,
			SkipPolicy:     "delete",
		},
		Window: WindowConfig{
			Padding: 0,
		},
		Extract: ExtractConfig{
			OutputDir:       "rois",
			Channels:        []float64{},
			MaskCacheTTLSec: 600,
		},
		Render: RenderConfig{
			VMin:     -90,
			VMax:     -50,
			AlphaIn:  0.3,
			AlphaOut: 0,
			Scale:    1,
		},
		Watch: WatchConfig{
			DebounceMs: 2000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "echoroi.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Listen: "",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "echoroi.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Registry.Path),
		c.Extract.OutputDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base echoroi data directory.
// Uses platform-specific paths or the ECHOROI_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("ECHOROI_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with ECHOROI_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Registry overrides
	if v := os.Getenv("ECHOROI_REGISTRY_PATH"); v != "" {
		c.Registry.Path = v
	}

	// Annotation overrides
	if v := os.Getenv("ECHOROI_ANNOTATIONS_DIR"); v != "" {
		c.Annotations.Dir = v
	}
	if v := os.Getenv("ECHOROI_SKIP_POLICY"); v != "" {
		c.Annotations.SkipPolicy = v
	}

	// Extraction overrides
	if v := os.Getenv("ECHOROI_GRID_PATH"); v != "" {
		c.Extract.GridPath = v
	}
	if v := os.Getenv("ECHOROI_OUTPUT_DIR"); v != "" {
		c.Extract.OutputDir = v
	}

	// Logging overrides
	if v := os.Getenv("ECHOROI_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ECHOROI_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Metrics overrides
	if v := os.Getenv("ECHOROI_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:     c.Version,
		Registry:    c.Registry,
		Annotations: c.Annotations,
		Window:      c.Window,
		Extract:     c.Extract,
		Render:      c.Render,
		Watch:       c.Watch,
		Logging:     c.Logging,
		Metrics:     c.Metrics,
	}
	clone.Extract.Channels = append([]float64{}, c.Extract.Channels...)

	return clone
}

// Strategy returns the window strategy selected by the window section.
func (c *Config) Strategy() geometry.Strategy {
	if c.Window.Width > 0 && c.Window.Height > 0 {
		return geometry.WithSize(c.Window.Width, c.Window.Height)
	}
	return geometry.WithPadding(c.Window.Padding)
}

// Debounce returns the watch debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// BusyTimeout returns the registry busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Registry.BusyTimeoutMs) * time.Millisecond
}

// MaskCacheTTL returns how long extraction masks are cached.
func (c *Config) MaskCacheTTL() time.Duration {
	return time.Duration(c.Extract.MaskCacheTTLSec) * time.Second
}
