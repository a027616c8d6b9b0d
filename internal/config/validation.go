package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig for any non-empty set of errors.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateRegistry(&c.Registry)...)
	errs = append(errs, validateAnnotations(&c.Annotations)...)
	errs = append(errs, validateWindow(&c.Window)...)
	errs = append(errs, validateExtract(&c.Extract)...)
	errs = append(errs, validateRender(&c.Render)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateRegistry(r *RegistryConfig) ValidationErrors {
	var errs ValidationErrors

	if r.Path == "" {
		errs = append(errs, *RequiredFieldError("registry.path"))
	}
	if r.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateAnnotations(a *AnnotationsConfig) ValidationErrors {
	var errs ValidationErrors

	if a.Dir == "" {
		errs = append(errs, *RequiredFieldError("annotations.dir"))
	}

	switch a.SkipPolicy {
	case "", "delete", "preserve":
	default:
		errs = append(errs, ValidationError{
			Field:   "annotations.skip_policy",
			Message: fmt.Sprintf("invalid skip policy: %s (valid: delete, preserve)", a.SkipPolicy),
		})
	}

	if strings.ContainsAny(a.SessionPrefix, `/\`) {
		errs = append(errs, ValidationError{
			Field:   "annotations.session_prefix",
			Message: "session prefix cannot contain path separators",
		})
	}

	return errs
}

func validateWindow(w *WindowConfig) ValidationErrors {
	var errs ValidationErrors

	if w.Padding < 0 {
		errs = append(errs, ValidationError{
			Field:   "window.padding",
			Message: "padding cannot be negative",
		})
	}
	if w.Width < 0 || w.Height < 0 {
		errs = append(errs, ValidationError{
			Field:   "window.width",
			Message: "window size cannot be negative",
		})
	}
	if (w.Width > 0) != (w.Height > 0) {
		errs = append(errs, ValidationError{
			Field:   "window.height",
			Message: "width and height must be set together",
		})
	}
	if w.Width > 0 && w.Height > 0 && w.Padding > 0 {
		errs = append(errs, ValidationError{
			Field:   "window.padding",
			Message: "padding and fixed size are mutually exclusive",
		})
	}

	return errs
}

func validateExtract(e *ExtractConfig) ValidationErrors {
	var errs ValidationErrors

	if e.MaskCacheTTLSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "extract.mask_cache_ttl_sec",
			Message: "mask cache TTL cannot be negative",
		})
	}

	seen := make(map[float64]bool, len(e.Channels))
	for _, ch := range e.Channels {
		if seen[ch] {
			errs = append(errs, ValidationError{
				Field:   "extract.channels",
				Message: fmt.Sprintf("duplicate channel %g", ch),
			})
		}
		seen[ch] = true
	}

	return errs
}

func validateRender(r *RenderConfig) ValidationErrors {
	var errs ValidationErrors

	if r.VMin >= r.VMax {
		errs = append(errs, ValidationError{
			Field:   "render.vmin",
			Message: fmt.Sprintf("vmin (%g) must be below vmax (%g)", r.VMin, r.VMax),
		})
	}
	if r.AlphaIn < 0 || r.AlphaIn > 1 {
		errs = append(errs, *RangeError("render.alpha_in", 0, 1))
	}
	if r.AlphaOut < 0 || r.AlphaOut > 1 {
		errs = append(errs, *RangeError("render.alpha_out", 0, 1))
	}
	if r.Scale < 1 || r.Scale > 64 {
		errs = append(errs, *RangeError("render.scale", 1, 64))
	}

	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if w.DebounceMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce interval must be at least 100ms",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Listen != "" {
		if _, _, err := net.SplitHostPort(m.Listen); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen",
				Message: fmt.Sprintf("invalid listen address: %v", err),
			})
		}
	}

	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
