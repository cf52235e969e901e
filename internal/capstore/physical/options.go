package physical

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ConfigError reports an invalid backend configuration value.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Field, e.Value, e.Message)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a ConfigError for a field validation failure.
func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

// NewConfigErrorWithCause creates a ConfigError wrapping cause.
func NewConfigErrorWithCause(backend, field, message string, cause error) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message, Cause: cause}
}

// Options reads typed values out of a backend configuration map. Parse
// failures are reported as *ConfigError tagged with the backend name.
type Options struct {
	Backend string
	Values  map[string]string
}

// String returns the value for key, or def when missing or empty.
func (o Options) String(key, def string) string {
	if v, ok := o.Values[key]; ok && v != "" {
		return v
	}
	return def
}

// Path returns String with '~/' expanded to the user's home directory.
func (o Options) Path(key, def string) string {
	return ExpandPath(o.String(key, def))
}

// Bool accepts true/false, 1/0 and yes/no.
func (o Options) Bool(key string, def bool) (bool, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, o.invalid(key, v, "must be a boolean (true/false, 1/0, yes/no)", nil)
}

// Int parses a base-10 integer.
func (o Options) Int(key string, def int) (int, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, o.invalid(key, v, "must be an integer", err)
	}
	return i, nil
}

// Int64 parses a base-10 64-bit integer.
func (o Options) Int64(key string, def int64) (int64, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, o.invalid(key, v, "must be an integer", err)
	}
	return i, nil
}

// Duration accepts Go duration strings or plain integers as seconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, o.invalid(key, v, "must be a duration (e.g., '5s', '1m30s') or integer seconds", nil)
}

func (o Options) invalid(key, value, msg string, cause error) *ConfigError {
	return &ConfigError{Backend: o.Backend, Field: key, Value: value, Message: msg, Cause: cause}
}

// ExpandPath expands a leading ~/ and cleans the path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}

// MergeConfig returns dst overlaid with src.
func MergeConfig(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}
