// Package envutil reads process environment variables with logged defaults,
// the same default-with-log pattern the rest of this module's ambient stack
// follows for configuration.
package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/buildctl/internal/platform/logger"
)

// String returns the trimmed value of name, or def if unset/blank.
func String(name, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		if log != nil {
			log.Debug("env var not set, using default", "env_var", name, "default", def)
		}
		return def
	}
	if log != nil {
		log.Debug("env var found", "env_var", name, "value", v)
	}
	return v
}

// Int parses name as an integer, or returns def if unset/blank/invalid.
func Int(name string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		if log != nil {
			log.Debug("env var not set, using default", "env_var", name, "default", def)
		}
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("env var not a valid int, using default", "env_var", name, "value", v, "default", def)
		}
		return def
	}
	return i
}

// Bool parses name as a boolean, or returns def if unset/blank/invalid.
func Bool(name string, def bool, log *logger.Logger) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if log != nil {
			log.Warn("env var not a valid bool, using default", "env_var", name, "value", v, "default", def)
		}
		return def
	}
	return b
}

// Duration parses name via time.ParseDuration, or returns def if unset/blank/invalid.
func Duration(name string, def time.Duration, log *logger.Logger) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if log != nil {
			log.Warn("env var not a valid duration, using default", "env_var", name, "value", v, "default", def)
		}
		return def
	}
	return d
}
