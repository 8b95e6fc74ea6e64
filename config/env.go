package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap describes the environment variables the module reads.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"BEVFPN_CACHE": {"BEVFPN_CACHE", CacheDir(), "Directory for downloaded pretrained checkpoints"},
		"BEVFPN_CUDA":  {"BEVFPN_CUDA", Cuda(), "Run on CUDA when available (e.g. BEVFPN_CUDA=1)"},
		"BEVFPN_DEBUG": {"BEVFPN_DEBUG", LogLevel(), "Log verbosity: 1 for debug, 2 for trace (e.g. BEVFPN_DEBUG=2)"},
	}
}

// Values renders AsMap as strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// CacheDir is set via BEVFPN_CACHE, defaulting to <user cache>/bevfpn/checkpoints.
func CacheDir() string {
	if dir := clean("BEVFPN_CACHE"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "bevfpn", "checkpoints")
}

// LogLevel is set via BEVFPN_DEBUG. 0 logs at INFO, 1 at DEBUG and 2 or more
// at TRACE. Boolean values map to 0 and 1.
func LogLevel() int {
	s := clean("BEVFPN_DEBUG")
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return max(n, 0)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		if b {
			return 1
		}
		return 0
	}
	slog.Warn("invalid BEVFPN_DEBUG, using 1", "value", s)
	return 1
}

// Cuda is set via BEVFPN_CUDA.
func Cuda() bool {
	return boolVar("BEVFPN_CUDA")
}

func boolVar(key string) bool {
	s := clean(key)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Warn("invalid boolean environment variable, using true", "key", key, "value", s)
		return true
	}
	return b
}

func clean(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
