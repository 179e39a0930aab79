package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv parses the variable key, returning def when it is unset, empty
// or does not parse.
func lookupEnv[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	return lookupEnv(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// GetByteSizeEnv returns a size in bytes. Values may carry a KiB, MiB or GiB
// suffix.
func GetByteSizeEnv(key string, defaultValue int64) int64 {
	return lookupEnv(key, defaultValue, ParseByteSize)
}

// GetDurationEnv returns a duration environment variable or a default.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return lookupEnv(key, defaultValue, time.ParseDuration)
}

// GetSecret resolves a secret from key+"_FILE" (a mounted secret file) or,
// failing that, from key itself.
func GetSecret(key string) string {
	if s := GetSecretFile(os.Getenv(key + "_FILE")); s != "" {
		return s
	}
	return strings.TrimSpace(os.Getenv(key))
}

// GetSecretFile returns the trimmed contents of path, or "" when path is
// empty or unreadable.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

var byteUnits = []struct {
	suffix string
	factor int64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses "512", "64KiB", "16MiB" or "1GiB".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	factor := int64(1)
	for _, u := range byteUnits {
		if n, ok := strings.CutSuffix(s, u.suffix); ok {
			s, factor = strings.TrimSpace(n), u.factor
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * factor, nil
}
