// Package envsecret resolves configuration secrets from the environment,
// honoring the "<NAME>_FILE wins over <NAME>" convention used for
// container-mounted secrets (Docker/Kubernetes secret files).
package envsecret

import (
	"os"
	"strings"
)

// Read returns the secret named by key, preferring a file referenced by
// "<key>_FILE" over the plain "<key>" environment variable, and falling
// back to def when neither is set. File contents and env values are
// whitespace-trimmed.
func Read(key, def string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	if value := os.Getenv(key); value != "" {
		return strings.TrimSpace(value)
	}
	return def
}

// MustRead is like Read with no default, returning ok=false when neither
// source yields a non-empty value. An unset key and a key set to an empty
// string both report ok=false.
func MustRead(key string) (string, bool) {
	value := Read(key, "")
	return value, value != ""
}
