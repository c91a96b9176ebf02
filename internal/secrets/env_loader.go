package secrets

import (
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// EnvPrefixLoader returns a Loader that reads every environment variable
// starting with prefix, storing each under its name with the prefix
// stripped. DROVER_SECRET_GITHUB_TOKEN becomes GITHUB_TOKEN.
func EnvPrefixLoader(prefix string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, entry := range os.Environ() {
			name, value, ok := strings.Cut(entry, "=")
			if !ok || value == "" {
				continue
			}
			if key, found := strings.CutPrefix(name, prefix); found && key != "" {
				vals[key] = value
			}
		}
		return vals, nil
	}
}
