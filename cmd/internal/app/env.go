package app

import "strings"

// envKeys maps DUET_ variable names to config keys, derived from the defaults so that
// keys containing underscores ("http.read_timeout") map unambiguously:
//
//	DUET_HTTP_READ_TIMEOUT -> http.read_timeout
//
// Variables that match no key are ignored.
func envKeys(defaults map[string]any) map[string]string {
	out := make(map[string]string, len(defaults))
	for key := range defaults {
		out[EnvName(key)] = key
	}
	return out
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
