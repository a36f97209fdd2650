// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint/Uint64: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 gibt eine Funktion zurueck, die einen uint64 mit Default-Wert liest
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"LATTICE_DEBUG":                  {"LATTICE_DEBUG", LogLevel(), "Show additional debug information (e.g. LATTICE_DEBUG=1)"},
		"LATTICE_HOST":                   {"LATTICE_HOST", CoordinatorHost(), "Address for the coordinator's HTTP surface (default 127.0.0.1:8080)"},
		"LATTICE_ORIGINS":                {"LATTICE_ORIGINS", AllowedOrigins(), "A comma separated list of allowed CORS origins"},
		"LATTICE_MAX_ALIVE_TIME":         {"LATTICE_MAX_ALIVE_TIME", MaxAliveTime(), "KV-cache entry TTL before sweep eviction (default \"60s\")"},
		"LATTICE_PING_INTERVAL":          {"LATTICE_PING_INTERVAL", PingInterval(), "Worker heartbeat interval (default \"5s\")"},
		"LATTICE_MAX_RETRY_ATTEMPTS":     {"LATTICE_MAX_RETRY_ATTEMPTS", MaxRetryAttempts(), "Reconnection attempts after a missed heartbeat (default 5)"},
		"LATTICE_RETRY_DELAY":            {"LATTICE_RETRY_DELAY", RetryDelay(), "Backoff between reconnection attempts (default \"1s\")"},
		"LATTICE_HEARTBEAT_GRACE_PERIOD": {"LATTICE_HEARTBEAT_GRACE_PERIOD", HeartbeatGracePeriod(), "Grace period before a missed-heartbeat client is unregistered"},
		"LATTICE_MAX_BATCH_TOKENS":       {"LATTICE_MAX_BATCH_TOKENS", MaxBatchTokens(), "Maximum packed-batch token budget per step (default 4096)"},
		"LATTICE_NUM_PARALLEL":           {"LATTICE_NUM_PARALLEL", NumParallel(), "Maximum number of requests per batch (not applied by the coordinator)"},
		"LATTICE_MAX_QUEUE":              {"LATTICE_MAX_QUEUE", MaxQueue(), "Maximum number of queued pending requests (not applied by the coordinator)"},
		"LATTICE_LOW_LATENCY":            {"LATTICE_LOW_LATENCY", LowLatencyMode(), "Low-latency dispatch switch (not consulted by the coordinator)"},

		// Proxy-Einstellungen
		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}

	// Nicht-Windows: Case-sensitive Proxy-Variablen
	if runtime.GOOS != "windows" {
		ret["http_proxy"] = EnvVar{"http_proxy", String("http_proxy")(), "HTTP proxy"}
		ret["https_proxy"] = EnvVar{"https_proxy", String("https_proxy")(), "HTTPS proxy"}
		ret["no_proxy"] = EnvVar{"no_proxy", String("no_proxy")(), "No proxy"}
	}

	return ret
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
