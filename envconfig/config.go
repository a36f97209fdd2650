// config.go - coordinator/worker environment configuration.
//
// Keeps the teacher's per-getter style (one function per setting, a
// slog.Warn-and-fall-back-to-default on a malformed value) and its
// Var() trim-quotes-and-whitespace convention, retargeted from
// OLLAMA_* model-server knobs to spec.md §6's "Environment" list:
// max_alive_time, ping_interval, max_retry_attempts, retry_delay, max
// packed-batch tokens.
//
// config_utils.go carries the Bool/String/Uint getter-factories and
// AsMap/Values export, unchanged in shape from the teacher.
package envconfig

import (
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CoordinatorHost parses LATTICE_HOST into a scheme and host:port for
// the coordinator's HTTP surface, following the teacher's Host()
// scheme/hostport parsing exactly. It is reported by AsMap;
// cmd/coordinator binds to its --listen flag and does not read it.
func CoordinatorHost() *url.URL {
	defaultPort := "8080"

	s := strings.TrimSpace(Var("LATTICE_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
}

// AllowedOrigins mirrors the teacher's AllowedOrigins() CORS-origin
// list, trimmed to what the rpcwire/coordinator HTTP surfaces need
// (no app:// / vscode-webview:// entries — those are Ollama desktop-
// app origins with no lattice analogue).
func AllowedOrigins() (origins []string) {
	if s := Var("LATTICE_ORIGINS"); s != "" {
		return strings.Split(s, ",")
	}
	return []string{"*"}
}

// MaxAliveTime returns the KV-cache entry TTL (spec.md §2/§6:
// "max_alive_time (seconds)"). Default 60 seconds.
func MaxAliveTime() time.Duration {
	return durationVar("LATTICE_MAX_ALIVE_TIME", 60*time.Second)
}

// PingInterval returns how often a worker heartbeats the coordinator
// (spec.md §4.8: "workers ping the coordinator every ping_interval").
// Default 5 seconds.
func PingInterval() time.Duration {
	return durationVar("LATTICE_PING_INTERVAL", 5*time.Second)
}

// MaxRetryAttempts returns how many reconnection attempts a worker
// makes after a missed heartbeat (spec.md §4.8) before giving up.
// Default 5.
func MaxRetryAttempts() int {
	return int(Uint("LATTICE_MAX_RETRY_ATTEMPTS", 5)())
}

// RetryDelay returns the backoff between reconnection attempts
// (spec.md §4.8: "retry_delay backoff"). Default 1 second.
func RetryDelay() time.Duration {
	return durationVar("LATTICE_RETRY_DELAY", time.Second)
}

// MaxBatchTokens returns the admission policy's maximum packed-batch
// token budget (spec.md §4.5: "FCFS with a maximum batch token
// budget"). Default 4096.
func MaxBatchTokens() int {
	return int(Uint("LATTICE_MAX_BATCH_TOKENS", 4096)())
}

// HeartbeatGracePeriod returns how long the coordinator waits past a
// missed heartbeat before unregistering a client and re-running path
// selection (spec.md §4.8). Default 3x PingInterval.
func HeartbeatGracePeriod() time.Duration {
	if s := Var("LATTICE_HEARTBEAT_GRACE_PERIOD"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return 3 * PingInterval()
}

// LogLevel returns the configured slog level (LATTICE_DEBUG),
// following the teacher's LogLevel() convention: unset/false = INFO,
// true/1 = DEBUG, 2 = TRACE-equivalent (slog.Level(-8)).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LATTICE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

func durationVar(key string, def time.Duration) time.Duration {
	if s := Var(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", def)
	}
	return def
}

// Var returns an environment variable with surrounding whitespace and
// quotes trimmed, exactly as the teacher's Var does.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
