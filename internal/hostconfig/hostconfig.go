// Package hostconfig parses the environment-variable knobs recognised by
// the supervisor, health monitor, and transport components. Every parse
// falls back to the documented default on a missing or malformed value —
// generalized from the teacher's envInt/envFloat helpers, which apply a
// default only when the parsed value is positive.
package hostconfig

import (
	"os"
	"strconv"
	"time"
)

const defaultPrefix = "HOSTD"

func envName(prefix, suffix string) string {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return prefix + suffix
}

func envDuration(prefix, suffix string, unit time.Duration, def time.Duration) time.Duration {
	raw := os.Getenv(envName(prefix, suffix))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * unit
}

func envInt(prefix, suffix string, def int) int {
	raw := os.Getenv(envName(prefix, suffix))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(prefix, suffix string, def float64) float64 {
	raw := os.Getenv(envName(prefix, suffix))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func envBool(prefix, suffix string, def bool) bool {
	raw := os.Getenv(envName(prefix, suffix))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// SupervisorConfig holds the per-kind SidecarSupervisor knobs (§6.5,
// "_EMBEDDING_*" and "_MINICOT_*").
type SupervisorConfig struct {
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	MaxFailures      int
	RestartCooldown  time.Duration
	StartupTimeout   time.Duration
	MaxRestarts      int
	AutoStart        bool
	KillStale        bool
	MaxProcessAge    time.Duration
	DisableWarmRestart bool
}

// LoadEmbeddingSupervisorConfig parses "<prefix>_EMBEDDING_*" knobs.
func LoadEmbeddingSupervisorConfig(prefix string) SupervisorConfig {
	return loadSupervisorConfig(prefix, "_EMBEDDING", 45*time.Second)
}

// LoadCoTSupervisorConfig parses "<prefix>_MINICOT_*" knobs.
func LoadCoTSupervisorConfig(prefix string) SupervisorConfig {
	cfg := loadSupervisorConfig(prefix, "_MINICOT", 60*time.Second)
	cfg.DisableWarmRestart = envBool(prefix, "_MINICOT_DISABLE_WARM_RESTART", false)
	return cfg
}

func loadSupervisorConfig(prefix, infix string, defaultStartupTimeout time.Duration) SupervisorConfig {
	return SupervisorConfig{
		HealthInterval:  envDuration(prefix, infix+"_HEALTH_INTERVAL", time.Second, 25*time.Second),
		HealthTimeout:   envDuration(prefix, infix+"_TIMEOUT", time.Second, 10*time.Second),
		MaxFailures:     envInt(prefix, infix+"_MAX_FAILURES", 3),
		RestartCooldown: envDuration(prefix, infix+"_RESTART_COOLDOWN", time.Second, 10*time.Second),
		StartupTimeout:  envDuration(prefix, infix+"_STARTUP_TIMEOUT", time.Second, defaultStartupTimeout),
		MaxRestarts:     envInt(prefix, infix+"_MAX_RESTARTS", 5),
		AutoStart:       envBool(prefix, infix+"_AUTO_START", true),
		KillStale:       envBool(prefix, infix+"_KILL_STALE", true),
		MaxProcessAge:   envDuration(prefix, infix+"_MAX_AGE_HOURS", time.Hour, 24*time.Hour),
	}
}

// HealthMonitorConfig holds the HealthMonitor knobs.
type HealthMonitorConfig struct {
	HealthyInterval    time.Duration
	UnhealthyInterval  time.Duration
	DBTimeout          time.Duration
	UnhealthyThreshold int
	RecoveryThreshold  int
	AutoRecovery       bool
	RecoveryInterval   time.Duration
	LogStatus          bool
	LogInterval        time.Duration
}

// LoadHealthMonitorConfig parses the HealthMonitor knobs.
func LoadHealthMonitorConfig(prefix string) HealthMonitorConfig {
	return HealthMonitorConfig{
		HealthyInterval:    envDuration(prefix, "_HEALTH_CHECK_INTERVAL_MS", time.Millisecond, 30*time.Second),
		UnhealthyInterval:  envDuration(prefix, "_UNHEALTHY_INTERVAL_MS", time.Millisecond, 5*time.Second),
		DBTimeout:          envDuration(prefix, "_DB_TIMEOUT", time.Second, 5*time.Second),
		UnhealthyThreshold: envInt(prefix, "_UNHEALTHY_THRESHOLD", 3),
		RecoveryThreshold:  envInt(prefix, "_RECOVERY_THRESHOLD", 2),
		AutoRecovery:       envBool(prefix, "_AUTO_RECOVERY", true),
		RecoveryInterval:   envDuration(prefix, "_RECOVERY_INTERVAL", time.Second, 60*time.Second),
		LogStatus:          envBool(prefix, "_LOG_STATUS", true),
		LogInterval:        envDuration(prefix, "_LOG_INTERVAL", time.Second, 5*time.Minute),
	}
}

// TransportConfig holds the ResilientTransport knobs.
type TransportConfig struct {
	HealthInterval      time.Duration
	InactivityThreshold time.Duration
	MaxErrors           int
	KeepaliveInterval   time.Duration
	KeepaliveEnabled    bool
	RecoveryEnabled     bool
	RecoveryMaxAttempts int
	RecoveryBase        time.Duration
	RecoveryMax         time.Duration
	RecoveryMultiplier  float64
	StdinGrace          time.Duration
	ShutdownGrace       time.Duration
}

// LoadTransportConfig parses the "<prefix>_TRANSPORT_*" knobs.
func LoadTransportConfig(prefix string) TransportConfig {
	return TransportConfig{
		HealthInterval:      envDuration(prefix, "_TRANSPORT_HEALTH_INTERVAL", time.Second, 30*time.Second),
		InactivityThreshold: envDuration(prefix, "_TRANSPORT_INACTIVITY_THRESHOLD", time.Second, 5*time.Minute),
		MaxErrors:           envInt(prefix, "_TRANSPORT_MAX_ERRORS", 10),
		KeepaliveInterval:   envDuration(prefix, "_TRANSPORT_KEEPALIVE_INTERVAL", time.Second, 60*time.Second),
		KeepaliveEnabled:    envBool(prefix, "_TRANSPORT_KEEPALIVE_ENABLED", true),
		RecoveryEnabled:     envBool(prefix, "_TRANSPORT_RECOVERY_ENABLED", true),
		RecoveryMaxAttempts: envInt(prefix, "_TRANSPORT_RECOVERY_ATTEMPTS", 5),
		RecoveryBase:        envDuration(prefix, "_TRANSPORT_RECOVERY_BASE", time.Second, time.Second),
		RecoveryMax:         envDuration(prefix, "_TRANSPORT_RECOVERY_MAX", time.Second, 30*time.Second),
		RecoveryMultiplier:  envFloat(prefix, "_TRANSPORT_RECOVERY_MULTIPLIER", 2.0),
		StdinGrace:          envDuration(prefix, "_TRANSPORT_STDIN_GRACE", time.Second, 5*time.Second),
		ShutdownGrace:       envDuration(prefix, "_TRANSPORT_SHUTDOWN_GRACE", time.Millisecond, 100*time.Millisecond),
	}
}

// SocketDir returns "<prefix>_SOCKET_DIR" if set, else "".
func SocketDir(prefix string) string {
	return os.Getenv(envName(prefix, "_SOCKET_DIR"))
}
