package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without restart; every other change is
// listed in RestartRequired by its YAML path.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed sections that only take effect after a
	// restart, e.g. "server.listen_addr" or "auth".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.health_addr", old.Server.HealthAddr != new.Server.HealthAddr)
	restart("server.shutdown_timeout", old.Server.ShutdownTimeout != new.Server.ShutdownTimeout)
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("auth", old.Auth != new.Auth)
	restart("upstream", old.Upstream != new.Upstream)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
