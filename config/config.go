// Package config defines the runtime configuration for the manager and
// worker daemons: the five recognized timeout keys, network bind
// addresses, and the staging directory layout.
package config

// Config is the merged configuration for a chimerapy daemon (manager or
// worker). A single struct is shared by both binaries; each reads only
// the sections relevant to it.
type Config struct {
	Manager ManagerConfig `mapstructure:"manager"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Comms   CommsConfig   `mapstructure:"comms"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ManagerConfig configures the manager daemon.
type ManagerConfig struct {
	Host            string              `mapstructure:"host"`
	Port            int                 `mapstructure:"port"`
	LogDir          string              `mapstructure:"logdir"`
	ProtocolRange   string              `mapstructure:"protocol_range"` // semver constraint accepted from workers
	Timeout         ManagerTimeoutConfig `mapstructure:"timeout"`
	GatherRateLimit float64             `mapstructure:"gather_rate_limit"` // gather fan-out requests/sec
}

// ManagerTimeoutConfig holds the manager.timeout.* keys.
type ManagerTimeoutConfig struct {
	InfoRequestSeconds int `mapstructure:"info-request"`
}

// WorkerConfig configures the worker daemon.
type WorkerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ManagerHost     string `mapstructure:"manager_host"`
	ManagerPort     int    `mapstructure:"manager_port"`
	StagingDir      string `mapstructure:"staging_dir"`
	ProtocolVersion string `mapstructure:"protocol_version"` // semver advertised at registration
	ArchiveRateLimit float64 `mapstructure:"archive_rate_limit"` // archive-retry backoff pacing
}

// CommsConfig holds the comms.timeout.* keys shared by every transport
// client (worker-to-manager and node-to-worker).
type CommsConfig struct {
	Timeout CommsTimeoutConfig `mapstructure:"timeout"`
}

// CommsTimeoutConfig is the set of recognized comms timeout keys from
// the external interface surface.
type CommsTimeoutConfig struct {
	OKSeconds             int `mapstructure:"ok"`
	ClientReadySeconds    int `mapstructure:"client-ready"`
	ClientShutdownSeconds int `mapstructure:"client-shutdown"`
	ZipTimeSeconds        int `mapstructure:"zip-time"`
}

// LoggingConfig configures the ambient zap-backed logger.
type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
