package config

import "github.com/spf13/viper"

// Default network and timeout values. Exposed as constants so callers
// that bypass viper (e.g. constructing a Config by hand in tests) can
// still reference the same numbers.
const (
	DefaultManagerPort = 9000
	DefaultWorkerPort  = 9001

	DefaultInfoRequestSeconds     = 10
	DefaultOKSeconds              = 5
	DefaultClientReadySeconds     = 10
	DefaultClientShutdownSeconds  = 5
	DefaultZipTimeSeconds         = 30

	DefaultProtocolVersion = "1.0.0"
	DefaultProtocolRange   = ">=1.0.0, <2.0.0"

	DefaultGatherRateLimit  = 20.0
	DefaultArchiveRateLimit = 2.0
)

// SetDefaults installs default values for every recognized configuration
// key onto a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("manager.host", "0.0.0.0")
	v.SetDefault("manager.port", DefaultManagerPort)
	v.SetDefault("manager.logdir", "chimerapy-logs")
	v.SetDefault("manager.protocol_range", DefaultProtocolRange)
	v.SetDefault("manager.timeout.info-request", DefaultInfoRequestSeconds)
	v.SetDefault("manager.gather_rate_limit", DefaultGatherRateLimit)

	v.SetDefault("worker.host", "0.0.0.0")
	v.SetDefault("worker.port", DefaultWorkerPort)
	v.SetDefault("worker.staging_dir", "chimerapy-staging")
	v.SetDefault("worker.protocol_version", DefaultProtocolVersion)
	v.SetDefault("worker.archive_rate_limit", DefaultArchiveRateLimit)

	v.SetDefault("comms.timeout.ok", DefaultOKSeconds)
	v.SetDefault("comms.timeout.client-ready", DefaultClientReadySeconds)
	v.SetDefault("comms.timeout.client-shutdown", DefaultClientShutdownSeconds)
	v.SetDefault("comms.timeout.zip-time", DefaultZipTimeSeconds)

	v.SetDefault("logging.json", false)
}

// BindEnvVars wires the recognized keys to CHIMERAPY_-prefixed environment
// variables, for operators who prefer env-based overrides to a TOML file.
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("manager.host", "CHIMERAPY_MANAGER_HOST")
	v.BindEnv("manager.port", "CHIMERAPY_MANAGER_PORT")
	v.BindEnv("worker.manager_host", "CHIMERAPY_WORKER_MANAGER_HOST")
	v.BindEnv("worker.manager_port", "CHIMERAPY_WORKER_MANAGER_PORT")
	v.BindEnv("worker.port", "CHIMERAPY_WORKER_PORT")
}
