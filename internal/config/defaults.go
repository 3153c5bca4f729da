package config

const (
	defaultDataDir     = "~/.local/share/loom/data"
	defaultArtifactDir = "~/.local/share/loom/artifacts"
	defaultLogDir      = "~/.local/share/loom/logs"
	defaultColdDir     = "~/.local/share/loom/cache/cold"
	defaultAPIBind     = "127.0.0.1:7519"

	defaultStageTimeoutSeconds   = 300
	defaultRetryBackoffSeconds   = 2
	defaultMaxRequestRetries     = 3
	defaultHeartbeatTimeoutSecs  = 120
	defaultHeartbeatIntervalSecs = 15

	defaultPollIntervalSeconds   = 2
	defaultErrorRetrySeconds     = 10
	defaultLeaseSeconds          = 300
	defaultMaxDeliveries         = 5
	defaultOrphanInspectionLimit = 3
	defaultQueueWorkers          = 2

	defaultHotTTLSeconds     = 900
	defaultDeliveryTTL       = 15
	defaultNotifyTimeoutSecs = 10

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
			APIBind:     defaultAPIBind,
		},
		Pipeline: Pipeline{
			StageTimeoutSeconds:   defaultStageTimeoutSeconds,
			RetryBackoffSeconds:   defaultRetryBackoffSeconds,
			MaxRequestRetries:     defaultMaxRequestRetries,
			HeartbeatTimeoutSecs:  defaultHeartbeatTimeoutSecs,
			HeartbeatIntervalSecs: defaultHeartbeatIntervalSecs,
		},
		Queue: Queue{
			PollIntervalSeconds:   defaultPollIntervalSeconds,
			ErrorRetrySeconds:     defaultErrorRetrySeconds,
			LeaseSeconds:          defaultLeaseSeconds,
			MaxDeliveries:         defaultMaxDeliveries,
			OrphanInspectionLimit: defaultOrphanInspectionLimit,
			Workers:               defaultQueueWorkers,
		},
		Cache: Cache{
			Enabled:       true,
			HotTTLSeconds: defaultHotTTLSeconds,
			ColdDir:       defaultColdDir,
		},
		Delivery: Delivery{
			TTLMinutes: defaultDeliveryTTL,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeoutSecs,
			Completion:     true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
