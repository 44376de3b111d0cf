package config

const (
	defaultConfigPath            = "~/.config/aideps/config.toml"
	defaultDataDir               = "~/.local/share/aideps"
	defaultLogDir                = "~/.local/share/aideps/logs"
	defaultInboxDir              = "~/.local/share/aideps/inbox"
	defaultAPIBind               = "127.0.0.1:7488"
	defaultMaxUploadBytes        = 100 * 1024 * 1024
	defaultSaveTimeoutSeconds    = 10
	defaultSaveRetryAttempts     = 3
	defaultSaveRetryDelayMS      = 250
	defaultSessionIdleTimeout    = 1800
	defaultJanitorInterval       = 60
	defaultInboxDebounceMS       = 750
	defaultNotifyRequestTimeout  = 10
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 60
	maxSaveRetryAttempts         = 10
	minSessionIdleTimeoutSeconds = 30
)

func defaultAllowedExtensions() []string {
	return []string{".csv", ".xlsx", ".xls"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			LogDir:   defaultLogDir,
			InboxDir: defaultInboxDir,
			APIBind:  defaultAPIBind,
		},
		Upload: Upload{
			MaxBytes:          defaultMaxUploadBytes,
			AllowedExtensions: defaultAllowedExtensions(),
		},
		Persistence: Persistence{
			SaveTimeoutSeconds: defaultSaveTimeoutSeconds,
			SaveRetryAttempts:  defaultSaveRetryAttempts,
			SaveRetryDelayMS:   defaultSaveRetryDelayMS,
		},
		Workflow: Workflow{
			SessionIdleTimeout: defaultSessionIdleTimeout,
			JanitorInterval:    defaultJanitorInterval,
		},
		Inbox: Inbox{
			DebounceMS: defaultInboxDebounceMS,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Ingest:         true,
			Completion:     true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
