package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.wxsend",
			LogLevel:  "info",
			LogFile:   "~/.wxsend/logs/wxsend.log",
		},
		Automation: AutomationConfig{
			PythonPath:         "python",
			CallTimeoutSeconds: 60,
			ArgsFileThreshold:  4000,
		},
		Download: DownloadConfig{
			ConnectTimeoutSeconds:         10,
			ReadTimeoutSeconds:            30,
			InsecureConnectTimeoutSeconds: 15,
			InsecureReadTimeoutSeconds:    60,
			ChunkSize:                     8192,
			MaxSizeBytes:                  100 << 20,
		},
		Delivery: DeliveryConfig{
			ReadyPollIntervalMs: 500,
			ReadyPollAttempts:   6,
			CleanupAttempts:     3,
			CleanupDelayMs:      500,
			CleanupRetryDelayMs: 1000,
		},
		Batch: BatchConfig{
			SendDelaySeconds: 3,
			RandomDelay:      true,
			RandomDelayMinMs: 1000,
			RandomDelayMaxMs: 5000,
		},
		Lock: LockConfig{
			Enabled:            true,
			DBPath:             "~/.wxsend/state.db",
			WaitTimeoutSeconds: 120,
			StaleAfterSeconds:  300,
		},
		Journal: JournalConfig{
			Enabled: false,
			DBPath:  "~/.wxsend/state.db",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			MaxBodyBytes: 50 << 20,
		},
	}
}
