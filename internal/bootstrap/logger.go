package bootstrap

import (
	"signal_trader/pkg/logging"
)

// InitLogger builds the zap logger from the system section, adding the
// rotated JSON file sink when a log file is configured
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	var file *logging.FileOptions
	if cfg.System.LogFile != "" {
		file = &logging.FileOptions{
			Path:       cfg.System.LogFile,
			MaxSizeMB:  cfg.System.LogMaxSizeMB,
			MaxBackups: cfg.System.LogMaxBackups,
			MaxAgeDays: cfg.System.LogMaxAgeDays,
		}
	}
	return logging.NewZapLoggerWithFile(cfg.System.LogLevel, file)
}
