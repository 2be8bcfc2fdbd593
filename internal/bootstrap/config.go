package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"signal_trader/internal/config"

	"github.com/joho/godotenv"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig reads an optional .env file, then the YAML config, then runs
// the environment checks that schema validation cannot do
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight verifies the data directories are usable
func checkPreFlight(cfg *Config) error {
	for _, p := range []string{cfg.App.StateFile, cfg.App.EventLog, cfg.App.JournalPath} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("directory %s is not writable: %w", dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}

	if info, err := os.Stat(cfg.App.SignalLog); err == nil && info.IsDir() {
		return fmt.Errorf("signal_log %s is a directory", cfg.App.SignalLog)
	}
	return nil
}
