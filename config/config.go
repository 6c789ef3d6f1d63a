// Package config loads the node configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	dataregion "github.com/sushant-115/gojopage/core/storage_engine/data_region"
	pagestore "github.com/sushant-115/gojopage/core/storage_engine/page_store"
	"github.com/sushant-115/gojopage/core/write_engine/checkpoint"
	"github.com/sushant-115/gojopage/pkg/logger"
	"github.com/sushant-115/gojopage/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the whole node configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Storage   pagestore.Config `yaml:"storage"`
	// HTTPAddr serves health and admin endpoints.
	HTTPAddr string `yaml:"http_addr"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:      "gojopage",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Storage: pagestore.Config{
			Dir:      "data/gojopage",
			PageSize: 4096,
			Region: dataregion.Config{
				Name: "default",
				Size: 256 * dataregion.MiB,
			},
			Checkpoint: checkpoint.Config{
				Interval:     3 * time.Minute,
				LockTimeout:  10 * time.Second,
				WriteThreads: 4,
			},
		},
		HTTPAddr: "127.0.0.1:8080",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	s := c.Storage
	switch {
	case s.Dir == "":
		return errors.New("storage.dir must be set")
	case s.PageSize < 256 || s.PageSize&(s.PageSize-1) != 0:
		return fmt.Errorf("storage.page_size must be a power of two of at least 256, got %d", s.PageSize)
	case s.Region.Size <= 0:
		return fmt.Errorf("storage.region.size must be positive, got %d", s.Region.Size)
	case s.Region.PageSize != 0 && s.Region.PageSize != s.PageSize:
		return fmt.Errorf("storage.region.page_size %d differs from storage.page_size %d", s.Region.PageSize, s.PageSize)
	case s.Checkpoint.Interval < 0 || s.Checkpoint.LockTimeout < 0:
		return errors.New("checkpoint durations must not be negative")
	}
	return nil
}
