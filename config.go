package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"solarfarm/internal/farm"
)

// ServerConfig is read from an optional YAML file and then overridden by
// environment variables.
type ServerConfig struct {
	Addr        string      `yaml:"addr"`
	CatalogPath string      `yaml:"catalog"`
	JournalDir  string      `yaml:"journal_dir"`
	Farm        FarmSection `yaml:"farm"`
}

type FarmSection struct {
	MaxOffline       time.Duration `yaml:"max_offline"`
	MaxRetries       int           `yaml:"max_retries"`
	StartingCurrency float64       `yaml:"starting_currency"`
	ConvertRate      float64       `yaml:"convert_rate"`
}

func defaultServerConfig() ServerConfig {
	d := farm.DefaultConfig()
	return ServerConfig{
		Addr: ":8080",
		Farm: FarmSection{
			MaxOffline:       d.MaxOffline,
			MaxRetries:       d.MaxRetries,
			StartingCurrency: d.StartingCurrency,
			ConvertRate:      d.ConvertRate,
		},
	}
}

// loadServerConfig starts from defaults, applies path when non-empty, then
// the environment.
func loadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.FarmConfig().Validate(); err != nil {
		return cfg, fmt.Errorf("farm config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *ServerConfig) error {
	if v := strings.TrimSpace(os.Getenv("SERVER_ADDR")); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("CATALOG_PATH")); v != "" {
		cfg.CatalogPath = v
	}
	if v, ok := os.LookupEnv("JOURNAL_DIR"); ok {
		cfg.JournalDir = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv("OFFLINE_CAP")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid OFFLINE_CAP %q: %w", v, err)
		}
		cfg.Farm.MaxOffline = d
	}
	if v := strings.TrimSpace(os.Getenv("MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_RETRIES %q: %w", v, err)
		}
		cfg.Farm.MaxRetries = n
	}
	if v := strings.TrimSpace(os.Getenv("STARTING_CURRENCY")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid STARTING_CURRENCY %q: %w", v, err)
		}
		cfg.Farm.StartingCurrency = f
	}
	if v := strings.TrimSpace(os.Getenv("CONVERT_RATE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CONVERT_RATE %q: %w", v, err)
		}
		cfg.Farm.ConvertRate = f
	}
	return nil
}

func (c ServerConfig) FarmConfig() farm.Config {
	return farm.Config{
		MaxOffline:       c.Farm.MaxOffline,
		MaxRetries:       c.Farm.MaxRetries,
		StartingCurrency: c.Farm.StartingCurrency,
		ConvertRate:      c.Farm.ConvertRate,
	}
}

func (c ServerConfig) loadCatalog() (*farm.Catalog, error) {
	if c.CatalogPath == "" {
		return farm.DefaultCatalog()
	}
	return farm.LoadCatalog(c.CatalogPath)
}
