package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROTOSCALE_"

// Config holds runtime parameters for the CLI and the dev backend.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	APIURL              string  `json:"api_url" yaml:"api_url" toml:"api_url"`
	APIKey              string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	StatePath           string  `json:"state_path" yaml:"state_path" toml:"state_path"`
	SyncDir             string  `json:"sync_dir" yaml:"sync_dir" toml:"sync_dir"`
	PollIntervalMS      int     `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	StageDwellMS        int     `json:"stage_dwell_ms" yaml:"stage_dwell_ms" toml:"stage_dwell_ms"`
	HistoryRetries      int     `json:"history_retries" yaml:"history_retries" toml:"history_retries"`
	HistoryRetryDelayMS int     `json:"history_retry_delay_ms" yaml:"history_retry_delay_ms" toml:"history_retry_delay_ms"`
	RequestsPerSecond   float64 `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	LogLevel            string  `json:"log_level" yaml:"log_level" toml:"log_level"`
	Env                 string  `json:"env" yaml:"env" toml:"env"`
	DevServerAddr       string  `json:"devserver_addr" yaml:"devserver_addr" toml:"devserver_addr"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadDotEnv loads the given env files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays PROTOSCALE_* variables read through getenv onto cfg. A
// nil getenv reads the process environment.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := getenv(EnvPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	str("API_URL", &cfg.APIURL)
	str("API_KEY", &cfg.APIKey)
	str("STATE_PATH", &cfg.StatePath)
	str("SYNC_DIR", &cfg.SyncDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)
	str("DEVSERVER_ADDR", &cfg.DevServerAddr)
	for name, dst := range map[string]*int{
		"POLL_INTERVAL_MS":       &cfg.PollIntervalMS,
		"STAGE_DWELL_MS":         &cfg.StageDwellMS,
		"HISTORY_RETRIES":        &cfg.HistoryRetries,
		"HISTORY_RETRY_DELAY_MS": &cfg.HistoryRetryDelayMS,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	if v := getenv(EnvPrefix + "REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sREQUESTS_PER_SECOND: %w", EnvPrefix, err)
		}
		cfg.RequestsPerSecond = f
	}
	return nil
}
