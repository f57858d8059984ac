package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"protoscale/internal/backend"
	"protoscale/internal/broadcast"
	"protoscale/internal/common/fsutil"
	"protoscale/internal/config"
	"protoscale/internal/engine"
	"protoscale/internal/history"
	"protoscale/internal/kv"
	"protoscale/internal/logging"
)

const (
	defaultAPIURL        = "http://localhost:8000/api"
	defaultDevServerAddr = ":8000"
	defaultConfigFile    = "config.yaml"
	defaultStateFile     = "state.db"
	defaultSyncDir       = "sync"
)

// app carries configuration and the lazily opened runtime shared by all
// commands of one invocation.
type app struct {
	out     io.Writer
	cfgPath string
	cfg     config.Config
	log     zerolog.Logger

	client *backend.Client
	store  *kv.SQLite
	ch     *broadcast.Dir
	hist   *history.Store
	eng    *engine.Engine
	events *engine.ChanPublisher
}

func newApp(out io.Writer) *app {
	return &app{out: out, log: zerolog.Nop()}
}

// loadConfig layers .env files, the config file, PROTOSCALE_* variables and
// finally defaults for anything still unset.
func (a *app) loadConfig() error {
	dotenv := []string{".env"}
	if p, err := fsutil.DataPath(".env"); err == nil {
		dotenv = append(dotenv, p)
	}
	if err := config.LoadDotEnv(dotenv...); err != nil {
		return err
	}
	path := a.cfgPath
	if path == "" {
		if p, err := fsutil.DataPath(defaultConfigFile); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	var cfg config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(&cfg, nil); err != nil {
		return err
	}
	a.cfg = mergeConfig(a.cfg, cfg)
	applyDefaults(&a.cfg)
	a.log = logging.NewWithWriter(os.Stderr, a.cfg.Env, a.cfg.LogLevel)
	return nil
}

// mergeConfig keeps non-zero flag values over file and env values.
func mergeConfig(flags, base config.Config) config.Config {
	out := base
	if flags.APIURL != "" {
		out.APIURL = flags.APIURL
	}
	if flags.APIKey != "" {
		out.APIKey = flags.APIKey
	}
	if flags.StatePath != "" {
		out.StatePath = flags.StatePath
	}
	if flags.SyncDir != "" {
		out.SyncDir = flags.SyncDir
	}
	if flags.LogLevel != "" {
		out.LogLevel = flags.LogLevel
	}
	if flags.DevServerAddr != "" {
		out.DevServerAddr = flags.DevServerAddr
	}
	return out
}

func applyDefaults(c *config.Config) {
	if c.APIURL == "" {
		c.APIURL = defaultAPIURL
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 2000
	}
	if c.StageDwellMS <= 0 {
		c.StageDwellMS = 1200
	}
	if c.HistoryRetryDelayMS <= 0 {
		c.HistoryRetryDelayMS = 3000
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.DevServerAddr == "" {
		c.DevServerAddr = defaultDevServerAddr
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// open wires client, store, sync channel, history and engine.
func (a *app) open() error {
	if a.eng != nil {
		return nil
	}
	a.client = backend.New(a.cfg.APIURL,
		backend.WithAPIKey(a.cfg.APIKey),
		backend.WithRateLimit(a.cfg.RequestsPerSecond))

	statePath, err := fsutil.ResolveFile(a.cfg.StatePath, defaultStateFile)
	if err != nil {
		return err
	}
	if a.store, err = kv.OpenSQLite(statePath); err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	syncDir, err := fsutil.ResolveDir(a.cfg.SyncDir, defaultSyncDir)
	if err != nil {
		a.close()
		return err
	}
	a.ch, err = broadcast.OpenDir(syncDir, broadcast.WithErrorHandler(func(err error) {
		a.log.Warn().Err(err).Msg("sync channel")
	}))
	if err != nil {
		a.close()
		return fmt.Errorf("open sync dir: %w", err)
	}

	a.hist = history.New(a.client, a.store, history.Options{
		Retries:    a.cfg.HistoryRetries,
		RetryDelay: ms(a.cfg.HistoryRetryDelayMS),
		Logger:     &a.log,
	})
	a.events = engine.NewChanPublisher(64)
	a.eng, err = engine.New(engine.Config{
		Client:       a.client,
		Store:        a.store,
		Channel:      a.ch,
		History:      a.hist,
		Publisher:    a.events,
		Logger:       &a.log,
		PollInterval: ms(a.cfg.PollIntervalMS),
		StageDwell:   ms(a.cfg.StageDwellMS),
	})
	if err != nil {
		a.close()
		return err
	}
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.eng != nil {
		errs = append(errs, a.eng.Close())
		a.eng = nil
	}
	if a.ch != nil {
		errs = append(errs, a.ch.Close())
		a.ch = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
