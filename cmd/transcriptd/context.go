package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/cwygoda/transcriptd/internal/adapter/badger"
	"github.com/cwygoda/transcriptd/internal/adapter/generator"
	"github.com/cwygoda/transcriptd/internal/adapter/sqlite"
	"github.com/cwygoda/transcriptd/internal/adapter/syncclient"
	"github.com/cwygoda/transcriptd/internal/config"
	"github.com/cwygoda/transcriptd/internal/domain"
	"github.com/cwygoda/transcriptd/internal/logging"
	"github.com/cwygoda/transcriptd/internal/producer"
	"github.com/cwygoda/transcriptd/internal/worker"
	"github.com/spf13/cobra"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    domain.Repository
	worker   *worker.Worker
	producer *producer.Producer

	closeLog func() error
}

type appOptions struct {
	// needSync requires a sync endpoint and wires the worker and producer.
	needSync bool
	// logOutput receives log lines; stderr keeps stdout clean for output.
	logOutput io.Writer
}

// withApp wires the application, runs fn and releases everything afterwards.
func (c *commandContext) withApp(cmd *cobra.Command, opts appOptions, fn func(*app) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if opts.logOutput == nil {
		opts.logOutput = cmd.ErrOrStderr()
	}
	a, err := newApp(cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	if opts.needSync && strings.TrimSpace(cfg.Sync.URL) == "" {
		return nil, errors.New("sync.url is required (set [sync] url or TRANSCRIPTD_SYNC_URL)")
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Output: opts.logOutput,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	a := &app{cfg: cfg, log: logger, store: store, closeLog: closeLog}
	if !opts.needSync {
		return a, nil
	}

	syncer := syncclient.New(syncclient.Config{
		URL:     cfg.Sync.URL,
		APIKey:  cfg.Sync.APIKey,
		Timeout: cfg.Sync.Timeout,
	})
	a.worker = worker.New(store, syncer, worker.Options{
		Policy:            cfg.RetryPolicy(),
		Interval:          cfg.Worker.Interval,
		Limit:             cfg.Worker.Limit,
		Concurrency:       cfg.Worker.Concurrency,
		ProcessingTimeout: cfg.Worker.ProcessingTimeout,
		SafetyNetDelay:    cfg.Worker.SafetyNetDelay,
		RunOnStart:        cfg.Worker.RunOnStart,
		Logger:            logger,
	})

	registry, err := generator.FromConfig(cfg.Generators)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("configure generators: %w", err)
	}
	a.producer = producer.New(store, registry, a.worker, cfg.DomainMentors(), logger)
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store failed", "error", err)
	}
	_ = a.closeLog()
}

func openStore(cfg *config.Config) (domain.Repository, error) {
	switch cfg.Storage.Driver {
	case config.DriverBadger:
		repo, err := badger.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return repo, nil
	default:
		repo, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return repo, nil
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
