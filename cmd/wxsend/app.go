package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wxsend/internal/config"
	"wxsend/internal/domain"
	"wxsend/internal/fetch"
	"wxsend/internal/journal"
	"wxsend/internal/lock"
	"wxsend/internal/logging"
	"wxsend/internal/sender"
)

// app is everything one invocation needs, built from the config.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	svc     *sender.Service
	closers []io.Closer
}

func (c *cli) loadConfig() (*config.Config, error) {
	return config.LoadOrDefaults(c.resolveConfigPath())
}

func (c *cli) setupLogging(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer, err := logging.Setup(logging.Options{
		File:    cfg.General.LogFile,
		Level:   cfg.General.LogLevel,
		Verbose: c.verbose,
		Stderr:  c.stderr,
	})
	if err != nil {
		logger.Warn("log file unavailable, logging to stderr only", "file", cfg.General.LogFile, "err", err)
	}
	return logger, closer
}

// open wires config, logging, the session lock, the journal and the sender.
func (c *cli) open() (*app, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "config", err)
	}
	logger, logCloser := c.setupLogging(cfg)
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	var locker sender.Locker
	if cfg.Lock.Enabled {
		l, err := lock.Open(cfg.Lock.DBPath, lock.Options{
			WaitTimeout: time.Duration(cfg.Lock.WaitTimeoutSeconds) * time.Second,
			StaleAfter:  time.Duration(cfg.Lock.StaleAfterSeconds) * time.Second,
		}, logger)
		if err != nil {
			a.Close()
			return nil, domain.Wrap(domain.KindFilesystem, "lock", err)
		}
		a.closers = append(a.closers, l)
		locker = l
	}

	var recorder sender.Recorder
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			logger.Warn("journal unavailable, sends will not be recorded", "err", err)
		} else {
			a.closers = append(a.closers, j)
			recorder = j
		}
	}

	a.svc = sender.New(sender.Deps{
		Automation: c.newAutomation(cfg, logger),
		Resolver:   fetch.NewResolver(fetch.OptionsFromConfig(cfg), logger),
		Locker:     locker,
		Journal:    recorder,
	}, sender.OptionsFromConfig(cfg), logger)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
	return nil
}

// runOp runs one operation under a context canceled by SIGINT/SIGTERM and
// prints its result. An interrupted run still prints exactly one result.
func (c *cli) runOp(cmd *cobra.Command, name string, op func(ctx context.Context, svc *sender.Service) domain.Result) error {
	a, err := c.open()
	if err != nil {
		return c.finish(domain.Failure(err), false)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	a.logger.Info("run started", "op", name, "version", version, "pid", os.Getpid())
	res := op(ctx, a.svc)

	interrupted := ctx.Err() != nil
	if interrupted && !res.Success {
		res.ErrorKind = domain.KindInterrupted
		if res.Error == "" {
			res.Error = "interrupted"
		}
	}
	a.logger.Info("run finished", "op", name, "success", res.Success, "kind", res.ErrorKind,
		"interrupted", interrupted, "duration", time.Since(start).Round(time.Millisecond))
	return c.finish(res, interrupted)
}
