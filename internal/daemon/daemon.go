// Package daemon is the factoryd supervisor process: it owns the singleton
// file lock, the UDS control server, the run store, and the coordinator,
// and it recovers in-flight runs after a restart.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/buildfactory/factoryd/internal/coordinator"
	"github.com/buildfactory/factoryd/internal/engine"
	"github.com/buildfactory/factoryd/internal/lock"
	"github.com/buildfactory/factoryd/internal/logx"
	"github.com/buildfactory/factoryd/internal/model"
	"github.com/buildfactory/factoryd/internal/store"
	"github.com/buildfactory/factoryd/internal/uds"
	"github.com/buildfactory/factoryd/templates"
)

// Daemon is the main factoryd process.
type Daemon struct {
	factoryDir string
	config     model.Config
	log        *logx.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	store    *store.Store
	coord    *coordinator.Coordinator

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
}

// New creates a daemon rooted at factoryDir, logging to
// <factoryDir>/logs/daemon.log.
func New(factoryDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(factoryDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		factoryDir: factoryDir,
		config:     cfg,
		log:        logx.New(log.New(logFile, "", 0), logx.ParseLevel(cfg.Logging.Level), "daemon"),
		logFile:    logFile,
		fileLock:   lock.NewFileLock(filepath.Join(factoryDir, "locks", "daemon.lock")),
		server:     uds.NewServer(filepath.Join(factoryDir, uds.DefaultSocketName)),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.factoryDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log.Infof("daemon starting pid=%d dir=%s", os.Getpid(), d.factoryDir)

	st, err := store.Open(d.factoryDir)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open run store: %w", err)
	}
	d.store = st

	templatesDir := filepath.Join(d.factoryDir, "templates")
	if err := templates.Seed(templatesDir); err != nil {
		d.log.Warnf("seed templates: %v", err)
	}
	d.coord = coordinator.New(d.ctx, d.config, st, engine.NewLauncher(), templatesDir, d.log)

	d.registerHandlers()

	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Infof("UDS server listening on %s", filepath.Join(d.factoryDir, uds.DefaultSocketName))

	// Reattach readers for runs that survived the last supervisor stop,
	// then arm the stale-run watchdog.
	d.coord.Recover()
	d.coord.StartWatchdog()
	d.log.Infof("daemon ready active_runs=%d", len(st.ActiveRunIDs()))

	d.waitSignals()
	return nil
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log.Infof("received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.log.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent). Agent sessions keep
// running; they are re-attached on the next daemon start.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Infof("shutdown started")

		// Stop accepting control requests, then stop tailers.
		if d.server != nil {
			d.server.Stop()
		}
		d.cancel()

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			if d.coord != nil {
				if err := d.coord.Wait(); err != nil {
					d.log.Errorf("tailer error during shutdown: %v", err)
				}
			}
			close(done)
		}()

		select {
		case <-done:
			d.log.Infof("all run readers drained")
		case <-time.After(timeout):
			d.log.Warnf("shutdown timeout after %s, some readers may be incomplete", timeout)
		}

		d.cleanup()
		d.log.Infof("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.factoryDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
