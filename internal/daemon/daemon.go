package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stoneworks/foreman/internal/events"
	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/lock"
	"github.com/stoneworks/foreman/internal/model"
	"github.com/stoneworks/foreman/internal/refinery"
	"github.com/stoneworks/foreman/internal/uds"
)

// Daemon is the foreman coordinator process.
type Daemon struct {
	foremanDir string
	config     model.Config
	logLevel   LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store      *graph.Store
	pool       *Pool
	refinery   *refinery.Refinery
	dispatcher *Dispatcher
	witness    *Witness
	ingestor   *Ingestor
	bus        *events.Bus
	audit      *events.AuditLogger
	metrics    *MetricsRecorder

	// scanCh coalesces scan requests from fsnotify, merges, and the UDS
	// scan verb into the single scan loop.
	scanCh chan struct{}

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon logging to logs/daemon.log.
func New(foremanDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(foremanDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(foremanDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(foremanDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := cfg.Watcher.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	d := &Daemon{
		foremanDir: foremanDir,
		config:     cfg,
		logLevel:   ParseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(foremanDir, "locks", "daemon.lock")),
		server:     uds.NewServer(filepath.Join(foremanDir, uds.DefaultSocketName)),
		ticker:     time.NewTicker(time.Duration(scanInterval) * time.Second),
		scanCh:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	if err := d.buildComponents(); err != nil {
		d.cleanup()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	intakeDir := filepath.Join(d.foremanDir, "intake")
	if err := os.MkdirAll(intakeDir, 0o755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure dir %s: %w", intakeDir, err)
	}
	if err := watcher.Add(intakeDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", intakeDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s",
		filepath.Join(d.foremanDir, uds.DefaultSocketName))

	d.wg.Add(3)
	go d.fsnotifyLoop()
	go d.scanLoop()
	go d.witnessLoop()

	// Initial scan picks up intake drops and pre-restart state. Pool.Load
	// cleared the heartbeat stamps, so surviving assignments are reclaimed
	// right here instead of after another threshold.
	d.scan()
	d.log(LogLevelInfo, "daemon ready workers=%d", len(d.pool.Workers()))

	d.waitSignals()
	return nil
}

// buildComponents loads durable state and wires the coordinator graph.
// Store corruption is fatal; the daemon refuses to run on a state it cannot
// trust.
func (d *Daemon) buildComponents() error {
	stateDir := filepath.Join(d.foremanDir, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}

	d.store = graph.New(stateDir, d.logger, d.logLevel)
	if err := d.store.Load(); err != nil {
		if errors.Is(err, graph.ErrStoreCorrupt) {
			return fmt.Errorf("state corrupt, refusing to start: %w", err)
		}
		return fmt.Errorf("load state: %w", err)
	}

	workspaceRoot := d.config.Workers.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(d.foremanDir, "workspaces")
	}
	d.pool = NewPool(stateDir, d.config.Workers.Count, workspaceRoot, d.logger, d.logLevel)
	if err := d.pool.Load(); err != nil {
		return fmt.Errorf("load workers: %w", err)
	}

	merger := &refinery.GitMerger{RepoDir: filepath.Join(d.foremanDir, "integration")}
	d.refinery = refinery.New(stateDir, d.store, merger, d.config.Refinery,
		d.logger, d.logLevel)
	if err := d.refinery.Load(); err != nil {
		return fmt.Errorf("load refinery: %w", err)
	}

	d.metrics = NewMetricsRecorder(stateDir)
	if err := d.metrics.Load(); err != nil {
		return fmt.Errorf("load metrics: %w", err)
	}

	maxAudit := d.config.Audit.MaxLogBytes
	audit, err := events.NewAuditLogger(filepath.Join(d.foremanDir, "logs", "audit.jsonl"), maxAudit)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit

	d.bus = events.NewBus(256)
	factory := &FileNotifierFactory{Logger: d.logger, LogLevel: d.logLevel}
	d.dispatcher = NewDispatcher(d.store, d.pool, d.refinery, factory, d.config,
		d.logger, d.logLevel)
	d.dispatcher.SetEventBus(d.bus)
	d.dispatcher.SetMetrics(d.metrics)
	d.refinery.SetEventBus(d.bus)
	d.refinery.SetOnMerged(func(string) { d.requestScan() })
	d.witness = NewWitness(d.dispatcher, d.config.Watcher.StaleAfterSec, d.logger, d.logLevel)
	d.ingestor = NewIngestor(d.foremanDir, d.store, d.logger, d.logLevel)

	d.wireAudit()
	return nil
}

// wireAudit streams bus events into the JSONL audit log and folds merge
// outcomes into the metrics counters.
func (d *Daemon) wireAudit() {
	for _, eventType := range []events.EventType{
		events.EventItemDispatched,
		events.EventItemDone,
		events.EventItemCancelled,
		events.EventMergeConflict,
		events.EventWorkerStalled,
	} {
		d.bus.Subscribe(eventType, func(e events.Event) {
			if err := d.audit.Log(string(e.Type), e.Data); err != nil {
				d.log(LogLevelError, "audit write event=%s error=%v", e.Type, err)
			}
		})
	}
	d.bus.Subscribe(events.EventItemDone, func(events.Event) { d.metrics.IncMerged() })
	d.bus.Subscribe(events.EventMergeConflict, func(events.Event) { d.metrics.IncConflicts() })
}

// requestScan schedules a scan without blocking. Back-to-back requests
// coalesce into one pass.
func (d *Daemon) requestScan() {
	select {
	case d.scanCh <- struct{}{}:
	default:
	}
}

/// scan is one full coordinator pass: ingest intake drops, dispatch, drain
// the refinery, flush counters.
func (d *Daemon) scan() {
	d.ingestor.IngestDir(filepath.Join(d.foremanDir, "intake"))
	d.dispatcher.Tick()
	if err := d.refinery.ProcessAll(d.ctx); err != nil {
		d.log(LogLevelError, "refinery error=%v", err)
	}
	d.metrics.SetQueueDepth(d.refinery.Depths())
	if err := d.metrics.Flush(); err != nil {
		d.log(LogLevelError, "metrics flush error=%v", err)
	}
}

func (d *Daemon) scanLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic scan triggered")
			d.scan()
		case <-d.scanCh:
			d.scan()
		}
	}
}

func (d *Daemon) witnessLoop() {
	defer d.wg.Done()
	d.witness.Run(d.ctx)
}

// fsnotifyLoop reacts to intake drops. Events are debounced so an editor
// writing a file in several chunks triggers one ingest.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	debounce := time.Duration(d.config.Watcher.DebounceSec * float64(time.Second))
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
					continue
				}
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.debounceMu.Lock()
				if d.debounceTimer != nil {
					d.debounceTimer.Stop()
				}
				d.debounceTimer = time.AfterFunc(debounce, d.requestScan)
				d.debounceMu.Unlock()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// waitSignals blocks until a shutdown signal arrives.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown, idempotent via sync.Once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		if d.metrics != nil {
			d.metrics.Flush()
		}
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.foremanDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	logWith(d.logger, d.logLevel, level, "daemon", format, args...)
}
