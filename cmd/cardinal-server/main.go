// main.go is the entry point for the Cardinal server. It wires together the
// estimator store, the persistence layer, the metrics endpoint and the network
// server, and runs the background maintenance loop.
//
// Startup Sequence
// ================
//
// The empty Store is created first. loadAOF() then restores the journal (the
// binary CRD1 preamble plus any RESP tail) before a single listener is open,
// so loading needs no coordination with clients. Only after the state is fully
// restored is the AOF opened for appending and the TCP listener started.
//
// Durability Policy
// =================
//
// Writes are buffered in memory and a background goroutine calls Fsync()
// once per second. Committed commands reach the disk within one second; a
// kernel panic or power failure loses at most the last second of writes.
//
// Background Maintenance
// ======================
//
// Estimators never expire, so the maintenance loop has two jobs:
//
// Fsync Timer: every second the AOF buffer is flushed and synced.
//
// Auto-Rewrite Trigger: on the same tick the journal size is compared with the
// size after the last compaction. The policy is configurable:
//
//   -aof-min-size:        Minimum file size before considering a rewrite.
//   -aof-rewrite-percent: Growth percentage over the base size to trigger.
//
// Metrics
// =======
//
// With -metrics-port > 0 a second listener serves the Prometheus registry at
// /metrics. The same counters are reported by the INFO command.
//
// Graceful Shutdown
// =================
//
// On exit the journal is compacted one last time so the next startup loads a
// single snapshot. This is best-effort: if it fails the journal is still valid.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"cardinal.lopezb.com/internal/pds/hyperloglog"
)

type config struct {
	port              int
	maxConnections    int
	shutdownTimeout   time.Duration
	idleTimeout       time.Duration
	precision         uint
	persistence       bool
	aofFilename       string
	aofMinSize        int64
	aofRewritePercent int
	aofLoadTruncated  bool
	metricsPort       int
}

type application struct {
	config          config
	logger          *slog.Logger
	listener        net.Listener
	store           *Store
	router          *Router
	metrics         *Metrics
	readyCh         chan struct{}
	wg              sync.WaitGroup
	connLimiter     chan struct{}
	aof             *AOF
	aofBaseSize     atomic.Int64
	isRewriting     atomic.Bool
	needsCompaction bool
}

func main() {
	var cfg config

	flag.IntVar(&cfg.port, "port", 6479, "TCP server port")
	flag.IntVar(&cfg.maxConnections, "max-conn", 100, "Maximum concurrent connections")
	flag.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", 0, "Idle client connection timeout (0 for no timeout)")
	flag.UintVar(&cfg.precision, "precision", hyperloglog.DefaultPrecision, "Precision for estimators created implicitly by HLL.ADD (4-18)")
	flag.BoolVar(&cfg.persistence, "persistence", true, "Enable AOF persistence (set false for in-memory only mode)")
	flag.StringVar(&cfg.aofFilename, "aof", "journal.aof", "Append Only File path")
	flag.Int64Var(&cfg.aofMinSize, "aof-min-size", 64*1024*1024, "Min size (bytes) to trigger AOF rewrite")
	flag.IntVar(&cfg.aofRewritePercent, "aof-rewrite-percent", 100, "Percentage growth to trigger AOF rewrite")
	flag.BoolVar(&cfg.aofLoadTruncated, "aof-load-truncated", true, "Auto-recover from truncated AOF (set false for strict mode)")
	flag.IntVar(&cfg.metricsPort, "metrics-port", 0, "Prometheus /metrics port (0 disables the endpoint)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if cfg.precision < hyperloglog.MinPrecision || cfg.precision > hyperloglog.MaxPrecision {
		logger.Error("invalid -precision", "precision", cfg.precision,
			"min", hyperloglog.MinPrecision, "max", hyperloglog.MaxPrecision)
		os.Exit(1)
	}

	app := newApplication(cfg, logger)

	// Persistence setup: load existing data and open AOF for writing.
	if cfg.persistence {
		if err := app.loadAOF(); err != nil {
			logger.Error("failed to load AOF", "error", err)
			os.Exit(1) // A corrupt journal means data loss risk.
		}

		aof, err := NewAOF(cfg.aofFilename)
		if err != nil {
			logger.Error("failed to open AOF", "error", err)
			os.Exit(1)
		}
		app.aof = aof

		if size, err := aof.Size(); err == nil {
			app.aofBaseSize.Store(size)
		}

		// A truncated tail was dropped during load; rewrite the file so the
		// partial command does not stay on disk.
		if app.needsCompaction {
			logger.Info("AOF was truncated on load, compacting to heal the file")
			if err := app.CompactAOF(); err != nil {
				logger.Error("failed to compact AOF after truncation recovery", "error", err)
			} else {
				logger.Info("AOF healed successfully")
			}
		}
	} else {
		logger.Info("persistence disabled, running in memory-only mode")
	}

	logger.Info("store loaded", "keys", app.store.Len(), "default_precision", cfg.precision)

	var metricsSrv *http.Server
	if cfg.metricsPort > 0 {
		metricsSrv = app.serveMetrics()
	}

	go app.maintenance()

	defer func() {
		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
			_ = metricsSrv.Shutdown(ctx)
			cancel()
		}

		if app.aof == nil {
			logger.Info("shutting down...")
			return
		}
		logger.Info("shutting down, compacting AOF...")
		if err := app.CompactAOF(); err != nil {
			logger.Error("failed to compact AOF on exit", "error", err)
		}
		_ = app.aof.Close()
	}()

	if err := app.serve(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

// newApplication builds an application with an empty store and registered
// commands. Persistence is attached separately.
func newApplication(cfg config, logger *slog.Logger) *application {
	app := &application{
		config:      cfg,
		logger:      logger,
		store:       NewStore(),
		connLimiter: make(chan struct{}, cfg.maxConnections),
	}
	app.metrics = NewMetrics(app)
	app.router = app.commands()
	return app
}

// defaultPrecision is the precision used for keys created implicitly.
func (app *application) defaultPrecision() uint8 {
	if app.config.precision == 0 {
		return hyperloglog.DefaultPrecision
	}
	return uint8(app.config.precision)
}

// maintenance is the heartbeat of the persistence system: it flushes the
// journal to disk and triggers compaction when the journal grows too large.
func (app *application) maintenance() {
	fsyncTicker := time.NewTicker(1 * time.Second)
	defer fsyncTicker.Stop()

	for range fsyncTicker.C {
		if app.aof == nil {
			continue
		}

		if err := app.aof.Fsync(); err != nil {
			app.logger.Error("background sync failed", "error", err)
		}

		if app.shouldRewrite() && app.isRewriting.CompareAndSwap(false, true) {
			go func() {
				defer app.isRewriting.Store(false)

				start := time.Now()
				if err := app.CompactAOF(); err != nil {
					app.logger.Error("auto-rewrite failed", "error", err)
				} else {
					app.logger.Info("auto-rewrite completed", "duration", time.Since(start))
				}
			}()
		}
	}
}

// shouldRewrite applies the growth policy: the journal must be at least
// aofMinSize and larger than base + base*percent/100.
func (app *application) shouldRewrite() bool {
	currentSize, err := app.aof.Size()
	if err != nil {
		return false
	}

	if currentSize < app.config.aofMinSize {
		return false
	}

	baseSize := app.aofBaseSize.Load()
	growthTarget := baseSize + (baseSize * int64(app.config.aofRewritePercent) / 100)
	if currentSize <= growthTarget {
		return false
	}

	app.logger.Info("auto-rewrite triggered",
		"current_bytes", currentSize,
		"base_bytes", baseSize,
		"threshold_percent", app.config.aofRewritePercent)
	return true
}

// serveMetrics starts the Prometheus endpoint in the background.
func (app *application) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.metricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		app.logger.Info("metrics endpoint starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("metrics endpoint failed", "error", err)
		}
	}()

	return srv
}
