// Package main provides the entry point for the audit ledger server.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/workledger/go-core/internal/api"
	"github.com/workledger/go-core/internal/archive"
	"github.com/workledger/go-core/internal/config"
	"github.com/workledger/go-core/internal/db"
	"github.com/workledger/go-core/internal/ledger"
	"github.com/workledger/go-core/internal/metrics"
	"github.com/workledger/go-core/internal/shipper"
	"github.com/workledger/go-core/internal/store"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		verifyScope = flag.String("verify-scope", "", "Run a one-shot chain verification for this scope and exit")
		verifyLimit = flag.Int("verify-limit", 0, "Bound one-shot verification to the most recent N records")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ledger-server %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dbConn, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer dbConn.Close()

	runner, err := db.NewMigrationRunner(dbConn, logger)
	if err != nil {
		logger.Fatal("Failed to create migration runner", zap.Error(err))
	}
	if err := runner.Up(); err != nil {
		logger.Fatal("Failed to migrate ledger schema", zap.Error(err))
	}

	st := store.NewPostgresStore(dbConn, logger)
	if cfg.Database.LockWait > 0 {
		st.SetLockWait(cfg.Database.LockWait)
	}

	// One-shot verification for operators: print findings and exit non-zero
	// when the chain is broken.
	if *verifyScope != "" {
		os.Exit(runVerify(st, *verifyScope, *verifyLimit))
	}

	m := metrics.New("workledger")

	appenderOpts := []ledger.AppenderOption{ledger.WithAppenderMetrics(m)}
	var ship *shipper.AsyncShipper
	if cfg.Shipper.Enabled {
		exporter, err := shipper.NewRedisExporter(cfg.Shipper.Redis)
		if err != nil {
			logger.Fatal("Failed to create record exporter", zap.Error(err))
		}
		ship = shipper.NewAsyncShipper(exporter, cfg.Shipper.BufferSize, logger, m)
		appenderOpts = append(appenderOpts, ledger.WithSink(ship))
	}
	appender := ledger.NewAppender(st, logger, appenderOpts...)
	archiver := archive.NewManager(st, appender, logger, m)

	var scheduler *archive.Scheduler
	if cfg.Archive.Enabled {
		scheduler, err = archive.NewScheduler(archiver, cfg.Archive.Schedule, cfg.Archive.Retention, logger)
		if err != nil {
			logger.Fatal("Failed to create archival scheduler", zap.Error(err))
		}
		scheduler.Start()
	}

	srv, err := api.New(api.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		AuthSecret:   cfg.Auth.Secret,
	}, st, appender, archiver, m, logger)
	if err != nil {
		logger.Fatal("Failed to create HTTP server", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("Audit ledger server started",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("archival", cfg.Archive.Enabled),
		zap.Bool("shipping", cfg.Shipper.Enabled),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if ship != nil {
		if err := ship.Close(); err != nil {
			logger.Error("Shipper close failed", zap.Error(err))
		}
	}
	logger.Info("Shutdown complete")
}

// runVerify executes a single verification pass against the live store and
// reports findings as JSON on stdout.
func runVerify(st *store.PostgresStore, scope string, limit int) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	findings, err := ledger.VerifyChain(ctx, st, scope, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verification failed: %v\n", err)
		return 2
	}
	if findings == nil {
		findings = []ledger.Finding{}
	}
	out, _ := json.MarshalIndent(map[string]interface{}{
		"scope":    scope,
		"findings": findings,
	}, "", "  ")
	fmt.Println(string(out))
	if len(findings) > 0 {
		return 1
	}
	return 0
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	dbConn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dbConn.PingContext(ctx); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return dbConn, nil
}

// initLogger builds the zap logger per configuration; with a file path set,
// output rotates via lumberjack.
func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}
	return zap.New(zapcore.NewCore(encoder, sink, level)), nil
}
