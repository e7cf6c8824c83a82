// Package main is the entry point for the enginefarm-server binary.
// It wires all internal packages together and starts the listeners.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the store and run migrations (optional, --db)
//  4. Build the cluster server: reconcile + rehydrate, start hub and
//     maintenance scheduler
//  5. Start the TCP (optionally mutual-TLS) listener and the HTTP ops API
//  6. Block until SIGINT/SIGTERM, then graceful shutdown with a cancel
//     grace for running jobs
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enginefarm-io/enginefarm/internal/cluster"
	"github.com/enginefarm-io/enginefarm/internal/httpapi"
	"github.com/enginefarm-io/enginefarm/internal/metrics"
	"github.com/enginefarm-io/enginefarm/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listen   string
	serverID string
	engine   string
	threads  int
	maxJobs  int

	db          string
	dbDriver    string
	dbLoadLimit int

	httpAddr string

	tlsCert       string
	tlsKey        string
	clientCA      string
	tlsMinVersion string

	statusInterval time.Duration
	logRetention   time.Duration
	shutdownGrace  time.Duration
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "enginefarm-server",
		Short: "Enginefarm server — UCI analysis job server",
		Long: `Enginefarm server fronts a UCI chess engine as a concurrent job service.
Clients submit analysis jobs over a line-framed JSON protocol (TCP or
WebSocket), the server runs up to a configured number of engine processes
in parallel, streams incremental results to every connected client, and
persists job state so reconnecting clients still see results.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listen, "listen", envOrDefault("ENGINEFARM_LISTEN", ":8765"), "TCP listen address for the line protocol")
	root.PersistentFlags().StringVar(&cfg.serverID, "server-id", envOrDefault("ENGINEFARM_SERVER_ID", ""), "Server identifier reported in every status frame (required)")
	root.PersistentFlags().StringVar(&cfg.engine, "engine", envOrDefault("ENGINEFARM_ENGINE", ""), "Path to the UCI engine binary (required)")
	root.PersistentFlags().IntVar(&cfg.threads, "threads", envIntOrDefault("ENGINEFARM_THREADS", 1), "Threads option set on each engine process")
	root.PersistentFlags().IntVar(&cfg.maxJobs, "max-jobs", envIntOrDefault("ENGINEFARM_MAX_JOBS", 0), "Maximum concurrent jobs (0 = unlimited)")
	root.PersistentFlags().StringVar(&cfg.db, "db", envOrDefault("ENGINEFARM_DB", ""), "SQLite file path or DSN (empty disables persistence)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ENGINEFARM_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().IntVar(&cfg.dbLoadLimit, "db-load-limit", envIntOrDefault("ENGINEFARM_DB_LOAD_LIMIT", 500), "Jobs rehydrated from the store at startup")
	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ENGINEFARM_HTTP_ADDR", ""), "HTTP ops API listen address (empty disables)")
	root.PersistentFlags().StringVar(&cfg.tlsCert, "tls-cert", envOrDefault("ENGINEFARM_TLS_CERT", ""), "Server certificate for mutual TLS")
	root.PersistentFlags().StringVar(&cfg.tlsKey, "tls-key", envOrDefault("ENGINEFARM_TLS_KEY", ""), "Server private key for mutual TLS")
	root.PersistentFlags().StringVar(&cfg.clientCA, "client-ca", envOrDefault("ENGINEFARM_CLIENT_CA", ""), "CA bundle used to verify client certificates")
	root.PersistentFlags().StringVar(&cfg.tlsMinVersion, "tls-min-version", envOrDefault("ENGINEFARM_TLS_MIN_VERSION", "1.2"), "Minimum TLS version (1.2 or 1.3)")
	root.PersistentFlags().DurationVar(&cfg.statusInterval, "status-interval", envDurationOrDefault("ENGINEFARM_STATUS_INTERVAL", 30*time.Second), "Interval between unsolicited server_status broadcasts")
	root.PersistentFlags().DurationVar(&cfg.logRetention, "log-retention", envDurationOrDefault("ENGINEFARM_LOG_RETENTION", 0), "Prune stored job logs older than this (0 disables)")
	root.PersistentFlags().DurationVar(&cfg.shutdownGrace, "shutdown-grace", envDurationOrDefault("ENGINEFARM_SHUTDOWN_GRACE", 10*time.Second), "How long running jobs get to stop before being killed")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ENGINEFARM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("enginefarm-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.serverID == "" {
		return fmt.Errorf("server id is required — set --server-id or ENGINEFARM_SERVER_ID")
	}
	if cfg.engine == "" {
		return fmt.Errorf("engine binary is required — set --engine or ENGINEFARM_ENGINE")
	}
	tlsSet := 0
	for _, v := range []string{cfg.tlsCert, cfg.tlsKey, cfg.clientCA} {
		if v != "" {
			tlsSet++
		}
	}
	if tlsSet != 0 && tlsSet != 3 {
		return fmt.Errorf("partial TLS configuration: --tls-cert, --tls-key and --client-ca must be set together")
	}

	logger.Info("starting enginefarm server",
		zap.String("version", version),
		zap.String("listen", cfg.listen),
		zap.String("server_id", cfg.serverID),
		zap.String("engine", cfg.engine),
		zap.Int("threads", cfg.threads),
		zap.Int("max_jobs", cfg.maxJobs),
		zap.Bool("tls", tlsSet == 3),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Store (optional) ---
	var st *store.Store
	if cfg.db != "" {
		dsn := cfg.db
		if cfg.dbDriver == "sqlite" {
			dsn = store.SQLiteDSN(cfg.db)
		}
		st, err = store.Open(store.Config{
			Driver: cfg.dbDriver,
			DSN:    dsn,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("persistence disabled, job state will not survive restarts")
	}

	// --- Cluster server ---
	srv := cluster.New(cluster.Config{
		ServerID:       cfg.serverID,
		Engine:         cfg.engine,
		Threads:        cfg.threads,
		MaxJobs:        cfg.maxJobs,
		Store:          st,
		LoadLimit:      cfg.dbLoadLimit,
		StatusInterval: cfg.statusInterval,
		LogRetention:   cfg.logRetention,
		Logger:         logger,
		Metrics:        metrics.New(prometheus.DefaultRegisterer),
	})

	// The hub gets its own lifetime: it must outlive the signal context so
	// terminal updates emitted during the shutdown grace still reach
	// clients.
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	if err := srv.Start(hubCtx); err != nil {
		return err
	}

	// --- Listeners ---
	l, err := net.Listen("tcp", cfg.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.listen, err)
	}
	if tlsSet == 3 {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			l.Close()
			return err
		}
		l = tls.NewListener(l, tlsCfg)
		logger.Info("mutual TLS enabled", zap.String("min_version", cfg.tlsMinVersion))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ServeTCP(ctx, l)
	})

	if cfg.httpAddr != "" {
		httpSrv := &http.Server{
			Addr: cfg.httpAddr,
			Handler: httpapi.NewRouter(httpapi.RouterConfig{
				Cluster: srv,
				Store:   st,
				Logger:  logger,
			}),
		}
		g.Go(func() error {
			logger.Info("http api listening", zap.String("addr", cfg.httpAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown failed", zap.Error(err))
			}
			return nil
		})
	}

	err = g.Wait()

	logger.Info("shutting down enginefarm server")
	srv.Shutdown(cfg.shutdownGrace)
	hubCancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("enginefarm server stopped")
	return nil
}

// buildTLSConfig assembles the mutual-TLS listener configuration. Clients
// must present a certificate signed by the configured CA.
func buildTLSConfig(cfg *config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.tlsCert, cfg.tlsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.clientCA)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in client CA bundle %s", cfg.clientCA)
	}

	var minVersion uint16
	switch cfg.tlsMinVersion {
	case "1.2":
		minVersion = tls.VersionTLS12
	case "1.3":
		minVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("invalid --tls-min-version %q (want 1.2 or 1.3)", cfg.tlsMinVersion)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   minVersion,
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
