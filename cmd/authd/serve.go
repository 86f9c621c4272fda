// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"context"
	gotls "crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/sensfusion/authd/internal/auth"
	"github.com/sensfusion/authd/internal/auth/memory"
	"github.com/sensfusion/authd/internal/auth/postgres"
	"github.com/sensfusion/authd/internal/config"
	authgrpc "github.com/sensfusion/authd/internal/grpc"
	"github.com/sensfusion/authd/internal/httpapi"
	"github.com/sensfusion/authd/internal/logging"
	"github.com/sensfusion/authd/internal/observability"
	"github.com/sensfusion/authd/internal/store"
	authtls "github.com/sensfusion/authd/internal/tls"
	"github.com/sensfusion/authd/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

// ServeAddrs are the bound listener addresses. Empty means disabled.
type ServeAddrs struct {
	HTTP    string
	GRPC    string
	Metrics string
}

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values use their default implementations.
type ServeDeps struct {
	// Listen creates network listeners.
	// Default: net.Listen
	Listen func(network, address string) (net.Listener, error)

	// OnReady is called once every listener is bound.
	OnReady func(ServeAddrs)

	// LogOutput receives structured logs.
	// Default: os.Stderr
	LogOutput io.Writer
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd(load configLoader, deps *ServeDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC auth API",
		Long: `Run the authd API. Without a database URL, accounts and sessions
live in memory and are lost on exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, deps)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// backend holds the repositories serve runs on.
type backend struct {
	accounts auth.AccountRepository
	sessions auth.SessionRepository
	resets   auth.PasswordResetRepository
	ready    observability.ReadinessChecker
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.Database.URL == "" {
		logger.WarnContext(ctx, "no database configured, using in-memory store; data is lost on exit")
		return &backend{
			accounts: memory.NewAccountRepository(),
			sessions: memory.NewSessionRepository(),
			resets:   memory.NewPasswordResetRepository(),
			ready:    func() bool { return true },
			close:    func() {},
		}, nil
	}

	if cfg.Database.AutoMigrate {
		if err := migrateUp(cfg.Database.URL); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "database schema up to date")
	}

	pool, err := store.Connect(ctx, store.PoolConfig{
		URL:            cfg.Database.URL,
		MaxConns:       cfg.Database.MaxConns,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		ConnectRetries: cfg.Database.ConnectRetries,
	})
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "connected to database")

	return &backend{
		accounts: postgres.NewAccountRepository(pool),
		sessions: postgres.NewSessionRepository(pool),
		resets:   postgres.NewPasswordResetRepository(pool),
		ready:    store.ReadinessCheck(pool, 2*time.Second),
		close:    pool.Close,
	}, nil
}

func migrateUp(databaseURL string) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()
	return migrator.Up()
}

// runServe wires the service and blocks until ctx is cancelled or a server
// fails.
func runServe(ctx context.Context, cfg *config.Config, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.Listen == nil {
		deps.Listen = net.Listen
	}
	if deps.LogOutput == nil {
		deps.LogOutput = os.Stderr
	}

	logger := logging.Setup(logging.Options{
		Service: "authd",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  deps.LogOutput,
	})

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		errutil.LogError(ctx, logger, "failed to open storage", err)
		return err
	}
	defer be.close()

	var (
		obsServer *observability.Server
		metrics   *observability.Metrics
	)
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, be.ready)
		metrics = obsServer.Metrics()
	} else {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	svc, sessions, err := buildService(cfg, be, logger, metrics)
	if err != nil {
		return err
	}
	resets, err := auth.NewPasswordResetService(svc, be.resets, auth.WithResetTokenTTL(cfg.Auth.ResetTokenTTL))
	if err != nil {
		return err
	}

	var tlsConfig *gotls.Config
	if cfg.TLS.Enabled() {
		tlsConfig, err = authtls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
	}

	addrs := ServeAddrs{}

	httpLn, err := deps.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
	}
	if tlsConfig != nil {
		httpLn = gotls.NewListener(httpLn, tlsConfig)
	}
	addrs.HTTP = httpLn.Addr().String()
	httpServer := &http.Server{
		Handler: httpapi.NewRouter(svc,
			httpapi.WithLogger(logger),
			httpapi.WithMetrics(metrics),
			httpapi.WithRequestTimeout(cfg.HTTP.RequestTimeout),
			httpapi.WithPasswordResets(resets),
			httpapi.WithTrustedProxyHeaders(cfg.HTTP.TrustProxyHeaders),
		),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.RequestTimeout,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	var (
		grpcServer *grpc.Server
		grpcHealth *health.Server
		grpcLn     net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcLn, err = deps.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = httpLn.Close()
			return oops.Code("LISTEN_FAILED").With("addr", cfg.GRPC.Addr).Wrap(err)
		}
		addrs.GRPC = grpcLn.Addr().String()
		grpcServer, grpcHealth = authgrpc.NewGRPCServer(svc, authgrpc.ServerConfig{
			TLSConfig: tlsConfig,
			Logger:    logger,
			Metrics:   metrics,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	if obsServer != nil {
		obsErrs, err := obsServer.Start()
		if err != nil {
			_ = httpLn.Close()
			if grpcLn != nil {
				_ = grpcLn.Close()
			}
			return oops.Code("LISTEN_FAILED").With("addr", cfg.Metrics.Addr).Wrap(err)
		}
		addrs.Metrics = obsServer.Addr()
		g.Go(func() error {
			if err, ok := <-obsErrs; ok && err != nil {
				return oops.Code("SERVER_FAILED").With("server", "observability").Wrap(err)
			}
			return nil
		})
	}

	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return oops.Code("SERVER_FAILED").With("server", "http").Wrap(err)
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			if err := grpcServer.Serve(grpcLn); err != nil {
				return oops.Code("SERVER_FAILED").With("server", "grpc").Wrap(err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error stopping http server", "error", err)
		}
		if grpcServer != nil {
			grpcHealth.Shutdown()
			grpcServer.GracefulStop()
		}
		if obsServer != nil {
			if err := obsServer.Stop(shutdownCtx); err != nil {
				logger.Warn("error stopping observability server", "error", err)
			}
		}
		return nil
	})

	logger.Info("authd ready",
		"http_addr", addrs.HTTP,
		"grpc_addr", addrs.GRPC,
		"metrics_addr", addrs.Metrics,
		"tls", tlsConfig != nil,
		"persistent", cfg.Database.URL != "",
	)
	if deps.OnReady != nil {
		deps.OnReady(addrs)
	}

	if err := g.Wait(); err != nil {
		errutil.LogError(ctx, logger, "server failed", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildService(cfg *config.Config, be *backend, logger *slog.Logger, metrics *observability.Metrics) (*auth.Service, *auth.SessionManager, error) {
	hasher, err := auth.NewArgon2idHasher(cfg.Argon2Params())
	if err != nil {
		return nil, nil, err
	}

	sessions, err := auth.NewSessionManager(be.sessions,
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithSweepInterval(cfg.Session.SweepInterval),
		auth.WithSessionLogger(logger),
		auth.WithSessionMetrics(metrics),
	)
	if err != nil {
		return nil, nil, err
	}

	svc, err := auth.NewAuthService(be.accounts, sessions, hasher,
		auth.WithPasswordPolicy(auth.PasswordPolicy{MinLength: cfg.Auth.PasswordMinLength}),
		auth.WithHashConcurrency(cfg.Auth.Hash.Concurrency),
		auth.WithLockoutPolicy(cfg.LockoutPolicy()),
		auth.WithLogger(logger),
		auth.WithMetrics(metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	return svc, sessions, nil
}
