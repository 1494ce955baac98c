package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/alfaarizi/qubit/api/handlers"
	"github.com/alfaarizi/qubit/internal/config"
	"github.com/alfaarizi/qubit/internal/db"
	"github.com/alfaarizi/qubit/internal/execution"
	"github.com/alfaarizi/qubit/internal/jobs"
	"github.com/alfaarizi/qubit/internal/repository"
	"github.com/alfaarizi/qubit/internal/session"
	"github.com/alfaarizi/qubit/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		database *sql.DB
		auditor  jobs.Auditor
		counter  handlers.AuditCounter
	)
	if cfg.Audit.Enabled {
		database, err = db.Open(cfg.Audit.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer database.Close()

		repo := repository.NewJobAuditRepository(database)
		if cfg.Audit.Retention > 0 {
			if n, err := repo.Prune(ctx, time.Now().Add(-cfg.Audit.Retention)); err != nil {
				logger.Warn().Err(err).Msg("failed to prune job audit")
			} else if n > 0 {
				logger.Info().Int64("rows", n).Msg("pruned job audit")
			}
		}
		auditor, counter = repo, repo
	}

	setting := execution.Mode(cfg.Execution.Mode)
	localAvailable := false
	if setting == execution.ModeAuto {
		localAvailable = execution.DetectLocal(ctx, cfg.Execution.LocalPython)
	}
	mode, err := execution.ResolveMode(setting, localAvailable)
	if err != nil {
		return err
	}
	logger.Info().
		Str("setting", string(setting)).
		Str("mode", string(mode)).
		Bool("local_available", localAvailable).
		Msg("execution mode resolved")
	if mode == execution.ModeRemote && !cfg.RemoteConfigured() {
		return errors.New("remote execution needs remote.host and remote.user")
	}

	wsService := ws.NewService(logger)
	wsService.Start(ctx)
	wsService.Handler().SetCheckOrigin(func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || handlers.AllowOrigin(cfg.Server.CORSOrigins, origin)
	})

	pool := session.NewPool[*execution.Client](session.Config{IdleTimeout: cfg.Pool.IdleTimeout}, logger)
	go pool.Run(ctx, cfg.Pool.SweepInterval)

	deps := execution.Deps{LocalAvailable: localAvailable, Pool: pool}
	if mode == execution.ModeLocal {
		deps.Routine = execution.NewScriptRoutine(cfg.Execution.LocalPython, cfg.Execution.SquanderPath, cfg.Execution.StepTimeout, logger)
	}
	if cfg.RemoteConfigured() {
		deps.Dialer = execution.NewSSHDialer(cfg.SSH(), logger)
	}
	factory, err := execution.NewFactory(cfg.ExecutionFactory(), deps, logger)
	if err != nil {
		return err
	}

	registry := jobs.NewRegistry(jobs.Config{SubscriberWait: cfg.Jobs.SubscriberWait},
		wsService.Hub(), jobs.Clients(factory), auditor, logger)

	jobHandler := handlers.NewJobHandler(registry, factory.Stats, counter, logger)
	wsHandler := handlers.NewWebSocketHandler(wsService.Hub(), wsService.Handler(), logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.RequestLogger(logger))
	r.Use(handlers.CORS(cfg.Server.CORSOrigins))
	r.Use(handlers.UserMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"mode":   factory.Mode(),
		})
	})

	api := r.Group("/api")
	{
		jobHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("jobs still running at shutdown")
	}
	pool.Close(shutdownCtx)
	wsService.Close()

	logger.Info().Msg("server stopped")
	return nil
}
