package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/bookstore-auth/internal/config"
	"github.com/iliyamo/bookstore-auth/internal/database"
	"github.com/iliyamo/bookstore-auth/internal/handler"
	"github.com/iliyamo/bookstore-auth/internal/logging"
	"github.com/iliyamo/bookstore-auth/internal/metrics"
	"github.com/iliyamo/bookstore-auth/internal/middleware"
	"github.com/iliyamo/bookstore-auth/internal/repository"
	"github.com/iliyamo/bookstore-auth/internal/router"
	"github.com/iliyamo/bookstore-auth/internal/security"
	"github.com/iliyamo/bookstore-auth/internal/service"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	hasher, err := security.NewHasher(cfg.Hashing.Params(), cfg.Hashing.Workers)
	if err != nil {
		return err
	}
	issuer, err := security.NewTokenIssuer(cfg.AccessSecret, cfg.RefreshSecret, security.WithHashKey(cfg.RefreshPepper))
	if err != nil {
		return err
	}

	db, err := database.Open(ctx, cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	opts := []service.Option{service.WithLogger(log)}
	if cfg.AMQPURL != "" {
		opts = append(opts, service.WithPublisher(service.NewAMQPPublisher(cfg.AMQPURL)))
	} else {
		log.Info("AMQP_URL not set; domain events disabled")
	}
	svc := service.NewAuthService(
		repository.NewUserRepo(db),
		repository.NewTokenRepo(rdb),
		hasher,
		issuer,
		service.Config{
			AccessTTLMin:   cfg.AccessTTLMin,
			RefreshTTLDays: cfg.RefreshTTLDays,
			DefaultRole:    cfg.DefaultRole,
		},
		opts...,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(logging.RequestLogger(log))
	e.Use(metrics.Middleware())

	router.RegisterRoutes(e, handler.Health(map[string]handler.Pinger{
		"mysql": handler.PingFunc(db.PingContext),
		"redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}), promhttp.Handler())
	router.RegisterAuth(e, handler.NewAuthHandler(svc, handler.CookieConfig{
		Secure:     cfg.CookieSecure,
		Domain:     cfg.CookieDomain,
		AccessTTL:  time.Duration(cfg.AccessTTLMin) * time.Minute,
		RefreshTTL: time.Duration(cfg.RefreshTTLDays) * 24 * time.Hour,
	}, log), issuer, middleware.NewTokenBucket(cfg.RateLimit, rdb, log))
	router.RegisterAdmin(e, handler.NewAdminHandler(svc, log), issuer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		svc.Wait()
		return err
	})
	return g.Wait()
}
