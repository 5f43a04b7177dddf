package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"postboard/backend/internal/audit"
	"postboard/backend/internal/config"
	healthhandler "postboard/backend/internal/health/handler"
	"postboard/backend/internal/logging"
	"postboard/backend/internal/security"
	"postboard/backend/internal/server"
	"postboard/backend/internal/server/middleware"
	sessionservice "postboard/backend/internal/session/service"
	otelsetup "postboard/backend/internal/telemetry/otel"
	"postboard/backend/internal/user/avatar"
	"postboard/backend/internal/user/repository"
	userservice "postboard/backend/internal/user/service"
)

const serviceName = "postboard-auth"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    serviceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()

	sinks := []audit.Sink{audit.NewSlogSink(log)}
	if cfg.OTLPEndpoint != "" {
		if s := audit.NewOTelSink(providers.LoggerProvider); s != nil {
			sinks = append(sinks, s)
		}
	}
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		s, err := audit.NewKafkaSink(brokers, cfg.AuthEventsTopic)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, s)
		log.Info("security events published to kafka", "topic", cfg.AuthEventsTopic)
	}
	auditLog := audit.NewLogger(log, middleware.ClientIP, sinks...)
	defer func() {
		if err := auditLog.Close(); err != nil {
			log.Warn("audit close", "error", err)
		}
	}()

	repo, err := repository.Open(ctx, cfg.DBURL, repository.OpenOptions{Production: cfg.IsProduction()})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer repo.Close()

	accessSecret, err := security.LoadSecret(cfg.AccessTokenSecret)
	if err != nil {
		return fmt.Errorf("ACCESS_TOKEN_SECRET: %w", err)
	}
	refreshSecret, err := security.LoadSecret(cfg.RefreshTokenSecret)
	if err != nil {
		return fmt.Errorf("REFRESH_TOKEN_SECRET: %w", err)
	}
	codec, err := security.NewTokenCodec(accessSecret, refreshSecret, cfg.TokenIssuer)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	hasher := security.NewHasher(cfg.BcryptCost)

	avatars, err := avatar.NewStore(cfg.AvatarDir)
	if err != nil {
		return err
	}

	sessions := sessionservice.NewSessionService(repo, codec, hasher, sessionservice.Config{
		AccessTTL:   cfg.AccessTTL(),
		RefreshTTL:  cfg.RefreshTTL(),
		MaxSessions: cfg.MaxSessionsPerUser,
	}, sessionservice.WithAuditLogger(auditLog), sessionservice.WithLogger(log))
	users := userservice.NewUserService(repo, hasher, auditLog, log)

	e := server.New(server.Deps{
		Sessions:        sessions,
		Users:           users,
		Avatars:         avatars,
		Pinger:          repo,
		Logger:          log,
		LoginRatePerSec: cfg.LoginRatePerSec,
		LoginRateBurst:  cfg.LoginRateBurst,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		return server.Serve(gctx, e, cfg.HTTPAddr, cfg.ShutdownTimeout())
	})
	if cfg.GRPCHealthAddr != "" {
		monitor := healthhandler.NewMonitor(repo, 10*time.Second, log)
		grpcSrv := healthhandler.NewGRPCServer(monitor)
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("grpc health listen: %w", err)
		}
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
		g.Go(func() error {
			log.Info("grpc health server listening", "addr", cfg.GRPCHealthAddr)
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
