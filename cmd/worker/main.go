// Worker consumes security events from Kafka and forwards them to the structured
// log and, when OTEL_EXPORTER_OTLP_ENDPOINT is set, to the OTLP log pipeline.
// Set KAFKA_BROKERS, AUTH_EVENTS_TOPIC and KAFKA_GROUP_ID.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postboard/backend/internal/audit"
	"postboard/backend/internal/config"
	"postboard/backend/internal/logging"
	otelsetup "postboard/backend/internal/telemetry/otel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	log, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks := []audit.Sink{audit.NewSlogSink(log)}
	if cfg.OTLPEndpoint != "" {
		providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			ServiceName: "postboard-auth-events-worker",
		})
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = providers.Shutdown(shutdownCtx)
		}()
		if s := audit.NewOTelSink(providers.LoggerProvider); s != nil {
			sinks = append(sinks, s)
		}
	}

	consumer, err := audit.NewConsumer(cfg.Brokers(), cfg.AuthEventsTopic, cfg.KafkaGroupID, log, sinks...)
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Info("consuming security events", "topic", cfg.AuthEventsTopic, "group", cfg.KafkaGroupID)
	err = consumer.Run(ctx)
	log.Info("worker stopped")
	return err
}
