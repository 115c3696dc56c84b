// Command hyperwhisper runs the transcription and correction gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/theramjad/hyperwhisper-fly/internal/bootstrap"
	"github.com/theramjad/hyperwhisper-fly/internal/config"
	"github.com/theramjad/hyperwhisper-fly/internal/kafka"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
	"github.com/theramjad/hyperwhisper-fly/internal/version"
)

const serviceName = "hyperwhisper"

// Explicit file locations for deployments that do not ship the
// cmd/hyperwhisper layout.
const (
	envConfigFile = "HYPERWHISPER_CONFIG"
	envEnvFile    = "HYPERWHISPER_ENV_FILE"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg Config
	if err := config.LoadConfig(serviceName, &cfg, loaderOptions()...); err != nil {
		return err
	}
	if cfg.Version == "" {
		cfg.Version = version.Short()
	}

	app, err := bootstrap.NewApp(&cfg, bootstrap.WithGracefulTimeout(cfg.ShutdownTimeout))
	if err != nil {
		return err
	}
	log := app.Logger

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing, cfg.Name, cfg.Version, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	app.OnStop(bootstrap.Hook(shutdownTracer))

	metrics := observability.NewCollector()

	storeComp := store.NewComponent(cfg.Store, log)
	if err := app.RegisterComponent(storeComp); err != nil {
		return err
	}

	var sink ledger.UsageSink = ledger.NopSink{}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		if err := app.RegisterComponent(producer); err != nil {
			return err
		}
		sink = ledger.NewKafkaSink(producer)
	} else {
		log.Info("Usage event stream disabled")
	}

	app.OnConfigure(func(ctx context.Context, app *bootstrap.App[*Config]) error {
		return wire(ctx, app, storeComp.Store(), sink, metrics)
	})

	log.Info("Configuration loaded", logger.Fields(
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"stt_default", cfg.STT.Default,
		"correction_primary", cfg.Correction.Primary.Name,
	))
	return app.Run(ctx)
}

func loaderOptions() []config.LoaderOption {
	return []config.LoaderOption{
		config.WithConfigFile(os.Getenv(envConfigFile)),
		config.WithEnvFile(os.Getenv(envEnvFile)),
	}
}
