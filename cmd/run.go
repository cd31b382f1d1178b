package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bombsimon/logrusr/v4"
	"github.com/equinix-labs/otel-init-go/otelinit"
	"go.opentelemetry.io/otel"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/engine"
	"github.com/tech-consulting/assetops/internal/log"
	"github.com/tech-consulting/assetops/internal/metrics"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/profiling"
	"github.com/tech-consulting/assetops/internal/version"
)

// runEngine loads the configuration, starts the ambient services and hands
// fn an engine. The context is cancelled on SIGINT, SIGTERM or SIGQUIT.
func runEngine(ctx context.Context, args *model.Args, fn func(context.Context, *engine.Engine) any) error {
	config, err := configuration.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	log.SetLevel(config.LogLevel)

	slog.Debug("Configuration loaded", config.AsLogFields()...)

	// serve metrics endpoint
	metrics.ListenAndServe(config.MetricsAddress)
	version.ExportBuildInfoMetric()

	logger := log.NewLogrusLogger(config.LogLevel)
	otel.SetLogger(logrusr.New(logger))

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	e, err := engine.NewFromConfig(config, logger)
	if err != nil {
		slog.Error("Failed to create engine", "error", err)
		return err
	}

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(termChan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if config.EnableProfiling {
		profiling.Enable(ctx)
	}

	// Cancel the context when we receive a termination signal.
	go func() {
		select {
		case s := <-termChan:
			slog.Info("Received signal for termination, abandoning vendor calls", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.With(version.Current().AsLogFields()...).Debug("assetops running")

	return printJSON(fn(ctx, e))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// exitStatus maps an overall status to the process exit code.
func exitStatus(status model.Status) int {
	switch status {
	case model.StatusSuccess:
		return 0
	case model.StatusDegraded:
		return 2
	default:
		return 1
	}
}
