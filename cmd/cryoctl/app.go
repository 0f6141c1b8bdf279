package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"cryocore/internal/audit"
	"cryocore/internal/backup"
	"cryocore/internal/blob"
	"cryocore/internal/config"
	"cryocore/internal/core"
	"cryocore/internal/infra/persistence/yamlfile"
	"cryocore/pkg/domain"
)

// app holds the wired service and everything that must be released with it.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    domain.PersistentStore
	svc      *core.Service
	journal  *audit.Journal
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openApp wires storage, backups, audit, metrics and tracing from cfg.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger, traceOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.store, err = core.OpenPersistentStore(ctx, cfg.Storage(nil), core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open inventory store: %w", err)
	}
	if c, ok := a.store.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	blobs, err := blob.Open(ctx, cfg.Blob())
	if err != nil {
		return nil, fmt.Errorf("open backup store: %w", err)
	}

	a.journal, err = audit.Open(cfg.AuditPath, audit.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.journal.Close() })

	opts := []core.ServiceOption{
		core.WithLogger(logger),
		core.WithAuditRecorder(a.journal),
		core.WithBackups(backup.New(blobs, backup.WithKeep(cfg.BackupKeep))),
		core.WithUndoWindow(cfg.UndoWindow),
	}

	switch cfg.Metrics {
	case "prometheus":
		a.registry = prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(a.registry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, core.WithMetricsRecorder(rec))
	case "expvar":
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("cryocore")))
	}

	switch cfg.Tracing {
	case "json":
		opts = append(opts, core.WithTracer(core.NewJSONTracer(traceOut)))
	case "otel":
		tp, err := newTracerProvider(ctx, traceOut)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, tp.Shutdown)
		opts = append(opts, core.WithTracer(core.NewOTelTracer(tp.Tracer("cryocore"))))
	}

	a.svc = core.NewService(a.store, opts...)
	return a, nil
}

func newTracerProvider(ctx context.Context, w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", "cryocore")))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// watch reloads a YAML inventory edited outside the process.
func (a *app) watch(ctx context.Context) error {
	ys, ok := a.store.(*yamlfile.Store)
	if !ok || !a.cfg.WatchYAML {
		return nil
	}
	return ys.Watch(ctx, func(doc domain.Document, err error) {
		if err != nil {
			a.logger.Warn("inventory reload failed", "path", ys.Path(), "error", err)
			return
		}
		a.logger.Info("inventory reloaded", "path", ys.Path(), "records", len(doc.Inventory))
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
