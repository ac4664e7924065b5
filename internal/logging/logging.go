package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basegraph-relay/reactor/internal/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs the process-wide default slog logger. It is called once at
// startup; nothing below it keeps a package-level logger of its own —
// components accept a *slog.Logger or use the default via context.
func Setup(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDevelopment() {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch {
	case cfg.IsProduction() && cfg.OTel.Enabled():
		handler = otelslog.NewHandler(
			cfg.OTel.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		)
	case cfg.IsProduction():
		handler = newTraceHandler(slog.NewJSONHandler(os.Stdout, opts))
	default:
		handler = newTraceHandler(slog.NewTextHandler(devWriter(), opts))
	}

	slog.SetDefault(slog.New(handler))
}

func devWriter() io.Writer {
	logsDir := "logs"
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to create logs directory: %v\n", err)
		return os.Stdout
	}

	name := filepath.Join(logsDir, fmt.Sprintf("reactor-%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to open log file: %v\n", err)
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, f)
}

// traceHandler enriches every record with OTel trace/span ids and the
// structured Fields carried on the context.
type traceHandler struct {
	slog.Handler
}

func newTraceHandler(h slog.Handler) *traceHandler {
	return &traceHandler{Handler: h}
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := FieldsFromContext(ctx)
	if fields.SessionID != nil {
		r.AddAttrs(slog.String("session_id", *fields.SessionID))
	}
	if fields.ProjectKey != nil {
		r.AddAttrs(slog.String("project_key", *fields.ProjectKey))
	}
	if fields.StepNumber != nil {
		r.AddAttrs(slog.Int("step_number", *fields.StepNumber))
	}
	if fields.Mode != nil {
		r.AddAttrs(slog.String("mode", *fields.Mode))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}
