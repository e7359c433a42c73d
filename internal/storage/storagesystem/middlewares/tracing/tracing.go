package tracing

import (
	"context"
	"io"

	"github.com/jdillenkofer/pacsarc/internal/lifecycle"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracingMiddleware struct {
	*lifecycle.ValidatedLifecycle
	systemId      string
	tracer        trace.Tracer
	innerProvider storagesystem.Provider
}

var _ storagesystem.Provider = (*tracingMiddleware)(nil)

func New(systemId string, innerProvider storagesystem.Provider) (storagesystem.Provider, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("TracingStorageSystemMiddleware")
	if err != nil {
		return nil, err
	}
	return &tracingMiddleware{
		ValidatedLifecycle: lifecycle,
		systemId:           systemId,
		tracer:             otel.Tracer("internal/storage/storagesystem"),
		innerProvider:      innerProvider,
	}, nil
}

func (tm *tracingMiddleware) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("pacsarc.storage_system", tm.systemId))
	return tm.tracer.Start(ctx, "StorageSystem."+op, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (tm *tracingMiddleware) Start(ctx context.Context) error {
	if err := tm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	ctx, span := tm.start(ctx, "Start")
	err := tm.innerProvider.Start(ctx)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) Stop(ctx context.Context) error {
	if err := tm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	ctx, span := tm.start(ctx, "Stop")
	err := tm.innerProvider.Stop(ctx)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) Put(ctx context.Context, path string, reader io.Reader) error {
	ctx, span := tm.start(ctx, "Put", attribute.String("pacsarc.path", path))
	err := tm.innerProvider.Put(ctx, path, reader)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) Move(ctx context.Context, fromPath string, toPath string) error {
	ctx, span := tm.start(ctx, "Move", attribute.String("pacsarc.path", fromPath), attribute.String("pacsarc.target_path", toPath))
	err := tm.innerProvider.Move(ctx, fromPath, toPath)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) Delete(ctx context.Context, path string) error {
	ctx, span := tm.start(ctx, "Delete", attribute.String("pacsarc.path", path))
	err := tm.innerProvider.Delete(ctx, path)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	ctx, span := tm.start(ctx, "OpenRead", attribute.String("pacsarc.path", path))
	rc, err := tm.innerProvider.OpenRead(ctx, path)
	end(span, err)
	return rc, err
}

func (tm *tracingMiddleware) UsableSpace(ctx context.Context) (int64, error) {
	ctx, span := tm.start(ctx, "UsableSpace")
	usable, err := tm.innerProvider.UsableSpace(ctx)
	span.SetAttributes(attribute.Int64("pacsarc.usable_space", usable))
	end(span, err)
	return usable, err
}

func (tm *tracingMiddleware) TotalSpace(ctx context.Context) (int64, error) {
	ctx, span := tm.start(ctx, "TotalSpace")
	total, err := tm.innerProvider.TotalSpace(ctx)
	end(span, err)
	return total, err
}
