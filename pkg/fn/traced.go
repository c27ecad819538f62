package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Traced runs f inside an OTel span named name, recording a failed Result on
// the span.
func Traced[T any](ctx context.Context, name string, f func(context.Context) Result[T]) Result[T] {
	ctx, span := otel.Tracer("pkg/fn").Start(ctx, name)
	defer span.End()
	result := f(ctx)
	if result.IsErr() {
		_, err := result.Unwrap()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result
}
