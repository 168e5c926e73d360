package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.span", attribute.Int64("task.id", 1))
	defer span.End()

	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	// No-op spans must tolerate error recording
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
}
