package ledger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/MarkoPoloResearchLab/coinledger/pkg/ledger")

func startOperationSpan(ctx context.Context, operation string, userID UserID, requestID RequestID) (context.Context, trace.Span) {
	attributes := []attribute.KeyValue{
		attribute.String("ledger.operation", operation),
		attribute.String("ledger.user_id", userID.String()),
	}
	if !requestID.IsZero() {
		attributes = append(attributes, attribute.String("ledger.request_id", requestID.String()))
	}
	return tracer.Start(ctx, "ledger."+operation, trace.WithAttributes(attributes...))
}

func finishOperationSpan(span trace.Span, outcome Outcome, attempts int, err error) {
	span.SetAttributes(
		attribute.String("ledger.outcome", string(outcome)),
		attribute.Int("ledger.attempts", attempts),
	)
	if err != nil {
		span.RecordError(err)
		if outcome == OutcomeFailed || outcome == OutcomeConcurrencyExhausted {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
