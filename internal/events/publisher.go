// Package events publishes committed ledger changes to a Redis stream so
// downstream consumers can follow balances without polling the database.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultStream  = "coinledger:events"
	defaultMaxLen  = 100000
	defaultTimeout = 2 * time.Second
	payloadField   = "data"
)

var tracer = otel.Tracer("github.com/MarkoPoloResearchLab/coinledger/internal/events")

// ErrInvalidPublisherConfig is returned when the publisher lacks a client.
var ErrInvalidPublisherConfig = errors.New("events: invalid publisher config")

// StreamClient is the subset of *redis.Client the publisher needs.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Event is the JSON payload appended to the stream.
type Event struct {
	Operation   string `json:"operation"`
	UserID      string `json:"user_id"`
	RequestID   string `json:"request_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	Outcome     string `json:"outcome"`
	OperatorID  string `json:"operator_id,omitempty"`
	Remark      string `json:"remark,omitempty"`
	Attempts    int    `json:"attempts"`
	OccurredAt  int64  `json:"occurred_at"`
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithStream overrides DefaultStream.
func WithStream(stream string) Option {
	return func(publisher *Publisher) {
		if stream != "" {
			publisher.stream = stream
		}
	}
}

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(maxLen int64) Option {
	return func(publisher *Publisher) {
		if maxLen > 0 {
			publisher.maxLen = maxLen
		}
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *zap.Logger) Option {
	return func(publisher *Publisher) {
		if logger != nil {
			publisher.logger = logger
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(publisher *Publisher) {
		if now != nil {
			publisher.now = now
		}
	}
}

// Publisher implements ledger.OperationLogger by appending committed
// operations to a Redis stream. Rejected and replayed operations changed no
// balance and are not published.
type Publisher struct {
	client  StreamClient
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewPublisher(client StreamClient, options ...Option) (*Publisher, error) {
	if client == nil {
		return nil, ErrInvalidPublisherConfig
	}
	publisher := &Publisher{
		client:  client,
		stream:  DefaultStream,
		maxLen:  defaultMaxLen,
		timeout: defaultTimeout,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, option := range options {
		option(publisher)
	}
	return publisher, nil
}

// LogOperation implements ledger.OperationLogger. Publish failures are logged
// and never reach the ledger caller.
func (publisher *Publisher) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	if entry.Outcome != ledger.OutcomeOK {
		return
	}
	event := Event{
		Operation:   entry.Operation,
		UserID:      entry.UserID.String(),
		RequestID:   entry.RequestID.String(),
		AmountCents: entry.Amount.Int64(),
		Outcome:     string(entry.Outcome),
		OperatorID:  entry.OperatorID,
		Remark:      entry.Remark,
		Attempts:    entry.Attempts,
		OccurredAt:  publisher.now().UTC().Unix(),
	}
	if _, err := publisher.Publish(ctx, event); err != nil {
		publisher.logger.Warn("ledger event publish failed",
			zap.String("operation", entry.Operation),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
	}
}

// Publish appends event to the stream and returns the stream message id.
func (publisher *Publisher) Publish(ctx context.Context, event Event) (string, error) {
	ctx, span := tracer.Start(ctx, "events.Publish",
		trace.WithAttributes(
			attribute.String("stream", publisher.stream),
			attribute.String("ledger.operation", event.Operation),
		))
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publisher.timeout)
	defer cancel()
	messageID, err := publisher.client.XAdd(ctx, &redis.XAddArgs{
		Stream: publisher.stream,
		MaxLen: publisher.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Result()
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("stream.message_id", messageID))
	return messageID, nil
}
