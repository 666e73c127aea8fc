package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation  string
	UserID     UserID
	RequestID  RequestID
	Amount     AmountCents
	Outcome    Outcome
	OperatorID string
	Remark     string
	Attempts   int
	Duration   time.Duration
	Status     string
	Error      error
}

// MetricsRecorder observes operation outcomes and optimistic-concurrency pressure.
type MetricsRecorder interface {
	ObserveOperation(operation string, outcome Outcome, duration time.Duration)
	IncVersionConflict(operation string)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// Several loggers may be attached; each receives every entry.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithMetricsRecorder wires a recorder for outcome and conflict metrics.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(service *Service) {
		service.metrics = recorder
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(service *Service) {
		service.retryPolicy = policy
	}
}

// WithRecordIDGenerator overrides the freeze record id source.
func WithRecordIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newRecordID = generate
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if entry.Outcome == "" {
		entry.Outcome = outcomeForError(entry.Error)
	}
	if service.metrics != nil {
		service.metrics.ObserveOperation(entry.Operation, entry.Outcome, entry.Duration)
	}
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}

func (service *Service) conflictObserver(operation string) func(int) {
	return func(int) {
		if service.metrics != nil {
			service.metrics.IncVersionConflict(operation)
		}
	}
}
