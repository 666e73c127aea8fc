// Package logging adapts ledger operation callbacks to zap.
package logging

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const operationMessage = "ledger operation"

// OperationLogger writes one structured line per ledger operation.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger; a nil logger discards every line.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("outcome", string(entry.Outcome)),
		zap.String("status", entry.Status),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.Int("attempts", entry.Attempts),
		zap.Duration("duration", entry.Duration),
	}
	if !entry.RequestID.IsZero() {
		fields = append(fields, zap.String("request_id", entry.RequestID.String()))
	}
	if operatorID := strings.TrimSpace(entry.OperatorID); operatorID != "" {
		fields = append(fields, zap.String("operator_id", operatorID))
	}
	if entry.Remark != "" {
		fields = append(fields, zap.String("remark", entry.Remark))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Log(levelFor(entry.Outcome), operationMessage, fields...)
}

// levelFor keeps expected business rejections out of the error stream.
func levelFor(outcome ledger.Outcome) zapcore.Level {
	switch outcome {
	case ledger.OutcomeOK, ledger.OutcomeAlreadyApplied:
		return zapcore.InfoLevel
	case ledger.OutcomeInsufficientBalance:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
