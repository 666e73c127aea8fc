package ledger

import "time"

const (
	operationOpenAccount = "open_account"
	operationFreeze      = "freeze"
	operationSettle      = "settle"
	operationRefund      = "refund"
	operationPenalty     = "violation_penalty"
	operationRecharge    = "recharge"
	operationReward      = "reward"
	operationAdjust      = "adjust"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectAccount   = "account"
	errorSubjectFreeze    = "freeze_record"
	errorCodeExhausted    = "retries_exhausted"
	errorCodeMismatch     = "owner_mismatch"

	defaultRetryMaxAttempts = 30
	defaultRetryDelay       = time.Millisecond

	remarkViolationPenalty = "content policy violation penalty"
)
