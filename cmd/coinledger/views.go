package main

import (
	"github.com/MarkoPoloResearchLab/coinledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

type accountView struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	FrozenBalance int64  `json:"frozen_balance"`
	Available     int64  `json:"available"`
	Version       int64  `json:"version"`
}

func newAccountView(account ledger.Account) accountView {
	return accountView{
		UserID:        account.UserID.String(),
		Balance:       account.Balance.Int64(),
		FrozenBalance: account.FrozenBalance.Int64(),
		Available:     account.Available().Int64(),
		Version:       account.Version,
	}
}

type balanceResultView struct {
	Outcome  string      `json:"outcome"`
	Account  accountView `json:"account"`
	Attempts int         `json:"attempts"`
}

func newBalanceResultView(result ledger.BalanceResult) balanceResultView {
	return balanceResultView{
		Outcome:  string(result.Outcome),
		Account:  newAccountView(result.Account),
		Attempts: result.Attempts,
	}
}

type freezeView struct {
	Outcome        string `json:"outcome"`
	AlreadyFrozen  bool   `json:"already_frozen"`
	FreezeRecordID string `json:"freeze_record_id"`
	Amount         int64  `json:"amount"`
	Balance        int64  `json:"balance"`
	FrozenBalance  int64  `json:"frozen_balance"`
	Available      int64  `json:"available"`
	Attempts       int    `json:"attempts"`
}

func newFreezeView(result ledger.FreezeResult) freezeView {
	return freezeView{
		Outcome:        string(result.Outcome),
		AlreadyFrozen:  result.AlreadyFrozen,
		FreezeRecordID: result.FreezeRecordID,
		Amount:         result.Amount.Int64(),
		Balance:        result.Balance.Int64(),
		FrozenBalance:  result.FrozenBalance.Int64(),
		Available:      result.Available.Int64(),
		Attempts:       result.Attempts,
	}
}

type reservationView struct {
	ModelID       string `json:"model_id"`
	Amount        int64  `json:"amount"`
	Reserved      bool   `json:"reserved"`
	AlreadyFrozen bool   `json:"already_frozen"`
	Degraded      bool   `json:"degraded"`
}

func newReservationView(reservation billing.Reservation) reservationView {
	return reservationView{
		ModelID:       reservation.ModelID,
		Amount:        reservation.Amount.Int64(),
		Reserved:      reservation.Reserved,
		AlreadyFrozen: reservation.AlreadyFrozen,
		Degraded:      reservation.Degraded,
	}
}

type settlementView struct {
	Outcome  string       `json:"outcome"`
	Message  string       `json:"message,omitempty"`
	Status   string       `json:"status"`
	Charged  int64        `json:"charged"`
	Released int64        `json:"released"`
	Account  *accountView `json:"account,omitempty"`
	Attempts int          `json:"attempts"`
}

func newSettlementView(result ledger.SettlementResult) settlementView {
	view := settlementView{
		Outcome:  string(result.Outcome),
		Message:  result.Message,
		Status:   result.Status.String(),
		Charged:  result.Charged.Int64(),
		Released: result.Released.Int64(),
		Attempts: result.Attempts,
	}
	if !result.Account.UserID.IsZero() {
		account := newAccountView(result.Account)
		view.Account = &account
	}
	return view
}

type recordView struct {
	RecordID       string `json:"record_id"`
	RequestID      string `json:"request_id"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	ModelID        string `json:"model_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ActualCost     int64  `json:"actual_cost"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	Reason         string `json:"reason,omitempty"`
	Metadata       string `json:"metadata"`
	CreatedAt      int64  `json:"created_at"`
	SettledAt      int64  `json:"settled_at,omitempty"`
	RefundedAt     int64  `json:"refunded_at,omitempty"`
}

func newRecordView(record ledger.FreezeRecord) recordView {
	return recordView{
		RecordID:       record.RecordID,
		RequestID:      record.RequestID.String(),
		UserID:         record.UserID.String(),
		Amount:         record.Amount.Int64(),
		Status:         record.Status.String(),
		ModelID:        record.ModelID,
		ConversationID: record.ConversationID,
		ActualCost:     record.ActualCost.Int64(),
		InputTokens:    record.InputTokens,
		OutputTokens:   record.OutputTokens,
		Reason:         record.Reason,
		Metadata:       record.Metadata.String(),
		CreatedAt:      record.CreatedUnixUTC,
		SettledAt:      record.SettledUnixUTC,
		RefundedAt:     record.RefundedUnixUTC,
	}
}

type entryView struct {
	EntryID       string `json:"entry_id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BeforeBalance int64  `json:"before_balance"`
	AfterBalance  int64  `json:"after_balance"`
	BeforeFrozen  int64  `json:"before_frozen"`
	AfterFrozen   int64  `json:"after_frozen"`
	Remark        string `json:"remark,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	OperatorID    string `json:"operator_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

func newEntryView(entry ledger.Entry) entryView {
	return entryView{
		EntryID:       entry.EntryID.String(),
		Type:          entry.Type.String(),
		Amount:        entry.Amount.Int64(),
		BeforeBalance: entry.BeforeBalance.Int64(),
		AfterBalance:  entry.AfterBalance.Int64(),
		BeforeFrozen:  entry.BeforeFrozen.Int64(),
		AfterFrozen:   entry.AfterFrozen.Int64(),
		Remark:        entry.Remark,
		RequestID:     entry.RequestID.String(),
		OrderID:       entry.OrderID,
		TaskID:        entry.TaskID,
		OperatorID:    entry.OperatorID,
		CreatedAt:     entry.CreatedUnixUTC,
	}
}

type estimateView struct {
	ModelID              string `json:"model_id"`
	EstimatedInputTokens int64  `json:"estimated_input_tokens"`
	MaxCost              int64  `json:"max_cost"`
	Penalty              int64  `json:"penalty"`
	Cost                 *int64 `json:"cost,omitempty"`
}
