package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Account is the balance snapshot of one user.
type Account struct {
	UserID        UserID
	Balance       AmountCents
	FrozenBalance AmountCents
	Version       int64
}

// NewAccount validates the 0 <= frozen <= balance invariant.
func NewAccount(userID UserID, balance AmountCents, frozen AmountCents, version int64) (Account, error) {
	if userID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if balance < 0 || frozen < 0 || frozen > balance {
		return Account{}, fmt.Errorf("%w: balance %d frozen %d", ErrInvalidBalance, balance, frozen)
	}
	if version < 0 {
		return Account{}, fmt.Errorf("%w: negative version %d", ErrInvalidBalance, version)
	}
	return Account{UserID: userID, Balance: balance, FrozenBalance: frozen, Version: version}, nil
}

// Available returns the spendable part of the balance.
func (account Account) Available() AmountCents {
	return account.Balance - account.FrozenBalance
}

// AccountUpdate is a compare-and-swap mutation of an account row.
// It applies only while the row still carries ExpectedVersion and the
// post-update row keeps 0 <= frozen_balance <= balance.
type AccountUpdate struct {
	UserID            UserID
	ExpectedVersion   int64
	BalanceDeltaCents int64
	FrozenDeltaCents  int64
	UpdatedUnixUTC    int64
}

// Admits reports whether the business guard holds for the given snapshot.
func (update AccountUpdate) Admits(account Account) bool {
	frozenAfter := account.FrozenBalance.Int64() + update.FrozenDeltaCents
	balanceAfter := account.Balance.Int64() + update.BalanceDeltaCents
	return frozenAfter >= 0 && balanceAfter-frozenAfter >= 0
}

// Overflows reports whether applying the deltas to account would leave the
// int64 range.
func (update AccountUpdate) Overflows(account Account) bool {
	return addOverflows(account.Balance.Int64(), update.BalanceDeltaCents) ||
		addOverflows(account.FrozenBalance.Int64(), update.FrozenDeltaCents)
}

func addOverflows(value int64, delta int64) bool {
	if delta > 0 {
		return value > math.MaxInt64-delta
	}
	return value < math.MinInt64-delta
}

// Apply returns the snapshot produced by a successful swap.
func (update AccountUpdate) Apply(account Account) Account {
	return Account{
		UserID:        account.UserID,
		Balance:       AmountCents(account.Balance.Int64() + update.BalanceDeltaCents),
		FrozenBalance: AmountCents(account.FrozenBalance.Int64() + update.FrozenDeltaCents),
		Version:       account.Version + 1,
	}
}

// FreezeContext carries optional caller context stored on a freeze record.
type FreezeContext struct {
	ModelID        string
	ConversationID string
	Metadata       MetadataJSON
}

// Usage describes what an external operation actually consumed.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// FreezeRecord is the persisted reservation addressed by a request id.
type FreezeRecord struct {
	RecordID        string
	RequestID       RequestID
	UserID          UserID
	Amount          PositiveAmountCents
	Status          FreezeStatus
	ModelID         string
	ConversationID  string
	ActualCost      AmountCents
	InputTokens     int64
	OutputTokens    int64
	Reason          string
	Metadata        MetadataJSON
	CreatedUnixUTC  int64
	SettledUnixUTC  int64
	RefundedUnixUTC int64
}

// NewFreezeRecord builds a FROZEN record for a successful freeze.
func NewFreezeRecord(recordID string, requestID RequestID, userID UserID, amount PositiveAmountCents, freezeContext FreezeContext, createdUnixUTC int64) (FreezeRecord, error) {
	if requestID.IsZero() {
		return FreezeRecord{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	if userID.IsZero() {
		return FreezeRecord{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount <= 0 {
		return FreezeRecord{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return FreezeRecord{
		RecordID:       recordID,
		RequestID:      requestID,
		UserID:         userID,
		Amount:         amount,
		Status:         FreezeStatusFrozen,
		ModelID:        strings.TrimSpace(freezeContext.ModelID),
		ConversationID: strings.TrimSpace(freezeContext.ConversationID),
		Metadata:       freezeContext.Metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// FreezeTransition moves a record out of From, guarded on the stored status.
type FreezeTransition struct {
	RequestID    RequestID
	From         FreezeStatus
	To           FreezeStatus
	ActualCost   AmountCents
	InputTokens  int64
	OutputTokens int64
	Reason       string
	AtUnixUTC    int64
}

// EntryInput is an audit line before persistence assigns its id.
type EntryInput struct {
	UserID         UserID
	Type           EntryType
	Amount         SignedAmountCents
	BeforeBalance  AmountCents
	AfterBalance   AmountCents
	BeforeFrozen   AmountCents
	AfterFrozen    AmountCents
	Remark         string
	RequestID      RequestID
	OrderID        string
	TaskID         string
	OperatorID     string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID EntryID
	EntryInput
}

// EntryCursor positions a page of entries ordered newest first by creation
// time, then by entry id. The zero cursor starts at the newest entry.
type EntryCursor struct {
	BeforeUnixUTC int64
	BeforeEntryID EntryID
}

// NextEntryCursor returns the cursor continuing after the last entry of page.
func NextEntryCursor(page []Entry) EntryCursor {
	if len(page) == 0 {
		return EntryCursor{}
	}
	last := page[len(page)-1]
	return EntryCursor{BeforeUnixUTC: last.CreatedUnixUTC, BeforeEntryID: last.EntryID}
}

// Precedes reports whether entry sorts after the cursor position.
func (cursor EntryCursor) Precedes(entry Entry) bool {
	if entry.CreatedUnixUTC != cursor.BeforeUnixUTC {
		return entry.CreatedUnixUTC < cursor.BeforeUnixUTC
	}
	return !cursor.BeforeEntryID.IsZero() && entry.EntryID.String() < cursor.BeforeEntryID.String()
}

// EntryCorrelation carries optional correlation fields of an entry.
type EntryCorrelation struct {
	RequestID  RequestID
	OrderID    string
	TaskID     string
	OperatorID string
	Metadata   MetadataJSON
}

// NewEntryInput builds an audit line from the account snapshots around a swap.
// Freeze and unfreeze entries record the change of available funds; every
// other type records the change of the balance.
func NewEntryInput(entryType EntryType, before Account, after Account, remark string, correlation EntryCorrelation, createdUnixUTC int64) (EntryInput, error) {
	if _, err := ParseEntryType(entryType.String()); err != nil {
		return EntryInput{}, err
	}
	if before.UserID.IsZero() || before.UserID != after.UserID {
		return EntryInput{}, fmt.Errorf("%w: snapshots disagree on user", ErrInvalidUserID)
	}
	delta := after.Balance.Int64() - before.Balance.Int64()
	if entryType == EntryFreeze || entryType == EntryUnfreeze {
		delta = after.Available().Int64() - before.Available().Int64()
	}
	amount, err := NewSignedAmountCents(delta)
	if err != nil {
		return EntryInput{}, err
	}
	if entryType == EntryFreeze && amount > 0 {
		return EntryInput{}, fmt.Errorf("%w: freeze must reduce available funds", ErrInvalidEntryAmountCents)
	}
	if entryType == EntryUnfreeze && amount < 0 {
		return EntryInput{}, fmt.Errorf("%w: unfreeze must restore available funds", ErrInvalidEntryAmountCents)
	}
	return EntryInput{
		UserID:         before.UserID,
		Type:           entryType,
		Amount:         amount,
		BeforeBalance:  before.Balance,
		AfterBalance:   after.Balance,
		BeforeFrozen:   before.FrozenBalance,
		AfterFrozen:    after.FrozenBalance,
		Remark:         strings.TrimSpace(remark),
		RequestID:      correlation.RequestID,
		OrderID:        strings.TrimSpace(correlation.OrderID),
		TaskID:         strings.TrimSpace(correlation.TaskID),
		OperatorID:     strings.TrimSpace(correlation.OperatorID),
		Metadata:       correlation.Metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// PenaltyInput describes a policy violation charged against a reservation.
type PenaltyInput struct {
	Fee     AmountCents
	ModelID string
	Reason  string
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, userID UserID, createdUnixUTC int64) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	CompareAndSwapAccount(ctx context.Context, update AccountUpdate) (bool, error)
	CreateFreezeRecord(ctx context.Context, record FreezeRecord) error
	GetFreezeRecord(ctx context.Context, requestID RequestID) (FreezeRecord, error)
	TransitionFreezeRecord(ctx context.Context, transition FreezeTransition) error
	InsertEntry(ctx context.Context, entry EntryInput) error
	ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error)
}
