package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a non-negative credit amount in the smallest unit.
type AmountCents int64

// PositiveAmountCents is a credit amount strictly greater than zero.
type PositiveAmountCents int64

// SignedAmountCents is a credit delta; positive increases, negative decreases.
type SignedAmountCents int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// RequestID is the caller-supplied idempotency anchor of a freeze.
type RequestID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// FreezeStatus defines the freeze record lifecycle.
type FreezeStatus string

const (
	FreezeStatusFrozen   FreezeStatus = "frozen"
	FreezeStatusSettled  FreezeStatus = "settled"
	FreezeStatusRefunded FreezeStatus = "refunded"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryRecharge   EntryType = "recharge"
	EntryConsume    EntryType = "consume"
	EntryRefund     EntryType = "refund"
	EntryReward     EntryType = "reward"
	EntryFreeze     EntryType = "freeze"
	EntryUnfreeze   EntryType = "unfreeze"
	EntryTransfer   EntryType = "transfer"
	EntryCommission EntryType = "commission"
	EntryAdjustment EntryType = "adjustment"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the identifier was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewRequestID validates and normalizes a request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RequestID) String() string {
	return id.value
}

// IsZero reports whether the identifier was never set.
func (id RequestID) IsZero() bool {
	return id.value == ""
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IsZero reports whether the identifier was never set.
func (id EntryID) IsZero() bool {
	return id.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents converts to the non-negative amount type.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// ToSignedAmountCents converts to a positive delta.
func (amount PositiveAmountCents) ToSignedAmountCents() SignedAmountCents {
	return SignedAmountCents(amount)
}

// NewSignedAmountCents validates a non-zero delta.
func NewSignedAmountCents(raw int64) (SignedAmountCents, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidEntryAmountCents)
	}
	return SignedAmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount SignedAmountCents) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount SignedAmountCents) Negated() SignedAmountCents {
	return -amount
}

// ParseFreezeStatus validates a stored status value.
func ParseFreezeStatus(raw string) (FreezeStatus, error) {
	status := FreezeStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case FreezeStatusFrozen, FreezeStatusSettled, FreezeStatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFreezeStatus, raw)
	}
}

// String returns the stored representation.
func (status FreezeStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no transition may leave the status.
func (status FreezeStatus) IsTerminal() bool {
	return status == FreezeStatusSettled || status == FreezeStatusRefunded
}

// ParseEntryType validates a stored entry type value.
func ParseEntryType(raw string) (EntryType, error) {
	entryType := EntryType(strings.ToLower(strings.TrimSpace(raw)))
	switch entryType {
	case EntryRecharge, EntryConsume, EntryRefund, EntryReward, EntryFreeze,
		EntryUnfreeze, EntryTransfer, EntryCommission, EntryAdjustment:
		return entryType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}
