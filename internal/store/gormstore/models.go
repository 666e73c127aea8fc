package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	UserID        string    `gorm:"primaryKey"`
	Balance       int64     `gorm:"not null;check:chk_accounts_balance,balance >= 0"`
	FrozenBalance int64     `gorm:"not null;check:chk_accounts_frozen,frozen_balance >= 0 AND frozen_balance <= balance"`
	Version       int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// FreezeRecord mirrors the freeze_records table. request_id is unique across
// all users.
type FreezeRecord struct {
	RecordID       string         `gorm:"type:uuid;primaryKey"`
	RequestID      string         `gorm:"not null;uniqueIndex:uniq_freeze_records_request_id"`
	UserID         string         `gorm:"not null;index:idx_freeze_records_user_status,priority:1"`
	Amount         int64          `gorm:"not null;check:chk_freeze_records_amount,amount > 0"`
	Status         string         `gorm:"not null;index:idx_freeze_records_user_status,priority:2"`
	ModelID        string         `gorm:"not null;default:''"`
	ConversationID string         `gorm:"not null;default:''"`
	ActualCost     int64          `gorm:"not null"`
	InputTokens    int64          `gorm:"not null"`
	OutputTokens   int64          `gorm:"not null"`
	Reason         string         `gorm:"not null;default:''"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
	SettledAt      *time.Time
	RefundedAt     *time.Time
}

func (FreezeRecord) TableName() string { return "freeze_records" }

func (record *FreezeRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table. Entry ids are
// time-ordered UUIDv7 values so (created_at, entry_id) is a stable page key.
type LedgerEntry struct {
	EntryID       string         `gorm:"type:uuid;primaryKey;index:idx_ledger_entries_user_created,priority:3"`
	UserID        string         `gorm:"not null;index:idx_ledger_entries_user_type,priority:1;index:idx_ledger_entries_user_created,priority:1"`
	Type          string         `gorm:"not null;index:idx_ledger_entries_user_type,priority:2"`
	Amount        int64          `gorm:"not null"`
	BeforeBalance int64          `gorm:"not null"`
	AfterBalance  int64          `gorm:"not null"`
	BeforeFrozen  int64          `gorm:"not null"`
	AfterFrozen   int64          `gorm:"not null"`
	Remark        string         `gorm:"not null;default:''"`
	RequestID     *string        `gorm:"index:idx_ledger_entries_request"`
	OrderID       string         `gorm:"not null;default:''"`
	TaskID        string         `gorm:"not null;default:''"`
	OperatorID    string         `gorm:"not null;default:''"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_ledger_entries_user_created,priority:2;index:idx_ledger_entries_created"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entryID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		entry.EntryID = entryID.String()
	}
	return nil
}

// Models lists the tables managed by the store, in dependency order.
func Models() []interface{} {
	return []interface{}{&Account{}, &FreezeRecord{}, &LedgerEntry{}}
}
