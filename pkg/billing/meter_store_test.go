package billing

import (
	"context"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/pricing"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newStoreBackedLedger(test *testing.T) *ledger.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/billing.db"), &gorm.Config{})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, gormstore.Migrate(db))
	service, err := ledger.NewService(gormstore.New(db), func() int64 { return 1_700_000_000 })
	require.NoError(test, err)
	return service
}

func TestCompleteReleasesReservationBeyondFunds(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := newStoreBackedLedger(test)
	table, err := pricing.ParseRateTable([]byte(testRateTable))
	require.NoError(test, err)
	core, logs := observer.New(zapcore.DebugLevel)
	meter, err := NewMeter(service, table, WithLogger(zap.New(core)))
	require.NoError(test, err)

	request := newTestRequest(test, "short")
	request.InputText = strings.Repeat("漢", 40)
	_, err = service.Recharge(ctx, request.UserID, ledger.PositiveAmountCents(20), "top up", ledger.EntryCorrelation{})
	require.NoError(test, err)
	reservation, err := meter.Reserve(ctx, request)
	require.NoError(test, err)
	require.Equal(test, ledger.AmountCents(20), reservation.Amount)

	charge, err := meter.Complete(ctx, reservation, ledger.Usage{InputTokens: 40, OutputTokens: 10})
	require.NoError(test, err)
	require.NoError(test, charge.Err)
	assert.True(test, charge.Settled)
	assert.Equal(test, ledger.AmountCents(20), charge.Cost)
	assert.Equal(test, ledger.AmountCents(30), charge.Unbilled)
	assert.Equal(test, 1, logs.FilterMessage("usage partially unbilled").Len())

	account, err := service.Balance(ctx, request.UserID)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountCents(0), account.Balance)
	assert.Equal(test, ledger.AmountCents(0), account.FrozenBalance)
	record, err := service.GetFreezeRecord(ctx, request.RequestID)
	require.NoError(test, err)
	assert.Equal(test, ledger.FreezeStatusSettled, record.Status)
	assert.Equal(test, ledger.AmountCents(20), record.ActualCost)
}
