package pgstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsFreezeRequestConflict(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{
			name: "request id violation",
			err:  fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintFreezeRequestID}),
			want: true,
		},
		{
			name: "other constraint",
			err:  &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "accounts_pkey"},
			want: false,
		},
		{
			name: "other code",
			err:  &pgconn.PgError{Code: "23503", ConstraintName: constraintFreezeRequestID},
			want: false,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := isFreezeRequestConflict(testCase.err); got != testCase.want {
				test.Fatalf("isFreezeRequestConflict() = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestFreezeRecordRowToRecord(test *testing.T) {
	test.Parallel()

	row := freezeRecordRow{
		recordID:       "rec-1",
		requestID:      "req-1",
		userID:         "user-1",
		amount:         300,
		status:         "settled",
		actualCost:     250,
		inputTokens:    10,
		outputTokens:   20,
		metadata:       `{"k":"v"}`,
		createdUnixUTC: 100,
		settledUnixUTC: 110,
	}
	record, err := row.toRecord()
	if err != nil {
		test.Fatalf("toRecord: %v", err)
	}
	if record.Status != ledger.FreezeStatusSettled || record.Amount != 300 || record.ActualCost != 250 {
		test.Fatalf("unexpected record %+v", record)
	}
	if record.Metadata.String() != `{"k":"v"}` || record.SettledUnixUTC != 110 {
		test.Fatalf("unexpected record fields %+v", record)
	}

	row.status = "expired"
	if _, err := row.toRecord(); !errors.Is(err, ledger.ErrInvalidFreezeStatus) {
		test.Fatalf("expected ErrInvalidFreezeStatus, got %v", err)
	}
	row.status = "frozen"
	row.amount = 0
	if _, err := row.toRecord(); !errors.Is(err, ledger.ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents, got %v", err)
	}
}

func TestMapAccountRejectsBrokenRows(test *testing.T) {
	test.Parallel()

	if _, err := mapAccount("user-1", 100, 150, 0); !errors.Is(err, ledger.ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
	account, err := mapAccount("user-1", 100, 40, 3)
	if err != nil {
		test.Fatalf("mapAccount: %v", err)
	}
	if account.Available() != 60 || account.Version != 3 {
		test.Fatalf("unexpected account %+v", account)
	}
}
