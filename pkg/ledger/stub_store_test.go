package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

type stubState struct {
	accounts map[UserID]Account
	records  map[RequestID]FreezeRecord
	entries  []Entry
}

func (state stubState) clone() stubState {
	cloned := stubState{
		accounts: make(map[UserID]Account, len(state.accounts)),
		records:  make(map[RequestID]FreezeRecord, len(state.records)),
		entries:  append([]Entry(nil), state.entries...),
	}
	for key, value := range state.accounts {
		cloned.accounts[key] = value
	}
	for key, value := range state.records {
		cloned.records[key] = value
	}
	return cloned
}

// stubStore serializes transactions and rolls back on error. The competitor
// hook simulates a writer that committed between our read and our swap.
type stubStore struct {
	txMutex  sync.Mutex
	mutex    sync.Mutex
	state    stubState
	rollback *stubState
	entrySeq int

	swapCalls      int
	competitor     func(account Account) Account
	competitorRuns int
	rivalRecord    *FreezeRecord

	createAccountError error
	getAccountError    error
	swapError          error
	createRecordError  error
	getRecordError     error
	transitionError    error
	insertEntryError   error
	listError          error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{state: stubState{
		accounts: make(map[UserID]Account),
		records:  make(map[RequestID]FreezeRecord),
	}}
}

func newStubStoreWithAccount(test *testing.T, userID UserID, balance int64, frozen int64) *stubStore {
	test.Helper()
	store := newStubStore(test)
	account, err := NewAccount(userID, mustAmountCents(test, balance), mustAmountCents(test, frozen), 0)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	store.state.accounts[userID] = account
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.mutex.Lock()
	snapshot := store.state.clone()
	store.rollback = &snapshot
	store.mutex.Unlock()

	err := fn(ctx, store)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err != nil {
		store.state = *store.rollback
	}
	store.rollback = nil
	return err
}

func (store *stubStore) CreateAccount(ctx context.Context, userID UserID, createdUnixUTC int64) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.createAccountError != nil {
		return Account{}, store.createAccountError
	}
	if account, ok := store.state.accounts[userID]; ok {
		return account, nil
	}
	account := Account{UserID: userID}
	store.state.accounts[userID] = account
	return account, nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.state.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) CompareAndSwapAccount(ctx context.Context, update AccountUpdate) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.swapCalls++
	if store.swapError != nil {
		return false, store.swapError
	}
	account, ok := store.state.accounts[update.UserID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if store.competitor != nil && store.competitorRuns > 0 {
		store.competitorRuns--
		account = store.competitor(account)
		account.Version++
		store.commitOutsideTx(func(state *stubState) {
			state.accounts[update.UserID] = account
		})
	}
	if account.Version != update.ExpectedVersion || !update.Admits(account) {
		return false, nil
	}
	store.state.accounts[update.UserID] = update.Apply(account)
	return true, nil
}

func (store *stubStore) CreateFreezeRecord(ctx context.Context, record FreezeRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.createRecordError != nil {
		return store.createRecordError
	}
	if store.rivalRecord != nil {
		rival := *store.rivalRecord
		store.rivalRecord = nil
		store.commitOutsideTx(func(state *stubState) {
			state.records[rival.RequestID] = rival
		})
	}
	if _, exists := store.state.records[record.RequestID]; exists {
		return ErrFreezeRecordExists
	}
	store.state.records[record.RequestID] = record
	return nil
}

func (store *stubStore) GetFreezeRecord(ctx context.Context, requestID RequestID) (FreezeRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getRecordError != nil {
		return FreezeRecord{}, store.getRecordError
	}
	record, ok := store.state.records[requestID]
	if !ok {
		return FreezeRecord{}, ErrUnknownFreezeRecord
	}
	return record, nil
}

func (store *stubStore) TransitionFreezeRecord(ctx context.Context, transition FreezeTransition) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.transitionError != nil {
		return store.transitionError
	}
	record, ok := store.state.records[transition.RequestID]
	if !ok {
		return ErrUnknownFreezeRecord
	}
	if record.Status != transition.From {
		return ErrFreezeRecordClosed
	}
	record.Status = transition.To
	record.ActualCost = transition.ActualCost
	record.InputTokens = transition.InputTokens
	record.OutputTokens = transition.OutputTokens
	record.Reason = transition.Reason
	if transition.To == FreezeStatusRefunded {
		record.RefundedUnixUTC = transition.AtUnixUTC
	} else {
		record.SettledUnixUTC = transition.AtUnixUTC
	}
	store.state.records[transition.RequestID] = record
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry EntryInput) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	store.entrySeq++
	entryID, err := NewEntryID(fmt.Sprintf("entry-%06d", store.entrySeq))
	if err != nil {
		return err
	}
	store.state.entries = append(store.state.entries, Entry{EntryID: entryID, EntryInput: entry})
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.listError != nil {
		return nil, store.listError
	}
	var matched []Entry
	for _, entry := range store.state.entries {
		if entry.UserID == userID && cursor.Precedes(entry) {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(left, right int) bool {
		if matched[left].CreatedUnixUTC != matched[right].CreatedUnixUTC {
			return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
		}
		return matched[left].EntryID.String() > matched[right].EntryID.String()
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// commitOutsideTx applies a change that must survive the rollback of the
// running transaction. Callers hold store.mutex.
func (store *stubStore) commitOutsideTx(change func(state *stubState)) {
	change(&store.state)
	if store.rollback != nil {
		change(store.rollback)
	}
}

func (store *stubStore) account(test *testing.T, userID UserID) Account {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.state.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID.String())
	}
	return account
}

func (store *stubStore) record(test *testing.T, requestID RequestID) FreezeRecord {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.state.records[requestID]
	if !ok {
		test.Fatalf("freeze record %s not found", requestID.String())
	}
	return record
}

func (store *stubStore) entries() []Entry {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]Entry(nil), store.state.entries...)
}

func (store *stubStore) entriesOfType(entryType EntryType) []Entry {
	var matched []Entry
	for _, entry := range store.entries() {
		if entry.Type == entryType {
			matched = append(matched, entry)
		}
	}
	return matched
}

type sequenceClock struct {
	mutex sync.Mutex
	now   int64
}

func (clock *sequenceClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now++
	return clock.now
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryPolicy(RetryPolicy{MaxAttempts: defaultRetryMaxAttempts})}, options...)
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustRequestID(test *testing.T, raw string) RequestID {
	test.Helper()
	value, err := NewRequestID(raw)
	if err != nil {
		test.Fatalf("request id: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustAmountCents(test *testing.T, raw int64) AmountCents {
	test.Helper()
	value, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustSignedAmount(test *testing.T, raw int64) SignedAmountCents {
	test.Helper()
	value, err := NewSignedAmountCents(raw)
	if err != nil {
		test.Fatalf("signed amount: %v", err)
	}
	return value
}

func mustFreeze(test *testing.T, service *Service, userID UserID, amount int64, requestID RequestID) FreezeResult {
	test.Helper()
	result, err := service.Freeze(context.Background(), userID, mustPositiveAmount(test, amount), requestID, FreezeContext{ModelID: "model-a"})
	if err != nil {
		test.Fatalf("freeze: %v", err)
	}
	return result
}
