package wallet_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotamed/courier-wallet/wallet"
	"github.com/rotamed/courier-wallet/wallet/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestWallet(t *testing.T, s wallet.Store, opts ...wallet.Option) *wallet.Wallet {
	t.Helper()
	base := []wallet.Option{
		wallet.WithClock(func() time.Time { return testNow }),
		wallet.WithLocation(time.UTC),
	}
	w := wallet.New(s, append(base, opts...)...)
	_, err := w.Load(context.Background())
	require.NoError(t, err)
	return w
}

func completedDelivery(id, fee string, at time.Time) wallet.Delivery {
	return wallet.Delivery{ID: id, Status: wallet.DeliveryCompleted, DeliveryFee: dec(fee), DeliveredAt: &at}
}

func earningsFor(w *wallet.Wallet, deliveryID string) int {
	n := 0
	for _, tx := range w.FilteredTransactions(wallet.TxDeliveryEarning) {
		if tx.DeliveryID == deliveryID {
			n++
		}
	}
	return n
}

func assertBalance(t *testing.T, w *wallet.Wallet, available string) {
	t.Helper()
	b := w.Balance()
	assert.True(t, b.Available.Equal(dec(available)), "available = %s, want %s", b.Available, available)
	assert.True(t, b.Pending.IsZero(), "pending must stay zero")
	assert.True(t, b.Total.Equal(b.Available), "total mirrors available")
}

// flakyStore fails writes or reads for chosen keys.
type flakyStore struct {
	*store.Memory
	mu      sync.Mutex
	failSet map[string]error
	failGet map[string]error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		Memory:  store.NewMemory(),
		failSet: map[string]error{},
		failGet: map[string]error{},
	}
}

func (f *flakyStore) FailSet(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failSet, key)
		return
	}
	f.failSet[key] = err
}

func (f *flakyStore) FailGet(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failGet, key)
		return
	}
	f.failGet[key] = err
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	err := f.failGet[key]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	err := f.failSet[key]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Memory.Set(ctx, key, value)
}

var errDiskFull = errors.New("disk full")

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestWallet_DeliveryThenWithdrawals(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	assertBalance(t, w, "0")

	// GIVEN: D1 completes with a fee of 12.50
	deliveries := []wallet.Delivery{completedDelivery("D1", "12.50", testNow)}
	require.NoError(t, w.OnDeliveriesChanged(ctx, deliveries))

	// THEN: exactly one earning, balance 12.50
	txs := w.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, wallet.TxDeliveryEarning, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(dec("12.50")))
	assert.Equal(t, "D1", txs[0].DeliveryID)
	assert.Equal(t, wallet.StatusCompleted, txs[0].Status)
	assertBalance(t, w, "12.50")

	// WHEN: withdrawing 5
	ok, err := w.Withdraw(ctx, dec("5"), "pix-key-x")
	require.NoError(t, err)
	require.True(t, ok)

	txs = w.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, wallet.TxWithdrawal, txs[0].Type, "newest first")
	assert.True(t, txs[0].Amount.Equal(dec("-5")), "withdrawals are stored negative")
	assertBalance(t, w, "7.50")

	// WHEN: withdrawing more than available
	ok, err = w.Withdraw(ctx, dec("20"), "pix-key-x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, w.Transactions(), 2, "rejected withdrawal must not touch the ledger")
	assertBalance(t, w, "7.50")

	// WHEN: the same list arrives again
	require.NoError(t, w.OnDeliveriesChanged(ctx, deliveries))
	require.NoError(t, w.Sync(ctx, deliveries))

	assert.Equal(t, 1, earningsFor(w, "D1"))
	assertBalance(t, w, "7.50")
}

// =============================================================================
// WITHDRAWAL
// =============================================================================

func TestWithdraw_BelowMinimumRejected(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("50")})
	require.NoError(t, err)

	ok, err := w.Withdraw(ctx, dec("9.99"), "pix")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, w.Transactions(), 1)
	assertBalance(t, w, "50")
}

func TestWithdraw_ExactBalanceAllowed(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("10")})
	require.NoError(t, err)

	ok, err := w.Withdraw(ctx, dec("10"), "pix")

	require.NoError(t, err)
	assert.True(t, ok)
	assertBalance(t, w, "0")
}

func TestWithdraw_NonPositiveRejected(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory(), wallet.WithMinWithdrawal(decimal.Zero))
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("10")})
	require.NoError(t, err)

	for _, amount := range []string{"0", "-5"} {
		ok, err := w.Withdraw(ctx, dec(amount), "pix")
		require.NoError(t, err)
		assert.False(t, ok, "amount %s", amount)
	}
	assertBalance(t, w, "10")
}

func TestValidateWithdrawal_Reasons(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("12.50")})
	require.NoError(t, err)

	err = w.ValidateWithdrawal(dec("5"))
	assert.ErrorIs(t, err, wallet.ErrBelowMinimum)
	assert.ErrorIs(t, err, wallet.ErrInvalidWithdrawalAmount)

	err = w.ValidateWithdrawal(dec("20"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	assert.True(t, wallet.IsRejected(err))
	assert.True(t, wallet.IsClientError(err))

	var werr *wallet.WithdrawalError
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.Available.Equal(dec("12.50")))

	assert.NoError(t, w.ValidateWithdrawal(dec("12.50")))
}

func TestWithdraw_LatencyHonoursCancellation(t *testing.T) {
	w := newTestWallet(t, store.NewMemory(), wallet.WithWithdrawLatency(time.Hour))
	_, err := w.AddTransaction(context.Background(), wallet.Transaction{Type: wallet.TxBonus, Amount: dec("50")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := w.Withdraw(ctx, dec("20"), "pix")

	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, w.Transactions(), 1)
}

func TestWithdraw_ConcurrentCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("30")})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := w.Withdraw(ctx, dec("10"), "pix")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assertBalance(t, w, "0")
}

// =============================================================================
// MANUAL TRANSACTIONS
// =============================================================================

func TestAddTransaction_FillsIDDateStatus(t *testing.T) {
	w := newTestWallet(t, store.NewMemory())

	tx, err := w.AddTransaction(context.Background(), wallet.Transaction{
		Type:        wallet.TxBonus,
		Amount:      dec("15"),
		Description: "Rain bonus",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, testNow, tx.Date)
	assert.Equal(t, wallet.StatusCompleted, tx.Status)

	got, ok := w.TransactionByID(tx.ID)
	require.True(t, ok)
	assert.Equal(t, "Rain bonus", got.Description)

	_, ok = w.TransactionByID("missing")
	assert.False(t, ok)
}

func TestAddTransaction_PendingDoesNotCount(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())

	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("15"), Status: wallet.StatusPending})
	require.NoError(t, err)
	_, err = w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxRefund, Amount: dec("4")})
	require.NoError(t, err)

	assertBalance(t, w, "4")
}

func TestAddTransaction_UnknownTypeRejected(t *testing.T) {
	w := newTestWallet(t, store.NewMemory())

	_, err := w.AddTransaction(context.Background(), wallet.Transaction{Type: "tip", Amount: dec("1")})

	assert.ErrorIs(t, err, wallet.ErrInvalidTransaction)
	assert.Empty(t, w.Transactions())
}

// A duplicate earning is only reachable by bypassing the synchronizer; the
// ledger still refuses it.
func TestAddTransaction_DuplicateDeliveryEarningRefused(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	require.NoError(t, w.OnDeliveriesChanged(ctx, []wallet.Delivery{completedDelivery("D1", "8", testNow)}))

	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxDeliveryEarning, Amount: dec("8"), DeliveryID: "D1"})

	assert.ErrorIs(t, err, wallet.ErrDuplicateDeliveryEarning)
	assert.Equal(t, 1, earningsFor(w, "D1"))
}

func TestFilteredTransactions(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	require.NoError(t, w.OnDeliveriesChanged(ctx, []wallet.Delivery{
		completedDelivery("D1", "10", testNow),
		completedDelivery("D2", "15", testNow),
	}))
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("5")})
	require.NoError(t, err)

	assert.Len(t, w.FilteredTransactions(wallet.TxAll), 3)
	assert.Len(t, w.FilteredTransactions(wallet.TxDeliveryEarning), 2)
	assert.Len(t, w.FilteredTransactions(wallet.TxBonus), 1)
	assert.Empty(t, w.FilteredTransactions(wallet.TxRefund))
}

// =============================================================================
// SYNCHRONIZER
// =============================================================================

func TestSync_IgnoresNonCompleted(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())

	require.NoError(t, w.OnDeliveriesChanged(ctx, []wallet.Delivery{
		{ID: "D1", Status: wallet.DeliveryAccepted, DeliveryFee: dec("10")},
		{ID: "D2", Status: wallet.DeliveryEnRoute, DeliveryFee: dec("10")},
		{ID: "D3", Status: wallet.DeliveryCancelled, DeliveryFee: dec("10")},
	}))

	assert.Empty(t, w.Transactions())
	assertBalance(t, w, "0")
}

func TestSync_DuplicateEntriesInListProduceOneEarning(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	d := completedDelivery("D1", "9.90", testNow)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.OnDeliveriesChanged(ctx, []wallet.Delivery{d, d, d}))
		require.NoError(t, w.Sync(ctx, []wallet.Delivery{d}))
	}

	assert.Equal(t, 1, earningsFor(w, "D1"))
	assertBalance(t, w, "9.90")
}

func TestSync_MissingDeliveredAtUsesNow(t *testing.T) {
	w := newTestWallet(t, store.NewMemory())

	require.NoError(t, w.OnDeliveriesChanged(context.Background(), []wallet.Delivery{
		{ID: "D1", Status: wallet.DeliveryCompleted, DeliveryFee: dec("7")},
	}))

	txs := w.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, testNow, txs[0].Date)
}

func TestSync_BackfillKeepsDeliveryDate(t *testing.T) {
	w := newTestWallet(t, store.NewMemory())
	delivered := testNow.Add(-72 * time.Hour)

	require.NoError(t, w.OnDeliveriesChanged(context.Background(), []wallet.Delivery{completedDelivery("D1", "7", delivered)}))

	txs := w.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, delivered, txs[0].Date)
}

func TestSync_ConcurrentTriggersNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, store.NewMemory())
	list := []wallet.Delivery{
		completedDelivery("D1", "10", testNow),
		completedDelivery("D2", "20", testNow),
		completedDelivery("D3", "30", testNow),
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, w.OnDeliveriesChanged(ctx, list[:1+i%3]))
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Sync(ctx, list))

	for _, id := range []string{"D1", "D2", "D3"} {
		assert.Equal(t, 1, earningsFor(w, id), "delivery %s", id)
	}
	assertBalance(t, w, "60")
}

// blockingStore parks the first ledger write until released.
type blockingStore struct {
	*store.Memory
	key     string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Set(ctx context.Context, key string, value []byte) error {
	if key == b.key {
		b.once.Do(func() {
			close(b.entered)
			<-b.release
		})
	}
	return b.Memory.Set(ctx, key, value)
}

func TestSync_TriggerDuringRunIsDeferredToRunner(t *testing.T) {
	ctx := context.Background()
	bs := &blockingStore{
		Memory:  store.NewMemory(),
		key:     wallet.NewKeys("").Transactions,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	w := newTestWallet(t, bs)

	first := []wallet.Delivery{completedDelivery("D1", "10", testNow)}
	second := append(first, completedDelivery("D2", "5", testNow))

	// GIVEN: a run is blocked mid-append
	done := make(chan error, 1)
	go func() { done <- w.OnDeliveriesChanged(ctx, first) }()
	<-bs.entered

	// WHEN: two more changes arrive
	require.NoError(t, w.OnDeliveriesChanged(ctx, second))
	require.NoError(t, w.OnDeliveriesChanged(ctx, second))

	// THEN: the running caller picks up the latest list
	close(bs.release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, earningsFor(w, "D1"))
	assert.Equal(t, 1, earningsFor(w, "D2"))
	assertBalance(t, w, "15")
}

func TestSync_FailedRunIsRetriedOnSameList(t *testing.T) {
	ctx := context.Background()
	fs := newFlakyStore()
	keys := wallet.NewKeys("")
	w := newTestWallet(t, fs)
	list := []wallet.Delivery{completedDelivery("D1", "10", testNow)}

	// GIVEN: the ledger write fails
	fs.FailSet(keys.Transactions, errDiskFull)
	err := w.OnDeliveriesChanged(ctx, list)
	require.Error(t, err)
	assert.ErrorIs(t, err, wallet.ErrStorageWriteFailed)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Empty(t, w.Transactions())

	// WHEN: storage recovers and the same list arrives again
	fs.FailSet(keys.Transactions, nil)
	require.NoError(t, w.OnDeliveriesChanged(ctx, list))

	// THEN: the fingerprint did not suppress the retry
	assert.Equal(t, 1, earningsFor(w, "D1"))
	assertBalance(t, w, "10")
}

func TestSync_LedgerAheadOfProcessedSetIsRepaired(t *testing.T) {
	ctx := context.Background()
	fs := newFlakyStore()
	keys := wallet.NewKeys("")
	w := newTestWallet(t, fs)
	list := []wallet.Delivery{completedDelivery("D1", "10", testNow)}

	// GIVEN: the earning was appended but the processed set write failed
	fs.FailSet(keys.Processed, errDiskFull)
	require.Error(t, w.OnDeliveriesChanged(ctx, list))
	require.Equal(t, 1, earningsFor(w, "D1"))

	// WHEN: the next run sees D1 missing from the set
	fs.FailSet(keys.Processed, nil)
	require.NoError(t, w.OnDeliveriesChanged(ctx, list))

	// THEN: the set is repaired without a second earning
	assert.Equal(t, 1, earningsFor(w, "D1"))
	raw, err := fs.Memory.Get(ctx, keys.Processed)
	require.NoError(t, err)
	assert.JSONEq(t, `["D1"]`, string(raw))
	assertBalance(t, w, "10")
}

func TestSync_ProcessedSetReadFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	fs := newFlakyStore()
	w := newTestWallet(t, fs)
	fs.FailGet(wallet.NewKeys("").Processed, errors.New("io timeout"))

	err := w.OnDeliveriesChanged(ctx, []wallet.Delivery{completedDelivery("D1", "10", testNow)})

	assert.ErrorIs(t, err, wallet.ErrStorageReadFailed)
	assert.Empty(t, w.Transactions())
}

func TestSync_CorruptProcessedSetFallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	keys := wallet.NewKeys("")
	w := newTestWallet(t, mem)
	list := []wallet.Delivery{completedDelivery("D1", "10", testNow)}
	require.NoError(t, w.OnDeliveriesChanged(ctx, list))

	require.NoError(t, mem.Set(ctx, keys.Processed, []byte(`{"broken":`)))
	require.NoError(t, w.Sync(ctx, list))

	assert.Equal(t, 1, earningsFor(w, "D1"))
	raw, err := mem.Get(ctx, keys.Processed)
	require.NoError(t, err)
	assert.JSONEq(t, `["D1"]`, string(raw))
}

// =============================================================================
// PERSISTENCE AND RESTART
// =============================================================================

func TestRestart_DoesNotDuplicateEarning(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	list := []wallet.Delivery{completedDelivery("D1", "12.50", testNow)}

	w1 := newTestWallet(t, mem)
	require.NoError(t, w1.OnDeliveriesChanged(ctx, list))

	// Fresh process over the same storage.
	w2 := newTestWallet(t, mem)
	require.NoError(t, w2.OnDeliveriesChanged(ctx, list))

	assert.Equal(t, 1, earningsFor(w2, "D1"))
	assertBalance(t, w2, "12.50")
}

func TestRestart_LostProcessedSetDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	list := []wallet.Delivery{completedDelivery("D1", "12.50", testNow)}

	w1 := newTestWallet(t, mem)
	require.NoError(t, w1.OnDeliveriesChanged(ctx, list))
	require.NoError(t, mem.Delete(ctx, wallet.NewKeys("").Processed))

	w2 := newTestWallet(t, mem)
	require.NoError(t, w2.OnDeliveriesChanged(ctx, list))

	assert.Equal(t, 1, earningsFor(w2, "D1"))
}

func TestRoundTrip_EveryTypeKeepsBalance(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	w1 := newTestWallet(t, mem)

	require.NoError(t, w1.OnDeliveriesChanged(ctx, []wallet.Delivery{completedDelivery("D1", "40.25", testNow.Add(-2*time.Hour))}))
	for _, tx := range []wallet.Transaction{
		{Type: wallet.TxBonus, Amount: dec("15")},
		{Type: wallet.TxRefund, Amount: dec("3.30")},
		{Type: wallet.TxAdjustment, Amount: dec("-1.55")},
		{Type: wallet.TxBonus, Amount: dec("100"), Status: wallet.StatusCancelled},
		{Type: wallet.TxWithdrawal, Amount: dec("-50"), Status: wallet.StatusPending},
	} {
		_, err := w1.AddTransaction(ctx, tx)
		require.NoError(t, err)
	}
	ok, err := w1.Withdraw(ctx, dec("20"), "bank")
	require.NoError(t, err)
	require.True(t, ok)
	before := w1.Balance()

	w2 := newTestWallet(t, mem)

	assert.True(t, before.Available.Equal(w2.Balance().Available))
	assertBalance(t, w2, "37")
	require.Len(t, w2.Transactions(), len(w1.Transactions()))
	for i, tx := range w1.Transactions() {
		got := w2.Transactions()[i]
		assert.Equal(t, tx.ID, got.ID)
		assert.Equal(t, tx.Type, got.Type)
		assert.Equal(t, tx.Status, got.Status)
		assert.True(t, tx.Date.Equal(got.Date), "date %s != %s", tx.Date, got.Date)
	}
}

func TestLoad_SkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, wallet.NewKeys("").Transactions, []byte(`[
		{"id":"t1","type":"bonus","amount":5,"description":"ok","date":"2026-03-01T12:00:00.000Z","status":"completed"},
		{"id":"t2","type":"teleport","amount":5,"description":"bad type","date":"2026-03-01T12:00:00.000Z","status":"completed"},
		{"id":"t3","type":"bonus","amount":"abc","description":"bad amount","date":"2026-03-01T12:00:00.000Z","status":"completed"},
		"garbage"
	]`)))

	w := wallet.New(mem)
	report, err := w.Load(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	assert.Equal(t, 3, report.Skipped)
	for _, e := range report.Errors {
		assert.ErrorIs(t, e, wallet.ErrMalformedRecord)
	}
	assertBalance(t, w, "5")

	raw, err := mem.Get(ctx, wallet.NewKeys("").Transactions+":skipped")
	require.NoError(t, err)
	var records []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &records))
	assert.Len(t, records, 3)
}

func TestLoad_CorruptLedgerIsPreserved(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	key := wallet.NewKeys("").Transactions
	require.NoError(t, mem.Set(ctx, key, []byte(`{"not":"a list"`)))

	w := wallet.New(mem)
	report, err := w.Load(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, report.Loaded)
	assert.Equal(t, 1, report.Skipped)
	backup, err := mem.Get(ctx, key+":corrupt")
	require.NoError(t, err)
	assert.Equal(t, `{"not":"a list"`, string(backup))
}

func TestLoad_PathologicalLedgerFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, wallet.NewKeys("").Transactions, []byte(`[
		{"id":"w1","type":"withdrawal","amount":-100,"description":"","date":"2026-03-02T12:00:00.000Z","status":"completed"},
		{"id":"b1","type":"bonus","amount":5,"description":"","date":"2026-03-01T12:00:00.000Z","status":"completed"}
	]`)))

	w := wallet.New(mem)
	_, err := w.Load(ctx)

	require.NoError(t, err)
	assertBalance(t, w, "0")
}

func TestLoad_StoredBalanceIsNotTrusted(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	keys := wallet.NewKeys("")
	w1 := newTestWallet(t, mem)
	_, err := w1.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("20")})
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, keys.Balance, []byte(`{"available":999,"pending":0,"total":999}`)))

	w2 := newTestWallet(t, mem)

	assertBalance(t, w2, "20")
	raw, err := mem.Get(ctx, keys.Balance)
	require.NoError(t, err)
	assert.JSONEq(t, `{"available":20,"pending":0,"total":20}`, string(raw))
}

func TestLoad_ReadFailureSurfaces(t *testing.T) {
	fs := newFlakyStore()
	fs.FailGet(wallet.NewKeys("").Transactions, errors.New("permission denied"))

	_, err := wallet.New(fs).Load(context.Background())

	assert.ErrorIs(t, err, wallet.ErrStorageReadFailed)
}

func TestWriteFailure_LeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	fs := newFlakyStore()
	w := newTestWallet(t, fs)
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("30")})
	require.NoError(t, err)

	fs.FailSet(wallet.NewKeys("").Transactions, errDiskFull)
	ok, err := w.Withdraw(ctx, dec("10"), "pix")

	assert.False(t, ok)
	assert.ErrorIs(t, err, wallet.ErrStorageWriteFailed)
	assert.Len(t, w.Transactions(), 1)
	assertBalance(t, w, "30")
}

func TestBalanceWriteFailure_WithdrawCannotOverdraw(t *testing.T) {
	// GIVEN: 15 earned, and the balance key failing for the first withdrawal
	ctx := context.Background()
	fs := newFlakyStore()
	keys := wallet.NewKeys("")
	w := newTestWallet(t, fs)
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("15")})
	require.NoError(t, err)

	fs.FailSet(keys.Balance, errDiskFull)
	ok, err := w.Withdraw(ctx, dec("10"), "pix")
	require.True(t, ok, "the withdrawal itself is in the ledger")
	require.ErrorIs(t, err, wallet.ErrStorageWriteFailed)
	fs.FailSet(keys.Balance, nil)

	// WHEN: A second withdrawal of 10 is attempted against 5 left
	ok, err = w.Withdraw(ctx, dec("10"), "pix")

	// THEN: Rejected, one withdrawal in the ledger
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, w.FilteredTransactions(wallet.TxWithdrawal), 1)
	assertBalance(t, w, "5")
	assert.ErrorIs(t, w.ValidateWithdrawal(dec("10")), wallet.ErrInsufficientFunds)
}

func TestBalanceWriteFailure_AddTransactionRewrittenBySync(t *testing.T) {
	ctx := context.Background()
	fs := newFlakyStore()
	keys := wallet.NewKeys("")
	w := newTestWallet(t, fs)
	list := []wallet.Delivery{completedDelivery("D1", "8", testNow)}
	require.NoError(t, w.OnDeliveriesChanged(ctx, list))

	fs.FailSet(keys.Balance, errDiskFull)
	tx, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("20")})
	require.ErrorIs(t, err, wallet.ErrStorageWriteFailed)
	assert.NotEmpty(t, tx.ID, "the bonus was stored")
	assertBalance(t, w, "28")
	fs.FailSet(keys.Balance, nil)

	// Same list again: nothing new to append, but the stored balance lags.
	require.NoError(t, w.OnDeliveriesChanged(ctx, list))

	raw, err := fs.Get(ctx, keys.Balance)
	require.NoError(t, err)
	assert.JSONEq(t, `{"available":28,"pending":0,"total":28}`, string(raw))
}

func TestSync_BalanceWriteFailureIsRetried(t *testing.T) {
	// GIVEN: The balance key fails while D1 is synchronized
	ctx := context.Background()
	fs := newFlakyStore()
	keys := wallet.NewKeys("")
	w := newTestWallet(t, fs)
	list := []wallet.Delivery{completedDelivery("D1", "12.50", testNow)}

	fs.FailSet(keys.Balance, errDiskFull)
	err := w.OnDeliveriesChanged(ctx, list)
	require.ErrorIs(t, err, wallet.ErrStorageWriteFailed)
	fs.FailSet(keys.Balance, nil)

	// WHEN: The same list arrives again
	err = w.OnDeliveriesChanged(ctx, list)

	// THEN: No second earning, and the balance is right in memory and on disk
	require.NoError(t, err)
	assert.Equal(t, 1, earningsFor(w, "D1"))
	assertBalance(t, w, "12.50")
	raw, err := fs.Get(ctx, keys.Balance)
	require.NoError(t, err)
	assert.JSONEq(t, `{"available":12.5,"pending":0,"total":12.5}`, string(raw))
}

func TestLoad_SkippedRecordsSurviveNextAppend(t *testing.T) {
	// GIVEN: A ledger with one good bonus and one earning with a bad date
	ctx := context.Background()
	mem := store.NewMemory()
	key := wallet.NewKeys("").Transactions
	bad := `{"id":"t9","type":"delivery-earning","amount":9,"description":"Delivery D9","date":"not-a-date","status":"completed","deliveryId":"D9"}`
	require.NoError(t, mem.Set(ctx, key, []byte(`[
		{"id":"t1","type":"bonus","amount":5,"description":"ok","date":"2026-03-01T12:00:00.000Z","status":"completed"},
		`+bad+`
	]`)))

	// WHEN: It is loaded and then appended to
	w := newTestWallet(t, mem)
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("1")})
	require.NoError(t, err)

	// THEN: The unreadable record is kept aside, once, across reloads
	newTestWallet(t, mem)
	raw, err := mem.Get(ctx, key+":skipped")
	require.NoError(t, err)
	var records []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &records))
	require.Len(t, records, 1)
	assert.JSONEq(t, bad, string(records[0]))
	assert.Len(t, w.Transactions(), 2)
}

func TestNamespace_SeparatesCouriers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	a := newTestWallet(t, mem, wallet.WithNamespace("courier-a"))
	b := newTestWallet(t, mem, wallet.WithNamespace("courier-b"))

	_, err := a.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("11")})
	require.NoError(t, err)

	assertBalance(t, a, "11")
	assertBalance(t, b, "0")
	assert.Contains(t, mem.Keys("courier-a:"), "courier-a:wallet:transactions")
	assert.Empty(t, mem.Keys("courier-b:wallet:transactions"))
}

// =============================================================================
// RESET
// =============================================================================

func TestReset_RebuildsFromLedgerWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	keys := wallet.NewKeys("")
	w := newTestWallet(t, mem)
	list := []wallet.Delivery{
		completedDelivery("D1", "10", testNow),
		completedDelivery("D2", "20", testNow),
	}
	require.NoError(t, w.OnDeliveriesChanged(ctx, list))
	_, err := w.AddTransaction(ctx, wallet.Transaction{Type: wallet.TxBonus, Amount: dec("5")})
	require.NoError(t, err)

	// GIVEN: derived keys drifted
	require.NoError(t, mem.Set(ctx, keys.Balance, []byte(`{"available":1,"pending":0,"total":1}`)))
	require.NoError(t, mem.Set(ctx, keys.Processed, []byte(`["D1"]`)))

	report, err := w.Reset(ctx)

	require.NoError(t, err)
	assert.Equal(t, 3, report.Loaded)
	assert.Len(t, w.Transactions(), 3)
	assertBalance(t, w, "35")
	raw, err := mem.Get(ctx, keys.Processed)
	require.NoError(t, err)
	assert.JSONEq(t, `["D1","D2"]`, string(raw))

	// The same list after reset still appends nothing.
	require.NoError(t, w.OnDeliveriesChanged(ctx, list))
	assert.Len(t, w.Transactions(), 3)
}

// =============================================================================
// EARNINGS SUMMARY
// =============================================================================

func earningsBoard() []wallet.Delivery {
	return []wallet.Delivery{
		completedDelivery("A", "10", time.Date(2026, time.March, 15, 8, 0, 0, 0, time.UTC)),
		completedDelivery("B", "20", time.Date(2026, time.March, 10, 18, 0, 0, 0, time.UTC)),
		completedDelivery("C", "30", time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)),
		completedDelivery("E", "40", time.Date(2026, time.February, 20, 9, 0, 0, 0, time.UTC)),
		{ID: "F", Status: wallet.DeliveryAccepted, DeliveryFee: dec("5")},
		{ID: "G", Status: wallet.DeliveryEnRoute, DeliveryFee: dec("7")},
		{ID: "H", Status: wallet.DeliveryCancelled, DeliveryFee: dec("9")},
		{ID: "I", Status: wallet.DeliveryAvailable, DeliveryFee: dec("9")},
	}
}

// Week and Month both report the all-time total by default. The labels
// suggest date ranges; this keeps what couriers have always been shown.
func TestEarnings_LegacyAllTimeWindow(t *testing.T) {
	w := newTestWallet(t, store.NewMemory())

	require.NoError(t, w.OnDeliveriesChanged(context.Background(), earningsBoard()))

	e := w.Earnings()
	assert.True(t, e.Today.Equal(dec("10")))
	assert.True(t, e.Week.Equal(dec("100")), "legacy week = all-time, got %s", e.Week)
	assert.True(t, e.Month.Equal(dec("100")), "legacy month = all-time, got %s", e.Month)
	assert.Equal(t, 1, e.DeliveriesToday)
	assert.Equal(t, 6, e.RoutesAccepted)
	assert.Equal(t, 4, e.RoutesCompleted)
}

func TestEarnings_RollingWindow(t *testing.T) {
	w := newTestWallet(t, store.NewMemory(), wallet.WithEarningsWindow(wallet.WindowRolling))

	require.NoError(t, w.OnDeliveriesChanged(context.Background(), earningsBoard()))

	e := w.Earnings()
	assert.True(t, e.Today.Equal(dec("10")))
	assert.True(t, e.Week.Equal(dec("30")), "week = last 7 days, got %s", e.Week)
	assert.True(t, e.Month.Equal(dec("60")), "month = calendar month, got %s", e.Month)
}

func TestEarnings_RefreshedWhenOnlyRoutesChange(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	w := newTestWallet(t, mem)
	require.NoError(t, w.OnDeliveriesChanged(ctx, []wallet.Delivery{{ID: "F", Status: wallet.DeliveryAvailable, DeliveryFee: dec("5")}}))
	assert.Equal(t, 0, w.Earnings().RoutesAccepted)

	// No completed set change, so the ledger is not touched, but the
	// route counters still move.
	require.NoError(t, w.OnDeliveriesChanged(ctx, []wallet.Delivery{{ID: "F", Status: wallet.DeliveryAccepted, DeliveryFee: dec("5")}}))

	assert.Equal(t, 1, w.Earnings().RoutesAccepted)
	raw, err := mem.Get(ctx, wallet.NewKeys("").Earnings)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"routesAccepted":1`)

	// And they survive a restart.
	w2 := newTestWallet(t, mem)
	assert.Equal(t, 1, w2.Earnings().RoutesAccepted)
}
