/*
wallet.go - Courier wallet service

PURPOSE:
  Owns the ledger, the processed delivery set, the balance and the
  earnings summary, and exposes the operations the app layer uses. One
  Wallet per courier account; callers hold a reference to it.

CRITICAL INVARIANTS:
  1. Balance is never set directly. Every ledger mutation is followed by
     a full recompute, persisted before the in-memory copy changes.
  2. Withdraw validates and appends under the same lock, so two
     concurrent withdrawals cannot both pass against the same balance.
  3. Reset repairs, it never deletes: it reloads the ledger, rebuilds the
     processed set from the earnings in it and recomputes.

LOCKING:
  mu serialises every write path (append, withdraw, sync, reset).
  stateMu guards the cached balance and earnings for readers, so reads
  never wait behind a slow store write.
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultMinWithdrawal is the smallest amount a courier can withdraw.
var DefaultMinWithdrawal = decimal.NewFromInt(10)

// Recorder receives wallet events for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	SyncRun(result string)
	EarningsAppended(n int)
	Withdrawal(result string)
	AvailableBalance(v float64)
	MalformedRecords(n int)
}

type nopRecorder struct{}

func (nopRecorder) SyncRun(string)           {}
func (nopRecorder) EarningsAppended(int)     {}
func (nopRecorder) Withdrawal(string)        {}
func (nopRecorder) AvailableBalance(float64) {}
func (nopRecorder) MalformedRecords(int)     {}

// Wallet is the reconciliation core for one courier.
type Wallet struct {
	store     Store
	keys      Keys
	ledger    *Ledger
	processed *ProcessedSet
	sync      *Synchronizer
	calc      Calculator

	log      zerolog.Logger
	recorder Recorder
	now      func() time.Time

	minWithdrawal   decimal.Decimal
	withdrawLatency time.Duration

	mu sync.Mutex

	stateMu  sync.RWMutex
	balance  Balance
	earnings EarningsSummary
	// balanceStale is set while the stored balance lags the ledger because
	// its last write failed.
	balanceStale bool
}

// Option configures a Wallet.
type Option func(*Wallet)

func WithLogger(log zerolog.Logger) Option {
	return func(w *Wallet) { w.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(w *Wallet) {
		if r != nil {
			w.recorder = r
		}
	}
}

// WithClock replaces time.Now. Tests use it to pin "today".
func WithClock(now func() time.Time) Option {
	return func(w *Wallet) { w.now = now }
}

func WithMinWithdrawal(min decimal.Decimal) Option {
	return func(w *Wallet) { w.minWithdrawal = min }
}

// WithWithdrawLatency delays every withdrawal before validation, the way a
// payment provider round trip would.
func WithWithdrawLatency(d time.Duration) Option {
	return func(w *Wallet) { w.withdrawLatency = d }
}

func WithEarningsWindow(window EarningsWindow) Option {
	return func(w *Wallet) { w.calc.Window = window }
}

func WithLocation(loc *time.Location) Option {
	return func(w *Wallet) { w.calc.Location = loc }
}

func WithNamespace(namespace string) Option {
	return func(w *Wallet) { w.keys = NewKeys(namespace) }
}

// New builds a Wallet over store. Call Load before using it.
func New(store Store, opts ...Option) *Wallet {
	w := &Wallet{
		store:         store,
		keys:          NewKeys(""),
		calc:          Calculator{Window: WindowAllTime},
		log:           zerolog.Nop(),
		recorder:      nopRecorder{},
		now:           time.Now,
		minWithdrawal: DefaultMinWithdrawal,
		balance:       ZeroBalance(),
		earnings:      ZeroEarnings(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ledger = NewLedger(store, w.keys.Transactions, w.log)
	w.ledger.now = w.now
	w.processed = NewProcessedSet(store, w.keys.Processed)
	w.sync = newSynchronizer(w)
	return w
}

// =============================================================================
// STARTUP
// =============================================================================

// Load reads the ledger and the stored earnings summary, then recomputes
// and persists the balance. The stored balance is never trusted.
func (w *Wallet) Load(ctx context.Context) (LoadReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	report, err := w.ledger.LoadAll(ctx)
	if err != nil {
		return report, err
	}
	if report.Skipped > 0 {
		w.recorder.MalformedRecords(report.Skipped)
	}

	earnings, err := w.loadEarnings(ctx)
	if err != nil {
		return report, err
	}
	w.stateMu.Lock()
	w.earnings = earnings
	w.stateMu.Unlock()

	if err := w.recomputeLocked(ctx); err != nil {
		return report, err
	}
	w.log.Info().
		Int("loaded", report.Loaded).
		Int("skipped", report.Skipped).
		Str("available", w.Balance().Available.StringFixed(2)).
		Msg("wallet loaded")
	return report, nil
}

func (w *Wallet) loadEarnings(ctx context.Context) (EarningsSummary, error) {
	data, err := w.store.Get(ctx, w.keys.Earnings)
	if err != nil {
		return EarningsSummary{}, readError(w.keys.Earnings, err)
	}
	if len(data) == 0 {
		return ZeroEarnings(), nil
	}
	e, err := decodeEarnings(data)
	if err != nil {
		// Derived data: the next delivery change rebuilds it.
		w.log.Warn().Err(err).Str("key", w.keys.Earnings).Msg("earnings summary unreadable, starting from zero")
		w.recorder.MalformedRecords(1)
		return ZeroEarnings(), nil
	}
	return e, nil
}

// =============================================================================
// READS
// =============================================================================

func (w *Wallet) Balance() Balance {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.balance
}

func (w *Wallet) Earnings() EarningsSummary {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.earnings
}

// Transactions returns the ledger, most recent first.
func (w *Wallet) Transactions() []Transaction {
	return w.ledger.All()
}

// FilteredTransactions returns the entries of type t in ledger order.
// TxAll returns everything.
func (w *Wallet) FilteredTransactions(t TransactionType) []Transaction {
	return w.ledger.FilterByType(t)
}

// TransactionByID returns the transaction and true, or false when absent.
func (w *Wallet) TransactionByID(id TransactionID) (Transaction, bool) {
	return w.ledger.FindByID(id)
}

// MinWithdrawal returns the configured minimum.
func (w *Wallet) MinWithdrawal() decimal.Decimal {
	return w.minWithdrawal
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AddTransaction appends a manual entry such as a bonus. Id, date and
// status are filled in when empty. When the balance write fails after the
// append succeeded, the stored transaction is returned with the error; the
// next recompute picks it up.
func (w *Wallet) AddTransaction(ctx context.Context, partial Transaction) (Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.ledger.Append(ctx, partial)
	if err != nil {
		return Transaction{}, err
	}
	w.log.Info().
		Str("id", string(tx.ID)).
		Str("type", string(tx.Type)).
		Str("amount", tx.Amount.String()).
		Msg("transaction added")
	return tx, w.recomputeLocked(ctx)
}

// ValidateWithdrawal returns nil when amount could be withdrawn now, or a
// *WithdrawalError wrapping ErrBelowMinimum or ErrInsufficientFunds.
func (w *Wallet) ValidateWithdrawal(amount decimal.Decimal) error {
	return w.validateWithdrawal(amount, w.ledgerAvailable())
}

// ledgerAvailable replays the ledger. Withdrawals are checked against it
// rather than the cached balance.
func (w *Wallet) ledgerAvailable() decimal.Decimal {
	return w.calc.Recompute(w.ledger.All()).Available
}

func (w *Wallet) validateWithdrawal(amount, available decimal.Decimal) error {
	werr := &WithdrawalError{Requested: amount, Available: available, Minimum: w.minWithdrawal}
	switch {
	case !amount.IsPositive() || amount.LessThan(w.minWithdrawal):
		werr.Reason = ErrBelowMinimum
	case amount.GreaterThan(available):
		werr.Reason = ErrInsufficientFunds
	default:
		return nil
	}
	return werr
}

// Withdraw records a completed withdrawal to destination. Rejections
// (below minimum, above balance) return false with a nil error and leave
// the ledger untouched. A non-nil error is a storage failure or a
// cancelled context. If the append succeeded but the balance write
// failed, Withdraw returns true with the error.
func (w *Wallet) Withdraw(ctx context.Context, amount decimal.Decimal, destination string) (bool, error) {
	if w.withdrawLatency > 0 {
		timer := time.NewTimer(w.withdrawLatency)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.recorder.Withdrawal("cancelled")
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.validateWithdrawal(amount, w.ledgerAvailable()); err != nil {
		w.recorder.Withdrawal("rejected")
		w.log.Info().Err(err).Str("destination", destination).Msg("withdrawal rejected")
		return false, nil
	}

	tx, err := w.ledger.Append(ctx, Transaction{
		Type:        TxWithdrawal,
		Amount:      amount.Neg(),
		Description: fmt.Sprintf("Withdrawal to %s", destination),
		Status:      StatusCompleted,
	})
	if err != nil {
		w.recorder.Withdrawal("failed")
		return false, err
	}
	w.recorder.Withdrawal("ok")
	w.log.Info().
		Str("id", string(tx.ID)).
		Str("amount", amount.StringFixed(2)).
		Str("destination", destination).
		Msg("withdrawal recorded")
	return true, w.recomputeLocked(ctx)
}

// Reset forces a full recompute from the persisted ledger. Nothing is
// deleted: the ledger is reloaded, the processed set is rebuilt from the
// earnings it contains, and the balance is recomputed and persisted.
func (w *Wallet) Reset(ctx context.Context) (LoadReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	report, err := w.ledger.LoadAll(ctx)
	if err != nil {
		return report, err
	}
	if report.Skipped > 0 {
		w.recorder.MalformedRecords(report.Skipped)
	}

	set := make(map[string]struct{})
	for _, id := range w.ledger.EarningDeliveryIDs() {
		set[id] = struct{}{}
	}
	if err := w.processed.Save(ctx, set); err != nil {
		return report, err
	}
	if err := w.recomputeLocked(ctx); err != nil {
		return report, err
	}
	w.sync.Forget()

	w.log.Info().
		Int("transactions", report.Loaded).
		Int("processed", len(set)).
		Msg("wallet reset from ledger")
	return report, nil
}

// OnDeliveriesChanged is called by the delivery board after every change
// to its list. See sync.go.
func (w *Wallet) OnDeliveriesChanged(ctx context.Context, deliveries []Delivery) error {
	return w.sync.OnDeliveriesChanged(ctx, deliveries)
}

// Sync reconciles deliveries against the ledger even when the completed
// set looks unchanged. The fallback reconciliation job uses it.
func (w *Wallet) Sync(ctx context.Context, deliveries []Delivery) error {
	return w.sync.Sync(ctx, deliveries)
}

// =============================================================================
// RECOMPUTE
// =============================================================================

// recomputeLocked derives the balance from the ledger, caches it and
// persists it. A failed write marks the stored balance stale so the next
// sync rewrites it even when no delivery changed. Caller holds mu.
func (w *Wallet) recomputeLocked(ctx context.Context) error {
	b := w.calc.Recompute(w.ledger.All())

	w.stateMu.Lock()
	w.balance = b
	w.balanceStale = true
	w.stateMu.Unlock()
	w.recorder.AvailableBalance(b.Available.InexactFloat64())

	data, err := encodeBalance(b)
	if err != nil {
		return writeError(w.keys.Balance, err)
	}
	if err := w.store.Set(ctx, w.keys.Balance, data); err != nil {
		w.log.Warn().Err(err).Str("key", w.keys.Balance).Msg("balance not persisted, will retry")
		return writeError(w.keys.Balance, err)
	}

	w.stateMu.Lock()
	w.balanceStale = false
	w.stateMu.Unlock()
	return nil
}

func (w *Wallet) isBalanceStale() bool {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.balanceStale
}

// refreshEarnings derives the summary from the delivery list and persists
// it when it changed.
func (w *Wallet) refreshEarnings(ctx context.Context, deliveries []Delivery) error {
	e := w.calc.RecomputeEarnings(deliveries, w.now())
	if e.Equal(w.Earnings()) {
		return nil
	}
	data, err := encodeEarnings(e)
	if err != nil {
		return writeError(w.keys.Earnings, err)
	}
	if err := w.store.Set(ctx, w.keys.Earnings, data); err != nil {
		return writeError(w.keys.Earnings, err)
	}
	w.stateMu.Lock()
	w.earnings = e
	w.stateMu.Unlock()
	return nil
}

// IsRejected reports whether err is a withdrawal rejection.
func IsRejected(err error) bool {
	var werr *WithdrawalError
	return errors.As(err, &werr)
}
