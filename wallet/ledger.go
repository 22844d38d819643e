/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the single source of truth for the balance. Every earning,
  withdrawal, bonus, refund and adjustment is recorded here and the
  balance is always recomputed by replaying it.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never edited or removed.
  2. WRITE-THEN-COMMIT: The full updated list is persisted before the
     in-memory cache changes. A failed write leaves memory untouched, and
     a crash between write and commit leaves disk as the authority.
  3. ONE EARNING PER DELIVERY: A second delivery-earning for the same
     DeliveryID is refused with ErrDuplicateDeliveryEarning.

ORDERING:
  Most-recent-first, the order the wallet screen shows. New entries go to
  the head. Backfilled earnings keep their delivery date but are still
  inserted at the head.

SEE ALSO:
  - codec.go: Record encoding and malformed-record skipping
  - sync.go: The only path that creates delivery earnings automatically
*/
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Ledger keeps the transaction list in memory and in the Store.
type Ledger struct {
	store Store
	key   string
	log   zerolog.Logger

	now   func() time.Time
	newID func() TransactionID

	mu  sync.RWMutex
	txs []Transaction
}

// LoadReport describes the outcome of LoadAll.
type LoadReport struct {
	Loaded  int
	Skipped int
	Errors  []error
}

func NewLedger(store Store, key string, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		key:   key,
		log:   log,
		now:   time.Now,
		newID: func() TransactionID { return TransactionID(uuid.NewString()) },
	}
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Append stores tx at the head of the ledger and returns it with its id,
// date and status filled in.
func (l *Ledger) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.ID == "" {
		tx.ID = l.newID()
	}
	if tx.Date.IsZero() {
		tx.Date = l.now()
	}
	if tx.Status == "" {
		tx.Status = StatusCompleted
	}
	if err := l.validateLocked(tx); err != nil {
		return Transaction{}, err
	}

	next := make([]Transaction, 0, len(l.txs)+1)
	next = append(next, tx)
	next = append(next, l.txs...)

	if err := l.persist(ctx, next); err != nil {
		return Transaction{}, err
	}
	l.txs = next
	return tx, nil
}

func (l *Ledger) validateLocked(tx Transaction) error {
	if !tx.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, tx.Type)
	}
	if !tx.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, tx.Status)
	}
	for _, existing := range l.txs {
		if existing.ID == tx.ID {
			return fmt.Errorf("%w: id %s already used", ErrInvalidTransaction, tx.ID)
		}
		if tx.Type == TxDeliveryEarning && tx.DeliveryID != "" &&
			existing.Type == TxDeliveryEarning && existing.DeliveryID == tx.DeliveryID {
			return fmt.Errorf("%w: delivery %s", ErrDuplicateDeliveryEarning, tx.DeliveryID)
		}
	}
	return nil
}

func (l *Ledger) persist(ctx context.Context, txs []Transaction) error {
	data, err := encodeTransactions(txs)
	if err != nil {
		return writeError(l.key, err)
	}
	if err := l.store.Set(ctx, l.key, data); err != nil {
		return writeError(l.key, err)
	}
	return nil
}

// =============================================================================
// LOAD
// =============================================================================

// LoadAll replaces the cache with what is persisted. Records that fail to
// decode are skipped and reported, and their raw bytes are merged into
// "<key>:skipped" before anything else is written. If the stored value is
// not an array at all, it is copied whole to "<key>:corrupt". Either way
// the next append cannot silently destroy what could not be read.
func (l *Ledger) LoadAll(ctx context.Context) (LoadReport, error) {
	data, err := l.store.Get(ctx, l.key)
	if err != nil {
		return LoadReport{}, readError(l.key, err)
	}

	txs, skipped := decodeTransactions(l.key, data)
	report := LoadReport{Loaded: len(txs), Skipped: len(skipped), Errors: skipped}

	var raws [][]byte
	for _, e := range skipped {
		l.log.Warn().Err(e).Str("key", l.key).Msg("skipping malformed transaction record")
		re, ok := e.(*RecordError)
		if !ok {
			continue
		}
		if re.Index == -1 {
			backup := l.key + ":corrupt"
			if err := l.store.Set(ctx, backup, data); err != nil {
				return report, writeError(backup, err)
			}
			l.log.Error().Str("key", l.key).Str("backup", backup).Msg("transaction list unreadable, raw value preserved")
			continue
		}
		raws = append(raws, re.Raw)
	}
	if len(raws) > 0 {
		if err := l.preserveSkipped(ctx, raws); err != nil {
			return report, err
		}
	}

	l.mu.Lock()
	l.txs = txs
	l.mu.Unlock()
	return report, nil
}

func (l *Ledger) preserveSkipped(ctx context.Context, raws [][]byte) error {
	backup := l.key + ":skipped"
	added, err := PreserveRecords(ctx, l.store, backup, raws)
	if err != nil {
		return err
	}
	if added {
		l.log.Warn().Int("records", len(raws)).Str("backup", backup).Msg("malformed transaction records preserved")
	}
	return nil
}

// =============================================================================
// READ PATH
// =============================================================================

// All returns a copy of the ledger, most recent first.
func (l *Ledger) All() []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transaction, len(l.txs))
	copy(out, l.txs)
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.txs)
}

// FindByID returns the transaction and true, or false when absent.
func (l *Ledger) FindByID(id TransactionID) (Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, tx := range l.txs {
		if tx.ID == id {
			return tx, true
		}
	}
	return Transaction{}, false
}

// FilterByType returns the matching entries in ledger order. TxAll
// returns everything.
func (l *Ledger) FilterByType(t TransactionType) []Transaction {
	if t == TxAll || t == "" {
		return l.All()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []Transaction{}
	for _, tx := range l.txs {
		if tx.Type == t {
			out = append(out, tx)
		}
	}
	return out
}

// HasDeliveryEarning reports whether an earning for deliveryID exists.
func (l *Ledger) HasDeliveryEarning(deliveryID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, tx := range l.txs {
		if tx.Type == TxDeliveryEarning && tx.DeliveryID == deliveryID {
			return true
		}
	}
	return false
}

// EarningDeliveryIDs returns the delivery ids that already have an earning.
func (l *Ledger) EarningDeliveryIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []string
	for _, tx := range l.txs {
		if tx.Type == TxDeliveryEarning && tx.DeliveryID != "" {
			ids = append(ids, tx.DeliveryID)
		}
	}
	return ids
}
