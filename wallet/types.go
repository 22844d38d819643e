/*
Package wallet provides the courier wallet reconciliation engine.

PURPOSE:
  A courier earns a fee for every delivery they complete and can withdraw
  the accumulated funds to a payout destination. This package keeps the
  money side of that story consistent: an append-only ledger of
  transactions, a balance derived from it, and a synchronizer that turns
  completed deliveries into exactly one earning each.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry (earning, withdrawal, bonus...)
  - Balance: Funds derived from the ledger, never mutated directly
  - EarningsSummary: Per-window earnings and route counters
  - Delivery: Read-only view of an order owned by the delivery board

SIGN CONVENTION:
  Amounts are stored pre-signed. Earnings, bonuses and refunds are
  positive, withdrawals are negative. Anything that sums withdrawals uses
  the magnitude, so a withdrawal stored with the wrong sign still debits.

SEE ALSO:
  - ledger.go: Persistence of the transaction list
  - balance.go: Pure balance/earnings derivation
  - sync.go: Delivery-to-ledger synchronizer
  - wallet.go: Service object consumed by the API
*/
package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxDeliveryEarning TransactionType = "delivery-earning"
	TxWithdrawal      TransactionType = "withdrawal"
	TxBonus           TransactionType = "bonus"
	TxRefund          TransactionType = "refund"
	TxAdjustment      TransactionType = "adjustment"
)

// TxAll is the filter value that matches every transaction type.
const TxAll TransactionType = "all"

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeliveryEarning, TxWithdrawal, TxBonus, TxRefund, TxAdjustment:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a ledger entry.
//
// pending -> completed, pending -> cancelled. Both targets are terminal.
// Entries are currently created directly as completed; pending exists so
// a settlement step can be added without a data migration.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusCancelled TransactionStatus = "cancelled"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether a status change is allowed.
func (s TransactionStatus) CanTransitionTo(target TransactionStatus) bool {
	return s == StatusPending && (target == StatusCompleted || target == StatusCancelled)
}

type TransactionID string

type Transaction struct {
	ID          TransactionID
	Type        TransactionType
	Amount      decimal.Decimal
	Description string
	Date        time.Time
	Status      TransactionStatus

	// DeliveryID correlates an earning with the delivery that produced it.
	// Empty for anything that did not come from a delivery.
	DeliveryID string
}

// IsCompleted reports whether the entry counts toward the balance.
func (tx Transaction) IsCompleted() bool { return tx.Status == StatusCompleted }

// =============================================================================
// DERIVED STATE
// =============================================================================

// Balance is derived from the ledger on every mutation.
// Pending is reserved and always zero; Total mirrors Available.
type Balance struct {
	Available decimal.Decimal
	Pending   decimal.Decimal
	Total     decimal.Decimal
}

func ZeroBalance() Balance {
	return Balance{Available: decimal.Zero, Pending: decimal.Zero, Total: decimal.Zero}
}

func (b Balance) Equal(other Balance) bool {
	return b.Available.Equal(other.Available) &&
		b.Pending.Equal(other.Pending) &&
		b.Total.Equal(other.Total)
}

type EarningsSummary struct {
	Today           decimal.Decimal
	Week            decimal.Decimal
	Month           decimal.Decimal
	DeliveriesToday int
	RoutesAccepted  int
	RoutesCompleted int
}

func ZeroEarnings() EarningsSummary {
	return EarningsSummary{Today: decimal.Zero, Week: decimal.Zero, Month: decimal.Zero}
}

func (e EarningsSummary) Equal(other EarningsSummary) bool {
	return e.Today.Equal(other.Today) &&
		e.Week.Equal(other.Week) &&
		e.Month.Equal(other.Month) &&
		e.DeliveriesToday == other.DeliveriesToday &&
		e.RoutesAccepted == other.RoutesAccepted &&
		e.RoutesCompleted == other.RoutesCompleted
}

// =============================================================================
// DELIVERY - Read-only view supplied by the delivery board
// =============================================================================

type DeliveryStatus string

const (
	DeliveryAvailable DeliveryStatus = "available"
	DeliveryAccepted  DeliveryStatus = "accepted"
	DeliveryCollected DeliveryStatus = "collected"
	DeliveryEnRoute   DeliveryStatus = "en-route"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// Delivery is what the wallet needs to know about an order. The wallet
// never writes deliveries.
type Delivery struct {
	ID          string
	Status      DeliveryStatus
	DeliveryFee decimal.Decimal
	DeliveredAt *time.Time
}
