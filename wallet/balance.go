/*
balance.go - Balance and earnings derivation

PURPOSE:
  Pure functions from a ledger snapshot (and, for route counters, the
  delivery list) to the numbers the wallet screen shows. Nothing here
  touches storage; persisting results is the caller's job.

BALANCE:
  credits   = completed delivery-earning + bonus + refund
  debits    = |completed withdrawal|
  adjusting = completed adjustment, signed
  Available = max(0, credits + adjusting - debits)

  Pending is reserved and always zero. Total mirrors Available.

EARNINGS WINDOWS:
  Today is the same calendar day as "now". Week and Month depend on the
  configured window:

  WindowAllTime (default): Week == Month == all-time total. This matches
    what couriers have always been shown, even though the labels suggest
    a date range.
  WindowRolling: Week covers the last 7 calendar days including today,
    Month covers the current calendar month.
*/
package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type EarningsWindow string

const (
	WindowAllTime EarningsWindow = "all-time"
	WindowRolling EarningsWindow = "rolling"
)

func (w EarningsWindow) Valid() bool {
	return w == WindowAllTime || w == WindowRolling
}

// Calculator derives Balance and EarningsSummary. The zero value uses
// WindowAllTime and the location of the "now" passed in.
type Calculator struct {
	Window   EarningsWindow
	Location *time.Location
}

// =============================================================================
// BALANCE
// =============================================================================

// Recompute derives the balance from txs. Deterministic, no side effects.
func (c Calculator) Recompute(txs []Transaction) Balance {
	credits := decimal.Zero
	debits := decimal.Zero
	adjusting := decimal.Zero

	for _, tx := range txs {
		if !tx.IsCompleted() {
			continue
		}
		switch tx.Type {
		case TxDeliveryEarning, TxBonus, TxRefund:
			credits = credits.Add(tx.Amount)
		case TxWithdrawal:
			debits = debits.Add(tx.Amount.Abs())
		case TxAdjustment:
			adjusting = adjusting.Add(tx.Amount)
		}
	}

	available := credits.Add(adjusting).Sub(debits)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return Balance{Available: available, Pending: decimal.Zero, Total: available}
}

// =============================================================================
// EARNINGS
// =============================================================================

// RecomputeEarnings summarises fees of completed deliveries relative to now.
func (c Calculator) RecomputeEarnings(deliveries []Delivery, now time.Time) EarningsSummary {
	loc := c.Location
	if loc == nil {
		loc = now.Location()
	}
	now = now.In(loc)
	today := startOfDay(now)
	weekStart := today.AddDate(0, 0, -6)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	summary := ZeroEarnings()
	total := decimal.Zero

	for _, d := range deliveries {
		switch d.Status {
		case DeliveryAccepted, DeliveryCollected, DeliveryEnRoute:
			summary.RoutesAccepted++
			continue
		case DeliveryCompleted:
			summary.RoutesAccepted++
			summary.RoutesCompleted++
		default:
			continue
		}

		total = total.Add(d.DeliveryFee)
		if d.DeliveredAt == nil {
			continue
		}
		at := d.DeliveredAt.In(loc)
		if sameDay(at, now) {
			summary.Today = summary.Today.Add(d.DeliveryFee)
			summary.DeliveriesToday++
		}
		if c.Window == WindowRolling {
			if !at.Before(weekStart) {
				summary.Week = summary.Week.Add(d.DeliveryFee)
			}
			if !at.Before(monthStart) {
				summary.Month = summary.Month.Add(d.DeliveryFee)
			}
		}
	}

	if c.Window != WindowRolling {
		summary.Week = total
		summary.Month = total
	}
	return summary
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
