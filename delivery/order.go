/*
Package delivery is the courier's delivery board.

PURPOSE:
  Owns the list of medication orders and their status. The wallet never
  writes here; it receives a read-only snapshot after every change.

STATE MACHINE:
  available -> accepted | cancelled
  accepted  -> collected | cancelled
  collected -> en-route | completed
  en-route  -> completed

  completed and cancelled are terminal.

IDENTITY:
  Order ids are random UUIDs and are never reused, so a delivery id that
  the wallet has already paid can never come back as a different order.
*/
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotamed/courier-wallet/wallet"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidOrder      = errors.New("invalid order")
)

// ValidStatusTransitions lists the allowed targets for each status.
var ValidStatusTransitions = map[wallet.DeliveryStatus][]wallet.DeliveryStatus{
	wallet.DeliveryAvailable: {wallet.DeliveryAccepted, wallet.DeliveryCancelled},
	wallet.DeliveryAccepted:  {wallet.DeliveryCollected, wallet.DeliveryCancelled},
	wallet.DeliveryCollected: {wallet.DeliveryEnRoute, wallet.DeliveryCompleted},
	wallet.DeliveryEnRoute:   {wallet.DeliveryCompleted},
}

func CanTransitionTo(current, target wallet.DeliveryStatus) bool {
	for _, s := range ValidStatusTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change is not allowed.
type TransitionError struct {
	OrderID string
	From    wallet.DeliveryStatus
	To      wallet.DeliveryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Order is one delivery on the board.
type Order struct {
	ID          string                `json:"id"`
	Pharmacy    string                `json:"pharmacy"`
	Customer    string                `json:"customer"`
	Address     string                `json:"address"`
	Items       []string              `json:"items,omitempty"`
	Status      wallet.DeliveryStatus `json:"status"`
	DeliveryFee decimal.Decimal       `json:"deliveryFee"`
	DistanceKm  float64               `json:"distanceKm"`
	CreatedAt   time.Time             `json:"createdAt"`
	AcceptedAt  *time.Time            `json:"acceptedAt,omitempty"`
	CollectedAt *time.Time            `json:"collectedAt,omitempty"`
	DeliveredAt *time.Time            `json:"deliveredAt,omitempty"`
	CancelledAt *time.Time            `json:"cancelledAt,omitempty"`
}

// Delivery is the view the wallet synchronizer consumes.
func (o Order) Delivery() wallet.Delivery {
	d := wallet.Delivery{ID: o.ID, Status: o.Status, DeliveryFee: o.DeliveryFee}
	if o.DeliveredAt != nil {
		at := *o.DeliveredAt
		d.DeliveredAt = &at
	}
	return d
}

// NewOrder is what a pharmacy publishes.
type NewOrder struct {
	Pharmacy    string          `json:"pharmacy" validate:"required,max=120"`
	Customer    string          `json:"customer" validate:"required,max=120"`
	Address     string          `json:"address" validate:"required,max=300"`
	Items       []string        `json:"items" validate:"dive,required"`
	DeliveryFee decimal.Decimal `json:"deliveryFee"`
	DistanceKm  float64         `json:"distanceKm" validate:"gte=0,lte=200"`
}
