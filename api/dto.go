/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the wallet, delivery and payout models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Amounts cross the wire as JSON numbers. They are converted to decimals
  at the edge and never summed as floats.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotamed/courier-wallet/delivery"
	"github.com/rotamed/courier-wallet/payout"
	"github.com/rotamed/courier-wallet/wallet"
	"github.com/rotamed/courier-wallet/worker"
)

// =============================================================================
// WALLET
// =============================================================================

// BalanceDTO represents the wallet balance.
type BalanceDTO struct {
	Available     float64 `json:"available"`
	Pending       float64 `json:"pending"`
	Total         float64 `json:"total"`
	MinWithdrawal float64 `json:"min_withdrawal"`
}

// EarningsDTO represents the earnings summary.
type EarningsDTO struct {
	Today           float64 `json:"today"`
	Week            float64 `json:"week"`
	Month           float64 `json:"month"`
	DeliveriesToday int     `json:"deliveries_today"`
	RoutesAccepted  int     `json:"routes_accepted"`
	RoutesCompleted int     `json:"routes_completed"`
}

// TransactionDTO represents one ledger entry.
type TransactionDTO struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	Status      string  `json:"status"`
	DeliveryID  string  `json:"delivery_id,omitempty"`
}

// AddTransactionRequest injects a manual entry such as a bonus.
// Withdrawals go through /withdrawals and earnings come from deliveries,
// so neither can be added here.
type AddTransactionRequest struct {
	Type        string  `json:"type" validate:"required,oneof=bonus refund adjustment"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description" validate:"max=200"`
	Status      string  `json:"status"`
}

// WithdrawRequest asks for a transfer to a saved destination. An empty
// destination id uses the default.
type WithdrawRequest struct {
	Amount        float64 `json:"amount"`
	DestinationID string  `json:"destination_id"`
}

// WithdrawResponse is returned for an accepted withdrawal.
type WithdrawResponse struct {
	Accepted    bool           `json:"accepted"`
	Destination DestinationDTO `json:"destination"`
	Balance     BalanceDTO     `json:"balance"`
}

// ResetResponse reports what a repair pass found.
type ResetResponse struct {
	Loaded  int        `json:"loaded"`
	Skipped int        `json:"skipped"`
	Balance BalanceDTO `json:"balance"`
}

// SyncResponse reports the wallet after an on-demand sync.
type SyncResponse struct {
	Balance  BalanceDTO     `json:"balance"`
	Earnings EarningsDTO    `json:"earnings"`
	Worker   *worker.Status `json:"worker,omitempty"`
}

// =============================================================================
// DELIVERIES
// =============================================================================

// DeliveryDTO represents an order on the board.
type DeliveryDTO struct {
	ID          string   `json:"id"`
	Pharmacy    string   `json:"pharmacy"`
	Customer    string   `json:"customer"`
	Address     string   `json:"address"`
	Items       []string `json:"items,omitempty"`
	Status      string   `json:"status"`
	DeliveryFee float64  `json:"delivery_fee"`
	DistanceKm  float64  `json:"distance_km"`
	CreatedAt   string   `json:"created_at"`
	AcceptedAt  *string  `json:"accepted_at,omitempty"`
	CollectedAt *string  `json:"collected_at,omitempty"`
	DeliveredAt *string  `json:"delivered_at,omitempty"`
	CancelledAt *string  `json:"cancelled_at,omitempty"`
}

// PublishDeliveryRequest is a new order from a pharmacy.
type PublishDeliveryRequest struct {
	Pharmacy    string   `json:"pharmacy"`
	Customer    string   `json:"customer"`
	Address     string   `json:"address"`
	Items       []string `json:"items"`
	DeliveryFee float64  `json:"delivery_fee"`
	DistanceKm  float64  `json:"distance_km"`
}

// =============================================================================
// PAYOUT
// =============================================================================

// DestinationDTO represents a saved payout destination. Keys and account
// numbers are masked.
type DestinationDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Label       string `json:"label"`
	PixKeyType  string `json:"pix_key_type,omitempty"`
	BankCode    string `json:"bank_code,omitempty"`
	Agency      string `json:"agency,omitempty"`
	AccountType string `json:"account_type,omitempty"`
	HolderName  string `json:"holder_name,omitempty"`
	Default     bool   `json:"default"`
	CreatedAt   string `json:"created_at"`
}

// AddDestinationRequest saves a PIX key or bank account.
type AddDestinationRequest struct {
	Kind        string `json:"kind"`
	Label       string `json:"label"`
	PixKeyType  string `json:"pix_key_type"`
	PixKey      string `json:"pix_key"`
	BankCode    string `json:"bank_code"`
	Agency      string `json:"agency"`
	Account     string `json:"account"`
	AccountType string `json:"account_type"`
	HolderName  string `json:"holder_name"`
}

// ErrorResponse represents an error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toBalanceDTO(b wallet.Balance, min decimal.Decimal) BalanceDTO {
	return BalanceDTO{
		Available:     b.Available.InexactFloat64(),
		Pending:       b.Pending.InexactFloat64(),
		Total:         b.Total.InexactFloat64(),
		MinWithdrawal: min.InexactFloat64(),
	}
}

func toEarningsDTO(e wallet.EarningsSummary) EarningsDTO {
	return EarningsDTO{
		Today:           e.Today.InexactFloat64(),
		Week:            e.Week.InexactFloat64(),
		Month:           e.Month.InexactFloat64(),
		DeliveriesToday: e.DeliveriesToday,
		RoutesAccepted:  e.RoutesAccepted,
		RoutesCompleted: e.RoutesCompleted,
	}
}

func toTransactionDTO(tx wallet.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Type:        string(tx.Type),
		Amount:      tx.Amount.InexactFloat64(),
		Description: tx.Description,
		Date:        formatTime(tx.Date),
		Status:      string(tx.Status),
		DeliveryID:  tx.DeliveryID,
	}
}

func toTransactionDTOs(txs []wallet.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	return out
}

func toDeliveryDTO(o delivery.Order) DeliveryDTO {
	return DeliveryDTO{
		ID:          o.ID,
		Pharmacy:    o.Pharmacy,
		Customer:    o.Customer,
		Address:     o.Address,
		Items:       o.Items,
		Status:      string(o.Status),
		DeliveryFee: o.DeliveryFee.InexactFloat64(),
		DistanceKm:  o.DistanceKm,
		CreatedAt:   formatTime(o.CreatedAt),
		AcceptedAt:  formatTimePtr(o.AcceptedAt),
		CollectedAt: formatTimePtr(o.CollectedAt),
		DeliveredAt: formatTimePtr(o.DeliveredAt),
		CancelledAt: formatTimePtr(o.CancelledAt),
	}
}

func toDeliveryDTOs(orders []delivery.Order) []DeliveryDTO {
	out := make([]DeliveryDTO, len(orders))
	for i, o := range orders {
		out[i] = toDeliveryDTO(o)
	}
	return out
}

func toDestinationDTO(d payout.Destination) DestinationDTO {
	return DestinationDTO{
		ID:          d.ID,
		Kind:        string(d.Kind),
		Label:       d.MaskedLabel(),
		PixKeyType:  string(d.PixKeyType),
		BankCode:    d.BankCode,
		Agency:      d.Agency,
		AccountType: string(d.AccountType),
		HolderName:  d.HolderName,
		Default:     d.Default,
		CreatedAt:   formatTime(d.CreatedAt),
	}
}
