/*
handlers.go - HTTP API handlers for the courier app

PURPOSE:
  Exposes the wallet, the delivery board and the payout book via REST.
  Handles HTTP request/response and JSON serialization and delegates to
  the domain packages.

ENDPOINTS:
  Wallet:
    GET    /api/wallet/balance              Current balance
    GET    /api/wallet/earnings             Earnings summary
    GET    /api/wallet/transactions         Ledger (?type= filter)
    GET    /api/wallet/transactions/{id}    One transaction
    POST   /api/wallet/transactions         Manual entry (bonus, refund...)
    POST   /api/wallet/withdrawals          Withdraw to a destination
    POST   /api/wallet/reset                Repair from the ledger
    POST   /api/wallet/sync                 Reconcile the board now

  Deliveries:
    GET    /api/deliveries                  Board (?status= filter)
    GET    /api/deliveries/available        Orders a courier can take
    GET    /api/deliveries/{id}             One order
    POST   /api/deliveries                  Publish an order
    POST   /api/deliveries/{id}/{action}    accept|collect|start|complete|cancel

  Payout:
    GET    /api/payout/destinations         Saved destinations
    POST   /api/payout/destinations         Add one
    DELETE /api/payout/destinations/{id}    Remove one
    POST   /api/payout/destinations/{id}/default

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (status transition, duplicate earning)
  - 422: Withdrawal rejected (below minimum, insufficient funds)
  - 500: Storage and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rotamed/courier-wallet/delivery"
	"github.com/rotamed/courier-wallet/payout"
	"github.com/rotamed/courier-wallet/wallet"
	"github.com/rotamed/courier-wallet/worker"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Wallet     *wallet.Wallet
	Board      *delivery.Board
	Payouts    *payout.Book
	Reconciler *worker.Reconciler
	Log        zerolog.Logger

	// Ping reports storage health for /healthz. Optional.
	Ping func(ctx context.Context) error

	validate *validator.Validate
}

// NewHandler creates a handler over the given components.
func NewHandler(w *wallet.Wallet, board *delivery.Board, payouts *payout.Book, log zerolog.Logger) *Handler {
	return &Handler{
		Wallet:   w,
		Board:    board,
		Payouts:  payouts,
		Log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetBalance returns the current balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toBalanceDTO(h.Wallet.Balance(), h.Wallet.MinWithdrawal()))
}

// GetEarnings returns the earnings summary.
func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toEarningsDTO(h.Wallet.Earnings()))
}

// ListTransactions returns the ledger, newest first.
// GET /api/wallet/transactions?type=bonus
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	t := wallet.TransactionType(r.URL.Query().Get("type"))
	if t != "" && t != wallet.TxAll && !t.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown transaction type", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(h.Wallet.FilteredTransactions(t)))
}

// GetTransaction returns one transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.Wallet.TransactionByID(wallet.TransactionID(chi.URLParam(r, "id")))
	if !ok {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// AddTransaction records a manual entry.
// POST /api/wallet/transactions
func (h *Handler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	var req AddTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.Wallet.AddTransaction(r.Context(), wallet.Transaction{
		Type:        wallet.TransactionType(req.Type),
		Amount:      decimal.NewFromFloat(req.Amount),
		Description: req.Description,
		Status:      wallet.TransactionStatus(req.Status),
	})
	if err != nil && tx.ID == "" {
		h.writeDomainError(w, "Failed to add transaction", err)
		return
	}
	if err != nil {
		// Stored, but the balance write failed. The next recompute fixes it.
		h.Log.Error().Err(err).Str("id", string(tx.ID)).Msg("balance not persisted after add")
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// Withdraw sends money to a saved destination.
// POST /api/wallet/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount := decimal.NewFromFloat(req.Amount)

	accepted, dest, err := h.Payouts.Withdraw(r.Context(), h.Wallet, amount, req.DestinationID)
	if err != nil && !accepted {
		h.writeDomainError(w, "Withdrawal failed", err)
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("balance not persisted after withdrawal")
	}
	if !accepted {
		reason := h.Wallet.ValidateWithdrawal(amount)
		if reason == nil {
			reason = wallet.ErrInvalidWithdrawalAmount
		}
		writeError(w, http.StatusUnprocessableEntity, "Withdrawal rejected", reason)
		return
	}

	writeJSON(w, http.StatusCreated, WithdrawResponse{
		Accepted:    true,
		Destination: toDestinationDTO(dest),
		Balance:     toBalanceDTO(h.Wallet.Balance(), h.Wallet.MinWithdrawal()),
	})
}

// ResetWallet recomputes everything derived from the ledger.
// POST /api/wallet/reset
func (h *Handler) ResetWallet(w http.ResponseWriter, r *http.Request) {
	report, err := h.Wallet.Reset(r.Context())
	if err != nil {
		h.writeDomainError(w, "Reset failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{
		Loaded:  report.Loaded,
		Skipped: report.Skipped,
		Balance: toBalanceDTO(h.Wallet.Balance(), h.Wallet.MinWithdrawal()),
	})
}

// SyncWallet reconciles the current board into the wallet.
// POST /api/wallet/sync
func (h *Handler) SyncWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.Wallet.Sync(r.Context(), h.Board.Snapshot()); err != nil {
		h.writeDomainError(w, "Sync failed", err)
		return
	}
	resp := SyncResponse{
		Balance:  toBalanceDTO(h.Wallet.Balance(), h.Wallet.MinWithdrawal()),
		Earnings: toEarningsDTO(h.Wallet.Earnings()),
	}
	if h.Reconciler != nil {
		st := h.Reconciler.Status()
		resp.Worker = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DELIVERY HANDLERS
// =============================================================================

// ListDeliveries returns the board.
// GET /api/deliveries?status=completed
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if s := r.URL.Query().Get("status"); s != "" {
		writeJSON(w, http.StatusOK, toDeliveryDTOs(h.Board.ByStatus(wallet.DeliveryStatus(s))))
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTOs(h.Board.List()))
}

// ListAvailableDeliveries returns orders waiting for a courier.
func (h *Handler) ListAvailableDeliveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDeliveryDTOs(h.Board.Available()))
}

// GetDelivery returns one order.
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	o, ok := h.Board.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Delivery not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(o))
}

// PublishDelivery adds an order to the board.
// POST /api/deliveries
func (h *Handler) PublishDelivery(w http.ResponseWriter, r *http.Request) {
	var req PublishDeliveryRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.Board.Publish(r.Context(), delivery.NewOrder{
		Pharmacy:    req.Pharmacy,
		Customer:    req.Customer,
		Address:     req.Address,
		Items:       req.Items,
		DeliveryFee: decimal.NewFromFloat(req.DeliveryFee),
		DistanceKm:  req.DistanceKm,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to publish delivery", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeliveryDTO(o))
}

// TransitionDelivery moves an order along its lifecycle.
// POST /api/deliveries/{id}/{action}
func (h *Handler) TransitionDelivery(w http.ResponseWriter, r *http.Request) {
	actions := map[string]func(context.Context, string) (delivery.Order, error){
		"accept":   h.Board.Accept,
		"collect":  h.Board.Collect,
		"start":    h.Board.StartRoute,
		"complete": h.Board.Complete,
		"cancel":   h.Board.Cancel,
	}
	action, ok := actions[chi.URLParam(r, "action")]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown action", nil)
		return
	}

	o, err := action(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Status change failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(o))
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// ListDestinations returns saved destinations, default first.
func (h *Handler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	dests := h.Payouts.List()
	out := make([]DestinationDTO, len(dests))
	for i, d := range dests {
		out[i] = toDestinationDTO(d)
	}
	writeJSON(w, http.StatusOK, out)
}

// AddDestination saves a PIX key or bank account.
// POST /api/payout/destinations
func (h *Handler) AddDestination(w http.ResponseWriter, r *http.Request) {
	var req AddDestinationRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Payouts.Add(r.Context(), payout.NewDestination{
		Kind:        payout.Kind(req.Kind),
		Label:       req.Label,
		PixKeyType:  payout.PixKeyType(req.PixKeyType),
		PixKey:      req.PixKey,
		BankCode:    req.BankCode,
		Agency:      req.Agency,
		Account:     req.Account,
		AccountType: payout.AccountType(req.AccountType),
		HolderName:  req.HolderName,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to add destination", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDestinationDTO(d))
}

// RemoveDestination deletes a destination.
func (h *Handler) RemoveDestination(w http.ResponseWriter, r *http.Request) {
	if err := h.Payouts.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, "Failed to remove destination", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetDefaultDestination marks a destination as the default.
func (h *Handler) SetDefaultDestination(w http.ResponseWriter, r *http.Request) {
	d, err := h.Payouts.SetDefault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to set default destination", err)
		return
	}
	writeJSON(w, http.StatusOK, toDestinationDTO(d))
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether storage is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps domain errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, delivery.ErrOrderNotFound),
		errors.Is(err, payout.ErrDestinationNotFound),
		errors.Is(err, wallet.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, delivery.ErrInvalidTransition),
		errors.Is(err, wallet.ErrDuplicateDeliveryEarning):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, wallet.ErrInvalidWithdrawalAmount):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, delivery.ErrInvalidOrder),
		errors.Is(err, payout.ErrInvalidDestination),
		errors.Is(err, payout.ErrNoDestination),
		errors.Is(err, wallet.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.Log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
