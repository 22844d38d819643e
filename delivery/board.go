package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rotamed/courier-wallet/wallet"
)

const keyOrders = "deliveries:orders"

// Listener is called with the full delivery list after every change.
type Listener func(ctx context.Context, deliveries []wallet.Delivery) error

// Recorder counts status changes.
type Recorder interface {
	DeliveryTransition(status string)
}

type nopRecorder struct{}

func (nopRecorder) DeliveryTransition(string) {}

// Board keeps the orders in memory and in the store. Writes follow the
// same persist-then-commit order as the wallet ledger.
type Board struct {
	store    wallet.Store
	key      string
	log      zerolog.Logger
	recorder Recorder
	validate *validator.Validate
	now      func() time.Time
	newID    func() string

	mu     sync.RWMutex
	orders []Order

	lmu       sync.RWMutex
	listeners []Listener
}

type Option func(*Board)

func WithLogger(log zerolog.Logger) Option { return func(b *Board) { b.log = log } }

func WithClock(now func() time.Time) Option { return func(b *Board) { b.now = now } }

func WithRecorder(r Recorder) Option {
	return func(b *Board) {
		if r != nil {
			b.recorder = r
		}
	}
}

func WithNamespace(namespace string) Option {
	return func(b *Board) {
		if namespace != "" {
			b.key = namespace + ":" + keyOrders
		}
	}
}

func NewBoard(store wallet.Store, opts ...Option) *Board {
	b := &Board{
		store:    store,
		key:      keyOrders,
		log:      zerolog.Nop(),
		recorder: nopRecorder{},
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers l for change notifications.
func (b *Board) Subscribe(l Listener) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.listeners = append(b.listeners, l)
}

// =============================================================================
// LOAD / PERSIST
// =============================================================================

// Load reads the stored orders. Records that cannot be decoded are logged,
// skipped and copied to "<key>:skipped"; an unreadable list is copied whole
// to "<key>:corrupt". The skipped count is returned.
func (b *Board) Load(ctx context.Context) (int, error) {
	data, err := b.store.Get(ctx, b.key)
	if err != nil {
		return 0, errors.Wrapf(err, "load %s", b.key)
	}

	var (
		orders  []Order
		bad     [][]byte
		skipped int
	)
	if len(data) > 0 {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			backup := b.key + ":corrupt"
			if err := b.store.Set(ctx, backup, data); err != nil {
				return 0, errors.Wrapf(err, "save %s", backup)
			}
			b.log.Error().Err(err).Str("key", b.key).Str("backup", backup).Msg("delivery board unreadable, raw value preserved")
			skipped = 1
		}
		for i, msg := range raw {
			var o Order
			if err := json.Unmarshal(msg, &o); err != nil || o.ID == "" {
				b.log.Warn().Err(err).Int("index", i).Msg("skipping malformed order")
				bad = append(bad, msg)
				skipped++
				continue
			}
			orders = append(orders, o)
		}
	}
	if len(bad) > 0 {
		if _, err := wallet.PreserveRecords(ctx, b.store, b.key+":skipped", bad); err != nil {
			return skipped, err
		}
	}

	b.mu.Lock()
	b.orders = orders
	b.mu.Unlock()
	return skipped, nil
}

func (b *Board) persist(ctx context.Context, orders []Order) error {
	if orders == nil {
		orders = []Order{}
	}
	data, err := json.Marshal(orders)
	if err != nil {
		return errors.Wrap(err, "encode orders")
	}
	if err := b.store.Set(ctx, b.key, data); err != nil {
		return errors.Wrapf(err, "save %s", b.key)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// List returns every order, newest first.
func (b *Board) List() []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Order, len(b.orders))
	copy(out, b.orders)
	return out
}

// ByStatus returns the orders in status s, newest first.
func (b *Board) ByStatus(s wallet.DeliveryStatus) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []Order{}
	for _, o := range b.orders {
		if o.Status == s {
			out = append(out, o)
		}
	}
	return out
}

// Available returns the orders a courier can accept.
func (b *Board) Available() []Order {
	return b.ByStatus(wallet.DeliveryAvailable)
}

func (b *Board) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.orders {
		if o.ID == id {
			return o, true
		}
	}
	return Order{}, false
}

// Snapshot returns the wallet's read-only view of the board.
func (b *Board) Snapshot() []wallet.Delivery {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]wallet.Delivery, len(b.orders))
	for i, o := range b.orders {
		out[i] = o.Delivery()
	}
	return out
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Publish adds a new available order.
func (b *Board) Publish(ctx context.Context, in NewOrder) (Order, error) {
	if err := b.validate.Struct(in); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if !in.DeliveryFee.IsPositive() {
		return Order{}, fmt.Errorf("%w: delivery fee must be positive", ErrInvalidOrder)
	}

	o := Order{
		ID:          b.newID(),
		Pharmacy:    in.Pharmacy,
		Customer:    in.Customer,
		Address:     in.Address,
		Items:       append([]string(nil), in.Items...),
		Status:      wallet.DeliveryAvailable,
		DeliveryFee: in.DeliveryFee,
		DistanceKm:  in.DistanceKm,
		CreatedAt:   b.now(),
	}

	b.mu.Lock()
	next := make([]Order, 0, len(b.orders)+1)
	next = append(next, o)
	next = append(next, b.orders...)
	if err := b.persist(ctx, next); err != nil {
		b.mu.Unlock()
		return Order{}, err
	}
	b.orders = next
	b.mu.Unlock()

	b.recorder.DeliveryTransition(string(o.Status))
	b.log.Info().Str("order_id", o.ID).Str("pharmacy", o.Pharmacy).Msg("order published")
	b.notify(ctx)
	return o, nil
}

func (b *Board) Accept(ctx context.Context, id string) (Order, error) {
	return b.transition(ctx, id, wallet.DeliveryAccepted)
}

func (b *Board) Collect(ctx context.Context, id string) (Order, error) {
	return b.transition(ctx, id, wallet.DeliveryCollected)
}

func (b *Board) StartRoute(ctx context.Context, id string) (Order, error) {
	return b.transition(ctx, id, wallet.DeliveryEnRoute)
}

func (b *Board) Complete(ctx context.Context, id string) (Order, error) {
	return b.transition(ctx, id, wallet.DeliveryCompleted)
}

func (b *Board) Cancel(ctx context.Context, id string) (Order, error) {
	return b.transition(ctx, id, wallet.DeliveryCancelled)
}

func (b *Board) transition(ctx context.Context, id string, target wallet.DeliveryStatus) (Order, error) {
	b.mu.Lock()
	idx := -1
	for i, o := range b.orders {
		if o.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return Order{}, errors.Wrapf(ErrOrderNotFound, "order %s", id)
	}

	o := b.orders[idx]
	if !CanTransitionTo(o.Status, target) {
		b.mu.Unlock()
		return Order{}, &TransitionError{OrderID: id, From: o.Status, To: target}
	}

	now := b.now()
	o.Status = target
	switch target {
	case wallet.DeliveryAccepted:
		o.AcceptedAt = &now
	case wallet.DeliveryCollected:
		o.CollectedAt = &now
	case wallet.DeliveryCompleted:
		o.DeliveredAt = &now
	case wallet.DeliveryCancelled:
		o.CancelledAt = &now
	}

	next := make([]Order, len(b.orders))
	copy(next, b.orders)
	next[idx] = o
	if err := b.persist(ctx, next); err != nil {
		b.mu.Unlock()
		return Order{}, err
	}
	b.orders = next
	b.mu.Unlock()

	b.recorder.DeliveryTransition(string(target))
	b.log.Info().Str("order_id", id).Str("status", string(target)).Msg("order status changed")
	b.notify(ctx)
	return o, nil
}

// notify hands the new list to every listener. Listener failures are
// logged; the status change itself already succeeded.
func (b *Board) notify(ctx context.Context) {
	b.lmu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.lmu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	snapshot := b.Snapshot()
	for _, l := range listeners {
		if err := l(ctx, snapshot); err != nil {
			b.log.Error().Err(err).Msg("delivery listener failed")
		}
	}
}
