package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rotamed/courier-wallet/wallet"
)

const keyDestinations = "payout:destinations"

// Withdrawer is the wallet operation the book pays out through.
type Withdrawer interface {
	Withdraw(ctx context.Context, amount decimal.Decimal, destination string) (bool, error)
}

// Book holds the saved destinations.
type Book struct {
	store    wallet.Store
	key      string
	log      zerolog.Logger
	validate *validator.Validate
	now      func() time.Time

	mu    sync.RWMutex
	dests []Destination
}

type Option func(*Book)

func WithLogger(log zerolog.Logger) Option { return func(b *Book) { b.log = log } }

func WithClock(now func() time.Time) Option { return func(b *Book) { b.now = now } }

func WithNamespace(namespace string) Option {
	return func(b *Book) {
		if namespace != "" {
			b.key = namespace + ":" + keyDestinations
		}
	}
}

func NewBook(store wallet.Store, opts ...Option) *Book {
	b := &Book{
		store:    store,
		key:      keyDestinations,
		log:      zerolog.Nop(),
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Book) Load(ctx context.Context) error {
	data, err := b.store.Get(ctx, b.key)
	if err != nil {
		return pkgerrors.Wrapf(err, "load %s", b.key)
	}
	var dests []Destination
	if len(data) > 0 {
		if err := json.Unmarshal(data, &dests); err != nil {
			return pkgerrors.Wrapf(err, "decode %s", b.key)
		}
	}
	b.mu.Lock()
	b.dests = dests
	b.mu.Unlock()
	return nil
}

func (b *Book) persist(ctx context.Context, dests []Destination) error {
	if dests == nil {
		dests = []Destination{}
	}
	data, err := json.Marshal(dests)
	if err != nil {
		return pkgerrors.Wrap(err, "encode destinations")
	}
	return pkgerrors.Wrapf(b.store.Set(ctx, b.key, data), "save %s", b.key)
}

// =============================================================================
// READS
// =============================================================================

// List returns destinations, default first, then oldest first.
func (b *Book) List() []Destination {
	b.mu.RLock()
	out := make([]Destination, len(b.dests))
	copy(out, b.dests)
	b.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Default != out[j].Default {
			return out[i].Default
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Book) Get(id string) (Destination, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range b.dests {
		if d.ID == id {
			return d, true
		}
	}
	return Destination{}, false
}

func (b *Book) Default() (Destination, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range b.dests {
		if d.Default {
			return d, true
		}
	}
	return Destination{}, false
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Add validates and saves a destination. The first one becomes default.
func (b *Book) Add(ctx context.Context, in NewDestination) (Destination, error) {
	if in.Kind == KindPix {
		in.PixKey = normalizePixKey(in.PixKeyType, in.PixKey)
	}
	if in.Kind == KindBank && in.AccountType == "" {
		in.AccountType = AccountChecking
	}
	if err := b.validate.Struct(in); err != nil {
		return Destination{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if in.Kind == KindPix {
		if err := b.validate.Var(in.PixKey, pixKeyRules[in.PixKeyType]); err != nil {
			return Destination{}, fmt.Errorf("%w: pix key is not a valid %s", ErrInvalidDestination, in.PixKeyType)
		}
	}

	d := Destination{
		ID:          uuid.NewString(),
		Kind:        in.Kind,
		Label:       in.Label,
		PixKeyType:  in.PixKeyType,
		PixKey:      in.PixKey,
		BankCode:    in.BankCode,
		Agency:      in.Agency,
		Account:     in.Account,
		AccountType: in.AccountType,
		HolderName:  in.HolderName,
		CreatedAt:   b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.dests {
		if existing.Kind == KindPix && d.Kind == KindPix && existing.PixKey == d.PixKey {
			return Destination{}, fmt.Errorf("%w: pix key already saved", ErrInvalidDestination)
		}
	}
	d.Default = len(b.dests) == 0

	next := append(append([]Destination(nil), b.dests...), d)
	if err := b.persist(ctx, next); err != nil {
		return Destination{}, err
	}
	b.dests = next
	b.log.Info().Str("destination_id", d.ID).Str("kind", string(d.Kind)).Msg("payout destination added")
	return d, nil
}

// Remove deletes a destination. Removing the default promotes the oldest
// remaining one.
func (b *Book) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexLocked(id)
	if idx < 0 {
		return pkgerrors.Wrapf(ErrDestinationNotFound, "destination %s", id)
	}
	wasDefault := b.dests[idx].Default

	next := make([]Destination, 0, len(b.dests)-1)
	next = append(next, b.dests[:idx]...)
	next = append(next, b.dests[idx+1:]...)
	if wasDefault && len(next) > 0 {
		oldest := 0
		for i := range next {
			if next[i].CreatedAt.Before(next[oldest].CreatedAt) {
				oldest = i
			}
		}
		next[oldest].Default = true
	}

	if err := b.persist(ctx, next); err != nil {
		return err
	}
	b.dests = next
	return nil
}

// SetDefault makes id the only default destination.
func (b *Book) SetDefault(ctx context.Context, id string) (Destination, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexLocked(id)
	if idx < 0 {
		return Destination{}, pkgerrors.Wrapf(ErrDestinationNotFound, "destination %s", id)
	}
	next := append([]Destination(nil), b.dests...)
	for i := range next {
		next[i].Default = i == idx
	}
	if err := b.persist(ctx, next); err != nil {
		return Destination{}, err
	}
	b.dests = next
	return next[idx], nil
}

func (b *Book) indexLocked(id string) int {
	for i, d := range b.dests {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// WITHDRAWAL
// =============================================================================

// Withdraw sends amount to destination id, or to the default when id is
// empty. The result and error are the wallet's.
func (b *Book) Withdraw(ctx context.Context, w Withdrawer, amount decimal.Decimal, id string) (bool, Destination, error) {
	var (
		d  Destination
		ok bool
	)
	if id == "" {
		d, ok = b.Default()
		if !ok {
			return false, Destination{}, ErrNoDestination
		}
	} else if d, ok = b.Get(id); !ok {
		return false, Destination{}, pkgerrors.Wrapf(ErrDestinationNotFound, "destination %s", id)
	}

	accepted, err := w.Withdraw(ctx, amount, d.MaskedLabel())
	return accepted, d, err
}
