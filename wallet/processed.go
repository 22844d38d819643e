package wallet

import (
	"context"
	"sort"
	"strings"
)

// ProcessedSet persists the delivery ids that were already converted into
// earnings. It holds no cache: every run reads the stored set so a stale
// in-memory copy can never let a delivery through twice.
type ProcessedSet struct {
	store Store
	key   string
}

func NewProcessedSet(store Store, key string) *ProcessedSet {
	return &ProcessedSet{store: store, key: key}
}

// Load returns the persisted set. A value that cannot be decoded yields an
// empty set together with a RecordError; callers fall back to the ledger.
func (p *ProcessedSet) Load(ctx context.Context) (map[string]struct{}, error) {
	data, err := p.store.Get(ctx, p.key)
	if err != nil {
		return nil, readError(p.key, err)
	}
	ids, err := decodeIDs(data)
	if err != nil {
		return map[string]struct{}{}, &RecordError{Key: p.key, Index: -1, Err: err}
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Save replaces the persisted set. Ids are written sorted.
func (p *ProcessedSet) Save(ctx context.Context, set map[string]struct{}) error {
	data, err := encodeIDs(sortedIDs(set))
	if err != nil {
		return writeError(p.key, err)
	}
	if err := p.store.Set(ctx, p.key, data); err != nil {
		return writeError(p.key, err)
	}
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fingerprint is an order-independent summary of a set of ids.
func fingerprint(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x1f")
}
