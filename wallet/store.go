/*
store.go - Key-value persistence boundary

PURPOSE:
  Everything the wallet remembers across restarts lives in a key-value
  store: the transaction list, the balance, the earnings summary and the
  set of delivery ids already converted into earnings. The store only
  moves opaque bytes; encoding is the wallet's business (codec.go).

IMPLEMENTATIONS:
  - wallet/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: Single-table SQLite file on the device
  - store/redis/redis.go: Redis, for a shared dev/demo backend

CONTRACT:
  - Get returns (nil, nil) when the key is absent.
  - Set replaces the whole value. There is no partial update.
  - Implementations must be safe for concurrent use.
*/
package wallet

import "context"

// Store is the persistent key-value store the wallet writes through.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// PreserveRecords merges undecodable records into the JSON array stored
// at backupKey, skipping ones already there. It reports whether anything
// new was written.
func PreserveRecords(ctx context.Context, s Store, backupKey string, records [][]byte) (bool, error) {
	existing, err := s.Get(ctx, backupKey)
	if err != nil {
		return false, readError(backupKey, err)
	}
	merged, added, err := mergeRawRecords(existing, records)
	if err != nil {
		return false, writeError(backupKey, err)
	}
	if !added {
		return false, nil
	}
	if err := s.Set(ctx, backupKey, merged); err != nil {
		return false, writeError(backupKey, err)
	}
	return true, nil
}

// =============================================================================
// KEY LAYOUT
// =============================================================================

const (
	keyBalance      = "wallet:balance"
	keyTransactions = "wallet:transactions"
	keyEarnings     = "wallet:earnings"
	keyProcessed    = "wallet:processed_delivery_ids"
)

// Keys names the persisted values of one wallet. A namespace separates
// courier accounts sharing a store.
type Keys struct {
	Balance      string
	Transactions string
	Earnings     string
	Processed    string
}

// NewKeys returns the key layout, prefixed with namespace when non-empty.
func NewKeys(namespace string) Keys {
	prefix := ""
	if namespace != "" {
		prefix = namespace + ":"
	}
	return Keys{
		Balance:      prefix + keyBalance,
		Transactions: prefix + keyTransactions,
		Earnings:     prefix + keyEarnings,
		Processed:    prefix + keyProcessed,
	}
}
