/*
sync.go - Delivery-to-ledger synchronizer

PURPOSE:
  Turns every completed delivery into exactly one delivery-earning, with
  no manual trigger. The delivery board calls OnDeliveriesChanged after
  each mutation; the reconciliation worker calls Sync periodically.

ALGORITHM (one run):
  1. Collect the ids of deliveries in status completed.
  2. Fingerprint them (sorted id list). Same as the last successful run
     and the stored balance is current: stop. This is only an optimisation; step 3 is what makes it correct.
  3. Load the persisted processed set fresh from the store. For each
     completed id not in it:
       - ledger already has its earning (crash after append, before the
         set was saved): add the id to the set, append nothing
       - otherwise append the earning, then add the id
  4. If the set changed, save it, then recompute and persist the
     balance. A repaired id also recomputes, and so does a run after any
     failed balance write, since the stored balance may lag the ledger.
  5. Record the fingerprint. Failed runs do not, so the next trigger
     retries from scratch.

ORDERING:
  Ledger append -> processed set -> balance. A crash can leave the ledger
  ahead of the set (repaired in step 3) but never the set ahead of the
  ledger, which would lose an earning.

SERIALIZATION:
  One run at a time. A trigger that arrives while a run is in progress
  stores its list as pending and returns; the running caller picks up the
  latest pending list when it finishes. Intermediate lists are dropped,
  which is fine because each run looks at the whole list.
*/
package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Synchronizer reconciles the delivery list against the ledger.
type Synchronizer struct {
	w *Wallet

	mu              sync.Mutex
	running         bool
	pending         []Delivery
	hasPending      bool
	forcePending    bool
	lastFingerprint string
	hasFingerprint  bool
}

func newSynchronizer(w *Wallet) *Synchronizer {
	return &Synchronizer{w: w}
}

// OnDeliveriesChanged runs a synchronization for the new list, or defers
// it to the run already in progress.
func (s *Synchronizer) OnDeliveriesChanged(ctx context.Context, deliveries []Delivery) error {
	return s.trigger(ctx, deliveries, false)
}

// Sync runs a synchronization that ignores the fingerprint short-circuit.
func (s *Synchronizer) Sync(ctx context.Context, deliveries []Delivery) error {
	return s.trigger(ctx, deliveries, true)
}

// Forget drops the recorded fingerprint so the next trigger does a full run.
func (s *Synchronizer) Forget() {
	s.mu.Lock()
	s.lastFingerprint = ""
	s.hasFingerprint = false
	s.mu.Unlock()
}

func (s *Synchronizer) trigger(ctx context.Context, deliveries []Delivery, force bool) error {
	s.mu.Lock()
	s.pending = deliveries
	s.hasPending = true
	s.forcePending = s.forcePending || force
	if s.running {
		s.mu.Unlock()
		s.w.log.Debug().Int("deliveries", len(deliveries)).Msg("sync in progress, trigger deferred")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			panic(r)
		}
	}()

	var err error
	for {
		s.mu.Lock()
		if !s.hasPending {
			s.running = false
			s.mu.Unlock()
			return err
		}
		list, forced := s.pending, s.forcePending
		s.pending, s.hasPending, s.forcePending = nil, false, false
		s.mu.Unlock()

		err = s.run(ctx, list, forced)
	}
}

func (s *Synchronizer) run(ctx context.Context, deliveries []Delivery, force bool) error {
	completed := completedDeliveries(deliveries)
	ids := make([]string, len(completed))
	for i, d := range completed {
		ids[i] = d.ID
	}
	fp := fingerprint(ids)

	// Route counters move on every status change, not only on completion.
	earningsErr := s.w.refreshEarnings(ctx, deliveries)
	if earningsErr != nil {
		s.w.log.Error().Err(earningsErr).Msg("failed to refresh earnings summary")
	}

	s.mu.Lock()
	unchanged := s.hasFingerprint && s.lastFingerprint == fp
	s.mu.Unlock()
	if unchanged && !force && !s.w.isBalanceStale() {
		s.w.recorder.SyncRun("skipped")
		return earningsErr
	}

	appended, err := s.w.applyCompleted(ctx, completed)
	if err != nil {
		s.w.recorder.SyncRun("failed")
		s.w.log.Error().Err(err).Int("appended", appended).Msg("delivery sync failed, will retry on next change")
		return err
	}

	s.mu.Lock()
	s.lastFingerprint = fp
	s.hasFingerprint = true
	s.mu.Unlock()

	s.w.recorder.SyncRun("ok")
	if appended > 0 {
		s.w.log.Info().Int("appended", appended).Int("completed", len(completed)).Msg("delivery earnings synchronized")
	}
	return earningsErr
}

// completedDeliveries returns the completed deliveries sorted by id, one
// per id. Duplicate entries for the same id keep the first.
func completedDeliveries(deliveries []Delivery) []Delivery {
	seen := make(map[string]struct{}, len(deliveries))
	var out []Delivery
	for _, d := range deliveries {
		if d.Status != DeliveryCompleted || d.ID == "" {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// applyCompleted performs steps 3 and 4 under the wallet write lock.
func (w *Wallet) applyCompleted(ctx context.Context, completed []Delivery) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	set, err := w.processed.Load(ctx)
	if err != nil {
		if IsStorageError(err) {
			return 0, err
		}
		// Unreadable set: the ledger check below still prevents duplicates.
		w.log.Warn().Err(err).Msg("processed delivery set unreadable, rebuilding from ledger")
		w.recorder.MalformedRecords(1)
	}

	var (
		appended  int
		changed   bool
		appendErr error
	)
	for _, d := range completed {
		if _, ok := set[d.ID]; ok {
			continue
		}
		if w.ledger.HasDeliveryEarning(d.ID) {
			set[d.ID] = struct{}{}
			changed = true
			w.log.Warn().Str("delivery_id", d.ID).Msg("earning already in ledger, repairing processed set")
			continue
		}

		date := w.now()
		if d.DeliveredAt != nil {
			date = *d.DeliveredAt
		}
		_, appendErr = w.ledger.Append(ctx, Transaction{
			Type:        TxDeliveryEarning,
			Amount:      d.DeliveryFee,
			Description: fmt.Sprintf("Delivery %s", shortID(d.ID)),
			Date:        date,
			Status:      StatusCompleted,
			DeliveryID:  d.ID,
		})
		if appendErr != nil {
			break
		}
		set[d.ID] = struct{}{}
		changed = true
		appended++
	}
	w.recorder.EarningsAppended(appended)

	// Whatever was appended before a failure is still saved below, keeping
	// the set as close to the ledger as the store allows.
	if changed {
		if err := w.processed.Save(ctx, set); err != nil {
			return appended, err
		}
	}
	if changed || w.isBalanceStale() {
		if err := w.recomputeLocked(ctx); err != nil {
			return appended, err
		}
	}
	return appended, appendErr
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
