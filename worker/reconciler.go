/*
Package worker runs the fallback reconciliation job.

PURPOSE:
  The delivery board notifies the wallet after every change, so this job
  normally finds nothing to do. It exists for the cases where that
  notification was lost: a listener error, a crash between the board write
  and the sync, or a board edited by another process sharing the store.

DESIGN:
  - gocron duration job, singleton mode: a slow run is never overlapped
  - Each run reads the board snapshot and calls the wallet's forced Sync,
    which bypasses the fingerprint short-circuit
  - Failures are logged and counted; the next tick retries
*/
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rotamed/courier-wallet/wallet"
)

// Source provides the current delivery list.
type Source interface {
	Snapshot() []wallet.Delivery
}

// Syncer reconciles a delivery list against the ledger.
type Syncer interface {
	Sync(ctx context.Context, deliveries []wallet.Delivery) error
}

// Recorder counts job runs.
type Recorder interface {
	ReconcileJob(result string)
}

type nopRecorder struct{}

func (nopRecorder) ReconcileJob(string) {}

// Status describes the most recent run.
type Status struct {
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Reconciler periodically re-syncs the board into the wallet.
type Reconciler struct {
	source   Source
	syncer   Syncer
	interval time.Duration
	log      zerolog.Logger
	recorder Recorder
	now      func() time.Time

	mu     sync.Mutex
	status Status
}

type Option func(*Reconciler)

func WithLogger(log zerolog.Logger) Option { return func(r *Reconciler) { r.log = log } }

func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func New(source Source, syncer Syncer, interval time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:   source,
		syncer:   syncer,
		interval: interval,
		log:      zerolog.Nop(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce performs a single reconciliation.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	deliveries := r.source.Snapshot()
	err := r.syncer.Sync(ctx, deliveries)

	r.mu.Lock()
	r.status.Runs++
	r.status.LastRunAt = r.now()
	r.status.LastError = ""
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		r.recorder.ReconcileJob("failed")
		r.log.Error().Err(err).Int("deliveries", len(deliveries)).Msg("fallback reconciliation failed")
		return err
	}
	r.recorder.ReconcileJob("ok")
	r.log.Debug().Int("deliveries", len(deliveries)).Msg("fallback reconciliation done")
	return nil
}

// Status returns a copy of the run counters.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run schedules RunOnce every interval until ctx is cancelled. The first
// run starts immediately.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.Errorf("reconcile interval must be positive, got %s", r.interval)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			_ = r.RunOnce(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName("wallet-reconcile"),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return errors.Wrap(err, "schedule reconciliation job")
	}

	r.log.Info().Dur("interval", r.interval).Msg("fallback reconciliation job started")
	scheduler.Start()

	<-ctx.Done()

	r.log.Info().Msg("fallback reconciliation job stopping")
	return errors.Wrap(scheduler.Shutdown(), "shutdown scheduler")
}
