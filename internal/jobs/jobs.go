// Package jobs runs the periodic housekeeping sweeps SPEC_FULL.md's
// "(added) Housekeeping scheduler" section calls for: these are ambient
// operational concerns, not spec.md [MODULE]s, and carry no new
// invariants of their own — they are a periodic safety net for work the
// event-driven paths already do once (Supervisor startup reconciliation)
// or never (notification retention).
//
// Grounded on robfig/cron/v3, a teacher go.mod dependency unused in the
// retrieved source slice; wired here as the module's scheduling engine.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler is the subset of the Session Supervisor this package depends
// on — just enough to re-run startup reconciliation periodically, without
// importing the full internal/session package (avoiding a dependency
// cycle: internal/session does not need to know jobs exists).
type Reconciler interface {
	ReconcileOrphans(ctx context.Context) error
}

// Retainer is the subset of the notifications repository needed for the
// retention sweep.
type Retainer interface {
	DeleteDismissedBefore(ctx context.Context, cutoffUnix int64) (int, error)
}

// Default sweep intervals. Spec.md §6's CLI/environment surface gains no
// new flags for these — they are internal constants, like the teacher's
// own `maxAge` in internal/session/store.go.
const (
	DefaultOrphanSweepInterval     = "@every 5m"
	DefaultRetentionSweepInterval  = "@every 1h"
	DefaultNotificationRetainDays  = 30
)

// Scheduler owns the cron runtime and both housekeeping jobs.
type Scheduler struct {
	cron      *cron.Cron
	reconcile Reconciler
	retain    Retainer
	retainFor time.Duration
	log       *slog.Logger
}

func New(reconcile Reconciler, retain Retainer, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:      cron.New(),
		reconcile: reconcile,
		retain:    retain,
		retainFor: DefaultNotificationRetainDays * 24 * time.Hour,
		log:       log,
	}
}

// Start registers both sweeps and starts the cron runtime. Idempotent: the
// underlying cron.Cron ignores a second Start.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.cron.Entries()) > 0 {
		return nil
	}
	if _, err := s.cron.AddFunc(DefaultOrphanSweepInterval, func() {
		if err := s.reconcile.ReconcileOrphans(ctx); err != nil {
			s.log.Warn("orphan reconciliation sweep failed", "err", err)
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(DefaultRetentionSweepInterval, func() {
		cutoff := time.Now().Add(-s.retainFor).Unix()
		n, err := s.retain.DeleteDismissedBefore(ctx, cutoff)
		if err != nil {
			s.log.Warn("notification retention sweep failed", "err", err)
			return
		}
		if n > 0 {
			s.log.Info("retention sweep removed dismissed notifications", "count", n)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop drains running jobs and stops the cron runtime.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
