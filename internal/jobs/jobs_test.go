package jobs

import (
	"context"
	"sync/atomic"
	"testing"
)

type fakeReconciler struct{ calls int32 }

func (f *fakeReconciler) ReconcileOrphans(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

type fakeRetainer struct{ calls int32 }

func (f *fakeRetainer) DeleteDismissedBefore(ctx context.Context, cutoffUnix int64) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, nil
}

func TestSchedulerStartStop(t *testing.T) {
	recon := &fakeReconciler{}
	retain := &fakeRetainer{}
	s := New(recon, retain, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}

func TestSchedulerUsesConfiguredRetentionWindow(t *testing.T) {
	recon := &fakeReconciler{}
	retain := &fakeRetainer{}
	s := New(recon, retain, nil)
	if s.retainFor <= 0 {
		t.Error("expected positive retention window")
	}
}
