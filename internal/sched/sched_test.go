package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpawnRunsBody(t *testing.T) {
	s := New(2, 20*time.Millisecond)
	var ran atomic.Bool
	if _, err := s.Spawn(-1, func(ctx context.Context, self *TCB) {
		ran.Store(true)
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if !ran.Load() {
		t.Fatalf("expected spawned thread body to run")
	}
}

func TestSuspendResumeNesting(t *testing.T) {
	body := func(context.Context, *TCB) {}
	tcb := newTCB(1, -1, body)
	if tcb.State() != StateReady {
		t.Fatalf("expected initial state ready, got %v", tcb.State())
	}

	tcb.Suspend()
	tcb.Suspend()
	if tcb.State() != StateSuspended {
		t.Fatalf("expected suspended after two Suspend calls")
	}
	tcb.Resume()
	if tcb.State() != StateSuspended {
		t.Fatalf("expected still suspended after one Resume of two")
	}
	tcb.Resume()
	if tcb.State() != StateReady {
		t.Fatalf("expected ready after matching Resume count")
	}
}

func TestBlockWake(t *testing.T) {
	tcb := newTCB(1, -1, func(context.Context, *TCB) {})
	tcb.Block()
	if tcb.State() != StateBlocked {
		t.Fatalf("expected blocked state")
	}
	tcb.Wake()
	if tcb.State() != StateReady {
		t.Fatalf("expected ready state after wake")
	}
}

func TestAffinityOutOfRange(t *testing.T) {
	s := New(1, time.Millisecond)
	if _, err := s.Spawn(5, func(context.Context, *TCB) {}); err == nil {
		t.Fatalf("expected error for out-of-range affinity")
	}
}

func TestExitTransitionsStateAndRecordsCode(t *testing.T) {
	tcb := newTCB(1, -1, func(context.Context, *TCB) {})
	if _, exited := tcb.ExitCode(); exited {
		t.Fatalf("expected not-yet-exited thread to report exited=false")
	}
	tcb.Exit(7)
	if tcb.State() != StateExited {
		t.Fatalf("expected state exited, got %v", tcb.State())
	}
	code, exited := tcb.ExitCode()
	if !exited || code != 7 {
		t.Fatalf("got code=%d exited=%v, want 7 true", code, exited)
	}
}

func TestSpawnedThreadExitDropsItFromRotation(t *testing.T) {
	s := New(1, 10*time.Millisecond)
	var runs atomic.Int32

	if _, err := s.Spawn(-1, func(ctx context.Context, self *TCB) {
		runs.Add(1)
		self.Exit(0)
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if runs.Load() != 1 {
		t.Fatalf("expected exited thread to run exactly once, ran %d times", runs.Load())
	}
}
