// Package sched implements the preemptive round-robin scheduler: one
// ready queue per modeled CPU, a thread-control-block state machine,
// and a quantum applied per Body call as a context deadline. Quantum
// expiry is not driven by the interrupt timer, and a Body that ignores
// its context runs until it returns. Queue locking uses
// gvisor's sync.Mutex (the same lock the teacher's hv package takes
// for its address-space bookkeeping) and per-CPU worker lifecycles are
// managed by an errgroup so a single thread's panic tears down every
// other worker rather than leaving the scheduler half-stopped.
package sched

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	gsync "gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/waiter"
	"golang.org/x/sync/errgroup"
)

// State is a thread's position in the TCB state machine.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateSuspended
	StateExited
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSuspended:
		return "suspended"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// TCB is a thread control block: the scheduler's unit of work.
// Body is invoked on whichever CPU worker dequeues it; it should
// cooperate with quantum expiry by returning control occasionally
// (real preemption happens at the Go-goroutine granularity here, not
// at an instruction boundary, since there is no ring-0 to interrupt).
type TCB struct {
	ID       uint64
	Affinity int // -1 means any CPU

	state        atomic.Int32
	suspendCount atomic.Int32
	waitEntry    waiter.Entry
	waitCh       chan struct{}

	exitCode atomic.Int32
	exited   atomic.Bool

	Body func(ctx context.Context, self *TCB)
}

func newTCB(id uint64, affinity int, body func(context.Context, *TCB)) *TCB {
	t := &TCB{ID: id, Affinity: affinity, Body: body, waitCh: make(chan struct{}, 1)}
	t.state.Store(int32(StateReady))
	return t
}

// Exit transitions the thread to StateExited and records code, the
// compiled form of ExitThread: the scheduler drops an exited thread
// from its CPU's rotation the next time it would otherwise be
// requeued.
func (t *TCB) Exit(code int32) {
	t.exitCode.Store(code)
	t.exited.Store(true)
	t.state.Store(int32(StateExited))
}

// ExitCode reports the code passed to Exit, and whether the thread has
// actually exited yet (the compiled form of GetExitCodeThread, which
// returns STILL_ACTIVE-equivalent false until the thread is gone).
func (t *TCB) ExitCode() (code int32, exited bool) {
	if !t.exited.Load() {
		return 0, false
	}
	return t.exitCode.Load(), true
}

// State returns the thread's current state.
func (t *TCB) State() State { return State(t.state.Load()) }

// Suspend increments the suspend count; a thread only becomes eligible
// to run again once every Suspend has a matching Resume, matching the
// nesting semantics of Arch-HAL's interrupt disable/restore.
func (t *TCB) Suspend() {
	t.suspendCount.Add(1)
	t.state.Store(int32(StateSuspended))
}

// Resume decrements the suspend count and, once it reaches zero,
// transitions the thread back to ready.
func (t *TCB) Resume() {
	if t.suspendCount.Add(-1) <= 0 {
		t.suspendCount.Store(0)
		t.state.Store(int32(StateReady))
	}
}

// Block marks the thread blocked; its CPU skips it until Wake is
// called.
func (t *TCB) Block() {
	t.state.Store(int32(StateBlocked))
}

// Wake transitions a blocked thread back to ready and signals its
// one-slot wait channel without blocking.
func (t *TCB) Wake() {
	t.state.Store(int32(StateReady))
	select {
	case t.waitCh <- struct{}{}:
	default:
	}
}

// CPU is one modeled logical processor: a ready queue plus the
// goroutine worker that drains it.
type CPU struct {
	id int

	mu    gsync.Mutex
	ready []*TCB
}

func newCPU(id int) *CPU { return &CPU{id: id} }

func (c *CPU) enqueue(t *TCB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = append(c.ready, t)
}

func (c *CPU) dequeue() *TCB {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := len(c.ready); n > 0; n-- {
		t := c.ready[0]
		c.ready = append(c.ready[1:], t) // round-robin: requeue at tail
		switch t.State() {
		case StateReady:
			return t
		case StateExited:
			// exited threads are dropped from this rotation; blocked and
			// suspended ones stay and are skipped until Wake/Resume.
			c.ready = c.ready[:len(c.ready)-1]
		}
	}
	return nil
}

func (c *CPU) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}

// Scheduler owns the full set of CPUs and the quantum used for
// cooperative preemption points between TCB.Body invocations.
type Scheduler struct {
	cpus    []*CPU
	quantum time.Duration
	nextID  atomic.Uint64
}

// New returns a Scheduler with numCPU per-CPU ready queues.
func New(numCPU int, quantum time.Duration) *Scheduler {
	if numCPU <= 0 {
		numCPU = 1
	}
	s := &Scheduler{quantum: quantum}
	for i := 0; i < numCPU; i++ {
		s.cpus = append(s.cpus, newCPU(i))
	}
	return s
}

// Spawn creates a TCB running body and enqueues it on a CPU, honoring
// affinity (-1 picks the least-loaded CPU).
func (s *Scheduler) Spawn(affinity int, body func(context.Context, *TCB)) (*TCB, error) {
	if affinity >= len(s.cpus) {
		return nil, fmt.Errorf("sched: affinity %d exceeds %d CPUs", affinity, len(s.cpus))
	}
	t := newTCB(s.nextID.Add(1), affinity, body)
	s.targetCPU(affinity).enqueue(t)
	return t, nil
}

func (s *Scheduler) targetCPU(affinity int) *CPU {
	if affinity >= 0 {
		return s.cpus[affinity]
	}
	best := s.cpus[0]
	for _, c := range s.cpus[1:] {
		if c.len() < best.len() {
			best = c
		}
	}
	return best
}

// Run starts one worker goroutine per CPU under an errgroup and blocks
// until ctx is cancelled or a worker returns an error, at which point
// every other worker is stopped too.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range s.cpus {
		cpu := cpu
		g.Go(func() error { return s.runCPU(gctx, cpu) })
	}
	return g.Wait()
}

func (s *Scheduler) runCPU(ctx context.Context, cpu *CPU) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t := cpu.dequeue()
		if t == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
			continue
		}

		t.state.Store(int32(StateRunning))
		runCtx, cancel := context.WithTimeout(ctx, s.quantum)
		t.Body(runCtx, t)
		cancel()

		switch t.State() {
		case StateRunning:
			t.state.Store(int32(StateReady))
		case StateExited:
			// dropped from rotation by the next dequeue that reaches it.
			// Body called t.Exit itself before returning.
		}
	}
}
