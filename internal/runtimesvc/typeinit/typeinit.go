// Package typeinit implements the type-initializer one-shot protocol:
// every managed type's static constructor runs exactly once, any
// thread that observes initialization already in progress blocks
// until it completes, and a failed initializer poisons the type for
// every subsequent caller rather than silently retrying.
package typeinit

import (
	"fmt"
	"runtime"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

type sentinelState int32

const (
	stateNotStarted sentinelState = iota
	stateInProgress
	stateInitialized
	stateFailed
)

// Sentinel guards one type's static initializer. The state transition
// NotStarted -> InProgress is a compare-and-swap on the atomicbitops
// state word so exactly one caller wins the race to run Init; every
// other concurrent caller blocks on cond until the winner finishes.
type Sentinel struct {
	state atomicbitops.Uint32

	// initGoroutine holds the id of the goroutine currently running
	// init, so a reentrant call from that same goroutine (a type whose
	// static constructor transitively touches itself again, the way a
	// JIT-compiled recursive cctor chain can) observes in-progress and
	// proceeds instead of waiting on a Broadcast it is the only one left
	// to issue.
	initGoroutine atomicbitops.Uint64

	mu   sync.Mutex
	cond *sync.Cond
	err  error
}

// goroutineID extracts the calling goroutine's runtime id from its own
// stack trace header ("goroutine 123 [running]:"). There is no public
// API for this; every non-hacky alternative requires threading an
// explicit identity through every call site that might recurse into a
// type initializer, which the managed calling convention has no room
// for.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	var id uint64
	fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	return id
}

// NewSentinel returns a not-started sentinel for one type.
func NewSentinel() *Sentinel {
	s := &Sentinel{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// EnsureInitialized runs init exactly once across however many
// goroutines call EnsureInitialized concurrently. Every caller,
// including the one that actually runs init, receives the same error
// if it failed; a failed sentinel never re-attempts initialization.
func (s *Sentinel) EnsureInitialized(init func() error) error {
	if s.state.CompareAndSwap(uint32(stateNotStarted), uint32(stateInProgress)) {
		s.initGoroutine.Store(goroutineID())
		err := s.runGuarded(init)
		s.mu.Lock()
		s.err = err
		if err != nil {
			s.state.Store(uint32(stateFailed))
		} else {
			s.state.Store(uint32(stateInitialized))
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		return err
	}

	if sentinelState(s.state.Load()) == stateInProgress && s.initGoroutine.Load() == goroutineID() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		switch sentinelState(s.state.Load()) {
		case stateInitialized:
			return nil
		case stateFailed:
			return s.err
		default:
			s.cond.Wait()
		}
	}
}

func (s *Sentinel) runGuarded(init func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("typeinit: initializer panicked: %v", r)
		}
	}()
	return init()
}

// State reports the sentinel's current phase, for diagnostics.
func (s *Sentinel) State() string {
	switch sentinelState(s.state.Load()) {
	case stateNotStarted:
		return "not-started"
	case stateInProgress:
		return "in-progress"
	case stateInitialized:
		return "initialized"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
