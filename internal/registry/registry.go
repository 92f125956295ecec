// Package registry implements AddressRegistry: the canonical per-address state the
// scheduler reads and mutates every tick — registered flag, current assignment, failure
// counters, pause timers, and the solved set per challenge.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Assignment kinds.
type AssignmentKind int

const (
	AssignNone AssignmentKind = iota
	AssignInProgress
	AssignSubmitting
	AssignSolved
	AssignPausedUntil
)

func (k AssignmentKind) String() string {
	switch k {
	case AssignNone:
		return "None"
	case AssignInProgress:
		return "InProgress"
	case AssignSubmitting:
		return "Submitting"
	case AssignSolved:
		return "Solved"
	case AssignPausedUntil:
		return "PausedUntil"
	default:
		return "Unknown"
	}
}

// Assignment is the tagged union described by AddressState.assignment.
type Assignment struct {
	Kind AssignmentKind

	// InProgress
	WorkerID    uint32
	ChallengeID string
	StartedAt   time.Time
	Hashes      uint64

	// Submitting
	Nonce uint64

	// Solved
	SolvedAt time.Time

	// PausedUntil
	Deadline time.Time
	Reason   string
}

// Address is the immutable window entry (Signer-derived identity).
type Address struct {
	Index     uint32
	Bech32    string
	PubkeyHex string
}

// AddressState is one per in-window address.
type AddressState struct {
	Address      Address
	Registered   bool
	Assignment   Assignment
	FailureCount uint32
	LastActivity time.Time
}

// AddressCorruption reports gaps or duplicates in the derived address window.
type AddressCorruption struct{ Reason string }

func (e *AddressCorruption) Error() string { return "address corruption: " + e.Reason }

// StateViolation is a panic-class error: it indicates a scheduler bug, not a runtime
// condition. Callers log full context then reap the offending worker and reset the
// address rather than letting the process crash.
type StateViolation struct {
	Index    uint32
	From, To AssignmentKind
}

func (e *StateViolation) Error() string {
	return fmt.Sprintf("state violation: address %d cannot transition %s -> %s", e.Index, e.From, e.To)
}

// ErrNotLoaded is returned by any accessor called before Load.
var ErrNotLoaded = errors.New("registry: address window not loaded")

// Registry owns AddressState for the in-window addresses. All mutation goes through a
// single short critical section so acquire_assignable stays linearizable: concurrent
// WorkerPool calls never hand out the same index twice.
type Registry struct {
	mu      sync.Mutex
	loaded  bool
	byIndex map[uint32]*AddressState
	order   []uint32
}

// New constructs an empty, unloaded registry.
func New() *Registry {
	return &Registry{byIndex: make(map[uint32]*AddressState)}
}

// Load loads W addresses derived by the Signer. Rejects on gaps or duplicates in index
// space with AddressCorruption; the caller must run an external repair routine and retry.
func (r *Registry) Load(addrs []Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(addrs) == 0 {
		return &AddressCorruption{Reason: "empty address window"}
	}

	seen := make(map[uint32]bool, len(addrs))
	indices := make([]uint32, 0, len(addrs))
	for _, a := range addrs {
		if seen[a.Index] {
			return &AddressCorruption{Reason: fmt.Sprintf("duplicate index %d", a.Index)}
		}
		seen[a.Index] = true
		indices = append(indices, a.Index)
	}

	min, max := indices[0], indices[0]
	for _, idx := range indices {
		if idx < min {
			min = idx
		}
		if idx > max {
			max = idx
		}
	}
	if uint32(len(addrs)) != max-min+1 {
		return &AddressCorruption{Reason: "gap in derived address window"}
	}

	byIndex := make(map[uint32]*AddressState, len(addrs))
	order := make([]uint32, 0, len(addrs))
	for _, a := range addrs {
		byIndex[a.Index] = &AddressState{Address: a, LastActivity: time.Now()}
		order = append(order, a.Index)
	}

	r.byIndex = byIndex
	r.order = order
	r.loaded = true
	return nil
}

// MarkRegistered flips the registered flag. I6: this set is monotone for the life of a
// run — MarkRegistered never unsets it.
func (r *Registry) MarkRegistered(idx uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byIndex[idx]
	if !ok {
		return fmt.Errorf("registry: unknown index %d", idx)
	}
	st.Registered = true
	return nil
}

// RegisteredCount is used by OrchestratorCore to decide when Registering completes.
func (r *Registry) RegisteredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.byIndex {
		if st.Registered {
			n++
		}
	}
	return n
}

// UnregisteredIndices returns indices still needing Registrar attention, in window order.
func (r *Registry) UnregisteredIndices() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, idx := range r.order {
		if !r.byIndex[idx].Registered {
			out = append(out, idx)
		}
	}
	return out
}

// Assignable is the tuple acquire_assignable hands to WorkerPool.
type Assignable struct {
	Index     uint32
	Address   string
	PubkeyHex string
}

// AcquireAssignable atomically returns up to len(workerIDs) addresses that are
// registered, not Solved for challengeID, not PausedUntil (at a deadline still in the
// future), and not currently assigned. The i-th acquired address is stamped with
// workerIDs[i], so each caller-owned slot gets an assignment that actually points back
// to it rather than all acquisitions in the batch sharing one slot's ID. This primitive
// is linearizable: it holds the registry lock for its entire body, so concurrent
// WorkerPool callers never receive the same index twice.
func (r *Registry) AcquireAssignable(challengeID string, workerIDs []uint32) ([]Assignable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return nil, ErrNotLoaded
	}

	now := time.Now()
	out := make([]Assignable, 0, len(workerIDs))
	for _, idx := range r.order {
		if len(out) >= len(workerIDs) {
			break
		}
		st := r.byIndex[idx]
		if !st.Registered {
			continue
		}
		switch st.Assignment.Kind {
		case AssignNone:
			// eligible
		case AssignSolved:
			if st.Assignment.ChallengeID == challengeID {
				continue
			}
		case AssignPausedUntil:
			if now.Before(st.Assignment.Deadline) {
				continue
			}
		default:
			continue // InProgress / Submitting: already assigned
		}

		st.Assignment = Assignment{
			Kind:        AssignInProgress,
			WorkerID:    workerIDs[len(out)],
			ChallengeID: challengeID,
			StartedAt:   now,
		}
		st.LastActivity = now
		out = append(out, Assignable{Index: idx, Address: st.Address.Bech32, PubkeyHex: st.Address.PubkeyHex})
	}
	return out, nil
}

// legal transitions per AddressState.assignment's state machine.
var legalTransitions = map[AssignmentKind]map[AssignmentKind]bool{
	AssignNone:        {AssignInProgress: true},
	AssignInProgress:  {AssignSubmitting: true, AssignNone: true, AssignPausedUntil: true},
	AssignSubmitting:  {AssignSolved: true, AssignNone: true, AssignPausedUntil: true},
	AssignSolved:      {AssignNone: true}, // only via on_challenge_rotation
	AssignPausedUntil: {AssignNone: true},
}

// Transition is the guarded state machine entry point. Illegal transitions return
// StateViolation (panic-class): the caller logs full context, reaps the offending
// worker, and resets the address rather than crashing the process.
func (r *Registry) Transition(idx uint32, to Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byIndex[idx]
	if !ok {
		return fmt.Errorf("registry: unknown index %d", idx)
	}
	from := st.Assignment.Kind
	if !legalTransitions[from][to.Kind] {
		return &StateViolation{Index: idx, From: from, To: to.Kind}
	}
	st.Assignment = to
	st.LastActivity = time.Now()
	return nil
}

// ForceRelease resets an address to None without going through Transition's legality
// check and without incrementing failure_count — used by reap_stuck and orphan release,
// which must succeed regardless of the address's current assignment kind.
func (r *Registry) ForceRelease(idx uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.byIndex[idx]; ok {
		st.Assignment = Assignment{Kind: AssignNone}
		st.LastActivity = time.Now()
	}
}

// IncrementFailure bumps failure_count and returns the new value along with whether the
// address should be paused (failure_count >= 5).
func (r *Registry) IncrementFailure(idx uint32) (count uint32, shouldPause bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byIndex[idx]
	if !ok {
		return 0, false
	}
	st.FailureCount++
	return st.FailureCount, st.FailureCount >= 5
}

// ResetFailure zeroes failure_count, e.g. on Accepted.
func (r *Registry) ResetFailure(idx uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.byIndex[idx]; ok {
		st.FailureCount = 0
	}
}

// Pause moves an address into PausedUntil{deadline, reason}.
func (r *Registry) Pause(idx uint32, deadline time.Time, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.byIndex[idx]; ok {
		st.Assignment = Assignment{Kind: AssignPausedUntil, Deadline: deadline, Reason: reason}
		st.LastActivity = time.Now()
	}
}

// Get returns a copy of an address's current state.
func (r *Registry) Get(idx uint32) (AddressState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byIndex[idx]
	if !ok {
		return AddressState{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every address's state, in window order, for status/UI use
// and for StabilityMonitor sweeps.
func (r *Registry) Snapshot() []AddressState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AddressState, 0, len(r.order))
	for _, idx := range r.order {
		out = append(out, *r.byIndex[idx])
	}
	return out
}

// InProgressCount counts InProgress and Submitting assignments; StabilityMonitor's
// memory-leak signal compares it against the active worker budget.
func (r *Registry) InProgressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.byIndex {
		if st.Assignment.Kind == AssignInProgress || st.Assignment.Kind == AssignSubmitting {
			n++
		}
	}
	return n
}

// RotationPolicy controls whether on_challenge_rotation preserves failure_count.
type RotationPolicy struct {
	PreserveFailureCount bool
}

// OnChallengeRotation clears per-challenge fields across every address: Solved, Submitting
// and InProgress assignments revert to None, and failure_count resets unless the caller's
// policy preserves it (default: reset). PausedUntil assignments are left untouched; their
// wall-clock deadlines carry across the rotation.
func (r *Registry) OnChallengeRotation(newID string, policy RotationPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.byIndex {
		switch st.Assignment.Kind {
		case AssignSolved, AssignSubmitting, AssignInProgress:
			st.Assignment = Assignment{Kind: AssignNone}
		case AssignPausedUntil:
			// pauses are wall-clock, not challenge-scoped; left untouched
		}
		if !policy.PreserveFailureCount {
			st.FailureCount = 0
		}
	}
	_ = newID
}
