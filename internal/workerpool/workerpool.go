// Package workerpool implements WorkerPool: a bounded set of cooperative worker slots
// that assigns (address, challenge) tuples and enforces thread/worker accounting.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/registry"
	"github.com/windrift/scavenger-miner/internal/util"
)

// SlotState is WorkerSlot.state.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotMining
	SlotSubmitting
	SlotCompleted
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "Idle"
	case SlotMining:
		return "Mining"
	case SlotSubmitting:
		return "Submitting"
	case SlotCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Current identifies what a slot is working on.
type Current struct {
	AddressIdx  uint32
	ChallengeID string
}

// Slot is one WorkerSlot. Count is a budget, not a fixed allocation — a slot may idle
// when there is nothing to assign.
type Slot struct {
	ID             uint32
	state          atomic.Int32
	current        atomic.Value // Current
	startedAt      atomic.Value // time.Time
	hashesComputed atomic.Uint64 // hashes in the slot's current assignment only; resets on reassignment
	cumulative     *atomic.Uint64 // pool-wide counter, never reset
	lastHeartbeat  atomic.Value // time.Time

	cancel context.CancelFunc
}

func newSlot(id uint32, cumulative *atomic.Uint64) *Slot {
	s := &Slot{ID: id, cumulative: cumulative}
	s.state.Store(int32(SlotIdle))
	s.current.Store(Current{})
	s.lastHeartbeat.Store(time.Now())
	return s
}

func (s *Slot) State() SlotState { return SlotState(s.state.Load()) }

func (s *Slot) Heartbeat(hashes uint64) {
	s.hashesComputed.Add(hashes)
	s.cumulative.Add(hashes)
	s.lastHeartbeat.Store(time.Now())
}

func (s *Slot) LastHeartbeat() time.Time {
	t, _ := s.lastHeartbeat.Load().(time.Time)
	return t
}

// Current reports what the slot is presently mining, zero-value when idle.
func (s *Slot) Current() Current {
	c, _ := s.current.Load().(Current)
	return c
}

// RunFunc is the Solver entry point a slot runs while Mining: it must return when ctx is
// cancelled (preemption) and otherwise run to completion (hit or Aborted).
type RunFunc func(ctx context.Context, slot *Slot, assignable registry.Assignable, challengeID string)

// Pool owns the slot set and assignment cadence.
type Pool struct {
	mu          sync.Mutex
	slots       []*Slot
	budget      atomic.Uint32
	registry    *Registry
	bus         *eventbus.Bus
	run         RunFunc
	totalHashes atomic.Uint64 // cumulative across every slot's lifetime, never reset on reassignment

	registrationMode atomic.Bool
}

// Registry is the narrow surface Pool needs from AddressRegistry.
type Registry interface {
	AcquireAssignable(challengeID string, workerIDs []uint32) ([]registry.Assignable, error)
	ForceRelease(idx uint32)
}

const stuckThreshold = 120 * time.Second

// New builds a pool sized to budget slots (the maximum concurrent worker count ever
// used; effective budget may be lower in registration mode).
func New(budget uint32, reg Registry, bus *eventbus.Bus, run RunFunc) *Pool {
	p := &Pool{registry: reg, bus: bus, run: run}
	p.budget.Store(budget)
	p.slots = make([]*Slot, budget)
	for i := range p.slots {
		p.slots[i] = newSlot(uint32(i), &p.totalHashes)
	}
	return p
}

// SetBudget updates worker_threads live; it takes effect at the next tick.
func (p *Pool) SetBudget(budget uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budget.Store(budget)
	for uint32(len(p.slots)) < budget {
		p.slots = append(p.slots, newSlot(uint32(len(p.slots)), &p.totalHashes))
	}
}

// SetRegistrationMode toggles worker_distribution_mode=registration, halving the
// effective budget (floor 1) while the orchestrator drives unregistered addresses.
func (p *Pool) SetRegistrationMode(on bool) { p.registrationMode.Store(on) }

func (p *Pool) effectiveBudget() uint32 {
	b := p.budget.Load()
	if p.registrationMode.Load() {
		eff := b / 2
		if eff < 1 {
			eff = 1
		}
		return eff
	}
	return b
}

// Tick is non-blocking: for each idle slot up to effective budget, pull one assignable
// address and spawn a Solver task, transitioning the slot to Mining.
func (p *Pool) Tick(challengeID string) {
	eff := p.effectiveBudget()
	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()

	idle := make([]*Slot, 0, len(slots))
	for i, s := range slots {
		if uint32(i) >= eff {
			break
		}
		if s.State() == SlotIdle {
			idle = append(idle, s)
		}
	}
	if len(idle) == 0 {
		return
	}

	workerIDs := make([]uint32, len(idle))
	for i, s := range idle {
		workerIDs[i] = s.ID
	}
	assigned, err := p.registry.AcquireAssignable(challengeID, workerIDs)
	if err != nil {
		util.Errorf("workerpool: acquire_assignable failed: %v", err)
		return
	}

	for i, a := range assigned {
		slot := idle[i]
		ctx, cancel := context.WithCancel(context.Background())
		slot.cancel = cancel
		slot.state.Store(int32(SlotMining))
		slot.current.Store(Current{AddressIdx: a.Index, ChallengeID: challengeID})
		slot.startedAt.Store(time.Now())
		slot.hashesComputed.Store(0)
		slot.lastHeartbeat.Store(time.Now())

		go func(slot *Slot, a registry.Assignable) {
			p.run(ctx, slot, a, challengeID)
			slot.state.Store(int32(SlotIdle))
			slot.current.Store(Current{})
		}(slot, a)

		if p.bus != nil {
			p.bus.Publish(eventbus.TopicMiningStart, eventbus.Event{
				Type:   "mining_start",
				Fields: map[string]interface{}{"addr": a.Index, "worker_id": slot.ID},
			})
		}
	}
}

// AbortAll cancels every Mining/Submitting slot's context (challenge rotation or stop).
// It does not itself wait for acknowledgement — callers await up to their own deadline
// and then call ReapStuck to forcibly release non-responders.
func (p *Pool) AbortAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.State() != SlotIdle && s.cancel != nil {
			s.cancel()
		}
	}
}

// ReapStuck forcibly releases any slot whose heartbeat is older than stuck_threshold.
// The address is transitioned back to None without incrementing failure_count.
func (p *Pool) ReapStuck(now time.Time) int {
	p.mu.Lock()
	slots := append([]*Slot(nil), p.slots...)
	p.mu.Unlock()

	reaped := 0
	for _, s := range slots {
		if s.State() == SlotIdle {
			continue
		}
		if now.Sub(s.LastHeartbeat()) > stuckThreshold {
			cur, _ := s.current.Load().(Current)
			if s.cancel != nil {
				s.cancel()
			}
			p.registry.ForceRelease(cur.AddressIdx)
			s.state.Store(int32(SlotIdle))
			s.current.Store(Current{})
			reaped++
			util.Warnf("workerpool: reaped stuck slot %d (address %d)", s.ID, cur.AddressIdx)
		}
	}
	return reaped
}

// ForceReleaseAll unconditionally releases every non-idle slot, regardless of heartbeat
// age: used by stop() and by challenge rotation's abort-await-then-reap path, where the
// cancellation has already been requested and the caller's wait deadline has elapsed.
func (p *Pool) ForceReleaseAll() int {
	p.mu.Lock()
	slots := append([]*Slot(nil), p.slots...)
	p.mu.Unlock()

	released := 0
	for _, s := range slots {
		if s.State() == SlotIdle {
			continue
		}
		cur, _ := s.current.Load().(Current)
		if s.cancel != nil {
			s.cancel()
		}
		p.registry.ForceRelease(cur.AddressIdx)
		s.state.Store(int32(SlotIdle))
		s.current.Store(Current{})
		released++
	}
	return released
}

// ReleaseOrphan releases a slot whose current no longer points back from the registry,
// without touching the address (it is presumed already reassigned or cleared elsewhere).
func (p *Pool) ReleaseOrphan(slotID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID == slotID {
			if s.cancel != nil {
				s.cancel()
			}
			s.state.Store(int32(SlotIdle))
			s.current.Store(Current{})
			return
		}
	}
}

// ActiveCount returns the number of non-idle slots.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.State() != SlotIdle {
			n++
		}
	}
	return n
}

// Slots returns a stable snapshot of slots for status/stability sweeps.
func (p *Pool) Slots() []*Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Slot(nil), p.slots...)
}

// TotalHashes returns the cumulative hash count across every slot's entire lifetime, the
// numerator for hashrate EWMA. Unlike a per-slot hashesComputed read, this never drops
// when a slot is reassigned or goes idle.
func (p *Pool) TotalHashes() uint64 {
	return p.totalHashes.Load()
}
