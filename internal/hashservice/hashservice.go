// Package hashservice wraps the native ROM-initialized hash behind a batched contract
// with adaptive batch sizing under timeout pressure.
package hashservice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/util"
)

// ErrNotReady is returned by every hashing call made before a successful Init.
var ErrNotReady = errors.New("hashservice: rom not initialized")

// HashInitError reports native ROM construction failure — the orchestrator must refuse
// to start mining but keep the control surface responsive.
type HashInitError struct{ Reason string }

func (e *HashInitError) Error() string { return "hash init error: " + e.Reason }

const (
	batchFloor   uint32 = 50
	batchCeiling uint32 = 50000
	cleanWindow         = 2 * time.Minute
)

// BuildPreimage func composes the canonical preimage for a single nonce candidate. The
// exact layout is opaque to everything above HashService.
type BuildPreimage func(nonce uint64) []byte

// BatchResult is the outcome of one hash_batch call.
type BatchResult struct {
	Digests  [][32]byte
	Nonces   []uint64
	Consumed int
	TimedOut bool
}

// State snapshots HashServiceState for the status surface.
type State struct {
	RomReady       bool
	BaseBatch      uint32
	CurrentBatch   uint32
	TimeoutCount   uint32
	LastTimeout    time.Time
	AdaptiveActive bool
}

// Service is process-wide: init is idempotent after first success and hashing is safe
// to call concurrently from every WorkerSlot's Solver.
type Service struct {
	initMu sync.Mutex
	rom    *rom
	ready  atomic.Bool
	bus    *eventbus.Bus

	baseBatch      uint32
	currentBatch   atomic.Uint32
	timeoutCount   atomic.Uint32
	lastTimeout    atomic.Value // time.Time
	cleanWindowStart atomic.Value // time.Time
	adaptiveActive atomic.Bool
}

// New builds a Service advertising batch changes on bus. baseBatch is the configured
// ceiling/base from ConfigStore, not the live value.
func New(bus *eventbus.Bus, baseBatch uint32) *Service {
	s := &Service{bus: bus, baseBatch: clampBatch(baseBatch)}
	s.currentBatch.Store(s.baseBatch)
	s.cleanWindowStart.Store(time.Time{})
	return s
}

func clampBatch(b uint32) uint32 {
	if b < batchFloor {
		return batchFloor
	}
	if b > batchCeiling {
		return batchCeiling
	}
	return b
}

// Init performs the one-shot, process-wide ROM construction. Idempotent after first
// success.
func (s *Service) Init(params RomParams) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready.Load() {
		return nil
	}
	if !params.valid() {
		return &HashInitError{Reason: "invalid rom parameters"}
	}
	s.rom = newROM(params)
	s.ready.Store(true)
	util.Infof("hashservice: rom ready (pre_size=%d nb_loops=%d nb_instrs=%d)",
		params.PreSize, params.NbLoops, params.NbInstrs)
	return nil
}

// Ready reports whether Init has succeeded.
func (s *Service) Ready() bool { return s.ready.Load() }

// HashOne is a pure single-preimage hash.
func (s *Service) HashOne(preimage []byte) ([32]byte, error) {
	if !s.ready.Load() {
		return [32]byte{}, ErrNotReady
	}
	return s.rom.hash(preimage), nil
}

// HashBatch computes hashes for nonces [startNonce, startNonce+maxN) or until deadline,
// whichever comes first. A context cancellation or deadline elapsing stops the batch and
// reports it as a timeout even if some hashes were produced.
func (s *Service) HashBatch(ctx context.Context, build BuildPreimage, startNonce uint64, maxN uint32, deadline time.Time) (*BatchResult, error) {
	if !s.ready.Load() {
		return nil, ErrNotReady
	}
	res := &BatchResult{
		Digests: make([][32]byte, 0, maxN),
		Nonces:  make([]uint64, 0, maxN),
	}

	for i := uint32(0); i < maxN; i++ {
		select {
		case <-ctx.Done():
			res.TimedOut = true
			s.recordTimeout()
			return res, nil
		default:
		}
		if time.Now().After(deadline) {
			res.TimedOut = true
			s.recordTimeout()
			return res, nil
		}

		nonce := startNonce + uint64(i)
		if nonce < startNonce {
			// uint64 wraparound: treat as an abort, never replay a lower nonce
			res.TimedOut = true
			return res, nil
		}
		digest := s.rom.hash(build(nonce))
		res.Digests = append(res.Digests, digest)
		res.Nonces = append(res.Nonces, nonce)
		res.Consumed++
	}
	s.recordClean()
	return res, nil
}

// CurrentBatch is the live batch size a Solver should use for its next batch. Changes
// are never observed mid-batch — Solver re-reads this only between batches.
func (s *Service) CurrentBatch() uint32 { return s.currentBatch.Load() }

// BaseBatch is the configured ceiling/base, distinct from the live CurrentBatch.
func (s *Service) BaseBatch() uint32 { return s.baseBatch }

// SetBaseBatch updates the configured base when ConfigStore's batch_size changes; it
// does not itself move current_batch outside the grow/shrink path.
func (s *Service) SetBaseBatch(b uint32) { s.baseBatch = clampBatch(b) }

func (s *Service) recordTimeout() {
	count := s.timeoutCount.Add(1)
	s.lastTimeout.Store(time.Now())
	if count >= 2 {
		s.shrinkBatch()
		s.timeoutCount.Store(0)
	}
}

func (s *Service) recordClean() {
	s.timeoutCount.Store(0)
	start, _ := s.cleanWindowStart.Load().(time.Time)
	now := time.Now()
	if start.IsZero() {
		s.cleanWindowStart.Store(now)
		return
	}
	if now.Sub(start) >= cleanWindow {
		s.growBatch()
		s.cleanWindowStart.Store(now)
	}
}

// ShrinkOnAnomaly lets StabilityMonitor force a shrink outside the timeout path when it
// flags a hash-rate anomaly.
func (s *Service) ShrinkOnAnomaly() { s.shrinkBatch() }

func (s *Service) shrinkBatch() {
	for {
		cur := s.currentBatch.Load()
		next := cur / 2
		if next < batchFloor {
			next = batchFloor
		}
		if next == cur {
			return
		}
		if s.currentBatch.CompareAndSwap(cur, next) {
			s.adaptiveActive.Store(true)
			s.publish(next, "timeout")
			return
		}
	}
}

func (s *Service) growBatch() {
	for {
		cur := s.currentBatch.Load()
		if cur >= s.baseBatch {
			return
		}
		next := cur * 2
		if next > s.baseBatch {
			next = s.baseBatch
		}
		if next > batchCeiling {
			next = batchCeiling
		}
		if s.currentBatch.CompareAndSwap(cur, next) {
			if next == s.baseBatch {
				s.adaptiveActive.Store(false)
			}
			s.publish(next, "recovered")
			return
		}
	}
}

func (s *Service) publish(batch uint32, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.TopicStatus, eventbus.Event{
		Type:   "batch_adjusted",
		Fields: map[string]interface{}{"batch": batch, "reason": reason},
	})
}

// State snapshots HashServiceState.
func (s *Service) State() State {
	lt, _ := s.lastTimeout.Load().(time.Time)
	return State{
		RomReady:       s.ready.Load(),
		BaseBatch:      s.baseBatch,
		CurrentBatch:   s.currentBatch.Load(),
		TimeoutCount:   s.timeoutCount.Load(),
		LastTimeout:    lt,
		AdaptiveActive: s.adaptiveActive.Load(),
	}
}
