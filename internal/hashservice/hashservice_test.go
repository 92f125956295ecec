package hashservice

import (
	"context"
	"testing"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(eventbus.New(), 300)
	if err := s.Init(DefaultRomParams()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(eventbus.New(), 300)
	if err := s.Init(DefaultRomParams()); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(RomParams{}); err != nil {
		t.Fatalf("second Init should be a no-op, got error: %v", err)
	}
	if !s.Ready() {
		t.Fatal("service should be ready after Init")
	}
}

func TestInitRejectsBadParams(t *testing.T) {
	s := New(eventbus.New(), 300)
	err := s.Init(RomParams{})
	if err == nil {
		t.Fatal("expected HashInitError for zero-value params")
	}
	if s.Ready() {
		t.Fatal("service should not be ready after failed init")
	}
}

func TestHashOneDeterministic(t *testing.T) {
	s := newTestService(t)
	preimage := []byte("deterministic input")

	a, err := s.HashOne(preimage)
	if err != nil {
		t.Fatalf("HashOne: %v", err)
	}
	b, err := s.HashOne(preimage)
	if err != nil {
		t.Fatalf("HashOne: %v", err)
	}
	if a != b {
		t.Error("HashOne must be pure: same input produced different digests")
	}
}

func TestHashOneBeforeInit(t *testing.T) {
	s := New(eventbus.New(), 300)
	if _, err := s.HashOne([]byte("x")); err != ErrNotReady {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestHashBatchConsumesFullRange(t *testing.T) {
	s := newTestService(t)
	build := func(nonce uint64) []byte {
		return BuildPreimage(ChallengeInput{HourSeed: "h"}, [32]byte{}, nonce)
	}

	res, err := s.HashBatch(context.Background(), build, 0, 50, time.Now().Add(10*time.Second))
	if err != nil {
		t.Fatalf("HashBatch: %v", err)
	}
	if res.Consumed != 50 || res.TimedOut {
		t.Errorf("expected 50 consumed / no timeout, got consumed=%d timedOut=%v", res.Consumed, res.TimedOut)
	}
}

func TestHashBatchRespectsDeadline(t *testing.T) {
	s := newTestService(t)
	build := func(nonce uint64) []byte {
		return BuildPreimage(ChallengeInput{HourSeed: "h"}, [32]byte{}, nonce)
	}

	res, err := s.HashBatch(context.Background(), build, 0, 50000, time.Now().Add(-1*time.Millisecond))
	if err != nil {
		t.Fatalf("HashBatch: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut when deadline already elapsed")
	}
}

func TestAdaptiveBatchShrinksOnTwoTimeouts(t *testing.T) {
	s := newTestService(t)
	if got := s.CurrentBatch(); got != 300 {
		t.Fatalf("expected initial current_batch=300, got %d", got)
	}

	build := func(nonce uint64) []byte {
		return BuildPreimage(ChallengeInput{}, [32]byte{}, nonce)
	}
	past := time.Now().Add(-time.Millisecond)
	s.HashBatch(context.Background(), build, 0, 50, past)
	s.HashBatch(context.Background(), build, 0, 50, past)

	if got := s.CurrentBatch(); got != 150 {
		t.Errorf("expected current_batch to halve to 150 after 2 timeouts, got %d", got)
	}
}

func TestAdaptiveBatchNeverBelowFloor(t *testing.T) {
	s := New(eventbus.New(), 50)
	if err := s.Init(DefaultRomParams()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	build := func(nonce uint64) []byte { return BuildPreimage(ChallengeInput{}, [32]byte{}, nonce) }
	past := time.Now().Add(-time.Millisecond)
	for i := 0; i < 6; i++ {
		s.HashBatch(context.Background(), build, 0, 1, past)
	}
	if got := s.CurrentBatch(); got < 50 {
		t.Errorf("current_batch must never drop below floor 50, got %d", got)
	}
}

func TestStartingNonceDeterministic(t *testing.T) {
	a := StartingNonce("addr1", "C1")
	b := StartingNonce("addr1", "C1")
	c := StartingNonce("addr1", "C2")
	if a != b {
		t.Error("StartingNonce must be deterministic for the same (address, challenge)")
	}
	if a == c {
		t.Error("StartingNonce should differ across challenges for the same address")
	}
}
