package solver

import (
	"context"
	"testing"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/hashservice"
	"github.com/windrift/scavenger-miner/internal/util"
)

func newReadyService(t *testing.T) *hashservice.Service {
	t.Helper()
	hs := hashservice.New(eventbus.New(), 300)
	if err := hs.Init(hashservice.DefaultRomParams()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return hs
}

func TestRunAbortsOnPreemption(t *testing.T) {
	hs := newReadyService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	challenge := Challenge{ID: "C1", Difficulty: 0x00000000}
	res := Run(ctx, hs, 0, "addr0", "00", challenge, nil)
	if res.Outcome != OutcomeAborted {
		t.Fatalf("expected Aborted for a pre-cancelled context, got %v", res.Outcome)
	}
}

func TestRunFindsSolutionAtMaxDifficulty(t *testing.T) {
	hs := newReadyService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// difficulty 0xffffffff accepts any digest: the first hashed nonce is a hit.
	d, err := util.ParseDifficulty("ffffffff")
	if err != nil {
		t.Fatalf("ParseDifficulty: %v", err)
	}
	challenge := Challenge{ID: "C1", Difficulty: d}

	res := Run(ctx, hs, 0, "addr0", "00", challenge, nil)
	if res.Outcome != OutcomeSolution {
		t.Fatalf("expected a solution at max difficulty, got outcome=%v reason=%q", res.Outcome, res.AbortReason)
	}
}

func TestRunNeverFindsAtImpossibleDifficulty(t *testing.T) {
	hs := newReadyService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	challenge := Challenge{ID: "C1", Difficulty: 0} // only a digest with leading 4 bytes == 0 matches
	res := Run(ctx, hs, 0, "addr0", "00", challenge, nil)
	if res.Outcome != OutcomeAborted {
		t.Fatalf("expected Aborted when context expires before a hit, got %v", res.Outcome)
	}
}

func TestRunHeartbeatsEachBatch(t *testing.T) {
	hs := newReadyService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var beats int
	hb := func(n uint64) { beats++ }

	challenge := Challenge{ID: "C1", Difficulty: 0}
	Run(ctx, hs, 0, "addr0", "00", challenge, hb)

	if beats == 0 {
		t.Error("expected at least one heartbeat before the context expired")
	}
}
