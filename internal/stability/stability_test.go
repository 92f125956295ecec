package stability

import (
	"context"
	"testing"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/registry"
	"github.com/windrift/scavenger-miner/internal/workerpool"
)

type fakeRegistry struct {
	snapshot   []registry.AddressState
	released   []uint32
	inProgress int
}

func (f *fakeRegistry) Snapshot() []registry.AddressState { return f.snapshot }
func (f *fakeRegistry) ForceRelease(idx uint32)           { f.released = append(f.released, idx) }
func (f *fakeRegistry) InProgressCount() int              { return f.inProgress }

type fakePool struct {
	reaped         int
	totalHashes    uint64
	slots          []*workerpool.Slot
	orphanReleased []uint32
}

func (f *fakePool) ReapStuck(now time.Time) int { return f.reaped }
func (f *fakePool) ActiveCount() int            { return 0 }
func (f *fakePool) TotalHashes() uint64         { return f.totalHashes }
func (f *fakePool) Slots() []*workerpool.Slot   { return f.slots }
func (f *fakePool) ReleaseOrphan(slotID uint32) {
	f.orphanReleased = append(f.orphanReleased, slotID)
}

type fakeHashService struct{ shrinkCalls int }

func (f *fakeHashService) ShrinkOnAnomaly() { f.shrinkCalls++ }

func TestSweepReleasesStaleAddress(t *testing.T) {
	reg := &fakeRegistry{
		snapshot: []registry.AddressState{
			{
				Address: registry.Address{Index: 3},
				Assignment: registry.Assignment{
					Kind:      registry.AssignInProgress,
					StartedAt: time.Now().Add(-time.Hour),
				},
			},
		},
	}
	pool := &fakePool{}
	m := New(reg, pool, &fakeHashService{}, eventbus.New(), func() uint32 { return 4 }, func() time.Duration { return time.Second })

	report := m.Sweep(time.Now())
	if report.RepairsMade == 0 {
		t.Fatal("expected a repair for a stale in-progress address")
	}
	if len(reg.released) != 1 || reg.released[0] != 3 {
		t.Errorf("expected address 3 force-released, got %v", reg.released)
	}
}

func TestSweepReapsStuckWorkers(t *testing.T) {
	reg := &fakeRegistry{}
	pool := &fakePool{reaped: 2}
	m := New(reg, pool, &fakeHashService{}, eventbus.New(), func() uint32 { return 4 }, nil)

	report := m.Sweep(time.Now())
	if report.RepairsMade != 2 {
		t.Errorf("expected repairs_made=2 from reaped stuck workers, got %d", report.RepairsMade)
	}
}

func TestSweepReleasesOrphanedSlot(t *testing.T) {
	reg := registry.New()
	if err := reg.Load([]registry.Address{{Index: 0, Bech32: "addr0", PubkeyHex: "ab"}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := reg.MarkRegistered(0); err != nil {
		t.Fatalf("MarkRegistered: %v", err)
	}

	started := make(chan struct{})
	doneCh := make(chan struct{})
	run := func(ctx context.Context, slot *workerpool.Slot, a registry.Assignable, challengeID string) {
		close(started)
		<-ctx.Done()
		close(doneCh)
	}
	pool := workerpool.New(1, reg, eventbus.New(), run)
	pool.Tick("C1")

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected the solver task to start")
	}

	// simulate the assignment being reset out from under the running slot (e.g. a
	// challenge rotation's ForceRelease racing the in-flight solve).
	reg.ForceRelease(0)

	m := New(reg, pool, &fakeHashService{}, eventbus.New(), func() uint32 { return 1 }, func() time.Duration { return time.Second })
	report := m.Sweep(time.Now())

	if report.RepairsMade == 0 {
		t.Fatal("expected a repair for an orphaned slot")
	}
	found := false
	for _, d := range report.Details {
		if d == "orphaned worker released" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an orphaned-worker detail, got %v", report.Details)
	}

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("expected ReleaseOrphan to cancel the slot's context")
	}
}

func TestHashrateDropTriggersShrink(t *testing.T) {
	reg := &fakeRegistry{}
	pool := &fakePool{}
	hs := &fakeHashService{}
	m := New(reg, pool, hs, eventbus.New(), func() uint32 { return 4 }, nil)

	base := time.Now()
	pool.totalHashes = 1000
	m.Sweep(base)

	pool.totalHashes = 1000 + 121000
	m.Sweep(base.Add(baselineWindow + time.Second)) // establishes baseline 1000 h/s (121000 hashes / 121s)

	// simulate a collapse: rate drops far below 70% of baseline, sustained past dropWindow.
	// With EWMA alpha 0.3 the smoothed rate goes 1000 -> 703 -> ~495, first falling below
	// 700 on the third sample, and stays below for the following 60s.
	pool.totalHashes = 122010
	m.Sweep(base.Add(baselineWindow + 2*time.Second))
	pool.totalHashes = 122020
	m.Sweep(base.Add(baselineWindow + 3*time.Second))
	pool.totalHashes = 122030
	m.Sweep(base.Add(baselineWindow + dropWindow + 3*time.Second))

	if hs.shrinkCalls == 0 {
		t.Error("expected ShrinkOnAnomaly to be called after a sustained hashrate drop")
	}
}
