package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	store, err := NewStore(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("NewStore: %v", err)
	}

	return store, mr
}

func TestNewStoreInvalidAddr(t *testing.T) {
	_, err := NewStore("127.0.0.1:1", "", 0)
	if err == nil {
		t.Error("expected error dialing an unreachable address")
	}
}

func TestRecordAndRecentSolutions(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		rec := SolutionRecord{
			ChallengeID: "c1",
			Address:     "addr1",
			Nonce:       uint64(i),
			SolvedAt:    base.Add(time.Duration(i) * time.Second),
			Accepted:    true,
		}
		if err := store.RecordSolution(ctx, rec); err != nil {
			t.Fatalf("RecordSolution: %v", err)
		}
	}

	recs, err := store.RecentSolutions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSolutions: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 solutions, got %d", len(recs))
	}
	if recs[0].Nonce != 2 {
		t.Errorf("expected most recent solution first (nonce 2), got %d", recs[0].Nonce)
	}
}

func TestRecentSolutionsRespectsLimit(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := SolutionRecord{Address: "addr1", Nonce: uint64(i), SolvedAt: time.Now().Add(time.Duration(i) * time.Second), Accepted: true}
		store.RecordSolution(ctx, rec)
	}

	recs, err := store.RecentSolutions(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSolutions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 solutions with limit 2, got %d", len(recs))
	}
}

func TestAddressStatsAccumulates(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	store.RecordSolution(ctx, SolutionRecord{Address: "addr1", ChallengeID: "c1", SolvedAt: now, Accepted: true})
	store.RecordSolution(ctx, SolutionRecord{Address: "addr1", ChallengeID: "c2", SolvedAt: now.Add(time.Minute), Accepted: true})

	stats, err := store.AddressStats(ctx, "addr1")
	if err != nil {
		t.Fatalf("AddressStats: %v", err)
	}
	if stats.SolutionCount != 2 {
		t.Errorf("expected solution count 2, got %d", stats.SolutionCount)
	}
	if stats.LastChallengeID != "c2" {
		t.Errorf("expected last challenge c2, got %s", stats.LastChallengeID)
	}
}

func TestAddressStatsIgnoresRejectedSubmissions(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	store.RecordSolution(ctx, SolutionRecord{Address: "addr1", SolvedAt: time.Now(), Accepted: false})

	stats, err := store.AddressStats(ctx, "addr1")
	if err != nil {
		t.Fatalf("AddressStats: %v", err)
	}
	if stats.SolutionCount != 0 {
		t.Errorf("expected rejected submission not counted, got %d", stats.SolutionCount)
	}
}

func TestAddressStatsUnknownAddress(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	stats, err := store.AddressStats(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("AddressStats: %v", err)
	}
	if stats.SolutionCount != 0 || stats.Address != "never-seen" {
		t.Errorf("expected zero-value stats for unseen address, got %+v", stats)
	}
}

func TestHashrateHistory(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := store.RecordHashrateSample(ctx, 1000.0*float64(i+1), at); err != nil {
			t.Fatalf("RecordHashrateSample: %v", err)
		}
	}

	samples, err := store.HashrateHistory(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("HashrateHistory: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 hashrate samples, got %d", len(samples))
	}
	if samples[0].Rate != 1000.0 {
		t.Errorf("expected first sample rate 1000, got %f", samples[0].Rate)
	}
}

func TestHashrateHistoryExcludesOlderSamples(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	store.RecordHashrateSample(ctx, 500.0, now.Add(-2*time.Hour))
	store.RecordHashrateSample(ctx, 900.0, now)

	samples, err := store.HashrateHistory(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("HashrateHistory: %v", err)
	}
	if len(samples) != 1 || samples[0].Rate != 900.0 {
		t.Fatalf("expected only the recent sample, got %+v", samples)
	}
}
