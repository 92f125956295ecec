package orchestrator

import (
	"testing"
	"time"

	"github.com/windrift/scavenger-miner/internal/registry"
)

func TestComputeChallengeScopeFiltersByChallenge(t *testing.T) {
	now := time.Now()
	snapshot := []registry.AddressState{
		{Address: registry.Address{Index: 1}, Assignment: registry.Assignment{Kind: registry.AssignSolved, ChallengeID: "c1"}},
		{Address: registry.Address{Index: 2}, Assignment: registry.Assignment{Kind: registry.AssignSolved, ChallengeID: "c0"}},
		{Address: registry.Address{Index: 3}, Assignment: registry.Assignment{Kind: registry.AssignSubmitting, ChallengeID: "c1", Nonce: 42}},
		{Address: registry.Address{Index: 4}, Assignment: registry.Assignment{Kind: registry.AssignPausedUntil, Deadline: now.Add(time.Minute)}},
	}

	scope := ComputeChallengeScope(snapshot, "c1", now)
	if len(scope.SolvedAddresses) != 1 || scope.SolvedAddresses[0] != 1 {
		t.Errorf("expected only address 1 solved for c1, got %v", scope.SolvedAddresses)
	}
	if scope.SubmittedNonces[3] != 42 {
		t.Errorf("expected submitted nonce 42 for address 3, got %v", scope.SubmittedNonces)
	}
	if _, ok := scope.PausedAddresses[4]; !ok {
		t.Error("expected address 4 present in paused addresses regardless of challenge")
	}
}
