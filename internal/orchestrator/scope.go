package orchestrator

import (
	"time"

	"github.com/windrift/scavenger-miner/internal/registry"
)

// ChallengeScope is the per-challenge ephemeral view derived from AddressRegistry: which
// addresses have solved the current challenge, which submissions are in flight, and which
// addresses are paused. AddressRegistry remains the single writer; this is a read-only
// snapshot recomputed on demand rather than a second mutable copy of the same state, so
// the registry stays the only heavily-shared mutable structure.
type ChallengeScope struct {
	ChallengeID      string
	StartedAt        time.Time
	SolvedAddresses  []uint32
	SubmittedNonces  map[uint32]uint64
	PausedAddresses  map[uint32]time.Time
}

// ComputeChallengeScope builds a ChallengeScope from a registry snapshot for challengeID.
func ComputeChallengeScope(snapshot []registry.AddressState, challengeID string, startedAt time.Time) ChallengeScope {
	scope := ChallengeScope{
		ChallengeID:     challengeID,
		StartedAt:       startedAt,
		SubmittedNonces: make(map[uint32]uint64),
		PausedAddresses: make(map[uint32]time.Time),
	}
	for _, st := range snapshot {
		switch st.Assignment.Kind {
		case registry.AssignSolved:
			if st.Assignment.ChallengeID == challengeID {
				scope.SolvedAddresses = append(scope.SolvedAddresses, st.Address.Index)
			}
		case registry.AssignSubmitting:
			if st.Assignment.ChallengeID == challengeID {
				scope.SubmittedNonces[st.Address.Index] = st.Assignment.Nonce
			}
		case registry.AssignPausedUntil:
			scope.PausedAddresses[st.Address.Index] = st.Assignment.Deadline
		}
	}
	return scope
}
