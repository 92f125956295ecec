// Package solver implements the inner hashing loop for one (address, challenge): iterate
// nonces in batches until a hit or preemption.
package solver

import (
	"context"
	"time"

	"github.com/windrift/scavenger-miner/internal/hashservice"
	"github.com/windrift/scavenger-miner/internal/util"
)

// Challenge is the subset of Challenge data the Solver needs; kept decoupled from the
// poller package.
type Challenge struct {
	ID         string
	Difficulty util.Difficulty
	Input      hashservice.ChallengeInput
}

// Outcome discriminates the two Solver results.
type Outcome int

const (
	OutcomeSolution Outcome = iota
	OutcomeAborted
)

// SolutionCandidate is returned on a hit.
type SolutionCandidate struct {
	AddressIdx  uint32
	ChallengeID string
	Nonce       uint64
	Digest      [32]byte
}

// Result is the Solver's return value: exactly one of Solution/AbortReason is set.
type Result struct {
	Outcome     Outcome
	Solution    SolutionCandidate
	AbortReason string
}

const batchDeadline = 10 * time.Second

// Heartbeat is called once per batch so the owning WorkerSlot can record hashrate.
type Heartbeat func(hashesInBatch uint64)

// Run executes the Solver algorithm for one (address, challenge) pair. It returns a
// Solution on a hit, or Aborted when ctx is cancelled (challenge rotation, stop,
// stuck-reap, or pause) between batches. All nonces are unsigned 64-bit; wraparound is
// treated as an abort rather than a retry.
func Run(ctx context.Context, hs *hashservice.Service, addressIdx uint32, address string, pubkeyHex string, challenge Challenge, heartbeat Heartbeat) Result {
	pubkey, err := decodePubkey(pubkeyHex)
	if err != nil {
		return Result{Outcome: OutcomeAborted, AbortReason: "invalid pubkey: " + err.Error()}
	}

	nonce := hashservice.StartingNonce(address, challenge.ID)

	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeAborted, AbortReason: "preempted"}
		default:
		}

		batch := hs.CurrentBatch()
		build := func(n uint64) []byte {
			return hashservice.BuildPreimage(challenge.Input, pubkey, n)
		}

		deadline := time.Now().Add(batchDeadline)
		res, err := hs.HashBatch(ctx, build, nonce, batch, deadline)
		if err != nil {
			util.Warnf("solver: hash_batch error for address %d: %v", addressIdx, err)
			return Result{Outcome: OutcomeAborted, AbortReason: "hash service unavailable"}
		}

		for i, digest := range res.Digests {
			d := digest
			if util.MeetsDifficulty(d[:], challenge.Difficulty) {
				return Result{
					Outcome: OutcomeSolution,
					Solution: SolutionCandidate{
						AddressIdx:  addressIdx,
						ChallengeID: challenge.ID,
						Nonce:       res.Nonces[i],
						Digest:      d,
					},
				}
			}
		}

		if heartbeat != nil {
			heartbeat(uint64(res.Consumed))
		}

		if res.Consumed == 0 && res.TimedOut {
			// a batch deadline with zero returned: HashService already recorded the
			// timeout internally; continue with whatever the (possibly now reduced)
			// batch size is on the next iteration.
			continue
		}

		next := nonce + uint64(res.Consumed)
		if next < nonce {
			return Result{Outcome: OutcomeAborted, AbortReason: "nonce wraparound"}
		}
		nonce = next
	}
}

func decodePubkey(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := util.HexToBytes(hexStr)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		// allow test/mock pubkeys shorter than the real 32-byte contract by padding,
		// the same left-pad convention util.PadBytes uses elsewhere
		b = util.PadBytes(b, 32)
		if len(b) != 32 {
			b = b[:32]
		}
	}
	copy(out[:], b)
	return out, nil
}
