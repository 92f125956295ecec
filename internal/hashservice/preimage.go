package hashservice

import "encoding/binary"

// ChallengeInput is the subset of a Challenge that feeds the preimage; kept decoupled
// from the poller/registry packages so hashservice has no upward dependency.
type ChallengeInput struct {
	NoPreMine         [32]byte
	LatestSubmission  [32]byte
	HourSeed          string
}

// BuildPreimage composes the canonical preimage(challenge, address, nonce): the
// orchestrator treats this layout as opaque, but it must be stable across restarts so
// that a deterministic starting_nonce never replays a previously-tried nonce.
//
// Layout: no_pre_mine(32) || latest_submission(32) || pubkey(32) || hour_seed-hash(32) ||
// nonce(8, big-endian).
func BuildPreimage(c ChallengeInput, pubkey [32]byte, nonce uint64) []byte {
	seed := hashHourSeed(c.HourSeed)

	buf := make([]byte, 32+32+32+32+8)
	copy(buf[0:32], c.NoPreMine[:])
	copy(buf[32:64], c.LatestSubmission[:])
	copy(buf[64:96], pubkey[:])
	copy(buf[96:128], seed[:])
	binary.BigEndian.PutUint64(buf[128:136], nonce)
	return buf
}

// hashHourSeed folds the variable-length hour seed string into a fixed 32-byte slot
// using the same blake3 primitive the ROM itself seeds from.
func hashHourSeed(seed string) [32]byte {
	return blake3Sum32([]byte(seed))
}

// StartingNonce derives a deterministic nonce for (address, challengeID) so a restarted
// Solver resumes scanning from the same point rather than replaying already-tried nonces.
func StartingNonce(address, challengeID string) uint64 {
	digest := blake3Sum32([]byte(address + "\x00" + challengeID))
	return binary.BigEndian.Uint64(digest[:8])
}
