// Package storage provides historical persistence for the miner: solution
// receipts, aggregate hashrate samples, and per-address stats. It sits
// alongside configstore rather than replacing it — configstore owns the
// live, load-bearing runtime config; storage owns append-only history that
// the core does not need in memory to operate.
package storage

import "time"

// SolutionRecord is a persisted receipt of a solved challenge, kept for
// historical display independent of the in-core AddressRegistry (which only
// tracks the current challenge's assignments and forgets them on rotation).
type SolutionRecord struct {
	ChallengeID     string    `json:"challengeId"`
	AddressIndex    uint32    `json:"addressIndex"`
	Address         string    `json:"address"`
	Nonce           uint64    `json:"nonce"`
	Digest          string    `json:"digest"`
	SolvedAt        time.Time `json:"solvedAt"`
	IsDevSubmission bool      `json:"isDevSubmission"`
	Accepted        bool      `json:"accepted"`
}

// HashrateSample is one point of the aggregate hashrate history.
type HashrateSample struct {
	Timestamp time.Time `json:"timestamp"`
	Rate      float64   `json:"rate"`
}

// AddressStats is the running tally kept per address across challenges.
type AddressStats struct {
	Address         string    `json:"address"`
	SolutionCount   uint64    `json:"solutionCount"`
	LastSolutionAt  time.Time `json:"lastSolutionAt"`
	LastChallengeID string    `json:"lastChallengeId"`
}
