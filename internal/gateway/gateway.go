// Package gateway defines the Signer/Registrar/RemoteGateway capability interfaces the
// orchestrator consumes, plus an HTTP/JSON-RPC adapter implementing RemoteGateway and
// Registrar directly (favored over headless-browser scraping where a direct protocol is
// available), and a multi-endpoint failover wrapper.
package gateway

import (
	"context"

	"github.com/windrift/scavenger-miner/internal/poller"
	"github.com/windrift/scavenger-miner/internal/submitter"
)

// DerivedAddress is one entry of a Signer-derived window.
type DerivedAddress struct {
	Index     uint32
	Bech32    string
	PubkeyHex string // 32 bytes, 64 hex chars
}

// SignedMessage is the result of Signer.sign_message.
type SignedMessage struct {
	SignatureHex string
	PubkeyHex    string
}

// Signer derives the wallet window and signs registration messages. Wallet key
// derivation and message signing live entirely outside the core; the core consumes this
// as an interface.
type Signer interface {
	DeriveWindow(ctx context.Context, seed string, offset, w uint32) ([]DerivedAddress, error)
	SignMessage(ctx context.Context, index uint32, message []byte) (SignedMessage, error)
}

// RegisterOutcome discriminates Registrar.register's result.
type RegisterOutcome int

const (
	Registered RegisterOutcome = iota
	AlreadyRegistered
	RegisterErrorTransient
	RegisterErrorPermanent
)

// Registrar records T&C acceptance with the remote service.
type Registrar interface {
	TandCMessage(ctx context.Context) (string, error)
	Register(ctx context.Context, address, signatureHex, pubkeyHex string) (RegisterOutcome, error)
}

// AddressSubmissions is the optional stats view.
type AddressSubmissions struct {
	Count      int
	Last       string
	Challenges []string
}

// RemoteGateway fetches the active challenge and posts solutions.
type RemoteGateway interface {
	GetChallenge(ctx context.Context) (poller.GatewayResponse, error)
	SubmitSolution(ctx context.Context, address, challengeID string, nonce uint64) (submitter.GatewayResult, error)
	GetAddressSubmissions(ctx context.Context, address string) (AddressSubmissions, error)
}

// DevFeeGateway fetches the externally-supplied developer address, cached for 1h and
// defaulting to "disabled" when absent.
type DevFeeGateway interface {
	DevFeeAddress(ctx context.Context) (addr string, enabled bool, err error)
}
