package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// RPCSigner forwards Signer calls to an external wallet process over JSON-RPC. Key
// material and signing never enter this process — RPCSigner only speaks the wire
// protocol, the same way HTTPGateway only speaks the remote service's protocol.
type RPCSigner struct {
	url       string
	client    *http.Client
	requestID atomic.Uint64
}

// NewRPCSigner builds a Signer adapter against an external wallet endpoint.
func NewRPCSigner(url string, timeout time.Duration) *RPCSigner {
	return &RPCSigner{url: url, client: &http.Client{Timeout: timeout}}
}

type deriveWindowParams struct {
	Seed   string `json:"seed"`
	Offset uint32 `json:"offset"`
	Width  uint32 `json:"width"`
}

type derivedAddressWire struct {
	Index     uint32 `json:"index"`
	Bech32    string `json:"bech32"`
	PubkeyHex string `json:"pubkey_hex"`
}

// DeriveWindow implements Signer.
func (s *RPCSigner) DeriveWindow(ctx context.Context, seed string, offset, w uint32) ([]DerivedAddress, error) {
	var wire []derivedAddressWire
	params := deriveWindowParams{Seed: seed, Offset: offset, Width: w}
	if err := rpcCall(ctx, s.client, s.url, &s.requestID, "derive_window", params, &wire); err != nil {
		return nil, err
	}
	out := make([]DerivedAddress, len(wire))
	for i, a := range wire {
		out[i] = DerivedAddress{Index: a.Index, Bech32: a.Bech32, PubkeyHex: a.PubkeyHex}
	}
	return out, nil
}

type signMessageParams struct {
	Index   uint32 `json:"index"`
	Message []byte `json:"message"`
}

type signedMessageWire struct {
	SignatureHex string `json:"signature_hex"`
	PubkeyHex    string `json:"pubkey_hex"`
}

// SignMessage implements Signer.
func (s *RPCSigner) SignMessage(ctx context.Context, index uint32, message []byte) (SignedMessage, error) {
	var wire signedMessageWire
	params := signMessageParams{Index: index, Message: message}
	if err := rpcCall(ctx, s.client, s.url, &s.requestID, "sign_message", params, &wire); err != nil {
		return SignedMessage{}, err
	}
	return SignedMessage{SignatureHex: wire.SignatureHex, PubkeyHex: wire.PubkeyHex}, nil
}
