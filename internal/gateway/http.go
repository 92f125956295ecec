package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/windrift/scavenger-miner/internal/poller"
	"github.com/windrift/scavenger-miner/internal/submitter"
	"github.com/windrift/scavenger-miner/internal/util"
)

// HTTPGateway is a direct-protocol RemoteGateway/Registrar adapter: a single JSON-RPC
// endpoint, favored over headless-browser scraping wherever the remote service exposes
// one. Scraping is a separate, concrete adapter behind the same interfaces — the core
// never knows which one it is talking to.
type HTTPGateway struct {
	url       string
	client    *http.Client
	requestID atomic.Uint64

	tandcCache     string
	tandcCachedAt  time.Time
	devFeeCache    string
	devFeeEnabled  bool
	devFeeCachedAt time.Time
}

// NewHTTPGateway builds an adapter against a single endpoint with the given timeout.
func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{url: url, client: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *HTTPGateway) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	return rpcCall(ctx, g.client, g.url, &g.requestID, method, params, out)
}

// rpcCall is the shared JSON-RPC 2.0 request/response cycle behind both HTTPGateway (the
// remote mining service) and RPCSigner (an external wallet process) — same envelope, same
// 5xx-as-transient treatment, different endpoints.
func rpcCall(ctx context.Context, client *http.Client, url string, reqID *atomic.Uint64, method string, params interface{}, out interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: reqID.Add(1)}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("gateway: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway: transport: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway: read body: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return &TransientError{StatusCode: resp.StatusCode}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("gateway: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("gateway: decode result: %w", err)
		}
	}
	return nil
}

// TransientError marks a response the Submitter/Registrar should retry rather than treat
// as a permanent rejection.
type TransientError struct{ StatusCode int }

func (e *TransientError) Error() string {
	return fmt.Sprintf("gateway: transient http status %d", e.StatusCode)
}

type challengeWire struct {
	State      string `json:"state"` // "before" | "active"
	ID         string `json:"id"`
	Difficulty string `json:"difficulty"`
	NoPreMine  string `json:"no_pre_mine"`
	Latest     string `json:"latest_submission"`
	HourSeed   string `json:"hour_seed"`
}

// GetChallenge implements RemoteGateway.
func (g *HTTPGateway) GetChallenge(ctx context.Context) (poller.GatewayResponse, error) {
	var wire challengeWire
	if err := g.call(ctx, "get_challenge", nil, &wire); err != nil {
		return poller.GatewayResponse{}, err
	}
	if wire.State != "active" {
		return poller.GatewayResponse{State: poller.StateBefore}, nil
	}
	return poller.GatewayResponse{
		State: poller.StateActive,
		Challenge: poller.Challenge{
			ID:               wire.ID,
			Difficulty:       wire.Difficulty,
			NoPreMine:        wire.NoPreMine,
			LatestSubmission: wire.Latest,
			HourSeed:         wire.HourSeed,
		},
	}, nil
}

type submitParams struct {
	Address     string `json:"address"`
	ChallengeID string `json:"challenge_id"`
	Nonce       uint64 `json:"nonce"`
}

type submitWire struct {
	Status  string `json:"status"` // "accepted" | "rejected_duplicate" | "rejected_invalid_nonce" |
	Receipt string `json:"receipt"` // "rejected_expired_challenge" | "rejected"
}

// SubmitSolution implements RemoteGateway.
func (g *HTTPGateway) SubmitSolution(ctx context.Context, address, challengeID string, nonce uint64) (submitter.GatewayResult, error) {
	var wire submitWire
	err := g.call(ctx, "submit_solution", submitParams{Address: address, ChallengeID: challengeID, Nonce: nonce}, &wire)
	if err != nil {
		if _, ok := err.(*TransientError); ok {
			return submitter.GatewayResult{Kind: submitter.Transient}, nil
		}
		return submitter.GatewayResult{}, err
	}

	switch wire.Status {
	case "accepted":
		return submitter.GatewayResult{Kind: submitter.Accepted, Receipt: wire.Receipt}, nil
	case "rejected_duplicate":
		return submitter.GatewayResult{Kind: submitter.RejectedDuplicate}, nil
	case "rejected_invalid_nonce":
		return submitter.GatewayResult{Kind: submitter.RejectedInvalidNonce}, nil
	case "rejected_expired_challenge":
		return submitter.GatewayResult{Kind: submitter.RejectedExpiredChallenge}, nil
	default:
		return submitter.GatewayResult{Kind: submitter.RejectedOther}, nil
	}
}

// GetAddressSubmissions implements RemoteGateway's optional stats view.
func (g *HTTPGateway) GetAddressSubmissions(ctx context.Context, address string) (AddressSubmissions, error) {
	var wire AddressSubmissions
	if err := g.call(ctx, "get_address_submissions", map[string]string{"address": address}, &wire); err != nil {
		return AddressSubmissions{}, err
	}
	return wire, nil
}

const tandcCacheTTL = 24 * time.Hour

// TandCMessage implements Registrar, cached for tandcCacheTTL (24h) after a successful
// fetch (the T&C text does not rotate the way challenges do).
func (g *HTTPGateway) TandCMessage(ctx context.Context) (string, error) {
	if g.tandcCache != "" && time.Since(g.tandcCachedAt) < tandcCacheTTL {
		return g.tandcCache, nil
	}
	var result struct {
		Message string `json:"message"`
	}
	if err := g.call(ctx, "tandc_message", nil, &result); err != nil {
		return "", err
	}
	g.tandcCache = result.Message
	g.tandcCachedAt = time.Now()
	return g.tandcCache, nil
}

// Register implements Registrar.
func (g *HTTPGateway) Register(ctx context.Context, address, signatureHex, pubkeyHex string) (RegisterOutcome, error) {
	if !util.ValidateAddress(address) {
		return RegisterErrorPermanent, fmt.Errorf("gateway: malformed address %q", address)
	}

	var result struct {
		Status string `json:"status"`
	}
	params := map[string]string{"address": address, "signature": signatureHex, "pubkey": pubkeyHex}
	if err := g.call(ctx, "register", params, &result); err != nil {
		if _, ok := err.(*TransientError); ok {
			return RegisterErrorTransient, nil
		}
		return RegisterErrorPermanent, err
	}
	switch result.Status {
	case "registered":
		return Registered, nil
	case "already_registered":
		return AlreadyRegistered, nil
	default:
		return RegisterErrorPermanent, fmt.Errorf("gateway: unexpected register status %q", result.Status)
	}
}

const devFeeCacheTTL = time.Hour

// DevFeeAddress implements DevFeeGateway, caching for 1h and defaulting to disabled when
// the endpoint has no address configured.
func (g *HTTPGateway) DevFeeAddress(ctx context.Context) (string, bool, error) {
	if !g.devFeeCachedAt.IsZero() && time.Since(g.devFeeCachedAt) < devFeeCacheTTL {
		return g.devFeeCache, g.devFeeEnabled, nil
	}

	var result struct {
		Address string `json:"address"`
	}
	if err := g.call(ctx, "dev_fee_address", nil, &result); err != nil {
		util.Warnf("gateway: dev fee address fetch failed, defaulting to disabled: %v", err)
		g.devFeeCache, g.devFeeEnabled, g.devFeeCachedAt = "", false, time.Now()
		return "", false, nil
	}

	g.devFeeCache = result.Address
	g.devFeeEnabled = result.Address != ""
	g.devFeeCachedAt = time.Now()
	return g.devFeeCache, g.devFeeEnabled, nil
}
