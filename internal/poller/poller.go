// Package poller implements ChallengePoller: polls RemoteGateway for the active
// challenge, detects rotation, and triggers a per-challenge reset.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/util"
)

// Challenge mirrors the wire Challenge shape the gateway returns.
type Challenge struct {
	ID                string
	Difficulty        string // u32-bitmask-hex
	NoPreMine         string // 64-hex-bytes
	LatestSubmission  string // 64-hex-bytes
	HourSeed          string
}

// GatewayState discriminates get_challenge()'s Before | Active{Challenge} result.
type GatewayState int

const (
	StateBefore GatewayState = iota
	StateActive
)

// GatewayResponse is what RemoteGateway.get_challenge() returns.
type GatewayResponse struct {
	State     GatewayState
	Challenge Challenge
}

// Gateway is the narrow RemoteGateway surface the poller calls.
type Gateway interface {
	GetChallenge(ctx context.Context) (GatewayResponse, error)
}

const (
	pollInterval  = 5 * time.Second
	pollTimeout   = 10 * time.Second
	abortAwait    = 2 * time.Second
)

// RotationHandler is invoked on every detected rotation, in order: broadcast already
// happened by the time this runs. It must (1) signal Solvers to abort, (2) await
// acknowledgement up to abortAwait then reap, (3) run AddressRegistry.OnChallengeRotation.
// DevFeeCounter is preserved across challenges by construction — the poller never
// touches it.
type RotationHandler func(newChallenge Challenge)

// Poller owns the polling goroutine.
type Poller struct {
	gateway Gateway
	bus     *eventbus.Bus
	onRotate RotationHandler

	mu      sync.Mutex
	current Challenge
	active  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Poller. onRotate is called synchronously from the polling goroutine on
// every detected rotation.
func New(gw Gateway, bus *eventbus.Bus, onRotate RotationHandler) *Poller {
	return &Poller{gateway: gw, bus: bus, onRotate: onRotate}
}

// Start begins polling at a 5s cadence.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the polling goroutine and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	resp, err := p.gateway.GetChallenge(reqCtx)
	if err != nil {
		util.Warnf("poller: get_challenge error: %v", err)
		return
	}

	switch resp.State {
	case StateBefore:
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
		return
	case StateActive:
		if resp.Challenge.ID == "" {
			// active without full challenge data: retry before propagating
			util.Warnf("poller: active state with incomplete challenge data, will retry")
			return
		}
	}

	p.mu.Lock()
	isNew := !p.active || p.current.ID != resp.Challenge.ID
	if isNew {
		p.current = resp.Challenge
		p.active = true
	}
	p.mu.Unlock()

	if isNew {
		util.Infof("poller: challenge rotated to %s", resp.Challenge.ID)
		if p.bus != nil {
			p.bus.Publish(eventbus.TopicChallengeRotated, eventbus.Event{
				Type:   "challenge_rotated",
				Fields: map[string]interface{}{"new_id": resp.Challenge.ID},
			})
		}
		if p.onRotate != nil {
			p.onRotate(resp.Challenge)
		}
	}
}

// Current returns the last observed active challenge and whether one is active.
func (p *Poller) Current() (Challenge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.active
}

// AbortAwaitDeadline is exposed so OrchestratorCore's rotation handler can size its
// WorkerPool acknowledgement wait consistently with §4.F's 2s bound.
func AbortAwaitDeadline() time.Duration { return abortAwait }
