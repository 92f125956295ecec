package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/windrift/scavenger-miner/internal/configstore"
	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/gateway"
	"github.com/windrift/scavenger-miner/internal/hashservice"
	"github.com/windrift/scavenger-miner/internal/poller"
	"github.com/windrift/scavenger-miner/internal/registry"
	"github.com/windrift/scavenger-miner/internal/submitter"
)

type fakeSigner struct{ windowSize uint32 }

func (f *fakeSigner) DeriveWindow(ctx context.Context, seed string, offset, w uint32) ([]gateway.DerivedAddress, error) {
	out := make([]gateway.DerivedAddress, w)
	for i := uint32(0); i < w; i++ {
		out[i] = gateway.DerivedAddress{
			Index:     offset + i,
			Bech32:    "addr" + strings.Repeat("0", 4) + string(rune('a'+i)),
			PubkeyHex: strings.Repeat("ab", 32),
		}
	}
	return out, nil
}

func (f *fakeSigner) SignMessage(ctx context.Context, index uint32, message []byte) (gateway.SignedMessage, error) {
	return gateway.SignedMessage{SignatureHex: "sig", PubkeyHex: strings.Repeat("ab", 32)}, nil
}

type fakeRegistrar struct{}

func (f *fakeRegistrar) TandCMessage(ctx context.Context) (string, error) { return "accept these terms", nil }

func (f *fakeRegistrar) Register(ctx context.Context, address, signatureHex, pubkeyHex string) (gateway.RegisterOutcome, error) {
	return gateway.Registered, nil
}

type fakeRemote struct{}

func (f *fakeRemote) GetChallenge(ctx context.Context) (poller.GatewayResponse, error) {
	return poller.GatewayResponse{State: poller.StateBefore}, nil
}

func (f *fakeRemote) SubmitSolution(ctx context.Context, address, challengeID string, nonce uint64) (submitter.GatewayResult, error) {
	return submitter.GatewayResult{Kind: submitter.Accepted}, nil
}

func (f *fakeRemote) GetAddressSubmissions(ctx context.Context, address string) (gateway.AddressSubmissions, error) {
	return gateway.AddressSubmissions{}, nil
}

type fakeDevGateway struct{}

func (f *fakeDevGateway) DevFeeAddress(ctx context.Context) (string, bool, error) { return "", false, nil }

func newTestCore(t *testing.T) *Core {
	t.Helper()
	dir := t.TempDir()
	store, err := configstore.Load(dir + "/config.json")
	if err != nil {
		t.Fatalf("configstore.Load: %v", err)
	}
	bus := eventbus.New()
	hs := hashservice.New(bus, 300)
	reg := registry.New()

	return New(store, bus, hs, reg, &fakeRemote{}, &fakeSigner{}, &fakeRegistrar{}, &fakeDevGateway{}, "test-seed", 2)
}

func TestStartReachesMiningThenStopReturnsStopped(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx, "password"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != Mining {
		t.Fatalf("expected state Mining after Start, got %s", c.State())
	}
	if c.reg.RegisteredCount() != 2 {
		t.Fatalf("expected 2 registered addresses, got %d", c.reg.RegisteredCount())
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Stopped {
		t.Fatalf("expected state Stopped after Stop, got %s", c.State())
	}
}

func TestTotalHashesNonNegativeAcrossLifecycle(t *testing.T) {
	c := newTestCore(t)
	if c.TotalHashes() != 0 {
		t.Fatalf("expected zero hashes before Start, got %d", c.TotalHashes())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx, "password"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.TotalHashes() != c.pool.TotalHashes() {
		t.Fatalf("expected Core.TotalHashes to delegate to the worker pool's counter, got %d vs %d", c.TotalHashes(), c.pool.TotalHashes())
	}
}

func TestStartFailsOnEmptyAddressWindow(t *testing.T) {
	dir := t.TempDir()
	store, _ := configstore.Load(dir + "/config.json")
	bus := eventbus.New()
	hs := hashservice.New(bus, 300)
	reg := registry.New()

	c := New(store, bus, hs, reg, &fakeRemote{}, &fakeSigner{}, &fakeRegistrar{}, &fakeDevGateway{}, "seed", 0)
	if err := c.Start(context.Background(), "pw"); err == nil {
		t.Fatal("expected error starting with a zero-size address window")
	}
	if c.State() != FailedState {
		t.Fatalf("expected state Error after a failed start, got %s", c.State())
	}
}

func TestUpdateConfigPropagatesToComponents(t *testing.T) {
	c := newTestCore(t)
	workers := uint32(4)
	batch := uint32(500)
	devFee := false

	cfg, err := c.UpdateConfig(configstore.Patch{WorkerThreads: &workers, BatchSize: &batch, DevFeeEnabled: &devFee})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if cfg.WorkerThreads != 4 || cfg.BatchSize != 500 || cfg.DevFeeEnabled {
		t.Fatalf("unexpected config after update: %+v", cfg)
	}
	if c.hs.BaseBatch() != 500 {
		t.Errorf("expected hash service base batch updated to 500, got %d", c.hs.BaseBatch())
	}
	if c.devFee.Enabled() {
		t.Error("expected dev fee disabled after update")
	}
}

func TestStatusReflectsState(t *testing.T) {
	c := newTestCore(t)
	st := c.Status()
	if st.State != "Stopped" {
		t.Errorf("expected initial status state Stopped, got %s", st.State)
	}
	if len(st.Addresses) != 0 {
		t.Errorf("expected no addresses before Start, got %d", len(st.Addresses))
	}
}
