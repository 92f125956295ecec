package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/windrift/scavenger-miner/internal/poller"
)

func challengeServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestFailoverPrefersHigherWeight(t *testing.T) {
	low := challengeServer(t, `{"result":{"state":"before"},"error":null}`)
	defer low.Close()
	high := challengeServer(t, `{"result":{"state":"before"},"error":null}`)
	defer high.Close()

	m := NewFailoverGateway([]EndpointConfig{
		{Name: "low", URL: low.URL, Weight: 1},
		{Name: "high", URL: high.URL, Weight: 10},
	})
	if m.endpoints[0].name != "high" {
		t.Fatalf("expected high-weight endpoint first, got %s", m.endpoints[0].name)
	}
}

func TestFailoverFallsThroughOnFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := challengeServer(t, `{"result":{"state":"before"},"error":null}`)
	defer good.Close()

	m := NewFailoverGateway([]EndpointConfig{
		{Name: "bad", URL: bad.URL, Weight: 10},
		{Name: "good", URL: good.URL, Weight: 1},
	})

	resp, err := m.GetChallenge(context.Background())
	if err != nil {
		t.Fatalf("expected fallthrough to healthy endpoint, got err: %v", err)
	}
	if resp.State != poller.StateBefore {
		t.Errorf("unexpected state: %v", resp.State)
	}
}

func TestFailoverMarksUnhealthyAfterThreeFailures(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	m := NewFailoverGateway([]EndpointConfig{{Name: "bad", URL: bad.URL, Weight: 1}})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.checkAll(ctx)
	}
	if m.endpoints[0].isHealthy() {
		t.Error("expected endpoint marked unhealthy after 3 consecutive failures")
	}
}

func TestFailoverRecoversAfterSuccess(t *testing.T) {
	ep := &endpoint{name: "e", weight: 1, healthy: false, failCount: 5}
	ep.recordSuccess()
	if !ep.isHealthy() || ep.failCount != 0 {
		t.Error("expected recordSuccess to restore healthy state and reset failCount")
	}
}

func TestNoEndpointsReturnsError(t *testing.T) {
	m := NewFailoverGateway(nil)
	if _, err := m.GetChallenge(context.Background()); err == nil {
		t.Error("expected error with zero configured endpoints")
	}
}

func TestFailoverDevFeeAddress(t *testing.T) {
	srv := challengeServer(t, `{"result":{"address":"tos1devfee"},"error":null}`)
	defer srv.Close()

	m := NewFailoverGateway([]EndpointConfig{{Name: "e", URL: srv.URL, Weight: 1}})
	addr, enabled, err := m.DevFeeAddress(context.Background())
	if err != nil {
		t.Fatalf("DevFeeAddress: %v", err)
	}
	if addr != "tos1devfee" || !enabled {
		t.Errorf("expected enabled dev fee address, got addr=%q enabled=%v", addr, enabled)
	}
}

func TestFailoverStartStop(t *testing.T) {
	good := challengeServer(t, `{"result":{"state":"before"},"error":null}`)
	defer good.Close()

	m := NewFailoverGateway([]EndpointConfig{{Name: "good", URL: good.URL, Weight: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	m.Stop()
}
