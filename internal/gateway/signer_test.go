package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRPCSignerDeriveWindow(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		if method != "derive_window" {
			t.Fatalf("unexpected method %s", method)
		}
		var p deriveWindowParams
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if p.Seed != "seed1" || p.Offset != 10 || p.Width != 2 {
			t.Fatalf("unexpected params: %+v", p)
		}
		return []derivedAddressWire{
			{Index: 10, Bech32: testAddress, PubkeyHex: "aa"},
			{Index: 11, Bech32: testAddress, PubkeyHex: "bb"},
		}, nil
	})
	defer srv.Close()

	signer := NewRPCSigner(srv.URL, time.Second)
	addrs, err := signer.DeriveWindow(context.Background(), "seed1", 10, 2)
	if err != nil {
		t.Fatalf("DeriveWindow: %v", err)
	}
	if len(addrs) != 2 || addrs[0].Index != 10 || addrs[0].PubkeyHex != "aa" || addrs[1].PubkeyHex != "bb" {
		t.Errorf("unexpected addresses: %+v", addrs)
	}
}

func TestRPCSignerSignMessage(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		if method != "sign_message" {
			t.Fatalf("unexpected method %s", method)
		}
		var p signMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if p.Index != 3 || string(p.Message) != "hello" {
			t.Fatalf("unexpected params: %+v", p)
		}
		return signedMessageWire{SignatureHex: "deadbeef", PubkeyHex: "cafe"}, nil
	})
	defer srv.Close()

	signer := NewRPCSigner(srv.URL, time.Second)
	sig, err := signer.SignMessage(context.Background(), 3, []byte("hello"))
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if sig.SignatureHex != "deadbeef" || sig.PubkeyHex != "cafe" {
		t.Errorf("unexpected signature: %+v", sig)
	}
}

func TestRPCSignerSignMessagePropagatesTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	signer := NewRPCSigner(srv.URL, time.Second)
	if _, err := signer.SignMessage(context.Background(), 0, []byte("x")); err == nil {
		t.Fatal("expected an error from a failing wallet endpoint")
	}
}
