package service

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKey = "0x0123456789012345678901234567890123456789012345678901234567890123"

func testAction() orderAction {
	return orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset: 3,
			IsBuy: true,
			Price: "0.5354",
			Size:  "186",
			Type:  orderType{Limit: limitTif{Tif: tifAlo}},
		}},
		Grouping: "na",
	}
}

func TestActionHashDeterministic(t *testing.T) {
	a, err := ActionHash(testAction(), 1700000000000)
	if err != nil {
		t.Fatalf("ActionHash: %v", err)
	}
	b, _ := ActionHash(testAction(), 1700000000000)
	if !bytes.Equal(a, b) || len(a) != 32 {
		t.Fatalf("hash not stable: %x vs %x", a, b)
	}
	c, _ := ActionHash(testAction(), 1700000000001)
	if bytes.Equal(a, c) {
		t.Fatal("nonce must change the hash")
	}
}

func TestActionHashKeepsFieldOrder(t *testing.T) {
	// cloid пустой и не должен попасть в payload
	h1, _ := ActionHash(testAction(), 1)
	act := testAction()
	act.Orders[0].Cloid = "0x00000000000000000000000000000001"
	h2, _ := ActionHash(act, 1)
	if bytes.Equal(h1, h2) {
		t.Fatal("cloid must be part of the hashed action")
	}
}

func TestSignActionRecoversSigner(t *testing.T) {
	for _, mainnet := range []bool{true, false} {
		s, err := NewSigner(testKey, mainnet)
		if err != nil {
			t.Fatalf("NewSigner: %v", err)
		}
		sig, err := s.SignAction(testAction(), 42)
		if err != nil {
			t.Fatalf("SignAction: %v", err)
		}
		if sig.V != 27 && sig.V != 28 {
			t.Fatalf("v = %d", sig.V)
		}

		hash, _ := ActionHash(testAction(), 42)
		digest, err := s.agentDigest(hash)
		if err != nil {
			t.Fatalf("agentDigest: %v", err)
		}
		raw := append(append(hexutil.MustDecode(sig.R), hexutil.MustDecode(sig.S)...), sig.V-27)
		pub, err := crypto.SigToPub(digest, raw)
		if err != nil {
			t.Fatalf("SigToPub: %v", err)
		}
		if got := crypto.PubkeyToAddress(*pub); got != s.Address() {
			t.Fatalf("recovered %s, want %s", got.Hex(), s.Address().Hex())
		}
	}
}

func TestMainnetAndTestnetDigestsDiffer(t *testing.T) {
	main, _ := NewSigner(testKey, true)
	test, _ := NewSigner(testKey, false)
	hash, _ := ActionHash(testAction(), 7)
	d1, _ := main.agentDigest(hash)
	d2, _ := test.agentDigest(hash)
	if bytes.Equal(d1, d2) {
		t.Fatal("source byte must separate mainnet and testnet")
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	if _, err := NewSigner("0xnothex", true); err == nil {
		t.Fatal("expected error")
	}
}
