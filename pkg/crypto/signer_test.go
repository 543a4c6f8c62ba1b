package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in[:4], err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestSignTextRecover(t *testing.T) {
	signer, _ := GenerateKey()
	msg := []byte("hello spot")

	sig, err := signer.SignText(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature shape: len=%d v=%d", len(sig), sig[64])
	}

	got, err := RecoverText(msg, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}

	// 0/1 recovery ids are accepted too
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	if got, err := RecoverText(msg, raw); err != nil || got != signer.Address() {
		t.Errorf("recover with raw v: %s, %v", got.Hex(), err)
	}

	// a different message recovers a different address
	if got, _ := RecoverText([]byte("hello spot!"), sig); got == signer.Address() {
		t.Error("tampered message recovered the signer")
	}
}

func TestSignTextMatchesGethHash(t *testing.T) {
	signer, _ := GenerateKey()
	msg := []byte("abc")
	sig, _ := signer.SignText(msg)

	prefixed := []byte("\x19Ethereum Signed Message:\n3abc")
	pub, err := eth_crypto.SigToPub(eth_crypto.Keccak256(prefixed), append(sig[:64:64], sig[64]-27))
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if eth_crypto.PubkeyToAddress(*pub) != signer.Address() {
		t.Error("signature does not follow personal_sign hashing")
	}
}

func TestRequestSigning(t *testing.T) {
	signer, _ := GenerateKey()
	body := []byte(`{"pair":"ES/USD","side":"buy","type":"limit","price":"4750","quantity":"2"}`)
	hash, err := HashBody(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if hash != [32]byte(eth_crypto.Keccak256(body)) {
		t.Fatal("HashBody differs from keccak256")
	}

	m := RequestMessage{Method: "post", Path: "/api/v1/orders", Timestamp: 1767312000000, BodyHash: hash}
	if !strings.HasPrefix(string(m.Text()), "hyperspot request\nPOST /api/v1/orders\n") {
		t.Errorf("unexpected message text:\n%s", m.Text())
	}

	sigHex, err := signer.SignRequest(m)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := VerifyRequest(m, strings.ToLower(signer.Address().Hex()), sigHex)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if addr != signer.Address() {
		t.Errorf("verified %s, want %s", addr.Hex(), signer.Address().Hex())
	}

	tests := []struct {
		name    string
		mutate  func(RequestMessage) RequestMessage
		address string
		sig     string
	}{
		{"other path", func(m RequestMessage) RequestMessage { m.Path = "/api/v1/balances"; return m }, signer.Address().Hex(), sigHex},
		{"other timestamp", func(m RequestMessage) RequestMessage { m.Timestamp++; return m }, signer.Address().Hex(), sigHex},
		{"other body", func(m RequestMessage) RequestMessage { m.BodyHash[0] ^= 1; return m }, signer.Address().Hex(), sigHex},
		{"other address", func(m RequestMessage) RequestMessage { return m }, "0x0000000000000000000000000000000000000001", sigHex},
		{"bad address", func(m RequestMessage) RequestMessage { return m }, "alice", sigHex},
		{"bad hex", func(m RequestMessage) RequestMessage { return m }, signer.Address().Hex(), "0xzz"},
		{"short sig", func(m RequestMessage) RequestMessage { return m }, signer.Address().Hex(), "0x1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyRequest(tt.mutate(m), tt.address, tt.sig); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}

func TestHashBodyEmpty(t *testing.T) {
	h, err := HashBody(nil)
	if err != nil {
		t.Fatal(err)
	}
	if h != [32]byte(eth_crypto.Keccak256(nil)) {
		t.Error("empty body hash mismatch")
	}
}
