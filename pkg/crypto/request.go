package crypto

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// HTTP headers carrying a signed request
const (
	HeaderAddress   = "X-Address"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// WebSocketPath is the path signed to authenticate a WebSocket connection
const WebSocketPath = "/ws"

// RequestMessage is the text a user signs to authenticate one HTTP call:
//
//	hyperspot request
//	POST /api/v1/orders
//	timestamp: 1767312000000
//	body: 0x<keccak256 of the body>
type RequestMessage struct {
	Method    string
	Path      string
	Timestamp int64 // Unix milliseconds
	BodyHash  [32]byte
}

func (m RequestMessage) Text() []byte {
	var b strings.Builder
	b.WriteString("hyperspot request\n")
	b.WriteString(strings.ToUpper(m.Method) + " " + m.Path + "\n")
	b.WriteString("timestamp: " + strconv.FormatInt(m.Timestamp, 10) + "\n")
	b.WriteString("body: 0x" + hex.EncodeToString(m.BodyHash[:]))
	return []byte(b.String())
}

// Digest is the EIP-191 hash the signature covers. Every valid encoding of
// a signature over m shares it.
func (m RequestMessage) Digest() common.Hash {
	return common.BytesToHash(accounts.TextHash(m.Text()))
}

// HashBody streams r through keccak256. An empty body hashes to keccak256("").
func HashBody(r io.Reader) ([32]byte, error) {
	var out [32]byte
	h := sha3.NewLegacyKeccak256()
	if r != nil {
		if _, err := io.Copy(h, r); err != nil {
			return out, fmt.Errorf("hash body: %w", err)
		}
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// WebSocketMessage is the message signed for a WebSocket upgrade: GET /ws
// with an empty body.
func WebSocketMessage(ts int64) RequestMessage {
	hash, _ := HashBody(nil)
	return RequestMessage{Method: "GET", Path: WebSocketPath, Timestamp: ts, BodyHash: hash}
}

// SignRequest returns the hex signature for the X-Signature header
func (s *Signer) SignRequest(m RequestMessage) (string, error) {
	sig, err := s.SignText(m.Text())
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifyRequest checks that sigHex over m was produced by claimed.
func VerifyRequest(m RequestMessage, claimed, sigHex string) (common.Address, error) {
	if !common.IsHexAddress(claimed) {
		return common.Address{}, fmt.Errorf("invalid address %q", claimed)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	got, err := RecoverText(m.Text(), sig)
	if err != nil {
		return common.Address{}, err
	}
	want := common.HexToAddress(claimed)
	if got != want {
		return common.Address{}, fmt.Errorf("signature by %s, not %s", got.Hex(), want.Hex())
	}
	return got, nil
}
