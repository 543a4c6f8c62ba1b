package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/uhyunpark/hyperspot/pkg/crypto"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const (
	userKey ctxKey = iota
	requestIDKey
)

// userFrom returns the authenticated address (EIP-55 checksummed)
func userFrom(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

// authenticate verifies a request signed with the user's Ethereum key.
//
// Headers:
//
//	X-Address:   0x... (claimed signer)
//	X-Timestamp: Unix milliseconds, within AuthWindow of server time
//	X-Signature: personal_sign over crypto.RequestMessage (method, path+query, timestamp, body hash)
//
// The checksummed address becomes the user id for every engine call.
func (s *Server) authenticate(r *http.Request) (string, error) {
	addr := r.Header.Get(crypto.HeaderAddress)
	sig := r.Header.Get(crypto.HeaderSignature)
	tsHeader := r.Header.Get(crypto.HeaderTimestamp)
	if addr == "" || sig == "" || tsHeader == "" {
		return "", fmt.Errorf("missing %s, %s or %s header", crypto.HeaderAddress, crypto.HeaderSignature, crypto.HeaderTimestamp)
	}
	return s.verify(r.Method, r.URL.RequestURI(), tsHeader, addr, sig, r.Body)
}

func (s *Server) verify(method, path, tsRaw, addr, sig string, body io.Reader) (string, error) {
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp %q", tsRaw)
	}
	now := s.clock.Now()
	signedAt := time.UnixMilli(ts)
	if d := now.Sub(signedAt); d > s.authWindow || d < -s.authWindow {
		return "", fmt.Errorf("timestamp outside the %s window", s.authWindow)
	}

	hash, err := crypto.HashBody(body)
	if err != nil {
		return "", err
	}
	msg := crypto.RequestMessage{Method: method, Path: path, Timestamp: ts, BodyHash: hash}
	user, err := crypto.VerifyRequest(msg, addr, sig)
	if err != nil {
		return "", err
	}
	// keyed by signer and message, not by the signature bytes, so a
	// re-encoded or malleated signature is still a replay
	key := user.Hex() + ":" + msg.Digest().Hex()
	if !s.replays.check(key, signedAt.Add(s.authWindow), now) {
		return "", fmt.Errorf("signature already used")
	}
	return user.Hex(), nil
}

// requireAuth wraps a handler that acts on behalf of a user. The body is
// buffered so it can be hashed and then decoded by the handler.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.respondError(w, r, http.StatusRequestEntityTooLarge, "body too large", err.Error())
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		user, err := s.authenticate(r)
		if err != nil {
			s.log.Debugw("auth_rejected", "path", r.URL.Path, "err", err)
			s.respondError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

// replayGuard remembers signed messages until their timestamp leaves the window.
type replayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time // signer:digest -> expiry
}

func newReplayGuard() *replayGuard {
	return &replayGuard{seen: make(map[string]time.Time)}
}

// check records key and reports whether it was unused
func (g *replayGuard) check(key string, expires, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, exp := range g.seen {
		if !exp.After(now) {
			delete(g.seen, k)
		}
	}
	if _, dup := g.seen[key]; dup {
		return false
	}
	g.seen[key] = expires
	return true
}
