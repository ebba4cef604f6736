package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// NewChallenge returns 32 random bytes hex-encoded.
func NewChallenge() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// SolveChallenge computes the expected handshake answer: the hex HMAC-SHA256
// of the challenge string under the shared key.
func SolveChallenge(sharedKey, challenge string) string {
	mac := hmac.New(sha256.New, []byte(sharedKey))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge compares the client's answer in constant time.
func VerifyChallenge(sharedKey, challenge, response string) bool {
	return hmac.Equal([]byte(SolveChallenge(sharedKey, challenge)), []byte(response))
}

// RateLimiter tracks handshake failures per remote address over a sliding
// window. Defaults match DefaultFailureLimit within DefaultFailureWindow.
type RateLimiter struct {
	Limit  int
	Window time.Duration
	Now    func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	DefaultFailureLimit  = 5
	DefaultFailureWindow = 300 * time.Second
)

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Limit:    DefaultFailureLimit,
		Window:   DefaultFailureWindow,
		Now:      time.Now,
		failures: make(map[string][]time.Time),
	}
}

// Allow reports whether addr may attempt a handshake right now.
func (l *RateLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(addr)) < l.Limit
}

// RecordFailure notes one failed handshake for addr.
func (l *RateLimiter) RecordFailure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[addr] = append(l.prune(addr), l.Now())
}

// Reset clears addr's failure history after a successful handshake.
func (l *RateLimiter) Reset(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, addr)
}

func (l *RateLimiter) prune(addr string) []time.Time {
	cutoff := l.Now().Add(-l.Window)
	kept := l.failures[addr][:0]
	for _, t := range l.failures[addr] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, addr)
		return nil
	}
	l.failures[addr] = kept
	return kept
}
