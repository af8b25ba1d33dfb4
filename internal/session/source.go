// Package session observes the bearer credential supplied by the external
// session layer. Issuing and refreshing tokens stays outside this module; the
// engine only needs to know whether a usable credential currently exists.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source reports the current bearer credential. The second return is false
// when no usable credential exists; the push listener then parks in the
// disconnected state until one reappears.
type Source interface {
	Token() (string, bool)
}

// Static is a fixed credential, handy for tests and CLI usage.
type Static string

// Token implements Source.
func (s Static) Token() (string, bool) {
	token := strings.TrimSpace(string(s))
	return token, token != ""
}

// Holder is a swappable credential slot. The session layer calls Set whenever
// it obtains or loses a token; Clear removes it on logout.
type Holder struct {
	mu    sync.RWMutex
	token string
}

// NewHolder constructs a holder, optionally pre-filled.
func NewHolder(token string) *Holder {
	return &Holder{token: strings.TrimSpace(token)}
}

// Set replaces the stored credential.
func (h *Holder) Set(token string) {
	h.mu.Lock()
	h.token = strings.TrimSpace(token)
	h.mu.Unlock()
}

// Clear removes the stored credential.
func (h *Holder) Clear() {
	h.Set("")
}

// Token implements Source.
func (h *Holder) Token() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token, h.token != ""
}

// JWTSource wraps another source and reports the credential unusable once its
// exp claim has passed. The signature is not verified here; only the server
// can do that, and a forged token fails there anyway.
type JWTSource struct {
	next   Source
	leeway time.Duration
	now    func() time.Time
}

// NewJWTSource wraps next with expiry observation. The leeway is subtracted
// from the expiry so a token about to lapse mid-handshake already counts as
// unusable.
func NewJWTSource(next Source, leeway time.Duration) *JWTSource {
	return &JWTSource{
		next:   next,
		leeway: leeway,
		now:    time.Now,
	}
}

// Token implements Source.
func (s *JWTSource) Token() (string, bool) {
	token, ok := s.next.Token()
	if !ok {
		return "", false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", false
	}
	if exp != nil && !s.now().Add(s.leeway).Before(exp.Time) {
		return "", false
	}
	return token, true
}
