// Package pow implements the proof-of-work admission gate from
// spec.md §4.D: mint a challenge, verify a solution, single-use,
// bounded by capacity and TTL.
package pow

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/Curious-r/cumments/internal/domain"
)

const (
	DefaultCapacity  = 65536
	DefaultTTL       = 10 * time.Minute
	DefaultDifficulty = 20
	secretBytes      = 16
)

// VerifyErrorKind discriminates the verification failure modes named in
// spec.md §4.D.
type VerifyErrorKind int

const (
	ErrUnknownSecret VerifyErrorKind = iota
	ErrExpired
	ErrInsufficientWork
	ErrMalformed
)

// VerifyError wraps one of the named failure modes as a domain.Error
// of KindPowFailed.
type VerifyError struct {
	Kind VerifyErrorKind
}

func (e *VerifyError) Error() string {
	switch e.Kind {
	case ErrUnknownSecret:
		return "unknown or already-consumed challenge secret"
	case ErrExpired:
		return "challenge expired"
	case ErrInsufficientWork:
		return "insufficient proof of work"
	case ErrMalformed:
		return "malformed challenge response"
	default:
		return "proof of work verification failed"
	}
}

// Gate mints and verifies proof-of-work challenges. LRU eviction
// bounds memory at Capacity entries; entries also carry an issued-at
// timestamp checked against TTL at Verify time, since golang-lru
// itself has no notion of time-based expiry.
type Gate struct {
	mu         sync.Mutex
	cache      *lru.Cache[string, time.Time]
	ttl        time.Duration
	difficulty int
}

// New builds a Gate with the given capacity, ttl, and difficulty (bits
// of required leading zeros). Zero values fall back to spec defaults.
func New(capacity int, ttl time.Duration, difficulty int) (*Gate, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if difficulty <= 0 {
		difficulty = DefaultDifficulty
	}
	cache, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "constructing challenge cache")
	}
	return &Gate{cache: cache, ttl: ttl, difficulty: difficulty}, nil
}

// Mint issues a new challenge: a random hex secret plus the required
// difficulty, recorded with its issue time.
func (g *Gate) Mint() (secret string, difficulty int, err error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", 0, errors.Wrap(err, "generating challenge secret")
	}
	secret = hex.EncodeToString(raw)

	g.mu.Lock()
	g.cache.Add(secret, time.Now())
	g.mu.Unlock()

	return secret, g.difficulty, nil
}

// Verify checks a "<secret>|<nonce>" response. The secret is consumed
// (removed) the moment it is found, before the expensive hash check
// runs, so two concurrent callers racing the same valid response can
// never both observe it unconsumed: whichever loses the race sees
// ErrUnknownSecret instead of a second success.
func (g *Gate) Verify(response string) error {
	secret, nonce, ok := splitResponse(response)
	if !ok {
		return domain.Wrap(domain.KindPowFailed, &VerifyError{Kind: ErrMalformed}, "malformed challenge response")
	}

	g.mu.Lock()
	issuedAt, found := g.cache.Get(secret)
	if !found {
		g.mu.Unlock()
		return domain.Wrap(domain.KindPowFailed, &VerifyError{Kind: ErrUnknownSecret}, "unknown challenge secret")
	}
	expired := time.Since(issuedAt) > g.ttl
	g.cache.Remove(secret)
	g.mu.Unlock()

	if expired {
		return domain.Wrap(domain.KindPowFailed, &VerifyError{Kind: ErrExpired}, "challenge expired")
	}

	if !hasLeadingZeroBits(hashOf(secret, nonce), g.difficulty) {
		return domain.Wrap(domain.KindPowFailed, &VerifyError{Kind: ErrInsufficientWork}, "insufficient proof of work")
	}

	return nil
}

func splitResponse(response string) (secret, nonce string, ok bool) {
	parts := strings.SplitN(response, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func hashOf(secret, nonce string) []byte {
	sum := blake2b.Sum256([]byte(secret + nonce))
	return sum[:]
}

func hasLeadingZeroBits(digest []byte, bits int) bool {
	fullBytes := bits / 8
	remainder := bits % 8

	for i := 0; i < fullBytes; i++ {
		if i >= len(digest) || digest[i] != 0 {
			return false
		}
	}
	if remainder == 0 {
		return true
	}
	if fullBytes >= len(digest) {
		return false
	}
	mask := byte(0xFF << (8 - remainder))
	return digest[fullBytes]&mask == 0
}

// Solve brute-forces a nonce satisfying difficulty for secret, without
// touching a Gate's cache. Exported for callers (tests, a bundled CLI
// challenge-solver) that need to produce a valid response outside the
// mint/verify lifecycle.
func Solve(secret string, difficulty int) string {
	for nonce := 0; ; nonce++ {
		candidate := strconv.Itoa(nonce)
		if hasLeadingZeroBits(hashOf(secret, candidate), difficulty) {
			return candidate
		}
	}
}
