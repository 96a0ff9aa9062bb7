package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryBuffer is subtracted from a token's expiry instant before
// comparing it against the clock, so a token counts as expired slightly
// early instead of racing network latency.
const DefaultExpiryBuffer = 60 * time.Second

// devSigningKey signs locally generated tokens. Tokens produced with it are
// fixtures for driving the refresh protocol, not credentials; the remote
// service is the only authority on token validity.
var devSigningKey = []byte("authpipe-dev-signing-key")

// Payload is the decoded claims section of an access or refresh token.
type Payload struct {
	SubjectID   string
	SubjectName string
	Role        string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// User is the identity carried in a token payload, persisted alongside the
// token pair.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// User returns the identity fields of the payload.
func (p *Payload) User() User {
	return User{ID: p.SubjectID, Name: p.SubjectName, Role: p.Role}
}

type claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Decode parses the payload segment of a token without verifying its
// signature; tokens are untrusted client-side hints and verification
// happens on the remote service. Returns an error on malformed input so
// callers can treat such tokens as effectively expired.
func Decode(raw string) (*Payload, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return nil, fmt.Errorf("malformed token: missing iat or exp claim")
	}
	return &Payload{
		SubjectID:   c.Subject,
		SubjectName: c.Name,
		Role:        c.Role,
		IssuedAt:    c.IssuedAt.Time,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}

// IsExpired reports whether the token is expired once buffer is subtracted
// from its expiry instant. Malformed tokens count as expired.
func IsExpired(raw string, buffer time.Duration) bool {
	p, err := Decode(raw)
	if err != nil {
		return true
	}
	return !time.Now().Before(p.ExpiresAt.Add(-buffer))
}

// Generate constructs an HS256-signed token for the given subject and ttl.
// It exists to drive the refresh protocol in tests and local tooling and is
// not cryptographically meaningful: real deployments use tokens issued by
// the identity provider.
func Generate(subjectID, subjectName, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Name: subjectName,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(devSigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
