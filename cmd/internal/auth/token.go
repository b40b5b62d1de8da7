// Package auth verifies bearer tokens and carries the caller's participant id.
//
// Identity is owned elsewhere: this package only checks HS256 JWTs whose subject
// is the participant id, and issues them for development and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)

const (
	DefaultIssuer    = "duet"
	DefaultTokenTTL  = 15 * time.Minute
	DefaultClockSkew = 30 * time.Second

	minSecretBytes = 32
)

// Claims is the minimal identity envelope propagated across HTTP/WS.
type Claims struct {
	ParticipantID string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Issuer        string
}

// Verifier validates access tokens.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// Config configures a TokenManager.
type Config struct {
	Secret    []byte
	Issuer    string
	TTL       time.Duration
	ClockSkew time.Duration
}

// TokenManager issues and verifies HS256 access tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	skew   time.Duration
}

// NewTokenManager validates cfg and applies defaults.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrConfig, minSecretBytes)
	}
	m := &TokenManager{
		secret: append([]byte(nil), cfg.Secret...),
		issuer: strings.TrimSpace(cfg.Issuer),
		ttl:    cfg.TTL,
		skew:   cfg.ClockSkew,
	}
	if m.issuer == "" {
		m.issuer = DefaultIssuer
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTokenTTL
	}
	if m.skew < 0 {
		m.skew = 0
	}
	return m, nil
}

// Issue signs a token for participantID valid from now for the configured TTL.
func (m *TokenManager) Issue(participantID string, now time.Time) (string, time.Time, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty participant id", ErrConfig)
	}
	exp := now.Add(m.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   participantID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and validity window at now (with clock skew leeway).
func (m *TokenManager) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	// Build a fresh parser per call; the time function pins validation to now.
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.skew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var rc jwt.RegisteredClaims
	if _, err := p.ParseWithClaims(token, &rc, func(*jwt.Token) (any, error) { return m.secret, nil }); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(rc.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{ParticipantID: rc.Subject, Issuer: rc.Issuer}
	if rc.IssuedAt != nil {
		out.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		out.ExpiresAt = rc.ExpiresAt.Time
	}
	return out, nil
}

// UnverifiedSubject returns the subject of token without checking its signature.
// Clients use it to learn their own participant id from a token they were handed.
func UnverifiedSubject(token string) (string, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &rc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(rc.Subject) == "" {
		return "", ErrInvalidToken
	}
	return rc.Subject, nil
}
