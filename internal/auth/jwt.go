// Package auth issues and checks the bearer tokens that guard the kernel
// API.
//
// A token is an HS256-signed JWT whose subject names the client (a notebook
// front-end, a script, a CI job). Sessions are owned by that subject. Tokens
// are minted offline with `mojokernel token`; there is no login endpoint.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: algorithm + token type → {"alg":"HS256","typ":"JWT"}
//	- Payload: claims → {"sub":"notebook-1","iss":"mojo-kernel","exp":1234567890}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every token and required on validation.
const Issuer = "mojo-kernel"

// DefaultTTL is the lifetime of tokens issued without an explicit duration.
const DefaultTTL = 24 * time.Hour

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret. A zero ttl
// means DefaultTTL.
// Example: MOJOKERNEL_AUTH_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// claims is the JWT payload; "sub" holds the client ID.
type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a token for clientID with the service's default lifetime.
func (s *TokenService) Generate(clientID string) (string, error) {
	return s.GenerateWithDuration(clientID, s.ttl)
}

// GenerateWithDuration signs a token for clientID that expires after d.
func (s *TokenService) GenerateWithDuration(clientID string, d time.Duration) (string, error) {
	if clientID == "" {
		return "", errors.New("auth: client ID is required")
	}
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string and returns its subject.
//
// The jwt library checks the signature, expiry and issuer. Restricting the
// accepted methods to HS256 rejects "alg: none" and key-confusion tokens.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}

	return c.Subject, nil
}
