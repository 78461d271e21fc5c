package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// Keys issues and verifies auth keys. An auth key is an HS256 JWT whose
// subject is the user id.
type Keys struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewKeys creates a key issuer. The secret must not be empty.
func NewKeys(secret []byte, issuer string) (*Keys, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth key secret must not be empty")
	}
	return &Keys{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Issue returns a signed auth key for userID. A zero ttl issues a key without expiry.
func (k *Keys) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}

	now := k.now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		Issuer:   k.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign auth key: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of authKey and returns its user id.
// Every failure wraps transport.ErrInvalidCredential.
func (k *Keys) Verify(authKey string) (string, error) {
	if authKey == "" {
		return "", fmt.Errorf("%w: missing auth key", transport.ErrInvalidCredential)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(k.now),
	}
	if k.issuer != "" {
		options = append(options, jwt.WithIssuer(k.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(authKey, claims, func(token *jwt.Token) (any, error) {
		return k.secret, nil
	}, options...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrInvalidCredential, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: auth key has no subject", transport.ErrInvalidCredential)
	}
	return claims.Subject, nil
}
