// Package token issues the signed session tokens carried by callback URLs
// and by the purchase API.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("token: invalid token")

const DefaultTTL = time.Hour

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token naming the session.
func (i *Issuer) Issue(sessionID uuid.UUID) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sid": sessionID.String(),
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the session id.
func (i *Issuer) Verify(raw string) (uuid.UUID, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	sid, ok := claims["sid"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: missing sid", ErrInvalidToken)
	}
	id, err := uuid.Parse(sid)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: sid: %v", ErrInvalidToken, err)
	}
	return id, nil
}
