// Package auth attributes requests to a principal. Anything that fails
// verification is treated as a guest.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal identifies an authenticated user. Guest is the zero value.
type Principal string

const Guest Principal = ""

func (p Principal) IsGuest() bool { return p == Guest }

func (p Principal) String() string {
	if p == Guest {
		return "guest"
	}
	return string(p)
}

// Verifier maps a bearer token to a principal.
type Verifier interface {
	VerifyPrincipal(ctx context.Context, token string) (Principal, bool)
}

// GuestVerifier rejects every token.
type GuestVerifier struct{}

func (GuestVerifier) VerifyPrincipal(context.Context, string) (Principal, bool) {
	return Guest, false
}

var ErrNoSecret = errors.New("jwt secret is empty")

// JWTVerifier checks HMAC-signed tokens and takes the principal from the
// subject claim.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

func (v *JWTVerifier) VerifyPrincipal(_ context.Context, token string) (Principal, bool) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Guest, false
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Guest, false
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return Guest, false
	}
	return Principal(sub), true
}

// Issue mints a token for principal valid for ttl.
func (v *JWTVerifier) Issue(principal Principal, ttl time.Duration) (string, error) {
	if principal.IsGuest() {
		return "", errors.New("cannot issue a token for a guest")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(principal),
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
