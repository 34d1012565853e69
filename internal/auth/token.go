package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const DefaultTokenLifetime = 24 * time.Hour

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenClaims carries the user ID in the standard subject claim.
type TokenClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Authenticator issues and verifies HS256 access tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

func NewAuthenticator(secret, issuer string, lifetime time.Duration) *Authenticator {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		lifetime: lifetime,
		now:      time.Now,
	}
}

func (a *Authenticator) Issue(p Principal) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.lifetime)

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Role: p.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (a *Authenticator) Verify(tokenString string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return Principal{}, ErrInvalidToken
	}

	role := claims.Role
	if role == "" {
		role = RoleMember
	}
	return Principal{UserID: claims.Subject, Role: role}, nil
}
