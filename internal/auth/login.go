package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Login exchanges a username and password for an access token.
type Login struct {
	users repository.UserRepository
	auth  *Authenticator
}

func NewLogin(users repository.UserRepository, auth *Authenticator) *Login {
	return &Login{users: users, auth: auth}
}

type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (l *Login) Authenticate(ctx context.Context, username, password string) (*Token, error) {
	user, err := l.users.GetByUsername(ctx, username)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !user.Enabled {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	signed, expires, err := l.auth.Issue(Principal{UserID: user.ID, Role: Role(user.Role)})
	if err != nil {
		return nil, err
	}

	return &Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: expires}, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
