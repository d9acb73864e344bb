package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// TokenAuthenticator accepts a single static operator token. An empty token
// accepts every request as the anonymous subject.
type TokenAuthenticator struct {
	Token string
}

func NewTokenAuthenticator(token string) *TokenAuthenticator {
	return &TokenAuthenticator{Token: token}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	if a == nil || a.Token == "" {
		return Claims{Subject: "anonymous"}, nil
	}
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(a.Token)) != 1 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: "operator"}, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
