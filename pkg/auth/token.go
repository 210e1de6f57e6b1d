package auth

import (
	"context"

	"github.com/pkg/errors"
)

// TokenProvider supplies a short-lived credential for one turn. The
// credential is fetched fresh for every submission and never cached across
// turns.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

var ErrEmptyToken = errors.New("token provider returned an empty credential")

// Static returns a provider that always hands out the same credential.
// Useful for development setups and tests.
func Static(token string) TokenProvider {
	return TokenProviderFunc(func(ctx context.Context) (string, error) {
		if token == "" {
			return "", ErrEmptyToken
		}
		return token, nil
	})
}
