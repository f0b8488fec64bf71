// Package auth verifies client credentials for the signaling surface.
//
// Three modes exist: none (open), api_key (shared secret), and jwt
// (HMAC-signed tokens carrying a user id claim).
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/meshvoice/meshvoice/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier checks one credential string. Verify returns the authenticated
// user id when the credential carries one (JWT), or "" otherwise.
type Verifier interface {
	Verify(credential string) (userID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AllowAll accepts every connection, including those without credentials.
type AllowAll struct{}

func (AllowAll) Verify(string) (string, error) { return "", nil }

// CredentialFromQuery extracts the credential for the given mode from a
// request's query parameters (the WebSocket handshake path).
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
