package auth

import "crypto/subtle"

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrMissingCredentials
	}
	if v.Expected == "" {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return "", ErrInvalidCredentials
	}
	return "", nil
}
