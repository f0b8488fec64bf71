package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by signaling tokens. UserID, when present, pins the
// client's identity server-side so a client cannot impersonate another user.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret)}
}

func (v JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingCredentials
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidCredentials
	}
	return claims.UserID, nil
}
