// Package turnrest mints coturn-compatible time-limited TURN credentials
// (draft-uberti-behave-turn-rest), so clients receive short-lived relay
// credentials in the ice-servers event instead of a static shared password.
//
// Algorithm:
//
//	username   = <unix_expiry>:<prefix>:<user_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshvoice/meshvoice/internal/ratelimit"
)

const DefaultTTL = time.Hour

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	clock  ratelimit.Clock
}

func New(secret string, ttl time.Duration, prefix string, clock ratelimit.Clock) (*Generator, error) {
	if secret == "" {
		return nil, errors.New("shared secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "meshvoice"
	}
	if strings.Contains(prefix, ":") {
		return nil, errors.New("username prefix must not contain ':'")
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Generator{
		secret: []byte(secret),
		ttl:    ttl,
		prefix: prefix,
		clock:  clock,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// CredentialsFor mints credentials bound to userID. An empty or
// colon-bearing user id is replaced by a random one; TURN usernames only
// need to be traceable, not exact.
func (g *Generator) CredentialsFor(userID string) Credentials {
	if userID == "" || strings.Contains(userID, ":") {
		userID = uuid.NewString()
	}
	expiresAt := g.clock.Now().UTC().Add(g.ttl)
	username := fmt.Sprintf("%d:%s:%s", expiresAt.Unix(), g.prefix, userID)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expiresAt,
	}
}
