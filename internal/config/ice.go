package config

import (
	"fmt"
	"strings"
)

const (
	envStunURLs       = "MESHVOICE_STUN_URLS"
	envTurnURLs       = "MESHVOICE_TURN_URLS"
	envTurnUsername   = "MESHVOICE_TURN_USERNAME"
	envTurnCredential = "MESHVOICE_TURN_CREDENTIAL"
)

// DefaultSTUNServers are used when no STUN URLs are configured. TURN has no
// default: relaying requires operator-provisioned credentials.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// TURNServer is a TURN endpoint forwarded to clients in the ice-servers
// event.
type TURNServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func parseICEFromValues(stunURLs, turnURLs, turnUsername, turnCredential string, restSecret bool) ([]string, []TURNServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	if len(stunList) == 0 {
		stunList = append([]string(nil), DefaultSTUNServers...)
	}
	for _, url := range stunList {
		if err := validateICEURL(url, "stun"); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
	}

	turnList := splitCommaSeparated(turnURLs)
	if len(turnList) == 0 {
		return stunList, nil, nil
	}

	turnUsername = strings.TrimSpace(turnUsername)
	turnCredential = strings.TrimSpace(turnCredential)
	if !restSecret && (turnUsername == "" || turnCredential == "") {
		return nil, nil, fmt.Errorf("%s/%s: both must be set when %s is set without %s", envTurnUsername, envTurnCredential, envTurnURLs, envVarTURNRESTSecret)
	}
	for _, url := range turnList {
		if err := validateICEURL(url, "turn"); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
	}

	turnServers := []TURNServer{{
		URLs:       turnList,
		Username:   turnUsername,
		Credential: turnCredential,
	}}
	return stunList, turnServers, nil
}

func validateICEURL(url, scheme string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("empty url")
	}
	if !strings.HasPrefix(url, scheme+":") && !strings.HasPrefix(url, scheme+"s:") {
		return fmt.Errorf("url %q must use the %s or %ss scheme", url, scheme, scheme)
	}
	return nil
}

func splitCommaSeparated(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
