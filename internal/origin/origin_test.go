package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"https://example.com", "https://example.com", "example.com", true},
		{"HTTPS://EXAMPLE.com", "https://example.com", "example.com", true},
		{"https://example.com:443", "https://example.com", "example.com", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"http://example.com:8080", "http://example.com:8080", "example.com:8080", true},
		{"https://[2001:db8::1]:8443", "https://[2001:db8::1]:8443", "[2001:db8::1]:8443", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
		{"https://[2001:db8::1", "", "", false},
	}
	for _, c := range cases {
		norm, host, ok := Normalize(c.in)
		if ok != c.wantOK || norm != c.wantNorm || host != c.wantHost {
			t.Fatalf("Normalize(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.in, norm, host, ok, c.wantNorm, c.wantHost, c.wantOK)
		}
	}
}

func TestAllowedWithAllowList(t *testing.T) {
	list := []string{"https://app.example.com"}

	if !Allowed("https://app.example.com", "app.example.com", "signal.internal:8080", list) {
		t.Fatalf("listed origin rejected")
	}
	if Allowed("https://evil.example.com", "evil.example.com", "signal.internal:8080", list) {
		t.Fatalf("unlisted origin accepted")
	}
	if !Allowed("https://anything.example", "anything.example", "x", []string{"*"}) {
		t.Fatalf("wildcard did not match")
	}
}

func TestAllowedSameHostDefault(t *testing.T) {
	if !Allowed("http://localhost:8080", "localhost:8080", "localhost:8080", nil) {
		t.Fatalf("same host rejected")
	}
	// Default ports on either side compare equal.
	if !Allowed("https://example.com", "example.com", "example.com:443", nil) {
		t.Fatalf("default https port not treated as equivalent")
	}
	if Allowed("http://other.com", "other.com", "localhost:8080", nil) {
		t.Fatalf("cross-host origin accepted by default policy")
	}
	if Allowed("null", "", "localhost:8080", nil) {
		t.Fatalf("null origin accepted by default policy")
	}
}

func TestCheckRequest(t *testing.T) {
	if _, ok := CheckRequest("", "localhost:8080", nil); !ok {
		t.Fatalf("missing Origin header should pass")
	}
	if _, ok := CheckRequest("garbage origin", "localhost:8080", []string{"*"}); ok {
		t.Fatalf("malformed origin should fail even with wildcard list")
	}
	norm, ok := CheckRequest("https://app.example.com", "x", []string{"https://app.example.com"})
	if !ok || norm != "https://app.example.com" {
		t.Fatalf("CheckRequest = (%q, %v)", norm, ok)
	}
}
