package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SignalingPath != DefaultSignalingPath {
		t.Fatalf("SignalingPath=%q, want %q", cfg.SignalingPath, DefaultSignalingPath)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode=%q, want none", cfg.AuthMode)
	}
	if cfg.ICEBatchDelay != DefaultICEBatchDelay {
		t.Fatalf("ICEBatchDelay=%v, want %v", cfg.ICEBatchDelay, DefaultICEBatchDelay)
	}
	if len(cfg.STUNServers) != 2 {
		t.Fatalf("STUNServers=%v, want the two public defaults", cfg.STUNServers)
	}
	if len(cfg.TURNServers) != 0 {
		t.Fatalf("TURNServers=%v, want none by default", cfg.TURNServers)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("RedisAddr=%q, want disabled by default", cfg.RedisAddr)
	}
}

func TestLoad_EnvBecomesFlagDefault(t *testing.T) {
	env := map[string]string{
		"MESHVOICE_LISTEN_ADDR": "0.0.0.0:9000",
		"ICE_BATCH_DELAY":       "80ms",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr=%q, want env value", cfg.ListenAddr)
	}
	if cfg.ICEBatchDelay != 80*time.Millisecond {
		t.Fatalf("ICEBatchDelay=%v, want 80ms", cfg.ICEBatchDelay)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	env := map[string]string{"MESHVOICE_LISTEN_ADDR": "0.0.0.0:9000"}
	cfg, err := load(lookupFrom(env), []string{"--listen-addr", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestLoad_ProdModeDefaultsToJSONLogs(t *testing.T) {
	cfg, err := load(lookupFrom(nil), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q, want json in prod", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want info in prod", cfg.LogLevel)
	}
}

func TestLoad_AuthModeRequiresSecret(t *testing.T) {
	if _, err := load(lookupFrom(map[string]string{"AUTH_MODE": "api_key"}), nil); err == nil {
		t.Fatalf("expected error for api_key mode without API_KEY")
	}
	if _, err := load(lookupFrom(map[string]string{"AUTH_MODE": "jwt"}), nil); err == nil {
		t.Fatalf("expected error for jwt mode without JWT_SECRET")
	}
	cfg, err := load(lookupFrom(map[string]string{"AUTH_MODE": "jwt", "JWT_SECRET": "s3cret"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeJWT {
		t.Fatalf("AuthMode=%q, want jwt", cfg.AuthMode)
	}
}

func TestLoad_TURNRequiresCredentials(t *testing.T) {
	env := map[string]string{"MESHVOICE_TURN_URLS": "turn:turn.example.com:3478"}
	if _, err := load(lookupFrom(env), nil); err == nil {
		t.Fatalf("expected error for TURN urls without credentials")
	}

	env["MESHVOICE_TURN_USERNAME"] = "user"
	env["MESHVOICE_TURN_CREDENTIAL"] = "pass"
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.TURNServers) != 1 || cfg.TURNServers[0].Username != "user" {
		t.Fatalf("TURNServers=%+v, want one configured server", cfg.TURNServers)
	}
}

func TestLoad_TURNRESTSecret(t *testing.T) {
	// The secret alone is useless without TURN URLs to mint credentials for.
	if _, err := load(lookupFrom(map[string]string{"MESHVOICE_TURN_REST_SECRET": "s"}), nil); err == nil {
		t.Fatalf("expected error for REST secret without TURN urls")
	}

	env := map[string]string{
		"MESHVOICE_TURN_URLS":        "turn:turn.example.com:3478",
		"MESHVOICE_TURN_REST_SECRET": "s3cret",
		"MESHVOICE_TURN_REST_TTL":    "30m",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TURNRESTSecret != "s3cret" || cfg.TURNRESTTTL != 30*time.Minute {
		t.Fatalf("TURN REST config = (%q, %v)", cfg.TURNRESTSecret, cfg.TURNRESTTTL)
	}
	// Static credentials are optional once the secret is set.
	if len(cfg.TURNServers) != 1 || cfg.TURNServers[0].Username != "" {
		t.Fatalf("TURNServers=%+v", cfg.TURNServers)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"bad mode", nil, []string{"--mode", "staging"}},
		{"bad log level", nil, []string{"--log-level", "loud"}},
		{"zero batch delay", map[string]string{"ICE_BATCH_DELAY": "0s"}, nil},
		{"ping >= idle", nil, []string{"--ws-ping-interval", "2m", "--ws-idle-timeout", "1m"}},
		{"bad stun scheme", map[string]string{"MESHVOICE_STUN_URLS": "https://example.com"}, nil},
		{"bad path", nil, []string{"--signaling-path", "ws"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(lookupFrom(tt.env), tt.args); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSplitCommaSeparated(t *testing.T) {
	got := splitCommaSeparated(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}
	if splitCommaSeparated("  ") != nil {
		t.Fatalf("blank input should produce nil")
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"ALLOWED_ORIGINS": "https://a.example,https://b.example"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || !strings.HasPrefix(cfg.AllowedOrigins[0], "https://a") {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
}
