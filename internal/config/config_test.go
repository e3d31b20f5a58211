package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "DATABASE_MAX_OPEN_CONNS", "WEB_PORT", "KIOSK_TOKEN_TTL",
		"KIOSK_TOKEN_ISSUER", "MATCH_THRESHOLD", "ATTENDANCE_REJECT_OUT_OF_ZONE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("expected default max open conns 25, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Credential.TTL != 43200*time.Second {
		t.Errorf("expected default TTL 12h, got %v", cfg.Credential.TTL)
	}
	if cfg.Credential.Issuer != "presence-kiosk" {
		t.Errorf("expected default issuer, got '%s'", cfg.Credential.Issuer)
	}
	if cfg.Matcher.Threshold != 0.45 {
		t.Errorf("expected default threshold 0.45, got %v", cfg.Matcher.Threshold)
	}
	if cfg.Attendance.RejectOutOfZone {
		t.Error("out-of-zone check-ins should be permitted by default")
	}
}

func TestLoad_TokenTTL(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"8h", 8 * time.Hour},
		{"3600", time.Hour},
		{"invalid", 43200 * time.Second},
		{"-5", 43200 * time.Second},
		{"0", 43200 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("KIOSK_TOKEN_TTL", tt.value)
			cfg := Load()
			if cfg.Credential.TTL != tt.want {
				t.Errorf("expected TTL %v, got %v", tt.want, cfg.Credential.TTL)
			}
		})
	}
}

func TestLoad_MatchThreshold(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "0.38")
	if cfg := Load(); cfg.Matcher.Threshold != 0.38 {
		t.Errorf("expected threshold 0.38, got %v", cfg.Matcher.Threshold)
	}

	t.Setenv("MATCH_THRESHOLD", "abc")
	if cfg := Load(); cfg.Matcher.Threshold != 0.45 {
		t.Errorf("expected fallback threshold 0.45, got %v", cfg.Matcher.Threshold)
	}
}

func TestLoad_RejectOutOfZone(t *testing.T) {
	t.Setenv("ATTENDANCE_REJECT_OUT_OF_ZONE", "true")
	if cfg := Load(); !cfg.Attendance.RejectOutOfZone {
		t.Error("expected RejectOutOfZone to be enabled")
	}
}

func TestAttendanceLocation(t *testing.T) {
	cfg := AttendanceConfig{Timezone: "Europe/Prague"}
	if loc := cfg.Location(); loc.String() != "Europe/Prague" {
		t.Errorf("expected Europe/Prague, got %s", loc)
	}

	cfg = AttendanceConfig{Timezone: "Not/AZone"}
	if loc := cfg.Location(); loc != time.Local {
		t.Errorf("expected fallback to Local, got %s", loc)
	}
}

func TestLoadKiosk_Defaults(t *testing.T) {
	t.Setenv("KIOSK_SERVER_URL", "")
	t.Setenv("MATCH_THRESHOLD", "")

	cfg, err := LoadKiosk("")
	if err != nil {
		t.Fatalf("LoadKiosk() error = %v", err)
	}

	if cfg.Cadence != 300*time.Millisecond {
		t.Errorf("expected cadence 300ms, got %v", cfg.Cadence)
	}
	if cfg.Cooldown != time.Minute {
		t.Errorf("expected cooldown 60s, got %v", cfg.Cooldown)
	}
	if cfg.MinFaceWidth != 0.18 {
		t.Errorf("expected min face width 0.18, got %v", cfg.MinFaceWidth)
	}
	if cfg.MaxUnknownAttempts != 3 {
		t.Errorf("expected 3 unknown attempts, got %d", cfg.MaxUnknownAttempts)
	}
	if cfg.Direction != "in" {
		t.Errorf("expected direction 'in', got '%s'", cfg.Direction)
	}
	if cfg.Geo != nil {
		t.Error("expected no geo by default")
	}
}

func TestLoadKiosk_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiosk.yaml")
	content := `server_url: https://attendance.example.com/
login: central
direction: out
threshold: 0.4
geo:
  lat: 50.0755
  lng: 14.4378
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KIOSK_SERVER_URL", "")
	t.Setenv("KIOSK_PASSWORD", "from-env")
	t.Setenv("MATCH_THRESHOLD", "")

	cfg, err := LoadKiosk(path)
	if err != nil {
		t.Fatalf("LoadKiosk() error = %v", err)
	}

	if cfg.ServerURL != "https://attendance.example.com" {
		t.Errorf("expected trailing slash trimmed, got '%s'", cfg.ServerURL)
	}
	if cfg.Login != "central" {
		t.Errorf("expected login 'central', got '%s'", cfg.Login)
	}
	if cfg.Password != "from-env" {
		t.Errorf("expected password from env, got '%s'", cfg.Password)
	}
	if cfg.Direction != "out" {
		t.Errorf("expected direction 'out', got '%s'", cfg.Direction)
	}
	if cfg.Threshold != 0.4 {
		t.Errorf("expected threshold 0.4, got %v", cfg.Threshold)
	}
	// Values absent from the file keep their defaults.
	if cfg.Cadence != 300*time.Millisecond {
		t.Errorf("expected default cadence, got %v", cfg.Cadence)
	}
	if cfg.Geo == nil || cfg.Geo.Lat != 50.0755 {
		t.Errorf("expected geo from file, got %+v", cfg.Geo)
	}
}

func TestLoadKiosk_InvalidDirection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	if err := os.WriteFile(path, []byte("direction: sideways\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadKiosk(path); err == nil {
		t.Error("expected error for invalid direction")
	}
}

func TestLoadKiosk_MissingFile(t *testing.T) {
	if _, err := LoadKiosk(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	cfg := Load()
	if len(cfg.Web.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.Web.AllowedOrigins)
	}
	if cfg.Web.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("unexpected origin %q", cfg.Web.AllowedOrigins[1])
	}
}
