package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"gopkg.in/yaml.v3"
)

//go:embed kiosk.defaults.yaml
var kioskDefaultsYAML []byte

type Config struct {
	Database    DatabaseConfig
	Web         WebConfig
	Credential  CredentialConfig
	Attendance  AttendanceConfig
	Matcher     MatcherConfig
	FaceService FaceServiceConfig
	Log         LogConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type WebConfig struct {
	Host               string
	Port               int
	LoginRatePerMinute int      // login attempts per client IP per minute
	AllowedOrigins     []string // CORS origins; empty allows none
}

type CredentialConfig struct {
	Secret   string        // HMAC secret for kiosk tokens (required)
	TTL      time.Duration // default token lifetime (12h)
	Issuer   string
	Audience string
}

type AttendanceConfig struct {
	Timezone        string // IANA zone used for calendar-day boundaries (default Local)
	RejectOutOfZone bool   // turn out-of-zone check-ins into errors instead of recording inZone=false
	DefaultDevice   string
}

type MatcherConfig struct {
	Threshold float64 // maximum Euclidean distance accepted as a match
}

type FaceServiceConfig struct {
	URL string // defaults to http://localhost:8000
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a positive float, falling back to the default when unset or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration accepts Go durations ("12h") or a plain number of seconds ("43200").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Web: WebConfig{
			Host:               envString("WEB_HOST", "0.0.0.0"),
			Port:               envInt("WEB_PORT", 8080),
			LoginRatePerMinute: envInt("KIOSK_LOGIN_RATE", constants.DefaultLoginRatePerMinute),
			AllowedOrigins:     envList("WEB_ALLOWED_ORIGINS"),
		},
		Credential: CredentialConfig{
			Secret:   os.Getenv("KIOSK_TOKEN_SECRET"),
			TTL:      envDuration("KIOSK_TOKEN_TTL", constants.DefaultTokenTTL),
			Issuer:   envString("KIOSK_TOKEN_ISSUER", constants.DefaultTokenIssuer),
			Audience: envString("KIOSK_TOKEN_AUDIENCE", constants.DefaultTokenAudience),
		},
		Attendance: AttendanceConfig{
			Timezone:        os.Getenv("ATTENDANCE_TIMEZONE"),
			RejectOutOfZone: envBool("ATTENDANCE_REJECT_OUT_OF_ZONE"),
			DefaultDevice:   envString("ATTENDANCE_DEFAULT_DEVICE", constants.DefaultDeviceTag),
		},
		Matcher: MatcherConfig{
			Threshold: envFloat("MATCH_THRESHOLD", constants.DefaultMatchThreshold),
		},
		FaceService: FaceServiceConfig{
			URL: os.Getenv("FACE_SERVICE_URL"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
	}
}

// Location resolves the attendance timezone. An empty or unknown zone falls back to time.Local.
func (c *AttendanceConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// KioskConfig configures the unattended terminal runtime.
type KioskConfig struct {
	ServerURL          string        `yaml:"server_url"`
	Login              string        `yaml:"login"`
	Password           string        `yaml:"password"`
	CameraURL          string        `yaml:"camera_url"`
	FaceServiceURL     string        `yaml:"face_service_url"`
	CacheDir           string        `yaml:"cache_dir"`
	Device             string        `yaml:"device"`
	Direction          string        `yaml:"direction"`
	Cadence            time.Duration `yaml:"cadence"`
	Threshold          float64       `yaml:"threshold"`
	MinFaceWidth       float64       `yaml:"min_face_width"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MaxUnknownAttempts int           `yaml:"max_unknown_attempts"`
	ResultHold         time.Duration `yaml:"result_hold"`
	RevalidateSchedule string        `yaml:"revalidate_schedule"`
	Geo                *KioskGeo     `yaml:"geo,omitempty"`
}

// KioskGeo is the fixed position of the terminal, sent with every attendance request.
type KioskGeo struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// LoadKiosk decodes the embedded defaults, then the optional file at path,
// then applies KIOSK_* environment overrides.
func LoadKiosk(path string) (*KioskConfig, error) {
	var cfg KioskConfig
	if err := yaml.Unmarshal(kioskDefaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded kiosk.defaults.yaml: " + err.Error())
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is from trusted CLI flag
		if err != nil {
			return nil, fmt.Errorf("reading kiosk config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing kiosk config %s: %w", path, err)
		}
	}

	cfg.ServerURL = strings.TrimSuffix(envString("KIOSK_SERVER_URL", cfg.ServerURL), "/")
	cfg.Login = envString("KIOSK_LOGIN", cfg.Login)
	cfg.Password = envString("KIOSK_PASSWORD", cfg.Password)
	cfg.CameraURL = envString("KIOSK_CAMERA_URL", cfg.CameraURL)
	cfg.FaceServiceURL = envString("FACE_SERVICE_URL", cfg.FaceServiceURL)
	cfg.CacheDir = envString("KIOSK_CACHE_DIR", cfg.CacheDir)
	cfg.Threshold = envFloat("MATCH_THRESHOLD", cfg.Threshold)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the frame loop misbehave.
func (c *KioskConfig) Validate() error {
	if c.Direction != "in" && c.Direction != "out" {
		return fmt.Errorf("direction must be \"in\" or \"out\", got %q", c.Direction)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", c.Threshold)
	}
	if c.MinFaceWidth < 0 || c.MinFaceWidth >= 1 {
		return fmt.Errorf("min_face_width must be in [0, 1), got %v", c.MinFaceWidth)
	}
	if c.Cadence < 0 || c.Cooldown < 0 || c.ResultHold < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxUnknownAttempts <= 0 {
		return fmt.Errorf("max_unknown_attempts must be positive, got %d", c.MaxUnknownAttempts)
	}
	return nil
}
