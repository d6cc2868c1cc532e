package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures everything the orchestrator needs from the environment so
// main stays lean. Provider sections are optional: leaving a section unset
// disables the matching feature rather than failing startup.
type Config struct {
	Addr          string
	JWTSigningKey string

	PostgresURL string
	Redis       RedisConfig

	KYC      KYCConfig
	Liveness LivenessConfig
	Capture  CaptureConfig

	PollInterval time.Duration
	// PollStallAfter is the number of consecutive non-terminal refreshes
	// before the poller reports a stall warning.
	PollStallAfter int
}

// RedisConfig mirrors the knobs the redis client wrapper understands.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KYCConfig configures the document-verification provider client.
type KYCConfig struct {
	BaseURL      string
	APIKey       string
	SharedSecret string
}

// LivenessConfig configures the face-liveness provider and the credential
// fallback exchange used by its capture widget.
type LivenessConfig struct {
	Enabled        bool
	Region         string
	IdentityPoolID string
	MinScore       float32
	// PrimaryTimeout bounds the ambient credential exchange before the
	// resolver falls through to the identity-pool exchange.
	PrimaryTimeout time.Duration
}

// CaptureConfig configures reference-photo storage and moderation.
type CaptureConfig struct {
	Bucket        string
	Region        string
	MaxImageBytes int64
	MinConfidence float32
	AvatarBaseURL string
}

// FromEnv builds a Config from environment variables with development
// defaults. Secrets have no defaults on purpose.
func FromEnv() Config {
	return Config{
		Addr:          envOr("VERIGATE_ADDR", ":8080"),
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		PostgresURL:   os.Getenv("POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		KYC: KYCConfig{
			BaseURL:      envOr("KYC_BASE_URL", "https://stationapi.veriff.com"),
			APIKey:       os.Getenv("KYC_API_KEY"),
			SharedSecret: os.Getenv("KYC_SHARED_SECRET"),
		},
		Liveness: LivenessConfig{
			Enabled:        os.Getenv("LIVENESS_ENABLED") != "" && os.Getenv("LIVENESS_ENABLED") != "0",
			Region:         envOr("AWS_REGION", "us-east-1"),
			IdentityPoolID: os.Getenv("COGNITO_IDENTITY_POOL_ID"),
			MinScore:       envFloat32("LIVENESS_MIN_SCORE", 0.90),
			PrimaryTimeout: envDuration("CREDENTIAL_PRIMARY_TIMEOUT", 5*time.Second),
		},
		Capture: CaptureConfig{
			Bucket:        os.Getenv("CAPTURE_BUCKET"),
			Region:        envOr("AWS_REGION", "us-east-1"),
			MaxImageBytes: int64(envInt("CAPTURE_MAX_IMAGE_BYTES", 20_000_000)),
			MinConfidence: envFloat32("MODERATION_MIN_CONFIDENCE", 60.0),
			AvatarBaseURL: os.Getenv("AVATAR_BASE_URL"),
		},
		PollInterval:   envDuration("VERIFICATION_POLL_INTERVAL", 5*time.Second),
		PollStallAfter: envInt("VERIFICATION_POLL_STALL_AFTER", 60),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat32(key string, fallback float32) float32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
