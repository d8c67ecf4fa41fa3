package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting read from the environment at startup.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	S3Endpoint       string `env:"S3_ENDPOINT" envDefault:"http://localhost:3900"`
	S3PublicEndpoint string `env:"S3_PUBLIC_ENDPOINT"`
	S3Bucket         string `env:"S3_BUCKET" envDefault:"awarelab"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Region         string `env:"S3_REGION" envDefault:"eu-central-1"`

	OEmbedURL         string        `env:"OEMBED_URL" envDefault:"https://www.youtube.com/oembed"`
	OEmbedCacheTTL    time.Duration `env:"OEMBED_CACHE_TTL" envDefault:"10m"`
	PlayerIdleTimeout time.Duration `env:"PLAYER_IDLE_TIMEOUT" envDefault:"2m"`

	GeoIPDatabasePath string `env:"GEOIP_DB_PATH"`

	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	WebDir     string `env:"WEB_DIR" envDefault:"web/dist"`
	EnableDocs bool   `env:"API_DOCS_ENABLED" envDefault:"false"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	return cfg, nil
}
