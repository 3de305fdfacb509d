// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"anonchat.org/internal/obs"
)

const envPrefix = "ANONCHAT_"

// Config holds everything the binaries need to start.
type Config struct {
	// HTTP / gRPC
	Addr     string
	GRPCAddr string

	// Storage. Empty DSN selects the in-memory stores.
	PostgresDSN string

	// Tokens
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Identity proof
	BotToken string

	// Posture
	Env     string
	DevMode bool

	AllowedOrigins []string
	RateBurst      int
	RatePerSec     int
}

// Load reads configuration. A .env file in the working directory is applied
// first and never overrides variables already set in the environment.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:        getenv("ADDR", ":8080"),
		GRPCAddr:    getenv("GRPC_ADDR", ""),
		PostgresDSN: getenv("PG_DSN", ""),

		JWTSecret:  getenv("JWT_SECRET", ""),
		AccessTTL:  getdur("ACCESS_TTL", 15*time.Minute),
		RefreshTTL: getdur("REFRESH_TTL", 7*24*time.Hour),

		BotToken: getenv("BOT_TOKEN", ""),

		Env:     getenv("ENV", "development"),
		DevMode: getbool("DEV_MODE", false),

		RateBurst:  getint("RATE_BURST", 30),
		RatePerSec: getint("RATE_PER_SEC", 10),
	}

	if origins := getenv("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if cfg.JWTSecret == "" {
		if cfg.Env == "production" {
			obs.Logger().Println(`{"level":"fatal","msg":"missing required env","key":"ANONCHAT_JWT_SECRET"}`)
			os.Exit(1)
		}
		cfg.JWTSecret = "dev-secret-change-me"
	}

	return cfg
}

func getenv(k, def string) string {
	if v := os.Getenv(envPrefix + k); v != "" {
		return v
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(envPrefix + k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(envPrefix + k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
