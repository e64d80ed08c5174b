package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the arena server.
type Config struct {
	Port     int
	LogLevel string

	// Auth
	JWTSecret string // shared secret for user tokens
	APIKey    string // operator key for admin endpoints

	// Database
	DatabaseURL string // PostgreSQL connection string; empty runs in-memory
	DataDir     string // local data directory for the SQLite match log

	// Sandbox containers
	DuelImage           string // image used for duel containers
	SessionTTLMin       int    // terminal session lifetime (minutes)
	ContainerMaxAgeMin  int    // container age sweep cutoff (minutes)
	MatchmakerTickSec   int    // pairing interval (seconds)
	CleanupIntervalMin  int    // sweep interval (minutes)

	// Optional integrations
	RedisURL        string // leaderboard index
	NATSURL         string // event stream; empty disables publishing
	SegmentWriteKey string // product analytics

	// AWS Secrets Manager: if set, secrets are fetched at startup using IAM
	// credentials. The secret should be a JSON object with keys matching env
	// var names (e.g. CTFARENA_JWT_SECRET). Env vars take precedence.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible
// defaults. If CTFARENA_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then env vars are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("CTFARENA_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: envOrDefault("CTFARENA_LOG_LEVEL", "info"),

		JWTSecret: os.Getenv("CTFARENA_JWT_SECRET"),
		APIKey:    os.Getenv("CTFARENA_API_KEY"),

		DatabaseURL: envOrDefault("CTFARENA_DATABASE_URL", os.Getenv("DATABASE_URL")),
		DataDir:     envOrDefault("CTFARENA_DATA_DIR", "/data/ctfarena"),

		DuelImage:          envOrDefault("CTFARENA_DUEL_IMAGE", "ubuntu:22.04"),
		SessionTTLMin:      envOrDefaultInt("CTFARENA_SESSION_TTL_MIN", 120),
		ContainerMaxAgeMin: envOrDefaultInt("CTFARENA_CONTAINER_MAX_AGE_MIN", 120),
		MatchmakerTickSec:  envOrDefaultInt("CTFARENA_MATCHMAKER_TICK_SEC", 5),
		CleanupIntervalMin: envOrDefaultInt("CTFARENA_CLEANUP_INTERVAL_MIN", 1),

		RedisURL:        os.Getenv("CTFARENA_REDIS_URL"),
		NATSURL:         os.Getenv("CTFARENA_NATS_URL"),
		SegmentWriteKey: os.Getenv("CTFARENA_SEGMENT_WRITE_KEY"),

		SecretsARN: os.Getenv("CTFARENA_SECRETS_ARN"),
	}

	if portStr := os.Getenv("CTFARENA_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid CTFARENA_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMin) * time.Minute
}

// ContainerMaxAge returns the container sweep cutoff as a duration.
func (c *Config) ContainerMaxAge() time.Duration {
	return time.Duration(c.ContainerMaxAgeMin) * time.Minute
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and
// sets any values as environment variables (only if not already set, so
// explicit env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
