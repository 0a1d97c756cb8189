// Package config loads service configuration from the environment, with an
// optional Vault KV2 overlay for credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedding provider selection.
const (
	ProviderStub   = "stub"
	ProviderRemote = "remote"
)

// Config carries every setting the three binaries read. All fields have
// working local-dev defaults; production overrides come from the environment
// or Vault.
type Config struct {
	NATSURL           string
	JetStreamName     string
	JetStreamSubjects []string

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	EmbedProvider      string
	EmbedModelVersion  string
	EmbedDim           int
	RemoteEmbedURL     string
	RemoteEmbedTimeout time.Duration
	// EmbedFallbackToStub switches the embedder to the deterministic stub
	// when the remote backend fails, instead of NAKing for redelivery.
	EmbedFallbackToStub bool
	// EmbedPersistToDB writes the message row and its embedding to Postgres
	// from the embedder. The connections query reads message_embeddings, so
	// deployments that serve /connections must run with this on.
	EmbedPersistToDB bool

	// AssignSimThreshold is the minimum cosine similarity for joining an
	// existing cluster; below it a new cluster is created.
	AssignSimThreshold float64
	// CountCap saturates the effective count used in the capped-mean
	// centroid update.
	CountCap int

	HTTPAddr string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		JetStreamName:     getEnv("JETSTREAM_STREAM", "ingress_messages"),
		JetStreamSubjects: splitSubjects(getEnv("JETSTREAM_SUBJECTS", "messages.>,embeddings.>,clusters.>")),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBName:     getEnv("DB_NAME", "network_builder_db"),
		DBUser:     getEnv("DB_USER", "network_builder_client"),
		DBPassword: getEnv("DB_PASSWORD", "network_builder_secret"),

		EmbedProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMBED_PROVIDER", ProviderStub))),
		EmbedModelVersion: getEnv("EMBED_MODEL_VERSION", "stub-768-v1"),
		RemoteEmbedURL:    strings.TrimRight(getEnv("REMOTE_EMBED_URL", "http://localhost:8081"), "/"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}

	var err error
	if cfg.DBPort, err = getEnvInt("DB_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.EmbedDim, err = getEnvInt("EMBED_DIM", 768); err != nil {
		return nil, err
	}
	timeoutSec, err := getEnvFloat("REMOTE_EMBED_TIMEOUT_SEC", 10)
	if err != nil {
		return nil, err
	}
	cfg.RemoteEmbedTimeout = time.Duration(timeoutSec * float64(time.Second))

	cfg.EmbedFallbackToStub = getEnvBool("EMBED_FALLBACK_TO_STUB", true)
	cfg.EmbedPersistToDB = getEnvBool("EMBED_PERSIST_TO_DB", false)

	if cfg.AssignSimThreshold, err = getEnvFloat("CLUSTER_ASSIGN_SIM_THRESHOLD", 0.78); err != nil {
		return nil, err
	}
	if cfg.CountCap, err = getEnvInt("CLUSTER_COUNT_CAP", 1000); err != nil {
		return nil, err
	}

	if cfg.EmbedProvider != ProviderStub && cfg.EmbedProvider != ProviderRemote {
		return nil, fmt.Errorf("EMBED_PROVIDER must be %q or %q, got %q",
			ProviderStub, ProviderRemote, cfg.EmbedProvider)
	}
	if cfg.EmbedDim <= 0 {
		return nil, fmt.Errorf("EMBED_DIM must be positive, got %d", cfg.EmbedDim)
	}
	return cfg, nil
}

// DSN returns the pgx connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword)
}

// AssignDistThreshold is the cosine-distance form of the similarity cutoff.
func (c *Config) AssignDistThreshold() float64 {
	return 1.0 - c.AssignSimThreshold
}

func splitSubjects(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
