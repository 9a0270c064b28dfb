// Package config loads server configuration from the environment, with an
// optional .env file for local development, all keys under the MRS_ prefix.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting this server reads.
type Config struct {
	ServerURL    string
	ServerDomain string
	AdminEmail   string

	Host string
	Port int

	DatabasePath string

	BootstrapPeers []string

	MaxRadius  float64
	MaxResults int

	TokenExpiry        time.Duration
	KeyCacheTTL        time.Duration
	TombstoneRetention time.Duration
}

const envPrefix = "MRS_"

// Load reads .env (if present at envFile) then populates Config from the
// environment. Missing optional values fall back to the defaults below;
// ServerURL is the only value that must be set explicitly.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	serverURL := getenv("SERVER_URL", "")
	if serverURL == "" {
		return nil, fmt.Errorf("config: %sSERVER_URL is required", envPrefix)
	}

	peers, err := parseBootstrapPeers(getenv("BOOTSTRAP_PEERS", "[]"))
	if err != nil {
		return nil, fmt.Errorf("config: %sBOOTSTRAP_PEERS: %w", envPrefix, err)
	}

	cfg := &Config{
		ServerURL:          serverURL,
		ServerDomain:       getenv("SERVER_DOMAIN", ""),
		AdminEmail:         getenv("ADMIN_EMAIL", ""),
		Host:               getenv("HOST", "0.0.0.0"),
		Port:               getenvInt("PORT", 8080),
		DatabasePath:       getenv("DATABASE_PATH", "mrs.db"),
		BootstrapPeers:     peers,
		MaxRadius:          getenvFloat("MAX_RADIUS", 50_000_000),
		MaxResults:         getenvInt("MAX_RESULTS", 200),
		TokenExpiry:        time.Duration(getenvInt("TOKEN_EXPIRY_HOURS", 24)) * time.Hour,
		KeyCacheTTL:        time.Duration(getenvInt("KEY_CACHE_TTL_SECONDS", 3600)) * time.Second,
		TombstoneRetention: time.Duration(getenvInt("TOMBSTONE_RETENTION_DAYS", 30)) * 24 * time.Hour,
	}
	return cfg, nil
}

func parseBootstrapPeers(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var peers []string
	if err := json.Unmarshal([]byte(raw), &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
