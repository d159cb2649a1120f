package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr           string
	CORSOrigin     string
	CoordinatorURL string
	AuthToken      string
	TmpRoot        string
	// SyncThreshold bounds how often one client may publish or refetch per key.
	SyncThreshold   time.Duration
	MaxCommits      int
	MaxOutputBytes  int
	CommandTimeout  time.Duration
	PublishInterval time.Duration
	PatchTTL        time.Duration
	PeerConcurrency int
	Watch           bool
	// Redis - optional, shares publish/fetch stamps between agent processes
	RedisURL string
	// Blob storage - optional, patches are read through the coordinator when empty
	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string
	BlobUseSSL    bool
}

func Load() Config {
	return Config{
		Addr:            getenv("PEERLINES_ADDR", ":8790"),
		CORSOrigin:      getenv("PEERLINES_CORS_ORIGIN", "*"),
		CoordinatorURL:  strings.TrimRight(getenv("PEERLINES_COORDINATOR_URL", "http://localhost:8787"), "/"),
		AuthToken:       getenv("PEERLINES_AUTH_TOKEN", ""),
		TmpRoot:         getenv("PEERLINES_TMP_ROOT", filepath.Join(os.TempDir(), "peerlines")),
		SyncThreshold:   time.Duration(getenvInt("PEERLINES_SYNC_THRESHOLD_MS", 1000)) * time.Millisecond,
		MaxCommits:      getenvInt("PEERLINES_MAX_COMMITS", 1000),
		MaxOutputBytes:  getenvInt("PEERLINES_MAX_OUTPUT_BYTES", 64<<20),
		CommandTimeout:  time.Duration(getenvInt("PEERLINES_COMMAND_TIMEOUT_SECONDS", 30)) * time.Second,
		PublishInterval: time.Duration(getenvInt("PEERLINES_PUBLISH_INTERVAL_SECONDS", 60)) * time.Second,
		PatchTTL:        time.Duration(getenvInt("PEERLINES_PATCH_TTL_SECONDS", 300)) * time.Second,
		PeerConcurrency: getenvInt("PEERLINES_PEER_CONCURRENCY", 8),
		Watch:           getenvBool("PEERLINES_WATCH", true),
		RedisURL:        getenv("PEERLINES_REDIS_URL", ""),
		BlobEndpoint:    getenv("PEERLINES_BLOB_ENDPOINT", ""),
		BlobAccessKey:   getenv("PEERLINES_BLOB_ACCESS_KEY", ""),
		BlobSecretKey:   getenv("PEERLINES_BLOB_SECRET_KEY", ""),
		BlobBucket:      getenv("PEERLINES_BLOB_BUCKET", "peerlines-diffs"),
		BlobUseSSL:      getenvBool("PEERLINES_BLOB_USE_SSL", true),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
