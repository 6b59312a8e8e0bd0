// Package config loads worker configuration from the environment, following
// the same Config/LoadConfigFromEnv/Validate shape every infra adapter in
// this codebase uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CacheFolderConfig is one configured cache root (see internal/cachefolder).
type CacheFolderConfig struct {
	ID     string
	Name   string
	Path   string
	Active bool
}

// Config aggregates every tunable the pipeline's components read at startup.
type Config struct {
	DatabaseURL string
	RedisAddr   string

	MaxBatchSize        int
	BatchTimeoutSeconds int
	PrefetchCount       int

	MaxZipEntrySizeBytes int64
	MaxImageSizeBytes    int64

	ThumbnailSize    int
	ThumbnailFormat  string
	ThumbnailQuality int

	CacheWidth           int
	CacheHeight          int
	CacheFormat          string
	CacheQuality         int
	CachePreserveOriginal bool

	DlqTTLSeconds int

	CacheFolders []CacheFolderConfig
}

func Default() Config {
	return Config{
		RedisAddr:            "localhost:6379",
		MaxBatchSize:         50,
		BatchTimeoutSeconds:  5,
		PrefetchCount:        10,
		MaxZipEntrySizeBytes: 200 * 1024 * 1024,
		MaxImageSizeBytes:    100 * 1024 * 1024,
		ThumbnailSize:        300,
		ThumbnailFormat:      "jpeg",
		ThumbnailQuality:     85,
		CacheWidth:           1920,
		CacheHeight:          1080,
		CacheFormat:          "jpeg",
		CacheQuality:         85,
		DlqTTLSeconds:        86400,
	}
}

// LoadFromEnv overlays Default() with MEDIAPIPE_* environment variables.
// Cache folders are read from MEDIAPIPE_CACHE_FOLDERS as
// "id:name:path[:active],..." triples, using the same comma/colon-delimited
// env-list convention as storage.Config's AllowedMimeTypes parsing.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	cfg.DatabaseURL = os.Getenv("MEDIAPIPE_DATABASE_URL")
	if v := os.Getenv("MEDIAPIPE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	intVars := map[string]*int{
		"MEDIAPIPE_MAX_BATCH_SIZE":         &cfg.MaxBatchSize,
		"MEDIAPIPE_BATCH_TIMEOUT_SECONDS":  &cfg.BatchTimeoutSeconds,
		"MEDIAPIPE_PREFETCH_COUNT":         &cfg.PrefetchCount,
		"MEDIAPIPE_THUMBNAIL_SIZE":         &cfg.ThumbnailSize,
		"MEDIAPIPE_THUMBNAIL_QUALITY":      &cfg.ThumbnailQuality,
		"MEDIAPIPE_CACHE_WIDTH":            &cfg.CacheWidth,
		"MEDIAPIPE_CACHE_HEIGHT":           &cfg.CacheHeight,
		"MEDIAPIPE_CACHE_QUALITY":          &cfg.CacheQuality,
		"MEDIAPIPE_DLQ_TTL_SECONDS":        &cfg.DlqTTLSeconds,
	}
	for env, dst := range intVars {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", env, err)
			}
			*dst = n
		}
	}

	int64Vars := map[string]*int64{
		"MEDIAPIPE_MAX_ZIP_ENTRY_SIZE_BYTES": &cfg.MaxZipEntrySizeBytes,
		"MEDIAPIPE_MAX_IMAGE_SIZE_BYTES":     &cfg.MaxImageSizeBytes,
	}
	for env, dst := range int64Vars {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", env, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("MEDIAPIPE_THUMBNAIL_FORMAT"); v != "" {
		cfg.ThumbnailFormat = v
	}
	if v := os.Getenv("MEDIAPIPE_CACHE_FORMAT"); v != "" {
		cfg.CacheFormat = v
	}
	if v := os.Getenv("MEDIAPIPE_CACHE_PRESERVE_ORIGINAL"); v != "" {
		cfg.CachePreserveOriginal = v == "true" || v == "1"
	}

	if v := os.Getenv("MEDIAPIPE_CACHE_FOLDERS"); v != "" {
		folders, err := parseCacheFolders(v)
		if err != nil {
			return cfg, err
		}
		cfg.CacheFolders = folders
	}

	return cfg, nil
}

func parseCacheFolders(raw string) ([]CacheFolderConfig, error) {
	var folders []CacheFolderConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid cache folder entry %q: want id:name:path[:active]", entry)
		}
		active := true
		if len(parts) >= 4 {
			active = parts[3] == "true" || parts[3] == "1"
		}
		folders = append(folders, CacheFolderConfig{
			ID:     parts[0],
			Name:   parts[1],
			Path:   parts[2],
			Active: active,
		})
	}
	return folders, nil
}

// Validate rejects overlapping cache-folder ids/paths and non-positive
// tunables before the worker starts handling traffic.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("MEDIAPIPE_DATABASE_URL is required")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MaxBatchSize must be positive")
	}
	if c.BatchTimeoutSeconds <= 0 {
		return fmt.Errorf("BatchTimeoutSeconds must be positive")
	}
	if c.PrefetchCount <= 0 {
		return fmt.Errorf("PrefetchCount must be positive")
	}
	if len(c.CacheFolders) == 0 {
		return fmt.Errorf("at least one cache folder must be configured")
	}

	seenIDs := make(map[string]bool)
	seenPaths := make(map[string]bool)
	for _, f := range c.CacheFolders {
		if f.ID == "" || f.Path == "" {
			return fmt.Errorf("cache folder %q: id and path are required", f.Name)
		}
		if seenIDs[f.ID] {
			return fmt.Errorf("duplicate cache folder id %q", f.ID)
		}
		if seenPaths[f.Path] {
			return fmt.Errorf("duplicate cache folder path %q", f.Path)
		}
		seenIDs[f.ID] = true
		seenPaths[f.Path] = true
	}
	return nil
}
