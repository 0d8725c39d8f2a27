package aicf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"aicf-core/internal/lifecycleengine"
	"aicf-core/internal/pii"
)

// Config holds the full store configuration. Settings are layered:
// defaults → aicf-config.json (in BaseDir) → environment variables, with
// env winning, mirroring the teacher's config layering exactly.
type Config struct {
	BaseDir string `json:"baseDir"`

	StreamingThreshold int64 `json:"streamingThreshold"`
	MaxFileSize        int64 `json:"maxFileSize"`
	MaxFieldSize       int   `json:"maxFieldSize"`
	MaxBatchSize       int   `json:"maxBatchSize"`

	EnablePIIRedaction bool   `json:"enablePiiRedaction"`
	PIIRedactionMode   string `json:"piiRedactionMode"`

	LockTTLSeconds     int `json:"lockTtlSeconds"`
	LockTimeoutSeconds int `json:"lockTimeoutSeconds"`
	MaxRetries         int `json:"maxRetries"`

	RateLimitWritesPerSecond int    `json:"rateLimitWritesPerSecond"`
	AuditRingSize            int    `json:"auditRingSize"`
	AuditLogPath             string `json:"auditLogPath"`

	LifecycleBuckets lifecycleengine.Buckets `json:"lifecycleBuckets"`

	// EmbeddingDimensionLocked documents spec property #10 (the store's
	// first non-empty embedding dimension binds every later one); the
	// writer enforces it unconditionally, this field is carried for
	// introspection only, never to disable the check.
	EmbeddingDimensionLocked bool `json:"embeddingDimensionLocked"`

	LogLevel string `json:"logLevel"`
}

// configFileName is the optional JSON override file, resolved relative to
// the base directory being opened — mirroring the teacher's
// proxy-config.json convention but scoped per store instead of per process.
const configFileName = "aicf-config.json"

// Load returns a Config for baseDir: defaults, overridden by
// <baseDir>/aicf-config.json if present, overridden by environment
// variables.
func Load(baseDir string) (*Config, error) {
	cfg := defaults(baseDir)
	if err := loadFile(cfg, filepath.Join(baseDir, configFileName)); err != nil {
		return nil, err
	}
	loadEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(baseDir string) *Config {
	return &Config{
		BaseDir:                  baseDir,
		StreamingThreshold:       1 << 20,
		MaxFileSize:              100 << 20,
		MaxFieldSize:             64 << 10,
		MaxBatchSize:             10_000,
		EnablePIIRedaction:       true,
		PIIRedactionMode:         string(pii.ModeMask),
		LockTTLSeconds:           30,
		LockTimeoutSeconds:       5,
		MaxRetries:               3,
		RateLimitWritesPerSecond: 100,
		AuditRingSize:            1000,
		AuditLogPath:             "",
		LifecycleBuckets:         lifecycleengine.DefaultBuckets,
		EmbeddingDimensionLocked: true,
		LogLevel:                 "info",
	}
}

// loadFile merges path's JSON contents onto cfg, if the file exists. A
// missing file is not an error — it's optional, like the teacher's
// proxy-config.json.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return E(KindIOError, "config.Load", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return E(KindInvalidRecord, "config.Load", path, fmt.Errorf("parse %s: %w", configFileName, err))
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v, ok := os.LookupEnv("AICF_STREAMING_THRESHOLD"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.StreamingThreshold = n
		}
	}
	if v, ok := os.LookupEnv("AICF_MAX_FILE_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileSize = n
		}
	}
	if v, ok := os.LookupEnv("AICF_MAX_FIELD_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxFieldSize = n
		}
	}
	if v, ok := os.LookupEnv("AICF_MAX_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBatchSize = n
		}
	}
	if v, ok := os.LookupEnv("AICF_ENABLE_PII_REDACTION"); ok {
		cfg.EnablePIIRedaction = v != "false"
	}
	if v, ok := os.LookupEnv("AICF_PII_REDACTION_MODE"); ok {
		cfg.PIIRedactionMode = v
	}
	if v, ok := os.LookupEnv("AICF_LOCK_TTL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockTTLSeconds = n
		}
	}
	if v, ok := os.LookupEnv("AICF_LOCK_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeoutSeconds = n
		}
	}
	if v, ok := os.LookupEnv("AICF_MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v, ok := os.LookupEnv("AICF_RATE_LIMIT_WRITES_PER_SECOND"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitWritesPerSecond = n
		}
	}
	if v, ok := os.LookupEnv("AICF_AUDIT_RING_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuditRingSize = n
		}
	}
	if v, ok := os.LookupEnv("AICF_AUDIT_LOG_PATH"); ok {
		cfg.AuditLogPath = v
	}
	if v, ok := os.LookupEnv("AICF_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

// validate rejects a Config whose values could never produce a working
// store, before Open ever touches the filesystem.
func (c *Config) validate() error {
	if c.BaseDir == "" {
		return E(KindInvalidPath, "config.Load", "", fmt.Errorf("baseDir is required"))
	}
	switch pii.Mode(c.PIIRedactionMode) {
	case pii.ModeMask, pii.ModeHash, pii.ModeRemove, pii.ModeFlag:
	default:
		return E(KindInvalidRecord, "config.Load", "", fmt.Errorf("unknown piiRedactionMode %q", c.PIIRedactionMode))
	}
	if c.LifecycleBuckets == (lifecycleengine.Buckets{}) {
		c.LifecycleBuckets = lifecycleengine.DefaultBuckets
	}
	return nil
}
