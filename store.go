// Package aicf implements AICF-Core: an append-only, concurrency-safe
// store for long-running AI-assistant conversation records, plus the
// query and lifecycle-compression layers built on top of it.
//
// Store ties together every internal package the way the teacher's
// cmd/proxy/main.go wires its proxy server: one Open call constructs
// every collaborator (index, writer, query, lifecycle, audit) from one
// Config and hands back a single handle callers use for the rest of the
// process's life.
package aicf

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"aicf-core/internal/audit"
	"aicf-core/internal/index"
	"aicf-core/internal/lifecycleengine"
	"aicf-core/internal/logger"
	"aicf-core/internal/metrics"
	"aicf-core/internal/pathvalidate"
	"aicf-core/internal/pii"
	"aicf-core/internal/queryengine"
	"aicf-core/internal/streamreader"
	"aicf-core/internal/wire"
	"aicf-core/internal/writerengine"
)

const hashKeyFile = "hash.key"

// Store is one open AICF-Core record store. Safe for concurrent use by
// multiple goroutines, the same way a single writerengine.Engine already
// synchronizes per-file state internally.
type Store struct {
	cfg    Config
	writer *writerengine.Engine
	query  *queryengine.Engine
	life   *lifecycleengine.Engine
	idx    *index.Index
	ring   *audit.Ring
	rate   *audit.Limiter
	logger *logger.Logger
	m      *metrics.Metrics
}

// Open constructs a Store over cfg.BaseDir, creating the directory and its
// side index if they don't already exist.
func Open(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, E(KindIOError, "aicf.Open", cfg.BaseDir, err)
	}

	log := logger.New("STORE", cfg.LogLevel)

	hashKey, err := loadOrCreateHashKey(cfg.BaseDir)
	if err != nil {
		return nil, E(KindIOError, "aicf.Open", cfg.BaseDir, err)
	}

	idx, err := index.Open(cfg.BaseDir)
	if err != nil {
		return nil, E(KindIOError, "aicf.Open", cfg.BaseDir, err)
	}

	auditLogPath := cfg.AuditLogPath
	if auditLogPath == "" {
		auditLogPath = filepath.Join(cfg.BaseDir, "audit.log")
	}
	ring := audit.NewRing(audit.Options{
		Size:    cfg.AuditRingSize,
		LogPath: auditLogPath,
		Logger:  logger.New("AUDIT", cfg.LogLevel),
	})
	rate := audit.NewLimiter(cfg.RateLimitWritesPerSecond, 0)

	lockTTL := time.Duration(cfg.LockTTLSeconds) * time.Second
	lockTimeout := time.Duration(cfg.LockTimeoutSeconds) * time.Second

	writer := writerengine.New(writerengine.Options{
		BaseDir: cfg.BaseDir,
		Limits: pathvalidate.Limits{
			MaxFileSize:        cfg.MaxFileSize,
			StreamingThreshold: cfg.StreamingThreshold,
			MaxBatchSize:       cfg.MaxBatchSize,
		},
		EnableRedaction: cfg.EnablePIIRedaction,
		RedactionMode:   pii.Mode(cfg.PIIRedactionMode),
		HashKey:         hashKey,
		LockTTL:         lockTTL,
		LockTimeout:     lockTimeout,
		MaxRetries:      cfg.MaxRetries,
		Logger:          logger.New("WRITER", cfg.LogLevel),
		Indexer:         idx,
		Audit:           ring,
		RateLimiter:     rate,
	})

	ids, err := idx.AllIDs()
	if err != nil {
		return nil, E(KindIOError, "aicf.Open", cfg.BaseDir, err)
	}
	embeddingDim, err := existingEmbeddingDim(cfg.BaseDir, cfg.StreamingThreshold)
	if err != nil {
		return nil, E(KindIOError, "aicf.Open", cfg.BaseDir, err)
	}
	writer.Seed(ids, embeddingDim)

	query := queryengine.New(cfg.BaseDir, cfg.StreamingThreshold)

	life := lifecycleengine.New(lifecycleengine.Options{
		BaseDir:            cfg.BaseDir,
		Buckets:            cfg.LifecycleBuckets,
		StreamingThreshold: cfg.StreamingThreshold,
		Logger:             logger.New("LIFECYCLE", cfg.LogLevel),
		Index:              idx,
		LockTTL:            lockTTL,
		LockTimeout:        lockTimeout,
	})

	return &Store{
		cfg:    cfg,
		writer: writer,
		query:  query,
		life:   life,
		idx:    idx,
		ring:   ring,
		rate:   rate,
		logger: log,
		m:      metrics.New(),
	}, nil
}

// Metrics returns the store's runtime counters (write/read/PII/lifecycle
// activity and latency statistics), mirrored onto a per-store Prometheus
// registry as well as the teacher-style JSON snapshot.
func (s *Store) Metrics() *Metrics {
	return s.m
}

// Close releases the store's side-index database handle and flushes its
// audit log. A Store is not usable after Close.
func (s *Store) Close() error {
	var errs []error
	if err := s.idx.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.ring.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return E(KindIOError, "aicf.Close", s.cfg.BaseDir, errs[0])
	}
	return nil
}

// existingEmbeddingDim scans embeddings.aicf (if it exists) for the first
// EMBEDDING record and returns its locked vector dimension, so a reopened
// store doesn't forget the dimension it already committed to. Returns 0
// (no lock yet) if the store has never written an embedding.
func existingEmbeddingDim(baseDir string, streamingThreshold int64) (int, error) {
	path := filepath.Join(baseDir, "embeddings.aicf")
	r := streamreader.New(path, streamingThreshold)
	it, err := r.IterRecords(context.Background(), []wire.Kind{wire.KindEmbedding}, 0)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", path, err)
	}
	defer it.Close()
	if !it.Next() {
		return 0, it.Err()
	}
	rec := it.Record()
	if len(rec.Payload) == 0 || len(rec.Payload[0]) < 2 {
		return 0, nil
	}
	dim, err := strconv.Atoi(rec.Payload[0][1])
	if err != nil {
		return 0, nil
	}
	return dim, nil
}

// loadOrCreateHashKey returns the store's PII-hash HMAC key, generating
// and persisting a fresh 32-byte key on first open so ModeHash tokens stay
// stable across restarts of the same store — grounded on the teacher's
// mitm/cert.go "load existing CA, or generate once and persist" posture.
func loadOrCreateHashKey(baseDir string) ([]byte, error) {
	path := filepath.Join(baseDir, hashKeyFile)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", hashKeyFile, err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate hash key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist %s: %w", hashKeyFile, err)
	}
	return key, nil
}
