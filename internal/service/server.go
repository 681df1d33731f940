package service

import (
	"context"
	"time"

	"github.com/PaulBabatuyi/SensorCollector/internal/models"
	"github.com/PaulBabatuyi/SensorCollector/internal/observability"
	"github.com/PaulBabatuyi/SensorCollector/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultChunkSize is the read size for the streaming copy.
const DefaultChunkSize = 64 * 1024

// Verifier checks the shared secret.
type Verifier interface {
	Verify(candidate string) bool
}

type StorageInterface interface {
	NewScope() (*storage.TempScope, error)
	Promote(tempPath, uploadID, filename string) (string, error)
}

// Ledger records received uploads. It is optional.
type Ledger interface {
	SaveUpload(ctx context.Context, rec *models.UploadRecord) error
}

// Config tunes the receiver. Zero values fall back to defaults.
type Config struct {
	ChunkSize     int
	MaxConcurrent int64
	VerifyFormat  bool
}

// Receiver streams authenticated uploads to disk.
type Receiver struct {
	auth         Verifier
	storage      StorageInterface
	ledger       Ledger
	logger       *zap.Logger
	metrics      *observability.MetricsCollector
	chunkSize    int
	uploadSem    *semaphore.Weighted
	verifyFormat bool
	now          func() time.Time
}

// Option configures optional receiver collaborators.
type Option func(*Receiver)

func WithLedger(l Ledger) Option {
	return func(r *Receiver) { r.ledger = l }
}

func WithMetrics(m *observability.MetricsCollector) Option {
	return func(r *Receiver) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

func NewReceiver(auth Verifier, store StorageInterface, logger *zap.Logger, cfg Config, opts ...Option) *Receiver {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver{
		auth:         auth,
		storage:      store,
		logger:       logger,
		chunkSize:    cfg.ChunkSize,
		uploadSem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		verifyFormat: cfg.VerifyFormat,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
