package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "tokenkeeper:"

	// DefaultFlowRetention keeps expired pending flows long enough to answer a
	// late callback with expired_state instead of invalid_state.
	DefaultFlowRetention = 10 * time.Minute

	// stateLogLength is the number of characters of a state value included in logs
	stateLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for session IDs and states
	MaxIDLength = 512

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errRecordTooLarge = errors.New("record exceeds maximum allowed size")

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Redis authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "tokenkeeper:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// FlowRetention is how long expired pending flows are kept (default 10m)
	FlowRetention time.Duration
}

// Store is a Redis-backed implementation of FlowStore and SessionStore.
// The token cache stays in-process.
type Store struct {
	client *goredis.Client
	prefix string
	clock  func() time.Time

	// mu guards the fields below, which may be replaced after New.
	mu              sync.RWMutex
	logger          *slog.Logger
	encryptor       *security.Encryptor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	flowRetention   time.Duration
}

var (
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates a new Redis-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	flowRetention := cfg.FlowRetention
	if flowRetention <= 0 {
		flowRetention = DefaultFlowRetention
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:        client,
		prefix:        prefix,
		flowRetention: flowRetention,
		clock:         time.Now,
		logger:        logger,
	}, nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	err := s.client.Close()
	s.log().Info("Redis storage connection closed")
	return err
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetFlowRetention sets how long expired pending flows are kept. It applies
// to flows saved from now on. Non-positive durations are ignored.
func (s *Store) SetFlowRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowRetention = d
}

// SetEncryptor enables encryption at rest for records written from now on.
// Records written before remain readable only while the same key is configured.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	s.encryptor = enc
	logger := s.logger
	s.mu.Unlock()

	if enc.IsEnabled() {
		logger.Info("Encryption at rest enabled for Redis storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	s.tracer = nil
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) log() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Store) retention() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flowRetention
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

// ============================================================
// Serialization
// ============================================================

// seal marshals v and encrypts it with key as additional data.
func (s *Store) seal(ctx context.Context, key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return "", errRecordTooLarge
	}

	enc := s.getEncryptor()
	if !enc.IsEnabled() {
		return string(data), nil
	}

	sealed, err := enc.Encrypt(data, []byte(key))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt record: %w", err)
	}
	s.recordEncryption(ctx, "encrypt")
	return sealed, nil
}

// open reverses seal.
func (s *Store) open(ctx context.Context, key, value string, v any) error {
	data := []byte(value)

	if enc := s.getEncryptor(); enc.IsEnabled() {
		plain, err := enc.Decrypt(value, []byte(key))
		if err != nil {
			return fmt.Errorf("failed to decrypt record: %w", err)
		}
		s.recordEncryption(ctx, "decrypt")
		data = plain
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// getAndOpen loads key and decodes it into a J, then converts it with fromJSON.
// A missing key yields notFoundErr.
func getAndOpen[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var j J
	if err := s.open(ctx, key, value, &j); err != nil {
		return nil, err
	}
	return fromJSON(&j), nil
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s exceeds maximum length of %d bytes", storage.ErrInvalidRecord, fieldName, maxLen)
	}
	return nil
}

// ttlUntil returns the time left until t, or 0 when t has passed.
func (s *Store) ttlUntil(t time.Time) time.Duration {
	ttl := t.Sub(s.clock())
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// ============================================================
// Key Helpers
// ============================================================

// flowKey returns the key for a pending flow: {prefix}flow:{state}
func (s *Store) flowKey(state string) string {
	return s.prefix + "flow:" + state
}

// sessionKey returns the key for a session: {prefix}session:{id}
func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// track starts a span for operation and returns a func that ends it and
// records the operation's outcome.
func (s *Store) track(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	tracer := s.tracer
	inst := s.instrumentation
	s.mu.RUnlock()

	var span trace.Span
	if tracer != nil {
		ctx, span = tracer.Start(ctx, "storage."+operation)
		instrumentation.AddStorageAttributes(span, operation, "redis")
	}
	startTime := time.Now()

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
		}

		if span != nil {
			if err != nil {
				instrumentation.RecordError(span, err)
			} else {
				instrumentation.SetSpanSuccess(span)
			}
			span.End()
		}

		if inst != nil {
			inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
		}
	}
}

func (s *Store) recordEncryption(ctx context.Context, operation string) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst != nil {
		inst.Metrics().RecordEncryptionOperation(ctx, operation)
	}
}
