package store

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/manga-cache/pkg/clock"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable indicates the backing Redis could not serve the operation.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInvalidRecord indicates a stored record could not be decoded.
	ErrInvalidRecord = errors.New("invalid stored record")
)

// Redis key layout.
const (
	keyPrefix         = "manga:"
	contentKeyPrefix  = keyPrefix + "content:"
	contentIndexKey   = keyPrefix + "content:index"
	partKeyPrefix     = keyPrefix + "part:"
	partIndexKey      = keyPrefix + "part:index"
	partHandlesKey    = keyPrefix + "part:handles"
	queryKeyPrefix    = keyPrefix + "query:"
	queryExpiryKey    = keyPrefix + "query:expiry"
	queryHitsKey      = keyPrefix + "query:hits"
	quotaKeyPrefix    = keyPrefix + "quota:"
	quotaIndexKey     = keyPrefix + "quota:index"
	defaultPurgeBatch = 100
)

// Store implements the durable tier on top of Redis.
type Store struct {
	redis      *redis.Client
	clock      clock.Clock
	logger     zerolog.Logger
	purgeBatch int
}

// New creates a store. It panics on a nil Redis client, like every other
// constructor that cannot work without its backend.
func New(redisClient *redis.Client, clk clock.Clock, logger zerolog.Logger) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		redis:      redisClient,
		clock:      clk,
		logger:     logger,
		purgeBatch: defaultPurgeBatch,
	}
}

// SetPurgeBatch overrides how many expired query entries one purge step deletes.
func (s *Store) SetPurgeBatch(n int) {
	if n > 0 {
		s.purgeBatch = n
	}
}

// unavailable wraps a Redis failure so callers can detect it with errors.Is.
func unavailable(op string, err error) error {
	storeErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func invalid(op string, err error) error {
	storeErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", ErrInvalidRecord, op, err)
}
