package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a client supplied Idempotency-Key replays its response.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while the first request is in flight.
	processingTTL = time.Minute

	processingMarker = "processing"
)

var (
	// ErrDuplicateRequest means another request with the same key is still in flight.
	ErrDuplicateRequest = errors.New("duplicate request: idempotency key is being processed")

	// ErrKeyReused means the key was already used with a different request body.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// CachedResponse is what a replayed request gets back
type CachedResponse struct {
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
	Fingerprint string          `json:"fingerprint"`
	CreatedAt   int64           `json:"created_at"`
}

// IdempotencyService remembers intake responses by Idempotency-Key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(idempotencyKey string) string {
	return fmt.Sprintf("idempotency:notify:%s", idempotencyKey)
}

// Check returns the cached response for key, nil if the key is unused, or
// ErrDuplicateRequest while the first request holding the key is in flight.
func (s *IdempotencyService) Check(ctx context.Context, idempotencyKey string) (*CachedResponse, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var cached CachedResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	return &cached, nil
}

// Reserve takes the key with SET NX. It returns false if the key is already taken.
func (s *IdempotencyService) Reserve(ctx context.Context, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Store replaces the reservation with the final response
func (s *IdempotencyService) Store(ctx context.Context, idempotencyKey string, resp *CachedResponse, ttl time.Duration) error {
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so the client may retry after a failure
func (s *IdempotencyService) Release(ctx context.Context, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns the cached response for a replay, or reserves the
// key for a first request (nil, nil). A replay whose fingerprint differs from
// the original request gets ErrKeyReused.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, idempotencyKey, fingerprint string) (*CachedResponse, error) {
	cached, err := s.Check(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if cached.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		return cached, nil
	}

	reserved, err := s.Reserve(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
