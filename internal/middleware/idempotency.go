package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// StoredResponse is a response kept for replay.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// IdempotencyStore remembers responses by key.
type IdempotencyStore interface {
	// Reserve claims key; false means it was already claimed.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Load returns the stored response, or nil while the first request is
	// still running.
	Load(ctx context.Context, key string) (*StoredResponse, error)
	Save(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

const retryableKey = "idempotency_retryable"

// MarkRetryable tells Idempotency not to keep this response: the request
// lost a race and the same key may be retried.
func MarkRetryable(c echo.Context) { c.Set(retryableKey, true) }

// Idempotency replays the first completed response for a repeated
// Idempotency-Key on POST requests. Keys are scoped to the caller and route.
// Server errors and responses marked retryable are not stored, so the client
// can retry them.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			key := req.Header.Get(HeaderIdempotencyKey)
			if req.Method != http.MethodPost || key == "" {
				return next(c)
			}
			uid, _ := c.Get("user_id").(string)
			scoped := "idem:" + uid + ":" + req.Method + ":" + req.URL.Path + ":" + key
			ctx := req.Context()

			fresh, err := store.Reserve(ctx, scoped, ttl)
			if err != nil {
				logger.Warn("idempotency store unavailable, processing request", zap.String("key", key), zap.Error(err))
				return next(c)
			}
			if !fresh {
				stored, err := store.Load(ctx, scoped)
				if err != nil {
					return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "idempotency store unavailable"})
				}
				if stored == nil {
					return c.JSON(http.StatusConflict, echo.Map{"error": "request with this idempotency key is in progress"})
				}
				c.Response().Header().Set("Idempotent-Replayed", "true")
				return c.Blob(stored.Status, stored.ContentType, stored.Body)
			}

			rec := &bodyRecorder{ResponseWriter: c.Response().Writer}
			c.Response().Writer = rec
			err = next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			retry, _ := c.Get(retryableKey).(bool)
			if status >= http.StatusInternalServerError || retry || !c.Response().Committed {
				if relErr := store.Release(context.WithoutCancel(ctx), scoped); relErr != nil {
					logger.Warn("release idempotency key", zap.String("key", key), zap.Error(relErr))
				}
				return nil
			}
			resp := StoredResponse{
				Status:      status,
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        rec.buf.Bytes(),
			}
			if saveErr := store.Save(context.WithoutCancel(ctx), scoped, resp, ttl); saveErr != nil {
				logger.Warn("save idempotent response", zap.String("key", key), zap.Error(saveErr))
			}
			return nil
		}
	}
}

type bodyRecorder struct {
	http.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

const pendingMarker = "pending"

// RedisIdempotencyStore keeps responses in Redis.
type RedisIdempotencyStore struct {
	rdb *redis.Client
}

func NewRedisIdempotencyStore(rdb *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb}
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, pendingMarker, ttl).Result()
}

func (s *RedisIdempotencyStore) Load(ctx context.Context, key string) (*StoredResponse, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if string(raw) == pendingMarker {
		return nil, nil
	}
	var resp StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
