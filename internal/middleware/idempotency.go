package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const IdempotencyHeader = "Idempotency-Key"

var (
	// ErrKeyReused is returned when a key comes back with a different request
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrInFlight is returned while the first request holding a key is still running
	ErrInFlight = errors.New("request with this idempotency key is in progress")
)

// CachedResponse is what is remembered for one idempotency key
type CachedResponse struct {
	Fingerprint string `json:"fingerprint"`
	Done        bool   `json:"done"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// IdempotencyStore reserves keys and remembers the responses given for them
type IdempotencyStore interface {
	// Reserve claims key for a request with the given fingerprint. It returns the
	// cached response if the key already finished, ErrInFlight if it is still
	// running, and ErrKeyReused if the fingerprint does not match.
	Reserve(ctx context.Context, key, fingerprint string) (*CachedResponse, error)
	Complete(ctx context.Context, key string, resp CachedResponse) error
	Release(ctx context.Context, key string) error
}

// RedisIdempotencyStore keeps idempotency entries in Redis with a TTL
type RedisIdempotencyStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) key(k string) string {
	return s.prefix + ":idempotency:" + k
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, fingerprint string) (*CachedResponse, error) {
	pending, err := json.Marshal(CachedResponse{Fingerprint: fingerprint})
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, s.key(key), pending, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired or released between the two calls; try once more.
		return s.Reserve(ctx, key, fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency key: %w", err)
	}
	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency entry: %w", err)
	}
	switch {
	case cached.Fingerprint != fingerprint:
		return nil, ErrKeyReused
	case !cached.Done:
		return nil, ErrInFlight
	}
	return &cached, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, resp CachedResponse) error {
	resp.Done = true
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Fingerprint identifies a request by method, path and body
func Fingerprint(r *http.Request, body []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(r.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *responseRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key. Requests
// without the header pass through. Server errors are not remembered so the key can
// be retried.
func Idempotency(store IdempotencyStore, log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			entry := log.WithField("idempotency_key", key)

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeEnvelope(w, http.StatusBadRequest, "Invalid request body", "validation")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fp := Fingerprint(r, body)
			cached, err := store.Reserve(r.Context(), key, fp)
			switch {
			case errors.Is(err, ErrKeyReused):
				writeEnvelope(w, http.StatusConflict, "Idempotency key already used with a different request", "conflict")
				return
			case errors.Is(err, ErrInFlight):
				writeEnvelope(w, http.StatusConflict, "A request with this idempotency key is still in progress", "conflict")
				return
			case err != nil:
				// The saga id still deduplicates the operation itself.
				entry.WithError(err).Warn("Idempotency store unavailable, serving without response cache")
				next.ServeHTTP(w, r)
				return
			case cached != nil:
				entry.Info("Idempotency hit, replaying cached response")
				w.Header().Set("Content-Type", cached.ContentType)
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			ctx := context.WithoutCancel(r.Context())
			if rec.status == 0 || rec.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, key); err != nil {
					entry.WithError(err).Warn("Failed to release idempotency key")
				}
				return
			}
			err = store.Complete(ctx, key, CachedResponse{
				Fingerprint: fp,
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				entry.WithError(err).Error("Failed to save idempotent response")
			}
		})
	}
}

func writeEnvelope(w http.ResponseWriter, status int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"message":    message,
		"error_kind": kind,
	})
}
