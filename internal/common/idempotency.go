package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const maxIdempotencyKeyLen = 128

// Idem provides an Idempotency-Key middleware backed by Redis. Keys are scoped to
// the authenticated subject, method and path so two clients cannot collide.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

func (i Idem) redisKey(r *http.Request, header string) string {
	subject, _ := Subject(r.Context())
	sum := sha256.Sum256([]byte(subject + "\n" + r.Method + "\n" + r.URL.Path + "\n" + header))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(header) > maxIdempotencyKeyLen {
			JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Idempotency-Key too long", nil)
			return
		}
		key := i.redisKey(r, header)
		ok, err := i.R.SetNX(r.Context(), key, "locked", i.ttl()).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		defer func() {
			// ensure the key expires even if handler panics
			_ = i.R.Expire(context.Background(), key, i.ttl()).Err()
		}()
		next.ServeHTTP(w, r)
	})
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}
