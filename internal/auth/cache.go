package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedStore is a read-through Redis cache in front of another Store.
// Redis failures fall through to the backing store.
type CachedStore struct {
	rdb     *redis.Client
	backing Store
	ttl     time.Duration
	logger  zerolog.Logger
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 500 * time.Millisecond,
		ReadTimeout: 250 * time.Millisecond,
	})
}

func NewCachedStore(rdb *redis.Client, backing Store, ttl time.Duration, logger zerolog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		rdb:     rdb,
		backing: backing,
		ttl:     ttl,
		logger:  logger.With().Str("component", "credential-cache").Logger(),
	}
}

func cacheKey(deviceID string) string { return "gateway:cred:" + deviceID }

func (s *CachedStore) GetCredential(ctx context.Context, deviceID string) (Credential, error) {
	raw, err := s.rdb.Get(ctx, cacheKey(deviceID)).Bytes()
	switch {
	case err == nil:
		var c Credential
		if jerr := json.Unmarshal(raw, &c); jerr == nil {
			return c, nil
		}
	case !errors.Is(err, redis.Nil):
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Credential cache unavailable")
	}

	c, err := s.backing.GetCredential(ctx, deviceID)
	if err != nil {
		return Credential{}, err
	}

	if b, jerr := json.Marshal(c); jerr == nil {
		if serr := s.rdb.Set(ctx, cacheKey(deviceID), b, s.ttl).Err(); serr != nil {
			s.logger.Debug().Err(serr).Str("device_id", deviceID).Msg("Credential cache write failed")
		}
	}
	return c, nil
}

// Invalidate drops a cached credential after rotation or deactivation.
func (s *CachedStore) Invalidate(ctx context.Context, deviceID string) error {
	return s.rdb.Del(ctx, cacheKey(deviceID)).Err()
}
