// Package guard provides a cross-process lock that keeps two dashboard processes from
// submitting a response for the same funding request at the same time.
package guard

import (
	"context"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 30 * time.Second
	keyPrefix  = "deal:respond:"
)

// releaseScript deletes the key only while it still holds our token, so an expired
// lock re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseFunc gives a held lock back.
type ReleaseFunc func(ctx context.Context) error

type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisGuard(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &RedisGuard{
		client: client,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "submission-guard"}),
	}
}

func Key(requestID string) string {
	return keyPrefix + requestID
}

// Acquire takes the lock for requestID. It fails with SUBMISSION_IN_FLIGHT when
// another holder has it and GUARD_UNAVAILABLE when Redis cannot be reached.
func (g *RedisGuard) Acquire(ctx context.Context, requestID string) (func(context.Context) error, error) {
	token := uuid.New().String()
	key := Key(requestID)

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		g.logger.Error("failed to acquire submission lock", map[string]interface{}{
			"requestId": requestID,
			"error":     err.Error(),
		})
		return nil, apperrors.NewGuardUnavailableError(err)
	}
	if !ok {
		g.logger.Warn("submission already in flight", map[string]interface{}{
			"requestId": requestID,
		})
		return nil, apperrors.NewSubmissionInFlightError(requestID)
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil {
			g.logger.Warn("failed to release submission lock", map[string]interface{}{
				"requestId": requestID,
				"error":     err.Error(),
			})
			return apperrors.NewGuardUnavailableError(err)
		}
		return nil
	}
	return release, nil
}

// Noop grants every request. It is used when no Redis is configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
