package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AdmissionGuard holds one marker per (username, course, task) while a submission is pending.
type AdmissionGuard interface {
	Acquire(ctx context.Context, username, courseID, taskID, submissionID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, username, courseID, taskID, submissionID string) error
	// Reset drops every marker; used when no submission can be pending anymore.
	Reset(ctx context.Context) (int, error)
}

// releaseIfOwner deletes the marker only when it still belongs to the submission.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisAdmissionGuard struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisAdmissionGuard builds a guard backed by SETNX markers. A nil client admits everything.
func NewRedisAdmissionGuard(client *redis.Client, prefix string, logger zerolog.Logger) AdmissionGuard {
	if prefix == "" {
		prefix = "grader:admission"
	}
	return &redisAdmissionGuard{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "admission_guard").Logger(),
	}
}

func (g *redisAdmissionGuard) key(username, courseID, taskID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, courseID, taskID, username)
}

func (g *redisAdmissionGuard) Acquire(ctx context.Context, username, courseID, taskID, submissionID string, ttl time.Duration) (bool, error) {
	if g.client == nil {
		return true, nil
	}
	ok, err := g.client.SetNX(ctx, g.key(username, courseID, taskID), submissionID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire admission marker: %w", err)
	}
	return ok, nil
}

func (g *redisAdmissionGuard) Release(ctx context.Context, username, courseID, taskID, submissionID string) error {
	if g.client == nil {
		return nil
	}
	if err := releaseIfOwner.Run(ctx, g.client, []string{g.key(username, courseID, taskID)}, submissionID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release admission marker: %w", err)
	}
	return nil
}

func (g *redisAdmissionGuard) Reset(ctx context.Context) (int, error) {
	if g.client == nil {
		return 0, nil
	}

	removed := 0
	iter := g.client.Scan(ctx, 0, g.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := g.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("reset admission marker: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan admission markers: %w", err)
	}
	return removed, nil
}
