package acme

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tokens in Redis with a key TTL so expiry needs no sweep.
//
//	acme:tok:{host}:{token} -> body
//	acme:ref:{ref}          -> set of token keys
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func tokenKey(host, token string) string { return "acme:tok:" + host + ":" + token }
func refKey(ref string) string           { return "acme:ref:" + ref }

func (s *RedisStore) Put(ctx context.Context, host, token, body, ref string) error {
	key := tokenKey(host, token)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, body, TTL)
		if ref != "" {
			p.SAdd(ctx, refKey(ref), key)
			p.Expire(ctx, refKey(ref), TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store acme token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, host, token string) (string, error) {
	body, err := s.rdb.Get(ctx, tokenKey(host, token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get acme token: %w", err)
	}
	return body, nil
}

func (s *RedisStore) DeleteByRef(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	keys, err := s.rdb.SMembers(ctx, refKey(ref)).Result()
	if err != nil {
		return fmt.Errorf("list acme tokens: %w", err)
	}
	keys = append(keys, refKey(ref))
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete acme tokens: %w", err)
	}
	return nil
}
