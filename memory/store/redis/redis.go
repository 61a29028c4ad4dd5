// Package redis implements the Tier1 backend contract on a Redis server.
// It is the production counterpart of the inmem store: same key semantics,
// with capacity figures taken from INFO memory.
package redis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store adapts a go-redis client to the Tier1 backend contract.
type Store struct {
	client *redis.Client
}

// New wraps an existing client. The caller owns the client's lifecycle.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Dial connects to a Redis server and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return int(n), err
}

// Scan walks the keyspace with SCAN rather than KEYS so large instances
// are not blocked.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// TTL reports the remaining lifetime of key. Redis replies -1 for keys
// without expiry and -2 for missing keys; go-redis passes both sentinels
// through as raw durations (nanoseconds), unscaled.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	switch d {
	case time.Duration(-2):
		return 0, false, nil
	case time.Duration(-1):
		return -1, true, nil
	}
	return d, true, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.client.Persist(ctx, key).Err()
	}
	return s.client.Expire(ctx, key, ttl).Err()
}

// MemoryInfo reads used_memory and maxmemory from INFO memory. A maxmemory
// of zero means the server is unlimited.
func (s *Store) MemoryInfo(ctx context.Context) (used, max int64, err error) {
	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0, 0, err
	}
	used, max, err = parseMemoryInfo(info)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing INFO memory: %w", err)
	}
	return used, max, nil
}

// parseMemoryInfo extracts used_memory and maxmemory from an INFO memory
// payload ("field:value" lines, # comments).
func parseMemoryInfo(info string) (used, max int64, err error) {
	foundUsed := false
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch field {
		case "used_memory":
			used, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("used_memory %q: %w", value, err)
			}
			foundUsed = true
		case "maxmemory":
			max, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("maxmemory %q: %w", value, err)
			}
		}
	}
	if !foundUsed {
		return 0, 0, fmt.Errorf("used_memory missing from payload")
	}
	return used, max, nil
}
