package credstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "keeper:credential"

// RedisStore keeps the credential in a hash guarded by WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(redisURL, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, key), nil
}

func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (Credential, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	return decodeRedisCredential(values)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expected uint64, accessToken, refreshToken string) (Credential, error) {
	next := Credential{AccessToken: accessToken, RefreshToken: refreshToken, Version: expected + 1}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, s.key).Result()
		if err != nil {
			return err
		}
		current, err := decodeRedisCredential(values)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key,
				"access_token", next.AccessToken,
				"refresh_token", next.RefreshToken,
				"version", strconv.FormatUint(next.Version, 10),
			)
			return nil
		})
		return err
	}, s.key)
	if errors.Is(err, redis.TxFailedErr) {
		return Credential{}, ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Credential{}, err
		}
		return Credential{}, fmt.Errorf("update credential: %w", err)
	}
	return next, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRedisCredential(values map[string]string) (Credential, error) {
	if len(values) == 0 {
		return Credential{}, nil
	}
	cred := Credential{
		AccessToken:  values["access_token"],
		RefreshToken: values["refresh_token"],
	}
	if raw := values["version"]; raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Credential{}, fmt.Errorf("decode credential version: %w", err)
		}
		cred.Version = v
	}
	return cred, nil
}
