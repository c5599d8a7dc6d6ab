package statestore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps job state in the cache server. Useful when multiple
// NodeSync instances share one Dragonfly/Redis but separate databases.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store backed by Redis. All keys are namespaced
// under the given prefix.
func NewRedisStore(client *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = "nodesync:state:"
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) Get(key string) (string, error) {
	val, err := s.client.Get(context.Background(), s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return val, nil
}

func (s *redisStore) Set(key, value string) error {
	return s.client.Set(context.Background(), s.prefix+key, value, 0).Err()
}

func (s *redisStore) Delete(key string) error {
	return s.client.Del(context.Background(), s.prefix+key).Err()
}
