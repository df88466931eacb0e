package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TIANLI0/DepthKit/config"
	"github.com/TIANLI0/DepthKit/model"
	"github.com/TIANLI0/DepthKit/utils"
)

type RedisService struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisService(cfg *config.RedisConfig) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisService{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CacheKey builds the cache key for a slicing run. The slicing parameters
// are part of the key: the same image sliced with different settings is a
// different result.
func CacheKey(md5 string, layers int, overlap float64, border int) string {
	return fmt.Sprintf("%s:%d:%g:%d", md5, layers, overlap, border)
}

// GetSliceResult looks up a cached result. A nil result with nil error is a
// cache miss.
func (s *RedisService) GetSliceResult(ctx context.Context, key string) (*model.SliceResult, error) {
	data, err := s.client.Get(ctx, "slice:"+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var result model.SliceResult
	if err := json.Unmarshal(data, &result); err != nil {
		utils.Logger.Error("failed to unmarshal slice result",
			zap.String("key", key), zap.Error(err))
		return nil, err
	}

	return &result, nil
}

// SetSliceResult stores a completed result's metadata with the configured
// TTL.
func (s *RedisService) SetSliceResult(ctx context.Context, key string, result *model.SliceResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, "slice:"+key, data, s.ttl).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}
