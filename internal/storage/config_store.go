package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 配置字段
const (
	ConfDeviceID = "dev_id"
	ConfSerial   = "serial"
	ConfHost     = "host"
	ConfPort     = "port"
	ConfDevNum   = "devnum"
	ConfTimezone = "tz"
)

// LastDateKey 每种指标上次提交时间的字段名
func LastDateKey(kind string) string {
	return "last_" + kind
}

// DeviceConfig 设备配置，值均为字符串
type DeviceConfig map[string]string

// LastDate 读取上次提交时间，未记录或无法解析时返回 nil
func (c DeviceConfig) LastDate(kind string) *time.Time {
	raw, ok := c[LastDateKey(kind)]
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// ConfigStore 设备配置存储，Upsert 为合并写入，dev_id 首次写入后不再修改
type ConfigStore interface {
	Get(ctx context.Context, deviceID string) (DeviceConfig, error)
	Upsert(ctx context.Context, deviceID string, partial DeviceConfig) error
	Delete(ctx context.Context, deviceID string) error
}

// RedisConfigStore 每台设备一个 Redis hash
type RedisConfigStore struct {
	client redis.UniversalClient
}

func NewRedisConfigStore(client redis.UniversalClient) *RedisConfigStore {
	return &RedisConfigStore{client: client}
}

func configKey(deviceID string) string {
	return "configs:" + deviceID
}

func (s *RedisConfigStore) Get(ctx context.Context, deviceID string) (DeviceConfig, error) {
	values, err := s.client.HGetAll(ctx, configKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取设备配置失败: %w", err)
	}
	return DeviceConfig(values), nil
}

func (s *RedisConfigStore) Upsert(ctx context.Context, deviceID string, partial DeviceConfig) error {
	key := configKey(deviceID)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, ConfDeviceID, deviceID)
	fields := make(map[string]any, len(partial))
	for k, v := range partial {
		if k == ConfDeviceID {
			continue
		}
		fields[k] = v
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入设备配置失败: %w", err)
	}
	return nil
}

func (s *RedisConfigStore) Delete(ctx context.Context, deviceID string) error {
	if err := s.client.Del(ctx, configKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("删除设备配置失败: %w", err)
	}
	return nil
}

// MemoryConfigStore 进程内配置存储
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]DeviceConfig
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: make(map[string]DeviceConfig)}
}

func (s *MemoryConfigStore) Get(_ context.Context, deviceID string) (DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(DeviceConfig, len(s.configs[deviceID]))
	for k, v := range s.configs[deviceID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryConfigStore) Upsert(_ context.Context, deviceID string, partial DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.configs[deviceID]
	if !ok {
		conf = DeviceConfig{ConfDeviceID: deviceID}
		s.configs[deviceID] = conf
	}
	for k, v := range partial {
		if k == ConfDeviceID {
			continue
		}
		conf[k] = v
	}
	return nil
}

func (s *MemoryConfigStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, deviceID)
	return nil
}
