package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/storage"
)

// ErrLockTimeout 等待设备锁超时
var ErrLockTimeout = errors.New("等待设备锁超时")

// LockConfig 锁参数
type LockConfig struct {
	TTL           time.Duration // 锁的最长持有时间
	RetryInterval time.Duration // 被占用时的重试间隔
	Wait          time.Duration // 获取锁的总等待时间
}

// DefaultLockConfig 默认锁参数
func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:           10 * time.Minute,
		RetryInterval: time.Second,
		Wait:          10 * time.Minute,
	}
}

type lockToken struct {
	ID       string `json:"id"`
	DeviceID string `json:"dev_id"`
}

// Locker 跨进程的设备互斥锁，同一 Locker 重入时不重复加锁
type Locker struct {
	kv     storage.KV
	cfg    LockConfig
	holder string
	log    *logrus.Logger

	// OnAcquire 与 OnWait 用于统计，可为空
	OnAcquire func(deviceID string, waited time.Duration)
	OnWait    func(deviceID string)
}

func NewLocker(kv storage.KV, cfg LockConfig, log *logrus.Logger) *Locker {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	def := DefaultLockConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Wait <= 0 {
		cfg.Wait = def.Wait
	}
	return &Locker{kv: kv, cfg: cfg, holder: uuid.NewString(), log: log}
}

// Holder 当前 Locker 的持有者标识
func (l *Locker) Holder() string {
	return l.holder
}

func lockKey(deviceID string) string {
	return "locks:" + deviceID
}

// Do 持有设备锁期间执行 fn，仅释放本次调用获得的锁
func (l *Locker) Do(ctx context.Context, deviceID string, fn func(ctx context.Context) error) (err error) {
	acquired, err := l.acquire(ctx, deviceID)
	if err != nil {
		return err
	}
	if acquired != nil {
		defer func() {
			if rerr := l.release(deviceID, acquired); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}
	return fn(ctx)
}

// acquire 返回写入的令牌，重入时返回 nil
func (l *Locker) acquire(ctx context.Context, deviceID string) ([]byte, error) {
	token, err := json.Marshal(lockToken{ID: l.holder, DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	key := lockKey(deviceID)
	start := time.Now()
	deadline := start.Add(l.cfg.Wait)

	for {
		ok, err := l.kv.SetIfAbsent(ctx, key, token, l.cfg.TTL)
		if err != nil {
			return nil, err
		}
		if ok {
			if l.OnAcquire != nil {
				l.OnAcquire(deviceID, time.Since(start))
			}
			l.log.Debugf("[%s] 获得设备锁", deviceID)
			return token, nil
		}

		raw, found, err := l.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			// 锁在两次调用之间过期，立即重试
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("设备 %s: %w", deviceID, ErrLockTimeout)
			}
			continue
		}
		var current lockToken
		if json.Unmarshal(raw, &current) == nil && current.ID == l.holder {
			l.log.Debugf("[%s] 重入设备锁", deviceID)
			return nil, nil
		}

		if l.OnWait != nil {
			l.OnWait(deviceID)
		}
		wait := l.cfg.RetryInterval
		if remaining := time.Until(deadline); remaining <= 0 {
			return nil, fmt.Errorf("设备 %s: %w", deviceID, ErrLockTimeout)
		} else if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Locker) release(deviceID string, token []byte) error {
	// 调用方可能已取消，释放使用独立上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := l.kv.CompareAndDelete(ctx, lockKey(deviceID), token)
	if err != nil {
		return fmt.Errorf("释放设备锁失败: %w", err)
	}
	if !ok {
		l.log.Warnf("[%s] 设备锁已过期或被他人持有，跳过释放", deviceID)
		return nil
	}
	l.log.Debugf("[%s] 释放设备锁", deviceID)
	return nil
}
