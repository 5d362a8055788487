// Package rendezvous 基于共享键值存储的一次性跨进程应答通道
//
// 等待方 Await 占用键并写入空占位，应答方 Fulfill 仅在键存在时写入结果，
// 等待方 Resolve 轮询直到结果出现或超时，Close 删除键。
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/storage"
)

// ErrResponseTimeout 超时未收到应答
var ErrResponseTimeout = errors.New("等待应答超时")

// PollInterval 轮询间隔
var PollInterval = 100 * time.Millisecond

type slot struct {
	Response json.RawMessage `json:"response"`
}

// Waiter 已占用的会合点
type Waiter struct {
	kv  storage.KV
	key string
}

// Await 占用 key，键已被占用时在 ttl 内等待其释放
func Await(ctx context.Context, kv storage.KV, key string, ttl time.Duration) (*Waiter, error) {
	deadline := time.Now().Add(ttl)
	for {
		ok, err := kv.SetIfAbsent(ctx, key, []byte("{}"), ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Waiter{kv: kv, key: key}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("会合点 %s 被占用: %w", key, ErrResponseTimeout)
		}
		if err := sleep(ctx, PollInterval); err != nil {
			return nil, err
		}
	}
}

// Resolve 等待应答并解码到 out
func (w *Waiter) Resolve(ctx context.Context, timeout time.Duration, out any) error {
	deadline := time.Now().Add(timeout)
	for {
		raw, found, err := w.kv.Get(ctx, w.key)
		if err != nil {
			return err
		}
		if found {
			var s slot
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("解析应答失败: %w", err)
			}
			if len(s.Response) > 0 {
				if out == nil {
					return nil
				}
				return json.Unmarshal(s.Response, out)
			}
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("会合点 %s: %w", w.key, ErrResponseTimeout)
		}
		if err := sleep(ctx, PollInterval); err != nil {
			return err
		}
	}
}

// Close 删除会合点
func (w *Waiter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.kv.Delete(ctx, w.key)
}

// Fulfill 写入应答。会合点不存在时不写入，返回 false
func Fulfill(ctx context.Context, kv storage.KV, key string, value any) (bool, error) {
	response, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("序列化应答失败: %w", err)
	}
	data, err := json.Marshal(slot{Response: response})
	if err != nil {
		return false, err
	}
	return kv.SetIfPresent(ctx, key, data)
}

// Exchange 占用 key，执行 send 后等待应答，返回前删除 key
func Exchange(ctx context.Context, kv storage.KV, key string, ttl time.Duration, send func(ctx context.Context) error, out any) error {
	w, err := Await(ctx, kv, key, ttl)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := send(ctx); err != nil {
		return err
	}
	return w.Resolve(ctx, ttl, out)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
