package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/pipeline"
)

// HistoryLimit 每台设备保留的最近批次数
const HistoryLimit = 1000

// Submitter 批次提交目标
type Submitter interface {
	pipeline.Sink
	// Clear 清除设备已提交的数据，clearConf 同时清除设备配置
	Clear(ctx context.Context, deviceID string, clearConf bool) error
}

type envelopeMessage struct {
	DeviceID string `json:"dev_id"`
	pipeline.Batch
}

// MessageQueue 通过 Redis Pub/Sub 提交批次，并在 List 中保留历史
type MessageQueue struct {
	client  redis.UniversalClient
	channel string
	configs ConfigStore
	log     *logrus.Logger
}

// NewMessageQueue 连接 Redis 并检查可用性
func NewMessageQueue(ctx context.Context, client redis.UniversalClient, channel string, configs ConfigStore, log *logrus.Logger) (*MessageQueue, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}
	log.Info("Redis连接成功")

	return &MessageQueue{
		client:  client,
		channel: channel,
		configs: configs,
		log:     log,
	}, nil
}

func historyKey(deviceID string) string {
	return fmt.Sprintf("metrics:%s:data", deviceID)
}

// Submit 发布批次到Redis
func (mq *MessageQueue) Submit(ctx context.Context, deviceID string, batch pipeline.Batch) error {
	data, err := json.Marshal(envelopeMessage{DeviceID: deviceID, Batch: batch})
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	if err := mq.client.Publish(ctx, mq.channel, data).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	// 历史仅作备份，失败不影响提交
	pipe := mq.client.Pipeline()
	pipe.LPush(ctx, historyKey(deviceID), data)
	pipe.LTrim(ctx, historyKey(deviceID), 0, HistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		mq.log.Warnf("保存到List失败: %v", err)
	}
	return nil
}

// Clear 删除历史，必要时删除配置
func (mq *MessageQueue) Clear(ctx context.Context, deviceID string, clearConf bool) error {
	if err := mq.client.Del(ctx, historyKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("清除历史失败: %w", err)
	}
	if clearConf && mq.configs != nil {
		if err := mq.configs.Delete(ctx, deviceID); err != nil {
			return err
		}
	}
	mq.log.Infof("[%s] 已清除历史数据 (配置: %v)", deviceID, clearConf)
	return nil
}

// History 返回最近的批次，最新在前
func (mq *MessageQueue) History(ctx context.Context, deviceID string, limit int64) ([]pipeline.Batch, error) {
	raw, err := mq.client.LRange(ctx, historyKey(deviceID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取历史失败: %w", err)
	}
	out := make([]pipeline.Batch, 0, len(raw))
	for _, item := range raw {
		var msg envelopeMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("解析历史失败: %w", err)
		}
		out = append(out, msg.Batch)
	}
	return out, nil
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}

// QueueStats 设备历史与连接池状态
type QueueStats struct {
	DeviceID   string `json:"dev_id"`
	Channel    string `json:"channel"`
	History    int64  `json:"history"`
	Hits       uint32 `json:"pool_hits"`
	Misses     uint32 `json:"pool_misses"`
	Timeouts   uint32 `json:"pool_timeouts"`
	TotalConns uint32 `json:"pool_total_conns"`
	IdleConns  uint32 `json:"pool_idle_conns"`
}

// GetStats 获取设备的统计信息
func (mq *MessageQueue) GetStats(ctx context.Context, deviceID string) (*QueueStats, error) {
	n, err := mq.client.LLen(ctx, historyKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取历史长度失败: %w", err)
	}
	pool := mq.client.PoolStats()
	return &QueueStats{
		DeviceID:   deviceID,
		Channel:    mq.channel,
		History:    n,
		Hits:       pool.Hits,
		Misses:     pool.Misses,
		Timeouts:   pool.Timeouts,
		TotalConns: pool.TotalConns,
		IdleConns:  pool.IdleConns,
	}, nil
}

// DebugSubmitter 仅记录日志，不投递
type DebugSubmitter struct {
	log *logrus.Logger
}

func NewDebugSubmitter(log *logrus.Logger) *DebugSubmitter {
	return &DebugSubmitter{log: log}
}

func (d *DebugSubmitter) Submit(_ context.Context, deviceID string, batch pipeline.Batch) error {
	for _, env := range batch.Data {
		d.log.WithFields(logrus.Fields{
			"dev_id":      deviceID,
			"metric_type": env.Kind,
			"event_time":  env.EventTime,
		}).Infof("%v", env.Metrics)
	}
	return nil
}

func (d *DebugSubmitter) Clear(_ context.Context, deviceID string, clearConf bool) error {
	d.log.Infof("[%s] clear (配置: %v)", deviceID, clearConf)
	return nil
}
