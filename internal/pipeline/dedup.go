package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSerialMismatch = errors.New("设备序列号不匹配")
	ErrUnordered      = errors.New("指标未按时间升序排列")
)

// MaxBatchSize 单批提交的最大条数
const MaxBatchSize = 250

// Dedup 去掉时间不晚于 last 的前缀，要求输入按时间升序
func Dedup(envs []Envelope, last *time.Time) ([]Envelope, error) {
	for i := 1; i < len(envs); i++ {
		if envs[i].EventTime.Before(envs[i-1].EventTime) {
			return nil, fmt.Errorf("第 %d 条 %s 早于 %s: %w", i,
				envs[i].EventTime.Format(time.RFC3339), envs[i-1].EventTime.Format(time.RFC3339), ErrUnordered)
		}
	}
	if last == nil {
		return envs, nil
	}
	i := 0
	for i < len(envs) && !envs[i].EventTime.After(*last) {
		i++
	}
	return envs[i:], nil
}

// Batches 按 max 切分为连续的批次
func Batches(envs []Envelope, max int) [][]Envelope {
	if max <= 0 {
		max = MaxBatchSize
	}
	var out [][]Envelope
	for start := 0; start < len(envs); start += max {
		end := start + max
		if end > len(envs) {
			end = len(envs)
		}
		out = append(out, envs[start:end])
	}
	return out
}

// CheckSerial 比对设备返回的序列号与配置中记录的序列号
func CheckSerial(expected, got string) error {
	expected, got = strings.TrimSpace(expected), strings.TrimSpace(got)
	if expected == "" || got == "" {
		return nil
	}
	if expected != got {
		return fmt.Errorf("设备 %s, 配置 %s: %w", got, expected, ErrSerialMismatch)
	}
	return nil
}
