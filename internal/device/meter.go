package device

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/pipeline"
)

// ErrUnsupported 设备不支持该操作
var ErrUnsupported = errors.New("设备不支持该操作")

// Capability 设备能力位，第 i 位对应 pipeline.Kinds[i]
type Capability uint8

const (
	CapPeriodCurrent Capability = 1 << iota
	CapIntegralCurrent
	CapPeriodHour
	CapPeriodDay
	CapPeriodMonth
	CapIntegralHour
	CapIntegralDay
	CapIntegralMonth
)

// CapabilityOf 返回指标类型对应的能力位，未知类型为 0
func CapabilityOf(kind pipeline.MetricKind) Capability {
	for i, k := range pipeline.Kinds {
		if k == kind {
			return 1 << i
		}
	}
	return 0
}

// Has 是否具备全部给定能力
func (c Capability) Has(other Capability) bool {
	return other != 0 && c&other == other
}

// Kinds 按能力位顺序列出支持的指标类型
func (c Capability) Kinds() []pipeline.MetricKind {
	var out []pipeline.MetricKind
	for i, k := range pipeline.Kinds {
		if c&(1<<i) != 0 {
			out = append(out, k)
		}
	}
	return out
}

func (c Capability) String() string {
	kinds := c.Kinds()
	if len(kinds) == 0 {
		return "none"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, "|")
}

// Availability 指标类型及其是否依赖上次提交时间
type Availability struct {
	Kind         pipeline.MetricKind
	NeedLastDate bool
}

// Reader 读取一种指标，last 为上次提交时间
type Reader func(ctx context.Context, last *time.Time) ([]pipeline.Envelope, error)

// Meter 计量设备
type Meter interface {
	Capabilities() Capability
	// Availability 按轮询顺序列出支持的指标类型
	Availability() []Availability
	Readers() map[pipeline.MetricKind]Reader
	Scheme(ctx context.Context) (*pipeline.Scheme, error)
	Check(ctx context.Context) (string, error)
	Instant(ctx context.Context) (map[string]any, error)
	Connection() *Connection
}

// Base 未实现的可选操作
type Base struct{}

func (Base) Check(context.Context) (string, error) {
	return "", ErrUnsupported
}

func (Base) Instant(context.Context) (map[string]any, error) {
	return nil, ErrUnsupported
}
