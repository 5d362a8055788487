package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink 接收批次的下游
type Sink interface {
	Submit(ctx context.Context, deviceID string, batch Batch) error
}

// Result 各阶段之间传递的中间结果
type Result struct {
	DeviceID       string
	Kind           MetricKind
	Scheme         *Scheme
	ExpectedSerial string
	LastDate       *time.Time
	Envelopes      []Envelope
	Submitted      int
	Latest         *time.Time
}

// Stage 流水线阶段
type Stage func(ctx context.Context, r *Result) (*Result, error)

// Chain 按声明顺序执行各阶段
func Chain(stages ...Stage) Stage {
	return func(ctx context.Context, r *Result) (*Result, error) {
		var err error
		for _, stage := range stages {
			if r, err = stage(ctx, r); err != nil {
				return r, err
			}
		}
		return r, nil
	}
}

// Default 计算派生字段、校验序列号、去重、分批提交
func Default(sink Sink, maxBatch int, log *logrus.Logger) Stage {
	return Chain(Enrich(), VerifySerial(), Deduplicate(), Submit(sink, maxBatch, log))
}

// Enrich 计算差值与停机时间
func Enrich() Stage {
	return func(_ context.Context, r *Result) (*Result, error) {
		reportDay := 31
		if r.Scheme != nil && r.Scheme.ReportDay > 0 {
			reportDay = r.Scheme.ReportDay
		}
		for _, env := range r.Envelopes {
			for _, rec := range env.Metrics {
				Derive(rec)
				Remaining(env.Kind, env.EventTime, reportDay, rec)
			}
		}
		return r, nil
	}
}

// VerifySerial 防止地址复用后读到另一台设备
func VerifySerial() Stage {
	return func(_ context.Context, r *Result) (*Result, error) {
		if r.Scheme == nil {
			return r, nil
		}
		return r, CheckSerial(r.ExpectedSerial, r.Scheme.Serial)
	}
}

// Deduplicate 去掉已提交过的指标
func Deduplicate() Stage {
	return func(_ context.Context, r *Result) (*Result, error) {
		envs, err := Dedup(r.Envelopes, r.LastDate)
		if err != nil {
			return r, err
		}
		r.Envelopes = envs
		return r, nil
	}
}

// Submit 按批次依次提交，无数据时不提交
func Submit(sink Sink, maxBatch int, log *logrus.Logger) Stage {
	return func(ctx context.Context, r *Result) (*Result, error) {
		if len(r.Envelopes) == 0 {
			log.Debugf("[%s] %s 无新数据", r.DeviceID, r.Kind)
			return r, nil
		}
		template := Batch{}
		if r.Scheme != nil {
			if !r.Scheme.CurrentTime.IsZero() {
				ct := r.Scheme.CurrentTime
				template.CurrentTime = &ct
			}
			template.Serial = r.Scheme.Serial
			template.Subsystems = r.Scheme.Subsystems
		}
		for i, group := range Batches(r.Envelopes, maxBatch) {
			batch := template
			batch.Data = group
			if err := sink.Submit(ctx, r.DeviceID, batch); err != nil {
				return r, fmt.Errorf("提交第 %d 批失败: %w", i+1, err)
			}
			r.Submitted += len(group)
			latest := group[len(group)-1].EventTime
			r.Latest = &latest
		}
		log.Infof("[%s] %s 提交 %d 条", r.DeviceID, r.Kind, r.Submitted)
		return r, nil
	}
}
