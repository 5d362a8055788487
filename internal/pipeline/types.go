package pipeline

import (
	"strings"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
)

// MetricKind 指标类型
type MetricKind string

const (
	PeriodCurrent   MetricKind = "period_current"
	PeriodHour      MetricKind = "period_hour"
	PeriodDay       MetricKind = "period_day"
	PeriodMonth     MetricKind = "period_month"
	IntegralCurrent MetricKind = "integral_current"
	IntegralHour    MetricKind = "integral_hour"
	IntegralDay     MetricKind = "integral_day"
	IntegralMonth   MetricKind = "integral_month"
)

// Kinds 所有指标类型，顺序即设备能力位的顺序
var Kinds = []MetricKind{
	PeriodCurrent, IntegralCurrent,
	PeriodHour, PeriodDay, PeriodMonth,
	IntegralHour, IntegralDay, IntegralMonth,
}

func (k MetricKind) IsPeriod() bool  { return strings.HasPrefix(string(k), "period") }
func (k MetricKind) IsCurrent() bool { return strings.HasSuffix(string(k), "current") }
func (k MetricKind) IsHour() bool    { return strings.HasSuffix(string(k), "hour") }
func (k MetricKind) IsDay() bool     { return strings.HasSuffix(string(k), "day") }
func (k MetricKind) IsMonth() bool   { return strings.HasSuffix(string(k), "month") }

// Envelope 一次采集得到的带时间戳的指标组，按通道编号分组
type Envelope struct {
	Kind      MetricKind               `json:"metric_type"`
	EventTime time.Time                `json:"event_time"`
	Metrics   map[string]parser.Record `json:"metrics"`
}

// Scheme 设备级元数据
type Scheme struct {
	CurrentTime time.Time `json:"current_time"`
	Serial      string    `json:"serial"`
	Subsystems  []string  `json:"subsystems"`
	ReportDay   int       `json:"report_day"`
}

// Batch 提交给下游的一批数据
type Batch struct {
	CurrentTime *time.Time `json:"current_time,omitempty"`
	Serial      string     `json:"serial,omitempty"`
	Subsystems  []string   `json:"subsystems,omitempty"`
	Data        []Envelope `json:"data"`
}
