package device

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/archive"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/monitor"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/pipeline"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

// 各类提交指标的字段
var (
	PeriodCurrentKeys = []string{
		protocol.FieldG1, protocol.FieldG2, protocol.FieldT1, protocol.FieldT2,
		protocol.FieldP1, protocol.FieldP2, protocol.FieldOd,
	}
	IntegralCurrentKeys = []string{
		protocol.FieldWorkTime, protocol.FieldQ, protocol.FieldM1, protocol.FieldM2,
	}
	ArchiveKeys = []string{
		protocol.FieldWorkTime, protocol.FieldT1, protocol.FieldT2, protocol.FieldP1, protocol.FieldP2,
		protocol.FieldM1, protocol.FieldM2, protocol.FieldQ, protocol.FieldArchive,
	}
)

// DefaultSubsystems 设备只有一个热计量通道
var DefaultSubsystems = []string{"1"}

// TeploconCaps 支持的指标类型
const TeploconCaps = CapPeriodCurrent | CapIntegralCurrent | CapIntegralMonth | CapIntegralDay | CapIntegralHour

// TeploconConfig 驱动参数
type TeploconConfig struct {
	DeviceNum   byte
	Location    *time.Location
	LongTimeout time.Duration // 归档读取的应答超时
	Subsystems  []string
	Now         func() time.Time
}

// Teplocon 热量表驱动，同一实例不可并发使用
type Teplocon struct {
	Base
	conn    *Connection
	parser  *parser.Parser
	cfg     TeploconConfig
	scheme  *pipeline.Scheme
	readers map[pipeline.MetricKind]Reader
	log     *logrus.Logger
}

func NewTeplocon(conn *Connection, cfg TeploconConfig, log *logrus.Logger) *Teplocon {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = protocol.LongResponseTimeout
	}
	if len(cfg.Subsystems) == 0 {
		cfg.Subsystems = DefaultSubsystems
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	t := &Teplocon{
		conn:   conn,
		parser: parser.NewParser(),
		cfg:    cfg,
		log:    ensureLogger(log),
	}
	t.readers = map[pipeline.MetricKind]Reader{
		pipeline.PeriodCurrent:   t.PeriodCurrent,
		pipeline.IntegralCurrent: t.IntegralCurrent,
		pipeline.IntegralMonth:   t.IntegralMonth,
		pipeline.IntegralDay:     t.IntegralDay,
		pipeline.IntegralHour:    t.IntegralHour,
	}
	return t
}

func (t *Teplocon) Capabilities() Capability { return TeploconCaps }

func (t *Teplocon) Connection() *Connection { return t.conn }

func (t *Teplocon) Readers() map[pipeline.MetricKind]Reader { return t.readers }

// Availability 依次为当前值与三种归档，归档依赖上次提交时间
func (t *Teplocon) Availability() []Availability {
	return []Availability{
		{pipeline.PeriodCurrent, false},
		{pipeline.IntegralCurrent, false},
		{pipeline.IntegralMonth, true},
		{pipeline.IntegralDay, true},
		{pipeline.IntegralHour, true},
	}
}

func (t *Teplocon) now() time.Time {
	return t.cfg.Now().In(t.cfg.Location)
}

// read 发送命令并解析应答
func (t *Teplocon) read(ctx context.Context, cmd byte, args []int) ([]parser.Record, error) {
	payload, err := protocol.JoinArgs(args)
	if err != nil {
		return nil, err
	}
	count, timeout := 0, time.Duration(0)
	if isArchive(cmd) {
		if len(args) != 4 {
			return nil, fmt.Errorf("归档参数 %v: %w", args, protocol.ErrMalformedRequest)
		}
		count, timeout = args[3], t.cfg.LongTimeout
	}
	req := protocol.Assemble(t.cfg.DeviceNum, cmd, payload)

	start := time.Now()
	raw, err := t.conn.Exchange(ctx, req, t.parser.ExpectedLength(cmd, count), timeout)
	var records []parser.Record
	if err == nil {
		records, err = t.parser.Parse(cmd, raw, count)
	}
	monitor.ObserveExchange(cmd, len(req), len(raw), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("命令 0x%02X: %w", cmd, err)
	}
	return records, nil
}

func isArchive(cmd byte) bool {
	return cmd >= protocol.CmdReadHourArch
}

// ReadArchive 读取归档记录，args 为 [3, 页号低字节, 页号高字节, 页数]
func (t *Teplocon) ReadArchive(ctx context.Context, cmd byte, args []int) ([]parser.Record, error) {
	if !isArchive(cmd) {
		return nil, fmt.Errorf("0x%02X 不是归档命令: %w", cmd, protocol.ErrMalformedRequest)
	}
	return t.read(ctx, cmd, args)
}

func (t *Teplocon) ReadSettings(ctx context.Context) (parser.Record, error) {
	records, err := t.read(ctx, protocol.CmdReadSettings, []int{0})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

func (t *Teplocon) ReadStatTime(ctx context.Context) (parser.Record, error) {
	records, err := t.read(ctx, protocol.CmdReadStatTime, []int{0})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// ReadCurrent 返回当前周期值与累计值
func (t *Teplocon) ReadCurrent(ctx context.Context) (period, integral parser.Record, err error) {
	records, err := t.read(ctx, protocol.CmdReadCurrent, []int{0})
	if err != nil {
		return nil, nil, err
	}
	return records[0], records[1], nil
}

// ReadAdditional 返回附加参数的周期值与累计值
func (t *Teplocon) ReadAdditional(ctx context.Context) (period, integral parser.Record, err error) {
	records, err := t.read(ctx, protocol.CmdReadAdditional, []int{0})
	if err != nil {
		return nil, nil, err
	}
	return records[0], records[1], nil
}

// Status 读取状态并解码诊断信息
func (t *Teplocon) Status(ctx context.Context) (parser.Record, []string, error) {
	rec, err := t.ReadStatTime(ctx)
	if err != nil {
		return nil, nil, err
	}
	lo, _ := rec.Float(protocol.FieldStat8)
	hi, _ := rec.Float(protocol.FieldStat16)
	return rec, protocol.Diagnostics(byte(int8(lo)), byte(int8(hi))), nil
}

// Scheme 首次调用时读取设置，之后使用缓存
func (t *Teplocon) Scheme(ctx context.Context) (*pipeline.Scheme, error) {
	if t.scheme != nil {
		return t.scheme, nil
	}
	settings, err := t.ReadSettings(ctx)
	if err != nil {
		return nil, err
	}
	field := func(key string) int {
		v, _ := settings.Float(key)
		return int(v)
	}
	serial, _ := settings[protocol.FieldSerial].(string)
	t.scheme = &pipeline.Scheme{
		CurrentTime: time.Date(field(protocol.FieldYear), time.Month(field(protocol.FieldMonth)),
			field(protocol.FieldDay), field(protocol.FieldHour), field(protocol.FieldMin), 0, 0, t.cfg.Location),
		Serial:     serial,
		Subsystems: t.cfg.Subsystems,
		ReportDay:  field(protocol.FieldReportDay),
	}
	return t.scheme, nil
}

// ResetScheme 丢弃缓存的设备信息
func (t *Teplocon) ResetScheme() {
	t.scheme = nil
}

// Check 返回 "地址:端口/设备号; 设备时间; 序列号"
func (t *Teplocon) Check(ctx context.Context) (string, error) {
	scheme, err := t.Scheme(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d; %s; %s", t.conn, t.cfg.DeviceNum,
		scheme.CurrentTime.Format("2006-01-02 15:04:05"), scheme.Serial), nil
}

func single(kind pipeline.MetricKind, at time.Time, rec parser.Record) []pipeline.Envelope {
	return []pipeline.Envelope{{
		Kind:      kind,
		EventTime: at,
		Metrics:   map[string]parser.Record{"1": rec},
	}}
}

func (t *Teplocon) PeriodCurrent(ctx context.Context, _ *time.Time) ([]pipeline.Envelope, error) {
	period, _, err := t.ReadCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return single(pipeline.PeriodCurrent, t.now(), period.Pick(PeriodCurrentKeys)), nil
}

func (t *Teplocon) IntegralCurrent(ctx context.Context, _ *time.Time) ([]pipeline.Envelope, error) {
	_, integral, err := t.ReadCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return single(pipeline.IntegralCurrent, t.now(), integral.Pick(IntegralCurrentKeys)), nil
}

// IntegralMonth 读取上次提交所在月至今的月归档，每页一条
func (t *Teplocon) IntegralMonth(ctx context.Context, last *time.Time) ([]pipeline.Envelope, error) {
	pages, err := archive.FetchMonthly(ctx, t, last, t.now())
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Envelope, 0, len(pages))
	for _, page := range pages {
		out = append(out, single(pipeline.IntegralMonth, page.Month, page.Record.Pick(ArchiveKeys))...)
	}
	return out, nil
}

// IntegralDay 读取固定窗口的日归档，按记录顺序编号通道
func (t *Teplocon) IntegralDay(ctx context.Context, _ *time.Time) ([]pipeline.Envelope, error) {
	now := t.now()
	at := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return t.window(ctx, pipeline.IntegralDay, protocol.CmdReadDayArch, archive.DayWindow, at)
}

// IntegralHour 读取固定窗口的小时归档
func (t *Teplocon) IntegralHour(ctx context.Context, _ *time.Time) ([]pipeline.Envelope, error) {
	now := t.now()
	at := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	return t.window(ctx, pipeline.IntegralHour, protocol.CmdReadHourArch, archive.HourWindow, at)
}

func (t *Teplocon) window(ctx context.Context, kind pipeline.MetricKind, cmd byte, args []int, at time.Time) ([]pipeline.Envelope, error) {
	records, err := t.ReadArchive(ctx, cmd, args)
	if err != nil {
		return nil, err
	}
	env := pipeline.Envelope{Kind: kind, EventTime: at, Metrics: make(map[string]parser.Record, len(records))}
	for i, rec := range records {
		env.Metrics[strconv.Itoa(i+1)] = rec.Pick(ArchiveKeys)
	}
	return []pipeline.Envelope{env}, nil
}
