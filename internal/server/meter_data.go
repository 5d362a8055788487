package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

// ArchiveRecord 一条归档记录
type ArchiveRecord struct {
	StatL, StatH byte
	WorkTime     float64
	T1, T2       float64
	P1, P2       float64
	M1, M2       float64
	Q            float64
	Written      uint16
}

func (r ArchiveRecord) values() []float64 {
	return []float64{
		float64(int8(r.StatL)), float64(int8(r.StatH)), r.WorkTime, r.T1, r.T2,
		r.P1, r.P2, r.M1, r.M2, r.Q, float64(r.Written),
	}
}

// MeterData 模拟表计的存储内容
type MeterData struct {
	mu sync.Mutex

	DeviceNum byte
	Version   float64
	Serial    float64
	ReportDay int
	Clock     time.Time
	WorkTime  float64
	StatL     byte
	StatH     byte

	// 当前值
	Q, M1, M2      float64
	G1, G2, T1, T2 float64
	P1, P2, Od     float64

	Months map[int]ArchiveRecord // 页号 → 记录
	Days   []ArchiveRecord
	Hours  []ArchiveRecord

	// 故障注入
	CorruptCRC bool
	Silent     bool
	Truncate   int

	requests []Request
}

// Request 收到的请求
type Request struct {
	Addr byte
	Cmd  byte
	Args []byte
}

// NewMeterData 带一组默认读数的表计
func NewMeterData(clock time.Time) *MeterData {
	return &MeterData{
		DeviceNum: 1,
		Version:   2.1,
		Serial:    123456,
		ReportDay: 25,
		Clock:     clock,
		WorkTime:  8760,
		Q:         1523, M1: 98000, M2: 97500,
		G1: 3.2, G2: 3.1, T1: 70.5, T2: 50.25, P1: 6.1, P2: 4.2, Od: 0.125,
		Months: make(map[int]ArchiveRecord),
	}
}

// Requests 已收到的请求副本
func (m *MeterData) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Update 在锁内修改表计数据
func (m *MeterData) Update(fn func(m *MeterData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Respond 生成完整应答帧，不应答时返回 nil
func (m *MeterData) Respond(addr, cmd byte, args []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, Request{Addr: addr, Cmd: cmd, Args: append([]byte(nil), args...)})

	if m.Silent || addr != m.DeviceNum {
		return nil, nil
	}
	payload, err := m.payload(cmd, args)
	if err != nil {
		return nil, err
	}
	lenByte := byte(0)
	if len(args) > 0 {
		lenByte = args[0]
	}
	frame := append([]byte{addr, cmd, lenByte}, payload...)
	crc := protocol.Checksum(frame)
	if m.CorruptCRC {
		crc[0] ^= 0xFF
	}
	frame = append(frame, crc[0], crc[1])
	if m.Truncate > 0 && m.Truncate < len(frame) {
		frame = frame[:len(frame)-m.Truncate]
	}
	return frame, nil
}

func (m *MeterData) payload(cmd byte, args []byte) ([]byte, error) {
	c := m.Clock
	switch cmd {
	case protocol.CmdReadSettings:
		values := []float64{
			m.Version, m.Serial, 0,
			float64(m.ReportDay), 0, 0,
			float64(c.Minute()), float64(c.Hour()), float64(c.Day()), float64(c.Month()), float64(c.Year() - 2000),
		}
		return parser.SettingsLayout.Pack(pad(values, len(parser.SettingsLayout))...)
	case protocol.CmdReadStatTime:
		return parser.StatTimeLayout.Pack(
			float64(c.Minute()), float64(c.Hour()), float64(c.Day()), float64(c.Month()), float64(c.Year()-2000),
			float64(c.Month()), float64(c.Year()-2000),
			m.WorkTime, float64(int8(m.StatL)), float64(int8(m.StatH)),
		)
	case protocol.CmdReadCurrent:
		return parser.CurrentLayout.Pack(
			m.WorkTime, m.Q, m.M1, m.M2, float64(int8(m.StatL)), float64(int8(m.StatH)),
			m.G1, m.G2, m.T1, m.T2, m.P1, m.P2, m.Od,
		)
	case protocol.CmdReadAdditional:
		values := []float64{m.WorkTime, m.Q, m.M1, m.M2, 12, 34, 1, 0, 0.5, 1, 19200}
		return parser.AdditionalLayout.Pack(pad(values, len(parser.AdditionalLayout))...)
	case protocol.CmdReadMonthArch, protocol.CmdScanMonthArch:
		page, count, err := archiveArgs(args)
		if err != nil {
			return nil, err
		}
		var out []byte
		for i := 0; i < count; i++ {
			b, err := parser.ArchiveLayout.Pack(m.Months[(page+i)%protocol.MonthArchiveSize].values()...)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil
	case protocol.CmdReadDayArch, protocol.CmdScanDayArch:
		return windowPayload(m.Days, args)
	case protocol.CmdReadHourArch, protocol.CmdScanHourArch:
		return windowPayload(m.Hours, args)
	}
	return nil, fmt.Errorf("未知命令 0x%02X", cmd)
}

func archiveArgs(args []byte) (page, count int, err error) {
	if len(args) != 4 || args[0] != 3 {
		return 0, 0, fmt.Errorf("归档参数 % x", args)
	}
	return int(args[1]) | int(args[2])<<8, int(args[3]), nil
}

func windowPayload(records []ArchiveRecord, args []byte) ([]byte, error) {
	_, count, err := archiveArgs(args)
	if err != nil {
		return nil, err
	}
	var out []byte
	for i := 0; i < count; i++ {
		var rec ArchiveRecord
		if i < len(records) {
			rec = records[i]
		}
		b, err := parser.ArchiveLayout.Pack(rec.values()...)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func pad(values []float64, n int) []float64 {
	for len(values) < n {
		values = append(values, 0)
	}
	return values
}
