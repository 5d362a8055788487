package parser

import (
	"fmt"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

// 各命令的字段顺序
var (
	SettingsFields = []string{
		protocol.FieldVersion, protocol.FieldSerial, protocol.FieldCDelta, protocol.FieldReportDay,
		protocol.FieldConfig, protocol.FieldCLevel, protocol.FieldMin, protocol.FieldHour,
		protocol.FieldDay, protocol.FieldMonth, protocol.FieldYear,
	}

	StatTimeFields = []string{
		protocol.FieldMin, protocol.FieldHour, protocol.FieldDay, protocol.FieldMonth,
		protocol.FieldYear, protocol.FieldBlockMon, protocol.FieldBlockYear,
		protocol.FieldWorkTime, protocol.FieldStat8, protocol.FieldStat16,
	}

	PeriodAdditionalFields = []string{
		protocol.FieldACPBeg, protocol.FieldACPWide, protocol.FieldLightOn, protocol.FieldLightOff,
		protocol.FieldFRDawl, protocol.FieldNetNumber, protocol.FieldNetSpeed, protocol.FieldModemInit,
	}

	IntegralAdditionalFields = []string{
		protocol.FieldWorkTime, protocol.FieldQ, protocol.FieldM1, protocol.FieldM2,
	}

	PeriodCurrentFields = []string{
		protocol.FieldG1, protocol.FieldG2, protocol.FieldT1, protocol.FieldT2,
		protocol.FieldP1, protocol.FieldP2, protocol.FieldOd,
	}

	IntegralCurrentFields = []string{
		protocol.FieldWorkTime, protocol.FieldQ, protocol.FieldM1,
		protocol.FieldM2, protocol.FieldStat8, protocol.FieldStat16,
	}

	ArchiveFields = []string{
		protocol.FieldStatL, protocol.FieldStatH, protocol.FieldWorkTime, protocol.FieldT1,
		protocol.FieldT2, protocol.FieldP1, protocol.FieldP2, protocol.FieldM1,
		protocol.FieldM2, protocol.FieldQ, protocol.FieldArchive,
	}
)

// 各命令的二进制布局
var (
	SettingsLayout   = MustLayout("3f15b")
	StatTimeLayout   = MustLayout("7b1L2b")
	CurrentLayout    = MustLayout("4L2b7f")
	AdditionalLayout = MustLayout("4L2f2H1f1b1H18b")
	ArchiveLayout    = MustLayout("2b3H2b3L1H")
)

const (
	currentIntegralLen    = 6
	additionalIntegralLen = 4
)

type decoder func(payload []byte, count int) ([]Record, error)

// Parser 按命令码分派响应解码
type Parser struct {
	decoders map[byte]decoder
}

func NewParser() *Parser {
	return &Parser{
		decoders: map[byte]decoder{
			protocol.CmdReadSettings:   single(SettingsLayout, SettingsFields),
			protocol.CmdReadStatTime:   single(StatTimeLayout, StatTimeFields),
			protocol.CmdReadCurrent:    split(CurrentLayout, currentIntegralLen, PeriodCurrentFields, IntegralCurrentFields),
			protocol.CmdReadAdditional: split(AdditionalLayout, additionalIntegralLen, PeriodAdditionalFields, IntegralAdditionalFields),
			protocol.CmdReadHourArch:   archive,
			protocol.CmdScanHourArch:   archive,
			protocol.CmdReadDayArch:    archive,
			protocol.CmdScanDayArch:    archive,
			protocol.CmdReadMonthArch:  archive,
			protocol.CmdScanMonthArch:  archive,
		},
	}
}

// Parse 校验 CRC 后解码响应，count 为请求的归档记录数
func (p *Parser) Parse(cmd byte, frame []byte, count int) ([]Record, error) {
	dec, ok := p.decoders[cmd]
	if !ok {
		return nil, fmt.Errorf("未知命令 0x%02X: %w", cmd, protocol.ErrMalformedRequest)
	}
	if err := protocol.Verify(frame); err != nil {
		return nil, err
	}
	payload, err := protocol.Payload(frame)
	if err != nil {
		return nil, err
	}
	return dec(payload, count)
}

// ExpectedLength 返回完整响应帧的字节数
func (p *Parser) ExpectedLength(cmd byte, count int) int {
	size := 0
	switch cmd {
	case protocol.CmdReadSettings:
		size = SettingsLayout.Size()
	case protocol.CmdReadStatTime:
		size = StatTimeLayout.Size()
	case protocol.CmdReadCurrent:
		size = CurrentLayout.Size()
	case protocol.CmdReadAdditional:
		size = AdditionalLayout.Size()
	default:
		size = ArchiveLayout.Size() * count
	}
	return protocol.HeaderSize + size + protocol.ChecksumSize
}

func single(layout Layout, fields []string) decoder {
	return func(payload []byte, _ int) ([]Record, error) {
		values, err := layout.Unpack(payload)
		if err != nil {
			return nil, err
		}
		return []Record{normalize(zip(fields, values))}, nil
	}
}

// split 返回 [周期记录, 累计记录]，前 integralLen 个值属于累计记录
func split(layout Layout, integralLen int, period, integral []string) decoder {
	return func(payload []byte, _ int) ([]Record, error) {
		values, err := layout.Unpack(payload)
		if err != nil {
			return nil, err
		}
		return []Record{
			normalize(zip(period, values[integralLen:])),
			normalize(zip(integral, values[:integralLen])),
		}, nil
	}
}

func archive(payload []byte, count int) ([]Record, error) {
	if count <= 0 {
		return nil, fmt.Errorf("归档记录数 %d: %w", count, protocol.ErrMalformedRequest)
	}
	values, err := ArchiveLayout.Repeat(count).Unpack(payload)
	if err != nil {
		return nil, err
	}
	width := len(ArchiveLayout)
	records := make([]Record, 0, count)
	for i := 0; i < len(values); i += width {
		records = append(records, normalize(zip(ArchiveFields, values[i:i+width])))
	}
	return records, nil
}
