package protocol

import "time"

// 命令码
const (
	CmdReadSettings   byte = 0x01 // 读取设置
	CmdReadStatTime   byte = 0x02 // 读取状态与运行时间
	CmdReadCurrent    byte = 0x10 // 读取当前参数
	CmdReadAdditional byte = 0x20 // 读取附加参数
	CmdReadHourArch   byte = 0x30 // 读取小时归档
	CmdScanHourArch   byte = 0x31 // 扫描小时归档
	CmdReadDayArch    byte = 0x40 // 读取日归档
	CmdScanDayArch    byte = 0x41 // 扫描日归档
	CmdReadMonthArch  byte = 0x50 // 读取月归档
	CmdScanMonthArch  byte = 0x51 // 扫描月归档
)

// 帧结构
const (
	HeaderSize   = 3 // 地址 + 命令 + 长度回显
	ChecksumSize = 2
	BufferSize   = 1024
)

// 归档容量
const (
	ArchiveRecordSize = 24
	HourArchiveSize   = 1008
	DayArchiveSize    = 300
	MonthArchiveSize  = 50
	MaxPagesPerRead   = 10
)

// 超时
const (
	DefaultTimeout      = 200 * time.Millisecond
	LongResponseTimeout = 250 * time.Millisecond
)

// 字段名称（与下游约定一致，不可修改）
const (
	FieldYear      = "year"
	FieldMonth     = "month"
	FieldDay       = "day"
	FieldHour      = "hour"
	FieldMin       = "min"
	FieldBlockMon  = "Blocking month"
	FieldBlockYear = "Blocking year"
	FieldWorkTime  = "tраб"
	FieldRemaining = "tост"
	FieldStat8     = "Diagnostic code 8"
	FieldStat16    = "Diagnostic code 16"

	FieldVersion   = "version"
	FieldSerial    = "serial"
	FieldCDelta    = "C delta"
	FieldReportDay = "Reporting day"
	FieldConfig    = "Config"
	FieldCLevel    = "C level P"

	FieldQ  = "Qd"
	FieldM1 = "M1"
	FieldM2 = "M2"
	FieldG1 = "G1"
	FieldG2 = "G2"
	FieldT1 = "T1"
	FieldT2 = "T2"
	FieldP1 = "P1"
	FieldP2 = "P2"
	FieldOd = "Od"

	FieldACPBeg    = "Code ACP beg"
	FieldACPWide   = "Code ACP wide"
	FieldLightOn   = "Light 220B On"
	FieldLightOff  = "Light 220B Off"
	FieldFRDawl    = "fR Dawl"
	FieldNetNumber = "Net number"
	FieldNetSpeed  = "Net speed"
	FieldModemInit = "Modem init"

	FieldStatL   = "Stat_l"
	FieldStatH   = "Stat_h"
	FieldArchive = "wN_arc" // 整数部分及写入标志
)

// 波特率代码
var baudCodes = map[int]byte{
	600:   0x31,
	1200:  0x32,
	2400:  0x33,
	4800:  0x34,
	9600:  0x35,
	19200: 0x36,
}

// BaudCode 返回波特率对应的设备代码，未知速率按 9600 处理
func BaudCode(rate int) byte {
	if code, ok := baudCodes[rate]; ok {
		return code
	}
	return 0x35
}

// stat_l 掩码
const (
	MskPowerOff   = 0x01
	MskT1Range    = 0x02
	MskT2Range    = 0x04
	MskP1Range    = 0x08
	MskP2Range    = 0x10
	MskTReverse   = 0x20
	MskConfChange = 0x40
	MskStatH      = 0x80
)

var statLMessages = []struct {
	mask byte
	text string
}{
	{MskPowerOff, "220V power lost"},
	{MskT1Range, "t1 out of range"},
	{MskT2Range, "t2 out of range"},
	{MskP1Range, "P1 out of range"},
	{MskP2Range, "P2 out of range"},
	{MskTReverse, "t1 < t2 reverse temperature difference"},
	{MskConfChange, "configuration changed"},
	{MskStatH, "stat_h is not zero"},
}

var statHMessages = []struct {
	mask byte
	text string
}{
	{0x01, "tech 8 (reserved)"},
	{0x02, "tech 9 (timer RAM checksum failure)"},
	{0x04, "tech 10 (flash cell a5 failure)"},
	{0x08, "tech 11 (IIC bus failure)"},
	{0x10, "tech 12 (accumulator read failure on power-up)"},
	{0x20, "tech 13 (hourly archive write failure)"},
	{0x40, "tech 14 (flash calibration failure)"},
	{0x80, "tech 15 (archive overlap)"},
}

// Diagnostics 解码诊断字节 stat_l/stat_h
func Diagnostics(statL, statH byte) []string {
	var out []string
	for _, m := range statLMessages {
		if statL&m.mask != 0 {
			out = append(out, m.text)
		}
	}
	for _, m := range statHMessages {
		if statH&m.mask != 0 {
			out = append(out, m.text)
		}
	}
	return out
}
