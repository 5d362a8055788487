package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/archive"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

var commands = map[string]byte{
	"settings":   protocol.CmdReadSettings,
	"stat":       protocol.CmdReadStatTime,
	"current":    protocol.CmdReadCurrent,
	"additional": protocol.CmdReadAdditional,
	"hour":       protocol.CmdReadHourArch,
	"day":        protocol.CmdReadDayArch,
	"month":      protocol.CmdReadMonthArch,
}

func main() {
	addr := flag.Uint("addr", 1, "设备号")
	cmdName := flag.String("cmd", "settings", "命令: settings | stat | current | additional | hour | day | month")
	month := flag.String("month", "", "月归档起始月份 (2006-01)，为空时使用当前月")
	count := flag.Int("count", 1, "归档页数")
	parity := flag.Bool("parity", false, "输出补标记位后的帧")
	decode := flag.String("decode", "", "解析十六进制应答帧而不是生成请求")
	flag.Parse()

	cmd, ok := commands[*cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", *cmdName)
		os.Exit(2)
	}

	if *decode != "" {
		if err := decodeFrame(cmd, *decode, *count); err != nil {
			fmt.Fprintf(os.Stderr, "解析失败: %v\n", err)
			os.Exit(1)
		}
		return
	}

	args, err := requestArgs(cmd, *month, *count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
		os.Exit(2)
	}
	payload, err := protocol.JoinArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
		os.Exit(2)
	}
	frame := protocol.Assemble(byte(*addr), cmd, payload)
	if *parity {
		frame = protocol.Encode(frame)
	}

	p := parser.NewParser()
	archiveCount := 0
	if len(args) == 4 {
		archiveCount = args[3]
	}
	fmt.Printf("请求 %s:\n", *cmdName)
	fmt.Printf("  十六进制: %s\n", hex.EncodeToString(frame))
	fmt.Printf("  字节数组: % x\n", frame)
	fmt.Printf("  C格式:    {%s}\n", toCArray(frame))
	fmt.Printf("  Go格式:   []byte{%s}\n", toGoArray(frame))
	fmt.Printf("  应答长度: %d 字节\n", p.ExpectedLength(cmd, archiveCount))
}

// requestArgs 月归档按月份计算页号，日/小时归档使用固定窗口
func requestArgs(cmd byte, month string, count int) ([]int, error) {
	switch cmd {
	case protocol.CmdReadMonthArch:
		t := time.Now()
		if month != "" {
			var err error
			if t, err = time.Parse("2006-01", month); err != nil {
				return nil, err
			}
		}
		if count < 1 || count > protocol.MaxPagesPerRead {
			return nil, fmt.Errorf("页数 %d 超出 1..%d", count, protocol.MaxPagesPerRead)
		}
		return archive.Chunk{Page: archive.MonthlyPage(&t), Count: count}.Args(), nil
	case protocol.CmdReadDayArch:
		return archive.DayWindow, nil
	case protocol.CmdReadHourArch:
		return archive.HourWindow, nil
	}
	return []int{0}, nil
}

func decodeFrame(cmd byte, text string, count int) error {
	frame, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(text))
	if err != nil {
		return err
	}
	records, err := parser.NewParser().Parse(cmd, frame, count)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func toCArray(data []byte) string {
	result := ""
	for i, b := range data {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf("0x%02X", b)
	}
	return result
}

func toGoArray(data []byte) string {
	return toCArray(data)
}
