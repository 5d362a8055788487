package parser

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

// Layout 定长小端二进制布局，格式码：b=int8 H=uint16 L=uint32 f=float32
type Layout []byte

// MustLayout 解析形如 "3f15b" 的布局描述
func MustLayout(format string) Layout {
	var out Layout
	count := 0
	for _, c := range format {
		switch {
		case c >= '0' && c <= '9':
			count = count*10 + int(c-'0')
		case c == 'b' || c == 'H' || c == 'L' || c == 'f':
			if count == 0 {
				count = 1
			}
			for i := 0; i < count; i++ {
				out = append(out, byte(c))
			}
			count = 0
		default:
			panic(fmt.Sprintf("parser: 未知布局码 %q", c))
		}
	}
	return out
}

// Repeat 重复布局 n 次
func (l Layout) Repeat(n int) Layout {
	out := make(Layout, 0, len(l)*n)
	for i := 0; i < n; i++ {
		out = append(out, l...)
	}
	return out
}

// Size 布局字节数
func (l Layout) Size() int {
	size := 0
	for _, c := range l {
		size += codeSize(c)
	}
	return size
}

func codeSize(c byte) int {
	switch c {
	case 'b':
		return 1
	case 'H':
		return 2
	default:
		return 4
	}
}

// Unpack 按布局解包，整数为 int64，浮点为 float64
func (l Layout) Unpack(data []byte) ([]any, error) {
	if len(data) != l.Size() {
		return nil, fmt.Errorf("数据长度 %d, 布局需要 %d: %w", len(data), l.Size(), protocol.ErrMalformedResponse)
	}
	values := make([]any, 0, len(l))
	off := 0
	for _, c := range l {
		switch c {
		case 'b':
			values = append(values, int64(int8(data[off])))
		case 'H':
			values = append(values, int64(binary.LittleEndian.Uint16(data[off:])))
		case 'L':
			values = append(values, int64(binary.LittleEndian.Uint32(data[off:])))
		case 'f':
			values = append(values, float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))))
		}
		off += codeSize(c)
	}
	return values, nil
}

// Pack 按布局打包数值，供模拟器和测试构造响应
func (l Layout) Pack(values ...float64) ([]byte, error) {
	if len(values) != len(l) {
		return nil, fmt.Errorf("数值个数 %d, 布局需要 %d", len(values), len(l))
	}
	out := make([]byte, 0, l.Size())
	for i, c := range l {
		v := values[i]
		switch c {
		case 'b':
			out = append(out, byte(int8(v)))
		case 'H':
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		case 'L':
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		case 'f':
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
		}
	}
	return out, nil
}

// Record 字段名到数值的映射
type Record map[string]any

// Float 以 float64 读取数值字段
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Pick 按字段列表复制，缺失字段为 nil
func (r Record) Pick(keys []string) Record {
	out := make(Record, len(keys))
	for _, k := range keys {
		out[k] = r[k]
	}
	return out
}

// zip 按顺序绑定字段名，以较短者为准
func zip(names []string, values []any) Record {
	rec := make(Record, len(names))
	for i, name := range names {
		if i >= len(values) {
			break
		}
		rec[name] = values[i]
	}
	return rec
}

// Round 四舍五入到 n 位小数
func Round(v float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(v*p) / p
}

// normalize 序列号取整转字符串，年份加 2000，其余浮点保留 3 位
func normalize(rec Record) Record {
	for key, value := range rec {
		switch key {
		case protocol.FieldSerial:
			if f, ok := rec.Float(key); ok {
				rec[key] = strconv.FormatInt(int64(math.Round(f)), 10)
			}
		case protocol.FieldYear:
			if v, ok := value.(int64); ok {
				rec[key] = v + 2000
			}
		default:
			if f, ok := value.(float64); ok {
				rec[key] = Round(f, 3)
			}
		}
	}
	return rec
}
