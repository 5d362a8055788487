package protocol

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/sigurn/crc16"
)

var (
	ErrChecksumMismatch  = errors.New("校验和不匹配")
	ErrEmptyResponse     = errors.New("空响应")
	ErrMalformedRequest  = errors.New("请求参数错误")
	ErrMalformedResponse = errors.New("响应长度错误")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum 计算 CRC-16（初值 0xFFFF，多项式 0xA001），低字节在前
func Checksum(data []byte) [2]byte {
	crc := crc16.Checksum(data, crcTable)
	return [2]byte{byte(crc), byte(crc >> 8)}
}

// Encode 以最高位作为标记位补齐奇校验
func Encode(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		b &= 0x7F
		if bits.OnesCount8(b)%2 == 0 {
			b |= 0x80
		}
		out[i] = b
	}
	return out
}

// Decode 去掉 Encode 添加的标记位
func Decode(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		if bits.OnesCount8(b)%2 == 1 {
			b &= 0x7F
		}
		out[i] = b
	}
	return out
}

// JoinArgs 展开命令参数：[]byte 原样，string 按 Latin-1，整数占一个字节
func JoinArgs(args ...any) ([]byte, error) {
	var out []byte
	for i, arg := range args {
		switch v := arg.(type) {
		case []byte:
			out = append(out, v...)
		case byte:
			out = append(out, v)
		case int:
			if v < 0 || v > 0xFF {
				return nil, fmt.Errorf("参数 %d 超出字节范围 %d: %w", i, v, ErrMalformedRequest)
			}
			out = append(out, byte(v))
		case []int:
			sub := make([]any, len(v))
			for j := range v {
				sub[j] = v[j]
			}
			b, err := JoinArgs(sub...)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		case string:
			for _, r := range v {
				if r > 0xFF {
					return nil, fmt.Errorf("参数 %d 含非 Latin-1 字符 %q: %w", i, r, ErrMalformedRequest)
				}
				out = append(out, byte(r))
			}
		default:
			return nil, fmt.Errorf("参数 %d 类型不支持 %T: %w", i, arg, ErrMalformedRequest)
		}
	}
	return out, nil
}

// Assemble 组装命令帧：地址 + 命令 + 参数 + CRC
func Assemble(addr, code byte, args []byte) []byte {
	frame := make([]byte, 0, 2+len(args)+ChecksumSize)
	frame = append(frame, addr, code)
	frame = append(frame, args...)
	crc := Checksum(frame)
	return append(frame, crc[0], crc[1])
}

// Verify 校验响应帧的 CRC
func Verify(frame []byte) error {
	if len(frame) == 0 {
		return ErrEmptyResponse
	}
	if len(frame) < ChecksumSize {
		return fmt.Errorf("帧长度 %d: %w", len(frame), ErrChecksumMismatch)
	}
	body, tail := frame[:len(frame)-ChecksumSize], frame[len(frame)-ChecksumSize:]
	crc := Checksum(body)
	if crc[0] != tail[0] || crc[1] != tail[1] {
		return fmt.Errorf("期望 % x 实际 % x: %w", crc[:], tail, ErrChecksumMismatch)
	}
	return nil
}

// Payload 去掉帧头与 CRC，调用前需先 Verify
func Payload(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize+ChecksumSize {
		return nil, fmt.Errorf("帧长度 %d 小于 %d: %w", len(frame), HeaderSize+ChecksumSize, ErrMalformedResponse)
	}
	return frame[HeaderSize : len(frame)-ChecksumSize], nil
}
