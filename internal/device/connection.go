package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/goburrow/serial"
	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

// 传输方式
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// ConnConfig 连接参数
type ConnConfig struct {
	Transport   string        // tcp 或 serial
	Address     string        // IP 地址或串口设备
	Port        int           // 仅 tcp
	BaudRate    int           // 仅 serial
	DialTimeout time.Duration // 建立连接超时
	ReadTimeout time.Duration // 单次应答超时
	Parity      bool          // 是否按奇校验补标记位
}

// Connection 到设备的字节流连接
type Connection struct {
	cfg ConnConfig
	rw  io.ReadWriteCloser
	log *logrus.Logger
}

func NewConnection(cfg ConnConfig, log *logrus.Logger) *Connection {
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = protocol.DefaultTimeout
	}
	return &Connection{cfg: cfg, log: ensureLogger(log)}
}

// String 形如 addr:port
func (c *Connection) String() string {
	if c.cfg.Transport == TransportSerial {
		return c.cfg.Address
	}
	return net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
}

// BaudCode 当前波特率对应的设备代码
func (c *Connection) BaudCode() byte {
	return protocol.BaudCode(c.cfg.BaudRate)
}

func (c *Connection) IsOpen() bool {
	return c.rw != nil
}

// Open 建立连接，已打开时直接返回
func (c *Connection) Open(ctx context.Context) error {
	if c.rw != nil {
		return nil
	}
	switch c.cfg.Transport {
	case TransportTCP:
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.String())
		if err != nil {
			return fmt.Errorf("连接 %s 失败: %w", c, err)
		}
		c.rw = conn
	case TransportSerial:
		port, err := serial.Open(&serial.Config{
			Address:  c.cfg.Address,
			BaudRate: c.cfg.BaudRate,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  c.cfg.ReadTimeout,
		})
		if err != nil {
			return fmt.Errorf("打开串口 %s 失败: %w", c.cfg.Address, err)
		}
		c.rw = port
	default:
		return fmt.Errorf("未知传输方式 %q", c.cfg.Transport)
	}
	c.log.Debugf("连接已建立: %s", c)
	return nil
}

// Close 关闭连接
func (c *Connection) Close() error {
	if c.rw == nil {
		return nil
	}
	err := c.rw.Close()
	c.rw = nil
	c.log.Debugf("连接已关闭: %s", c)
	return err
}

// Exchange 发送请求并读取应答，直到收到 expected 字节或超时。
// 超时时返回已收到的数据，由解析器判定长度。
func (c *Connection) Exchange(ctx context.Context, req []byte, expected int, timeout time.Duration) ([]byte, error) {
	if c.rw == nil {
		return nil, errors.New("连接未打开")
	}
	if timeout <= 0 {
		timeout = c.cfg.ReadTimeout
	}
	if c.cfg.Parity {
		req = protocol.Encode(req)
	}
	c.log.Debugf("发送 [%s]: % x", c, req)
	if _, err := c.rw.Write(req); err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if dl, ok := c.rw.(interface{ SetReadDeadline(time.Time) error }); ok {
		dl.SetReadDeadline(deadline)
		defer dl.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 0, protocol.BufferSize)
	chunk := make([]byte, protocol.BufferSize)
	for len(buf) < expected && time.Now().Before(deadline) {
		n, err := c.rw.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if isTimeout(err) {
				break
			}
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			return nil, fmt.Errorf("读取应答失败: %w", err)
		}
	}
	if c.cfg.Parity {
		buf = protocol.Decode(buf)
	}
	c.log.Debugf("接收 [%s]: % x", c, buf)
	return buf, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded)
}

func ensureLogger(log *logrus.Logger) *logrus.Logger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
