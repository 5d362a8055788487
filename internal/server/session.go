package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

// Session 单个客户端连接
type Session struct {
	conn        net.Conn
	remote      string
	meter       *MeterData
	log         *logrus.Logger
	readTimeout time.Duration
	shutdown    <-chan struct{}
}

func NewSession(conn net.Conn, meter *MeterData, log *logrus.Logger, readTimeout time.Duration, shutdown <-chan struct{}) *Session {
	return &Session{
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		meter:       meter,
		log:         log,
		readTimeout: readTimeout,
		shutdown:    shutdown,
	}
}

// Handle 处理连接
func (h *Session) Handle() {
	defer func() {
		h.conn.Close()
		h.log.Debugf("连接关闭: %s", h.remote)
	}()

	h.log.Debugf("新连接: %s", h.remote)

	for {
		select {
		case <-h.shutdown:
			return
		default:
		}

		req, err := h.readRequest()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) {
				h.log.Debugf("连接断开: %s, 错误: %v", h.remote, err)
			}
			return
		}

		if err := h.process(req); err != nil {
			h.log.Warnf("处理请求失败 [%s]: %v, 数据: % x", h.remote, err, req)
		}
	}
}

// readRequest 读取一帧请求：地址 命令 长度 + 长度个参数 + CRC
func (h *Session) readRequest() ([]byte, error) {
	// 超时后检查关闭信号
	h.conn.SetReadDeadline(time.Now().Add(minDuration(h.readTimeout, time.Second)))

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(h.conn, header); err != nil {
		return nil, err
	}
	h.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	rest := make([]byte, int(header[2])+protocol.ChecksumSize)
	if _, err := io.ReadFull(h.conn, rest); err != nil {
		return nil, err
	}
	return append(header, rest...), nil
}

func (h *Session) process(frame []byte) error {
	if err := protocol.Verify(frame); err != nil {
		return err
	}
	args := frame[2 : len(frame)-protocol.ChecksumSize]
	resp, err := h.meter.Respond(frame[0], frame[1], args)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return h.SendResponse(resp)
}

// SendResponse 发送响应
func (h *Session) SendResponse(data []byte) error {
	h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	n, err := h.conn.Write(data)
	if err != nil {
		return fmt.Errorf("发送响应失败: %w", err)
	}

	h.log.Debugf("发送响应 [%s]: %d 字节", h.remote, n)
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
