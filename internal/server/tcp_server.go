package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 模拟器参数
type Config struct {
	Host           string
	Port           int // 0 表示随机端口
	MaxConnections int
	ReadTimeout    time.Duration
	KeepAlive      time.Duration
}

// TCPServer 按 Teplocon 协议应答的表计模拟器
type TCPServer struct {
	config   Config
	listener net.Listener
	meter    *MeterData
	log      *logrus.Logger
	limiter  chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

func NewTCPServer(cfg Config, meter *MeterData, log *logrus.Logger) *TCPServer {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &TCPServer{
		config:   cfg,
		meter:    meter,
		log:      log,
		limiter:  make(chan struct{}, cfg.MaxConnections),
		shutdown: make(chan struct{}),
	}
}

// Listen 开始监听，返回后 Addr 可用
func (s *TCPServer) Listen(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	lc := net.ListenConfig{
		KeepAlive: s.config.KeepAlive,
	}

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	s.listener = listener
	s.log.Infof("模拟器启动成功: %s (设备号: %d)", listener.Addr(), s.meter.DeviceNum)
	return nil
}

// Addr 实际监听地址
func (s *TCPServer) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Serve 接受连接直到 Close
func (s *TCPServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorf("接受连接错误: %v", err)
			continue
		}

		// 连接数限制
		select {
		case s.limiter <- struct{}{}:
			s.wg.Add(1)
			go s.handleConnection(conn)
		default:
			s.log.Warn("达到最大连接数，拒绝连接")
			conn.Close()
		}
	}
}

// Start 监听并在后台接受连接
func (s *TCPServer) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	go s.Serve()
	return nil
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer func() {
		<-s.limiter
		s.wg.Done()
	}()

	NewSession(conn, s.meter, s.log, s.config.ReadTimeout, s.shutdown).Handle()
}

// Close 停止接受新连接并等待现有连接结束
func (s *TCPServer) Close() error {
	var err error
	s.once.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			err = s.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.log.Info("所有连接已关闭")
		case <-time.After(5 * time.Second):
			s.log.Warn("关闭超时")
		}
	})
	return err
}
