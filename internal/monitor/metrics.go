package monitor

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 设备通信指标
	Exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teplocon_exchanges_total",
			Help: "设备请求次数",
		},
		[]string{"command", "result"},
	)

	ExchangeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "teplocon_exchange_duration_seconds",
		Help:    "单次请求应答耗时",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teplocon_bytes_sent_total",
		Help: "发送的字节总数",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teplocon_bytes_received_total",
		Help: "接收的字节总数",
	})

	// 会话指标
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teplocon_active_sessions",
		Help: "当前持有设备锁的会话数",
	})

	LockWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teplocon_lock_waits_total",
		Help: "设备锁被占用而等待的次数",
	})

	LockAcquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "teplocon_lock_acquire_duration_seconds",
		Help:    "获取设备锁耗时",
		Buckets: prometheus.DefBuckets,
	})

	// 采集指标
	Polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teplocon_polls_total",
			Help: "按指标类型统计的采集次数",
		},
		[]string{"metric_type", "result"},
	)

	EnvelopesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teplocon_envelopes_submitted_total",
			Help: "提交的指标条数",
		},
		[]string{"metric_type"},
	)

	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "teplocon_poll_duration_seconds",
		Help:    "单次采集耗时",
		Buckets: prometheus.DefBuckets,
	})

	// Goroutine指标
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teplocon_goroutines",
		Help: "当前Goroutine数量",
	})

	// 内存指标
	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "teplocon_memory_usage_bytes",
		Help: "内存使用量",
	})
)

var registerOnce sync.Once

// Register 注册全部指标，可重复调用
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			Exchanges,
			ExchangeDuration,
			BytesSent,
			BytesReceived,
			ActiveSessions,
			LockWaits,
			LockAcquireDuration,
			Polls,
			EnvelopesSubmitted,
			PollDuration,
			GoroutineCount,
			MemoryUsage,
		)
	})
}

// ObserveExchange 记录一次设备请求
func ObserveExchange(command byte, sent, received int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Exchanges.WithLabelValues(fmt.Sprintf("0x%02X", command), result).Inc()
	ExchangeDuration.Observe(elapsed.Seconds())
	BytesSent.Add(float64(sent))
	BytesReceived.Add(float64(received))
}

type Monitor struct {
	log *logrus.Logger
}

func NewMonitor(log *logrus.Logger) *Monitor {
	Register(prometheus.DefaultRegisterer)
	return &Monitor{log: log}
}

// StartMetricsServer 启动Metrics HTTP服务器
func (m *Monitor) StartMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// 健康检查端点
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	m.log.Infof("Metrics服务器启动: %s", addr)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()
}

// StartRuntimeMonitor 启动运行时监控，stop 关闭后退出
func (m *Monitor) StartRuntimeMonitor(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}
