package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/device"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/guard"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/monitor"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/pipeline"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/rendezvous"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/storage"
)

// Options 采集参数
type Options struct {
	MaxBatch   int           // 单批最大条数
	SkipNotDue bool          // 跳过尚未产生新记录的归档
	CheckTTL   time.Duration // 远程检查的等待时间
}

// LastDates 各指标类型上次提交的时间
type LastDates map[pipeline.MetricKind]*time.Time

// schemeResetter 可丢弃缓存设备信息的表计
type schemeResetter interface {
	ResetScheme()
}

type kindHandler func(ctx context.Context, last *time.Time) (*pipeline.Result, error)

// PollHandler 单台设备的采集入口
type PollHandler struct {
	deviceID string
	meter    device.Meter
	locker   *guard.Locker
	configs  storage.ConfigStore
	sink     storage.Submitter
	opts     Options
	chain    pipeline.Stage
	table    map[pipeline.MetricKind]kindHandler
	log      *logrus.Logger
	now      func() time.Time
}

func NewPollHandler(
	deviceID string,
	meter device.Meter,
	locker *guard.Locker,
	configs storage.ConfigStore,
	sink storage.Submitter,
	opts Options,
	log *logrus.Logger,
) *PollHandler {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = pipeline.MaxBatchSize
	}
	if opts.CheckTTL <= 0 {
		opts.CheckTTL = 90 * time.Second
	}
	h := &PollHandler{
		deviceID: deviceID,
		meter:    meter,
		locker:   locker,
		configs:  configs,
		sink:     sink,
		opts:     opts,
		chain:    pipeline.Default(sink, opts.MaxBatch, log),
		log:      log,
		now:      time.Now,
	}
	h.table = make(map[pipeline.MetricKind]kindHandler)
	for kind, read := range meter.Readers() {
		h.table[kind] = h.process(kind, read)
	}
	return h
}

func (h *PollHandler) DeviceID() string {
	return h.deviceID
}

// session 持有设备锁并保持连接打开
func (h *PollHandler) session(ctx context.Context, fn func(ctx context.Context) error) error {
	return h.locker.Do(ctx, h.deviceID, func(ctx context.Context) error {
		monitor.ActiveSessions.Inc()
		defer monitor.ActiveSessions.Dec()
		return guard.Connect(ctx, h.meter.Connection(), fn)
	})
}

func (h *PollHandler) process(kind pipeline.MetricKind, read device.Reader) kindHandler {
	return func(ctx context.Context, last *time.Time) (res *pipeline.Result, err error) {
		start := time.Now()
		defer func() {
			result := "ok"
			if err != nil {
				result = "error"
			}
			monitor.Polls.WithLabelValues(string(kind), result).Inc()
			monitor.PollDuration.Observe(time.Since(start).Seconds())
		}()

		err = h.session(ctx, func(ctx context.Context) error {
			conf, err := h.configs.Get(ctx, h.deviceID)
			if err != nil {
				return err
			}
			scheme, err := h.meter.Scheme(ctx)
			if err != nil {
				return err
			}
			if h.opts.SkipNotDue && !pipeline.NextDue(kind, last, scheme.ReportDay, h.now()) {
				h.log.Debugf("[%s] %s 尚无新记录", h.deviceID, kind)
				res = &pipeline.Result{DeviceID: h.deviceID, Kind: kind, Scheme: scheme, LastDate: last}
				return nil
			}

			envs, err := read(ctx, last)
			if err != nil {
				return err
			}
			res, err = h.chain(ctx, &pipeline.Result{
				DeviceID:       h.deviceID,
				Kind:           kind,
				Scheme:         scheme,
				ExpectedSerial: conf[storage.ConfSerial],
				LastDate:       last,
				Envelopes:      envs,
			})
			if errors.Is(err, pipeline.ErrSerialMismatch) {
				// 表计可能已更换，下次重新读取设置
				if r, ok := h.meter.(schemeResetter); ok {
					r.ResetScheme()
				}
			}
			if res != nil && res.Submitted > 0 {
				monitor.EnvelopesSubmitted.WithLabelValues(string(kind)).Add(float64(res.Submitted))
			}
			// 部分批次提交成功时也记录进度
			if res != nil && res.Latest != nil {
				update := storage.DeviceConfig{storage.LastDateKey(string(kind)): res.Latest.Format(time.RFC3339)}
				if conf[storage.ConfSerial] == "" && scheme.Serial != "" {
					update[storage.ConfSerial] = scheme.Serial
				}
				if uerr := h.configs.Upsert(ctx, h.deviceID, update); uerr != nil && err == nil {
					err = uerr
				}
			}
			return err
		})
		if err != nil {
			return res, fmt.Errorf("[%s] %s: %w", h.deviceID, kind, err)
		}
		return res, nil
	}
}

// Process 采集一种指标
func (h *PollHandler) Process(ctx context.Context, kind pipeline.MetricKind, last *time.Time) (*pipeline.Result, error) {
	fn, ok := h.table[kind]
	if !ok || !h.meter.Capabilities().Has(device.CapabilityOf(kind)) {
		return nil, fmt.Errorf("[%s] %s: %w", h.deviceID, kind, device.ErrUnsupported)
	}
	return fn(ctx, last)
}

// ProcessMetrics 按设备声明的顺序采集所有指标，任一失败即停止
func (h *PollHandler) ProcessMetrics(ctx context.Context, last LastDates) ([]*pipeline.Result, error) {
	var results []*pipeline.Result
	err := h.session(ctx, func(ctx context.Context) error {
		for _, a := range h.meter.Availability() {
			var date *time.Time
			if a.NeedLastDate {
				date = last[a.Kind]
			}
			res, err := h.Process(ctx, a.Kind, date)
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return results, err
}

// StoredLastDates 读取配置中记录的上次提交时间
func (h *PollHandler) StoredLastDates(ctx context.Context) (LastDates, error) {
	conf, err := h.configs.Get(ctx, h.deviceID)
	if err != nil {
		return nil, err
	}
	out := make(LastDates)
	for _, a := range h.meter.Availability() {
		if a.NeedLastDate {
			out[a.Kind] = conf.LastDate(string(a.Kind))
		}
	}
	return out, nil
}

// Reload 清除已提交数据后从头采集
func (h *PollHandler) Reload(ctx context.Context, clearMetrics, clearConf bool) ([]*pipeline.Result, error) {
	var results []*pipeline.Result
	err := h.locker.Do(ctx, h.deviceID, func(ctx context.Context) error {
		if clearMetrics {
			if err := h.sink.Clear(ctx, h.deviceID, clearConf); err != nil {
				return err
			}
		}
		var err error
		results, err = h.ProcessMetrics(ctx, nil)
		return err
	})
	return results, err
}

// Check 读取设备标识信息
func (h *PollHandler) Check(ctx context.Context) (string, error) {
	var out string
	err := h.session(ctx, func(ctx context.Context) error {
		var err error
		out, err = h.meter.Check(ctx)
		return err
	})
	return out, err
}

// Instant 读取瞬时值
func (h *PollHandler) Instant(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := h.session(ctx, func(ctx context.Context) error {
		var err error
		out, err = h.meter.Instant(ctx)
		return err
	})
	return out, err
}

func checkKey(deviceID string) string {
	return "check:" + deviceID
}

type checkReply struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RequestCheck 占用会合点后通过 trigger 通知持有设备的进程，等待其检查结果
func RequestCheck(ctx context.Context, kv storage.KV, deviceID string, ttl time.Duration, trigger func(ctx context.Context) error) (string, error) {
	var reply checkReply
	if err := rendezvous.Exchange(ctx, kv, checkKey(deviceID), ttl, trigger, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("[%s] %s", deviceID, reply.Error)
	}
	return reply.Result, nil
}

// AnswerCheck 执行检查并写回会合点，无人等待时结果被丢弃
func (h *PollHandler) AnswerCheck(ctx context.Context, kv storage.KV) error {
	out, err := h.Check(ctx)
	reply := checkReply{Result: out}
	if err != nil {
		reply.Error = err.Error()
	}
	ok, ferr := rendezvous.Fulfill(ctx, kv, checkKey(h.deviceID), reply)
	if ferr != nil {
		return ferr
	}
	if !ok {
		h.log.Debugf("[%s] 无等待方，丢弃检查结果", h.deviceID)
	}
	return err
}
