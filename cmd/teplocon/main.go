package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/config"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/device"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/guard"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/handler"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/monitor"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/server"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/storage"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configFile := flag.String("config", "configs/config.yaml", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本信息")
	mode := flag.String("mode", "poll", "运行模式: poll | check | reload | read | emulate")
	readCmd := flag.String("read", "settings", "read 模式读取的数据: settings | stat | current | additional | queue")
	fresh := flag.Bool("fresh", false, "poll 模式忽略已记录的上次提交时间")
	clearMetrics := flag.Bool("clear-metrics", false, "reload 模式先清除已提交数据")
	clearConf := flag.Bool("clear-conf", false, "reload 模式同时清除设备配置")
	remote := flag.Bool("remote", false, "check 模式经由会合点取回检查结果")
	flag.Parse()

	// 显示版本
	if *showVersion {
		fmt.Printf("Teplocon Driver v%s (Build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		cfg = config.GetDefaultConfig()
		fmt.Println("使用默认配置")
	}

	// 初始化日志
	log := setupLogger(cfg.Log)
	log.Infof("Teplocon Driver v%s 启动中...", Version)
	log.Infof("配置文件: %s", *configFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Monitor.Enabled {
		mon := monitor.NewMonitor(log)
		mon.StartMetricsServer(cfg.Monitor.MetricsPort)
		mon.StartRuntimeMonitor(ctx.Done())
	}

	if *mode == "emulate" {
		if err := runEmulator(ctx, cfg, log); err != nil {
			log.Fatalf("模拟器退出: %v", err)
		}
		return
	}

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer app.close()

	app.remote = *remote
	if err := app.run(ctx, *mode, *readCmd, *fresh, *clearMetrics, *clearConf); err != nil {
		log.Fatalf("%s 失败: %v", *mode, err)
	}
}

type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	driver  *device.Teplocon
	handler *handler.PollHandler
	kv      storage.KV
	queue   *storage.MessageQueue
	remote  bool
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	conn := device.NewConnection(device.ConnConfig{
		Transport:   cfg.Device.Transport,
		Address:     cfg.Device.Address,
		Port:        cfg.Device.Port,
		BaudRate:    cfg.Device.BaudRate,
		DialTimeout: cfg.Device.DialTimeout,
		ReadTimeout: cfg.Device.ReadTimeout,
		Parity:      cfg.Device.Parity,
	}, log)
	a.driver = device.NewTeplocon(conn, device.TeploconConfig{
		DeviceNum:   byte(cfg.Device.DeviceNum),
		Location:    cfg.Location(),
		LongTimeout: cfg.Device.LongTimeout,
	}, log)

	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID = conn.String() + "/" + strconv.Itoa(cfg.Device.DeviceNum)
	}

	var (
		kv      storage.KV
		configs storage.ConfigStore
		sink    storage.Submitter
	)
	if cfg.Submit.Debug {
		kv = storage.NewMemoryKV()
		configs = storage.NewMemoryConfigStore()
		sink = storage.NewDebugSubmitter(log)
	} else {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		configs = storage.NewRedisConfigStore(client)
		mq, err := storage.NewMessageQueue(ctx, client, cfg.Redis.Channel, configs, log)
		if err != nil {
			client.Close()
			return nil, err
		}
		a.closers = append(a.closers, mq.Close)
		a.queue = mq
		kv = storage.NewRedisKV(client)
		sink = mq
	}

	a.kv = kv
	locker := guard.NewLocker(kv, guard.LockConfig{
		TTL:           cfg.Lock.TTL,
		RetryInterval: cfg.Lock.RetryInterval,
		Wait:          cfg.Lock.Wait,
	}, log)
	locker.OnWait = func(string) { monitor.LockWaits.Inc() }
	locker.OnAcquire = func(_ string, waited time.Duration) { monitor.LockAcquireDuration.Observe(waited.Seconds()) }

	a.handler = handler.NewPollHandler(deviceID, a.driver, locker, configs, sink, handler.Options{
		MaxBatch:   cfg.Submit.MaxBatch,
		SkipNotDue: cfg.Device.SkipNotDue,
		CheckTTL:   cfg.Rendezvous.TTL,
	}, log)
	return a, nil
}

func (a *app) run(ctx context.Context, mode, readCmd string, fresh, clearMetrics, clearConf bool) error {
	switch mode {
	case "poll":
		var last handler.LastDates
		if !fresh {
			var err error
			if last, err = a.handler.StoredLastDates(ctx); err != nil {
				return err
			}
		}
		results, err := a.handler.ProcessMetrics(ctx, last)
		for _, r := range results {
			a.log.Infof("%s: 提交 %d 条", r.Kind, r.Submitted)
		}
		return err
	case "reload":
		_, err := a.handler.Reload(ctx, clearMetrics, clearConf)
		return err
	case "check":
		check := a.handler.Check
		if a.remote {
			check = a.remoteCheck
		}
		out, err := check(ctx)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	case "read":
		return a.read(ctx, readCmd)
	}
	return fmt.Errorf("未知模式: %s", mode)
}

// remoteCheck 先占用会合点，再由应答方完成检查并写回结果
func (a *app) remoteCheck(ctx context.Context) (string, error) {
	return handler.RequestCheck(ctx, a.kv, a.handler.DeviceID(), a.cfg.Rendezvous.TTL, func(ctx context.Context) error {
		go func() {
			if err := a.handler.AnswerCheck(ctx, a.kv); err != nil {
				a.log.Errorf("检查失败: %v", err)
			}
		}()
		return nil
	})
}

// read 直接读取一项原始数据并以 JSON 输出
func (a *app) read(ctx context.Context, what string) error {
	if what == "queue" {
		if a.queue == nil {
			return fmt.Errorf("调试模式下没有消息队列")
		}
		stats, err := a.queue.GetStats(ctx, a.handler.DeviceID())
		if err != nil {
			return err
		}
		return printJSON(stats)
	}

	var out any
	err := guard.Connect(ctx, a.driver.Connection(), func(ctx context.Context) error {
		var err error
		switch what {
		case "settings":
			out, err = a.driver.ReadSettings(ctx)
		case "stat":
			rec, diags, serr := a.driver.Status(ctx)
			out, err = map[string]any{"status": rec, "diagnostics": diags}, serr
		case "current":
			period, integral, cerr := a.driver.ReadCurrent(ctx)
			out, err = map[string]any{"period": period, "integral": integral}, cerr
		case "additional":
			period, integral, aerr := a.driver.ReadAdditional(ctx)
			out, err = map[string]any{"period": period, "integral": integral}, aerr
		default:
			err = fmt.Errorf("未知数据: %s", what)
		}
		return err
	})
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Errorf("关闭失败: %v", err)
		}
	}
}

// runEmulator 在配置的端口上运行表计模拟器
func runEmulator(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	meter := server.NewMeterData(time.Now().In(cfg.Location()))
	meter.DeviceNum = byte(cfg.Device.DeviceNum)
	srv := server.NewTCPServer(server.Config{
		Host: cfg.Device.Address,
		Port: cfg.Device.Port,
	}, meter, log)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("收到退出信号，开始关闭...")
	return srv.Close()
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置输出
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("打开日志文件失败: %v, 使用标准输出", err)
		}
	}

	return log
}
