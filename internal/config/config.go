package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Redis      RedisConfig      `yaml:"redis"`
	Lock       LockConfig       `yaml:"lock"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Submit     SubmitConfig     `yaml:"submit"`
	Log        LogConfig        `yaml:"log"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

type DeviceConfig struct {
	ID          string        `yaml:"id"`
	Transport   string        `yaml:"transport"` // tcp | serial
	Address     string        `yaml:"address"`
	Port        int           `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	DeviceNum   int           `yaml:"device_num"`
	Timezone    string        `yaml:"timezone"`
	Parity      bool          `yaml:"parity"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	LongTimeout time.Duration `yaml:"long_timeout"`
	SkipNotDue  bool          `yaml:"skip_not_due"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
}

type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Wait          time.Duration `yaml:"wait"`
}

type RendezvousConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type SubmitConfig struct {
	Debug    bool `yaml:"debug"` // 只打印不投递
	MaxBatch int  `yaml:"max_batch"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// LoadConfig 加载配置文件，未填写的字段取默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 检查必填项
func (c *Config) Validate() error {
	if c.Device.Transport != "tcp" && c.Device.Transport != "serial" {
		return fmt.Errorf("未知传输方式: %q", c.Device.Transport)
	}
	if c.Device.DeviceNum < 0 || c.Device.DeviceNum > 0xFF {
		return fmt.Errorf("设备号超出范围: %d", c.Device.DeviceNum)
	}
	if c.Submit.MaxBatch <= 0 {
		return fmt.Errorf("max_batch 必须大于 0")
	}
	if c.Device.Timezone != "" {
		if _, err := time.LoadLocation(c.Device.Timezone); err != nil {
			return fmt.Errorf("时区无效: %w", err)
		}
	}
	return nil
}

// Location 设备时区，未配置时为本地时区
func (c *Config) Location() *time.Location {
	if c.Device.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Device.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Transport:   "tcp",
			Address:     "127.0.0.1",
			Port:        4001,
			BaudRate:    9600,
			DeviceNum:   1,
			DialTimeout: 10 * time.Second,
			ReadTimeout: 200 * time.Millisecond,
			LongTimeout: 250 * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			Channel:  "teplocon_metrics",
		},
		Lock: LockConfig{
			TTL:           10 * time.Minute,
			RetryInterval: time.Second,
			Wait:          10 * time.Minute,
		},
		Rendezvous: RendezvousConfig{
			TTL: 90 * time.Second,
		},
		Submit: SubmitConfig{
			MaxBatch: 250,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			MetricsPort: 9090,
		},
	}
}
