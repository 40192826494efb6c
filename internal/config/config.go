package config

import (
	"fmt"
	"os"
	"time"

	"rninspector/internal/rules"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Runtime      Runtime      `yaml:"runtime"`
	Proxy        Proxy        `yaml:"proxy"`
	Selection    Selection    `yaml:"selection"`
	Interception Interception `yaml:"interception"`
	Simulation   Simulation   `yaml:"simulation"`
	Cache        Cache        `yaml:"cache"`
	Metrics      Metrics      `yaml:"metrics"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log Log `yaml:"log"`
}

// Runtime 被调试运行时（Metro / Hermes inspector）的连接参数
type Runtime struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	DiscoveryTimeout    time.Duration `yaml:"discoveryTimeout"`
	OpenTimeout         time.Duration `yaml:"openTimeout"`
	ReconnectDelay      time.Duration `yaml:"reconnectDelay"`
	HealthInterval      time.Duration `yaml:"healthInterval"`
	XHRLoggingOnConnect bool          `yaml:"xhrLoggingOnConnect"`
}

// Proxy 面向 DevTools 前端的监听参数
type Proxy struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ClientQueueSize int    `yaml:"clientQueueSize"`
	MaxMessageBytes int64  `yaml:"maxMessageBytes"`
}

// Selection 目标选择偏好
type Selection struct {
	Preferences []rules.Preference `yaml:"preferences"`
}

// Interception 协议拦截开关
type Interception struct {
	EchoEvaluateResults bool `yaml:"echoEvaluateResults"`
	CachePostData       bool `yaml:"cachePostData"`
}

// Simulation 无运行时连接时的模拟网络事件
type Simulation struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Cache 响应体缓存后端
type Cache struct {
	Backend string `yaml:"backend"`
}

// Metrics 指标开关
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Log 日志配置
type Log struct {
	Level      string   `yaml:"level"`
	Writer     []string `yaml:"writer"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"maxSizeMB"`
	MaxBackups int      `yaml:"maxBackups"`
	MaxAgeDays int      `yaml:"maxAgeDays"`
}

const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{
		Version: "1.0.0",
		Runtime: Runtime{
			Host:             "localhost",
			Port:             8081,
			DiscoveryTimeout: 5 * time.Second,
			OpenTimeout:      10 * time.Second,
			ReconnectDelay:   5 * time.Second,
			HealthInterval:   10 * time.Second,
		},
		Proxy: Proxy{
			Port:            2052,
			ClientQueueSize: 256,
			MaxMessageBytes: 64 << 20,
		},
		Selection: Selection{
			Preferences: rules.DefaultPreferences(),
		},
		Interception: Interception{
			EchoEvaluateResults: true,
		},
		Simulation: Simulation{
			Interval: 5 * time.Second,
		},
		Cache:   Cache{Backend: CacheMemory},
		Metrics: Metrics{Enabled: true},
		Log: Log{
			Level:      "info",
			Writer:     []string{"console"},
			File:       "logs/rninspector.log",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
	c.Sqlite.Dsn = "file::memory:"
	c.Sqlite.Prefix = "rninspector_"
	return c
}

// Load 读取 YAML 配置文件并覆盖默认值，path 为空时仅返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Runtime.Port < 1 || c.Runtime.Port > 65535 {
		return fmt.Errorf("invalid runtime port: %d", c.Runtime.Port)
	}
	// 0 表示由系统分配端口
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}
	if c.Runtime.DiscoveryTimeout <= 0 || c.Runtime.OpenTimeout <= 0 {
		return fmt.Errorf("runtime timeouts must be positive")
	}
	if c.Runtime.ReconnectDelay <= 0 || c.Runtime.HealthInterval <= 0 {
		return fmt.Errorf("reconnectDelay and healthInterval must be positive")
	}
	if c.Proxy.ClientQueueSize < 1 {
		return fmt.Errorf("clientQueueSize must be at least 1")
	}
	if c.Simulation.Interval <= 0 {
		return fmt.Errorf("simulation interval must be positive")
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheSQLite:
		if c.Sqlite.Dsn == "" {
			return fmt.Errorf("sqlite cache backend requires sqlite.dsn")
		}
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}
	for _, w := range c.Log.Writer {
		if w != "console" && w != "file" {
			return fmt.Errorf("unknown log writer: %q", w)
		}
	}
	if err := rules.Validate(c.Selection.Preferences); err != nil {
		return err
	}
	return nil
}

// RuntimeBaseURL 返回运行时 HTTP 发现端点的基础地址
func (c *Config) RuntimeBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Runtime.Host, c.Runtime.Port)
}

// ProxyAddr 返回代理监听地址
func (c *Config) ProxyAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}
