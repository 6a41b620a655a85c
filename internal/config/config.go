package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"nadecon/pkg/model"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Companion struct {
		Address           string        `yaml:"address"`
		Port              int           `yaml:"port"`
		Key               string        `yaml:"key"`
		UserAgent         string        `yaml:"user_agent"`
		ReconnectInterval time.Duration `yaml:"reconnect_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	} `yaml:"companion"`

	NotifyPage bool `yaml:"notify_page"`

	Engine struct {
		StaleAfter       time.Duration `yaml:"stale_after"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		DedupWindow      time.Duration `yaml:"dedup_window"`
		ProbeTimeout     time.Duration `yaml:"probe_timeout"`
		ProbeRate        float64       `yaml:"probe_rate"`
		HandoffRetries   int           `yaml:"handoff_retries"`
		HandoffBaseDelay time.Duration `yaml:"handoff_base_delay"`
	} `yaml:"engine"`

	Fallback struct {
		Dir    string `yaml:"dir"`
		Prompt bool   `yaml:"prompt"`
	} `yaml:"fallback"`

	DevTools struct {
		URL              string `yaml:"url"`
		Concurrency      int    `yaml:"concurrency"`
		ProcessTimeoutMS int    `yaml:"process_timeout_ms"`
	} `yaml:"devtools"`

	Sqlite struct {
		Dsn       string        `yaml:"dsn"`
		Prefix    string        `yaml:"prefix"`
		Retention time.Duration `yaml:"retention"` // 0 表示永久保留
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}

	c.Companion.Address = "localhost"
	c.Companion.Port = 8080
	c.Companion.ReconnectInterval = 5 * time.Second
	c.Companion.HeartbeatInterval = 30 * time.Second

	c.Engine.StaleAfter = 60 * time.Second
	c.Engine.SweepInterval = 30 * time.Second
	c.Engine.DedupWindow = 5 * time.Second
	c.Engine.ProbeTimeout = 2 * time.Second
	c.Engine.ProbeRate = 20
	c.Engine.HandoffRetries = 2
	c.Engine.HandoffBaseDelay = 500 * time.Millisecond

	c.Fallback.Dir = defaultDownloadDir()
	c.Fallback.Prompt = true

	c.DevTools.URL = "http://127.0.0.1:9222"
	c.DevTools.Concurrency = 16
	c.DevTools.ProcessTimeoutMS = 3000

	c.Sqlite.Dsn = "nadecon.sqlite3"
	c.Sqlite.Prefix = "nadecon_"

	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = filepath.Join("logs", "nadecon.log")
	return c
}

// Load 读取 YAML 配置文件并覆盖默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("解析配置文件: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Companion.Port < 1 || c.Companion.Port > 65535 {
		return fmt.Errorf("无效端口: %d", c.Companion.Port)
	}
	durations := map[string]time.Duration{
		"companion.reconnect_interval": c.Companion.ReconnectInterval,
		"companion.heartbeat_interval": c.Companion.HeartbeatInterval,
		"engine.stale_after":           c.Engine.StaleAfter,
		"engine.sweep_interval":        c.Engine.SweepInterval,
		"engine.dedup_window":          c.Engine.DedupWindow,
		"engine.probe_timeout":         c.Engine.ProbeTimeout,
		"engine.handoff_base_delay":    c.Engine.HandoffBaseDelay,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s 必须为正数", name)
		}
	}
	if c.Sqlite.Retention < 0 {
		return fmt.Errorf("sqlite.retention 不能为负数")
	}
	if c.Engine.HandoffRetries < 0 {
		return fmt.Errorf("engine.handoff_retries 不能为负数")
	}
	return nil
}

// Settings 提取外部设置项
func (c *Config) Settings() model.Settings {
	return model.Settings{
		BindAddress: c.Companion.Address,
		Port:        c.Companion.Port,
		Key:         c.Companion.Key,
		NotifyPage:  c.NotifyPage,
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, "Downloads")
}
