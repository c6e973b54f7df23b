package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"flowsentry/internal/alertlog"
	"flowsentry/internal/bus"
	"flowsentry/internal/scoring"
	"flowsentry/internal/server/reconcile"
	"flowsentry/internal/server/state"
	"flowsentry/internal/storage"
)

type ServerConfig struct {
	Listen      string  `yaml:"listen"`
	IngestRate  float64 `yaml:"ingest_rate"`
	IngestBurst int     `yaml:"ingest_burst"`
}

type StateConfig struct {
	Capacity int `yaml:"capacity"`
}

type AlertLogConfig struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type Config struct {
	Server       ServerConfig          `yaml:"server"`
	Artifacts    scoring.ArtifactPaths `yaml:"artifacts"`
	State        StateConfig           `yaml:"state"`
	Severity     scoring.Buckets       `yaml:"severity"`
	AlertLog     AlertLogConfig        `yaml:"alert_log"`
	AlertTextLog string                `yaml:"alert_text_log"`
	NATS         NATSConfig            `yaml:"nats"`
}

// DefaultConfig 与 configs/server.yaml 的默认值一致。
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Listen: ":8080"},
		Artifacts: scoring.ArtifactPaths{
			Scaler:  "./artifacts/scaler.json",
			Model:   "./artifacts/model.json",
			Encoder: "./artifacts/protocol_encoder.json",
		},
		State:        StateConfig{Capacity: state.DefaultCapacity},
		Severity:     scoring.DefaultBuckets(),
		AlertLog:     AlertLogConfig{Driver: storage.DriverCSV, ReadTimeout: reconcile.DefaultReadTimeout},
		AlertTextLog: alertlog.DefaultPath,
		NATS:         NATSConfig{Subject: bus.DefaultSubject},
	}
}

// LoadConfig 在默认值之上叠加 YAML 文件中的配置。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败：%w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("解析配置文件失败：%w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.State.Capacity == 0 {
		c.State.Capacity = d.State.Capacity
	}
	if c.Severity == (scoring.Buckets{}) {
		c.Severity = d.Severity
	}
	if c.AlertLog.Driver == "" {
		c.AlertLog.Driver = d.AlertLog.Driver
	}
	if c.AlertLog.ReadTimeout == 0 {
		c.AlertLog.ReadTimeout = d.AlertLog.ReadTimeout
	}
	if c.AlertTextLog == "" {
		c.AlertTextLog = d.AlertTextLog
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = d.NATS.Subject
	}
}

func (c *Config) Validate() error {
	if c.Artifacts.Scaler == "" || c.Artifacts.Model == "" {
		return fmt.Errorf("artifacts.scaler 与 artifacts.model 必须配置")
	}
	if c.State.Capacity < 0 {
		return fmt.Errorf("state.capacity 必须为正数：%d", c.State.Capacity)
	}
	if err := c.Severity.Validate(); err != nil {
		return err
	}
	if c.AlertLog.ReadTimeout < 0 {
		return fmt.Errorf("alert_log.read_timeout 不能为负数")
	}
	if c.Server.IngestRate < 0 || c.Server.IngestBurst < 0 {
		return fmt.Errorf("server.ingest_rate/ingest_burst 不能为负数")
	}
	switch c.AlertLog.Driver {
	case storage.DriverCSV, storage.DriverSQLite, storage.DriverDuckDB:
	default:
		return fmt.Errorf("alert_log.driver 不支持：%s", c.AlertLog.Driver)
	}
	return nil
}
