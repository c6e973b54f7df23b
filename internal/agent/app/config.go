package app

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"flowsentry/internal/alertlog"
	"flowsentry/internal/scoring"
	"flowsentry/internal/storage"
)

const (
	ReportIngest = "ingest"
	ReportNATS   = "nats"
	ReportNone   = "none"

	DefaultBatchSize = 500
)

type Config struct {
	// 三种输入恰好指定一种。
	PcapPath   string
	PacketsCSV string
	FlowsCSV   string
	BPFPort    uint16

	ServerIP        string
	ServerPort      int
	HTTPPostTimeout time.Duration
	BatchSize       int

	Sink     string
	AlertDB  string
	AlertLog string
	Severity scoring.Buckets

	Report      string
	NATSURL     string
	NATSSubject string

	// Out 为汇总表输出位置，nil 时不打印。
	Out io.Writer
}

func (c *Config) applyDefaults() {
	if c.HTTPPostTimeout == 0 {
		c.HTTPPostTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Sink == "" {
		c.Sink = storage.DriverCSV
	}
	if c.AlertLog == "" {
		c.AlertLog = alertlog.DefaultPath
	}
	if c.Severity == (scoring.Buckets{}) {
		c.Severity = scoring.DefaultBuckets()
	}
	if c.Report == "" {
		c.Report = ReportIngest
	}
	c.Report = strings.ToLower(c.Report)
}

func (c *Config) validate() error {
	n := 0
	for _, p := range []string{c.PcapPath, c.PacketsCSV, c.FlowsCSV} {
		if p != "" {
			n++
		}
	}
	if n != 1 {
		return errors.New("必须且只能指定一种输入：pcap / packets csv / flows csv")
	}
	if c.ServerIP == "" || c.ServerPort == 0 {
		return errors.New("缺少 server 地址")
	}
	switch c.Report {
	case ReportIngest, ReportNone:
	case ReportNATS:
		if c.NATSURL == "" {
			return errors.New("report=nats 时必须指定 nats url")
		}
	default:
		return fmt.Errorf("未知的上报方式：%s", c.Report)
	}
	return c.Severity.Validate()
}
