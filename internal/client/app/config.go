package app

import (
	"io"
	"time"
)

const DefaultInterval = 2 * time.Second

type Config struct {
	Server string
	// Watch 为 true 时每隔 Interval 刷新一次，直到 ctx 结束。
	Watch    bool
	Interval time.Duration
	// Alerts 为 0 时不显示告警尾部。
	Alerts  int
	Timeout time.Duration
	Out     io.Writer
}
