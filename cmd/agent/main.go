package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowsentry/internal/agent/app"
	"flowsentry/internal/bus"
	"flowsentry/internal/storage"
)

func main() {
	var (
		cfg     app.Config
		bpfPort uint
	)
	flag.StringVar(&cfg.PcapPath, "pcap", "", "离线 pcap/pcapng 文件")
	flag.StringVar(&cfg.PacketsCSV, "packets-csv", "", "tshark 导出的逐包 CSV")
	flag.StringVar(&cfg.FlowsCSV, "flows-csv", "", "已聚合的流 CSV")
	flag.UintVar(&bpfPort, "bpf-port", 0, "只保留该 TCP/UDP 端口的包（仅 pcap，0 表示不限端口）")
	flag.StringVar(&cfg.ServerIP, "server-ip", "127.0.0.1", "Server IP")
	flag.IntVar(&cfg.ServerPort, "server-port", 8080, "Server Port")
	flag.DurationVar(&cfg.HTTPPostTimeout, "timeout", 5*time.Second, "请求 server 的超时时间")
	flag.IntVar(&cfg.BatchSize, "batch", app.DefaultBatchSize, "每次批量评分的流数")
	flag.StringVar(&cfg.Sink, "sink", storage.DriverCSV, "告警存储：csv / sqlite / duckdb")
	flag.StringVar(&cfg.AlertDB, "alert-db", "", "告警存储路径（默认按 sink 类型）")
	flag.StringVar(&cfg.AlertLog, "alert-log", "", "文本告警日志路径")
	flag.StringVar(&cfg.Report, "report", app.ReportIngest, "评分结果上报方式：ingest / nats / none")
	flag.StringVar(&cfg.NATSURL, "nats-url", "", "NATS 地址（report=nats 时必填）")
	flag.StringVar(&cfg.NATSSubject, "nats-subject", bus.DefaultSubject, "NATS subject")
	flag.Parse()

	if bpfPort > 65535 {
		flag.Usage()
		os.Exit(2)
	}
	cfg.BPFPort = uint16(bpfPort)
	cfg.Out = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		log.Printf("agent 退出：%v", err)
		os.Exit(1)
	}

	fmt.Println("agent 正常退出")
}
