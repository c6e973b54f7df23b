package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowsentry/internal/server/app"
)

func main() {
	var (
		configPath string
		flags      app.Config
	)
	flag.StringVar(&configPath, "config", "", "YAML 配置文件路径")
	flag.StringVar(&flags.Server.Listen, "listen", ":8080", "监听地址")
	flag.StringVar(&flags.Artifacts.Scaler, "scaler", "./artifacts/scaler.json", "标准化参数文件")
	flag.StringVar(&flags.Artifacts.Model, "model", "./artifacts/model.json", "分类模型文件")
	flag.StringVar(&flags.Artifacts.Encoder, "encoder", "./artifacts/protocol_encoder.json", "协议编码器文件（可选）")
	flag.IntVar(&flags.State.Capacity, "capacity", 100, "实时缓冲区保留的流数量")
	flag.StringVar(&flags.AlertLog.Driver, "alert-driver", "csv", "历史告警存储：csv、sqlite 或 duckdb")
	flag.StringVar(&flags.AlertLog.Path, "alert-db", "", "历史告警文件路径")
	flag.DurationVar(&flags.AlertLog.ReadTimeout, "alert-timeout", 2*time.Second, "读取历史告警的超时")
	flag.StringVar(&flags.AlertTextLog, "alert-log", "./alerts.log", "文本告警日志路径")
	flag.Float64Var(&flags.Server.IngestRate, "ingest-rate", 0, "ingest 每秒请求数上限，0 表示不限流")
	flag.IntVar(&flags.Server.IngestBurst, "ingest-burst", 10, "ingest 突发请求数")
	flag.StringVar(&flags.NATS.URL, "nats-url", "", "NATS 地址，为空时不订阅")
	flag.StringVar(&flags.NATS.Subject, "nats-subject", "flowsentry.flows.scored", "NATS 主题")
	flag.Parse()

	cfg := flags
	if configPath != "" {
		fileCfg, err := app.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("加载配置失败：%v", err)
		}
		cfg = overrideWithFlags(fileCfg, flags)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(cfg)
	if err != nil {
		log.Fatalf("server 初始化失败：%v", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("server 监听：%s", cfg.Server.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server 运行失败：%v", err)
	}
}

// overrideWithFlags 只用命令行上显式给出的参数覆盖配置文件。
func overrideWithFlags(cfg, flags app.Config) app.Config {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Server.Listen = flags.Server.Listen
		case "scaler":
			cfg.Artifacts.Scaler = flags.Artifacts.Scaler
		case "model":
			cfg.Artifacts.Model = flags.Artifacts.Model
		case "encoder":
			cfg.Artifacts.Encoder = flags.Artifacts.Encoder
		case "capacity":
			cfg.State.Capacity = flags.State.Capacity
		case "alert-driver":
			cfg.AlertLog.Driver = flags.AlertLog.Driver
		case "alert-db":
			cfg.AlertLog.Path = flags.AlertLog.Path
		case "alert-timeout":
			cfg.AlertLog.ReadTimeout = flags.AlertLog.ReadTimeout
		case "alert-log":
			cfg.AlertTextLog = flags.AlertTextLog
		case "ingest-rate":
			cfg.Server.IngestRate = flags.Server.IngestRate
		case "ingest-burst":
			cfg.Server.IngestBurst = flags.Server.IngestBurst
		case "nats-url":
			cfg.NATS.URL = flags.NATS.URL
		case "nats-subject":
			cfg.NATS.Subject = flags.NATS.Subject
		}
	})
	return cfg
}
