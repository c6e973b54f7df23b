package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"flowsentry/internal/client/app"
)

func main() {
	var cfg app.Config
	flag.StringVar(&cfg.Server, "server", "http://127.0.0.1:8080", "Server 地址")
	flag.BoolVar(&cfg.Watch, "watch", false, "持续刷新")
	flag.DurationVar(&cfg.Interval, "interval", app.DefaultInterval, "刷新间隔")
	flag.IntVar(&cfg.Alerts, "alerts", 10, "显示最近的告警条数，0 表示不显示")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		log.Printf("client 失败：%v", err)
		os.Exit(1)
	}
}
