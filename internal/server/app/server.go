package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"flowsentry/internal/bus"
	"flowsentry/internal/scoring"
	"flowsentry/internal/server/api"
	"flowsentry/internal/server/metrics"
	"flowsentry/internal/server/reconcile"
	"flowsentry/internal/server/state"
	"flowsentry/internal/storage"
)

type Server struct {
	httpServer *http.Server
	alerts     storage.AlertStore
	sub        *bus.Subscriber
}

// NewServer 加载训练产物并组装路由。训练产物不可用时返回 scoring.ErrStartupFatal。
func NewServer(cfg Config) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置非法：%w", err)
	}

	artifacts, err := scoring.LoadArtifacts(cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	svc := scoring.NewService(artifacts, cfg.Severity)
	live := state.NewStore(cfg.State.Capacity)
	m := metrics.New(live.Len)
	svc.Codec().OnFallback(m.Fallback)
	if !svc.Codec().HasEncoder() {
		log.Printf("未加载协议编码器，所有协议使用静态回退编码")
	}

	alerts, err := storage.Open(cfg.AlertLog.Driver, cfg.AlertLog.Path)
	if err != nil {
		return nil, err
	}
	rec := reconcile.New(live, alerts, cfg.AlertLog.ReadTimeout)
	rec.OnDegraded = func(error) { m.Degraded() }

	s := &Server{alerts: alerts}
	if cfg.NATS.URL != "" {
		sub, err := bus.NewSubscriber(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			_ = alerts.Close()
			return nil, err
		}
		if err := sub.Start(ingestHandler(svc, live, m)); err != nil {
			sub.Close()
			_ = alerts.Close()
			return nil, err
		}
		s.sub = sub
	}

	h := api.NewHandlers(api.Deps{
		Scorer:       svc,
		State:        live,
		Viewer:       rec,
		AlertLogPath: cfg.AlertTextLog,
		Metrics:      m,
	})

	var limiter *rate.Limiter
	if cfg.Server.IngestRate > 0 {
		burst := cfg.Server.IngestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.IngestRate), burst)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/predict", h.Predict)
		v1.POST("/predict/batch", h.PredictBatch)
		v1.POST("/packets", h.Packets)
		v1.POST("/ingest", api.RateLimit(limiter, m.Throttled), h.Ingest)
		v1.GET("/flows", h.Flows)
		v1.GET("/alerts", h.Alerts)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// ingestHandler 让总线消息与 HTTP ingest 走同一套校验。
func ingestHandler(svc *scoring.Service, live *state.Store, m *metrics.Metrics) bus.Handler {
	return func(raw json.RawMessage) error {
		flows, err := scoring.ParseExternal(raw, "flows")
		if err != nil {
			return err
		}
		records, err := svc.NormalizeExternal(flows, "flows")
		if err != nil {
			return err
		}
		live.IngestExternal(records)
		m.Ingested("nats", len(records))
		return nil
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	_ = s.httpServer.Shutdown(ctx)
	if s.sub != nil {
		s.sub.Close()
	}
	return s.alerts.Close()
}
