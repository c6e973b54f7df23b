package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/internal/scoring"
	"flowsentry/internal/storage/csvlog"
	"flowsentry/pkg/model"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := filepath.Join("..", "..", "scoring", "testdata")
	cfg := DefaultConfig()
	cfg.Artifacts = scoring.ArtifactPaths{
		Scaler:  filepath.Join(dir, "scaler.json"),
		Model:   filepath.Join(dir, "model.json"),
		Encoder: filepath.Join(dir, "protocol_encoder.json"),
	}
	tmp := t.TempDir()
	cfg.AlertLog.Path = filepath.Join(tmp, "malicious_flows.csv")
	cfg.AlertTextLog = filepath.Join(tmp, "alerts.log")
	return cfg
}

func TestNewServer_StartupFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifacts.Model = filepath.Join(t.TempDir(), "missing.json")
	_, err := NewServer(cfg)
	assert.ErrorIs(t, err, scoring.ErrStartupFatal)
}

func TestServer_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)

	// 历史告警：一条会与实时流重合，一条不会。
	persisted := csvlog.NewStore(cfg.AlertLog.Path)
	ctx := context.Background()
	require.NoError(t, persisted.Append(ctx, &model.FlowRecord{Duration: 10.0, TotalPkts: 5000, TotalBytes: 400000, MeanPktLen: 80, PktRate: 500.0, Protocol: "TCP"}))
	require.NoError(t, persisted.Append(ctx, &model.FlowRecord{Duration: 2, TotalPkts: 2, TotalBytes: 400, MeanPktLen: 200, PktRate: 1, Protocol: "TCP"}))

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())
	h := srv.Handler()

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = post("/api/v1/packets", `{"packets":[
		{"timestamp":1,"src_addr":"a","dst_addr":"b","tcp_src_port":1,"tcp_dst_port":2,"protocol":"TCP","frame_len":200},
		{"timestamp":3,"src_addr":"a","dst_addr":"b","tcp_src_port":1,"tcp_dst_port":2,"protocol":"TCP","frame_len":200}
	]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post("/api/v1/predict", `{"features":[2.5,120,15000,125.0,48.0,6]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/flows", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Flows []model.FlowRecord `json:"flows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))

	// 实时流 (2, 2, 1) 覆盖了第二条历史告警，predict 不写入状态。
	require.Len(t, view.Flows, 2)
	assert.Equal(t, "a_b_1_2_TCP", view.Flows[0].FlowKey)
	assert.Equal(t, "alertlog-1", view.Flows[1].FlowKey)
	assert.Equal(t, model.SeverityCritical, view.Flows[1].Severity)
	assert.True(t, view.Flows[1].IsAlert)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "flowsentry_live_flows 1"))
}

func TestServer_IngestRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Server.IngestRate = 0.001
	cfg.Server.IngestBurst = 1

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	body := `{"flows":[{"duration":1,"total_pkts":1,"pkt_rate":1,"protocol":"UDP"}]}`
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := `
server:
  listen: ":9000"
  ingest_rate: 50
artifacts:
  scaler: /srv/scaler.json
  model: /srv/model.json
state:
  capacity: 20
severity:
  medium: 0.4
  high: 0.6
  critical: 0.8
alert_log:
  driver: sqlite
  path: /var/lib/alerts.sqlite
  read_timeout: 500ms
nats:
  url: nats://127.0.0.1:4222
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 50.0, cfg.Server.IngestRate)
	assert.Equal(t, 20, cfg.State.Capacity)
	assert.Equal(t, scoring.Buckets{Medium: 0.4, High: 0.6, Critical: 0.8}, cfg.Severity)
	assert.Equal(t, "sqlite", cfg.AlertLog.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.AlertLog.ReadTimeout)
	// 文件中未给出的字段保留默认值。
	assert.Equal(t, "./artifacts/protocol_encoder.json", cfg.Artifacts.Encoder)
	assert.Equal(t, "flowsentry.flows.scored", cfg.NATS.Subject)
}

func TestConfigValidate(t *testing.T) {
	bad := []func(c *Config){
		func(c *Config) { c.Artifacts.Model = "" },
		func(c *Config) { c.Severity = scoring.Buckets{Medium: 0.9, High: 0.5, Critical: 0.95} },
		func(c *Config) { c.AlertLog.Driver = "redis" },
		func(c *Config) { c.Server.IngestRate = -1 },
		func(c *Config) { c.State.Capacity = -5 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
