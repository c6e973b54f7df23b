package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/internal/alertlog"
	"flowsentry/internal/scoring"
	"flowsentry/internal/storage/csvlog"
	"flowsentry/pkg/model"
)

type fakeScorer struct {
	calls int
	fn    func(flows []model.FlowRecord) ([]int, []float64, error)
}

func (f *fakeScorer) PredictBatch(_ context.Context, flows []model.FlowRecord) ([]int, []float64, error) {
	f.calls++
	return f.fn(flows)
}

// 按 pkt_rate 决定分数：>= 1000 判为恶意。
func rateScorer() *fakeScorer {
	return &fakeScorer{fn: func(flows []model.FlowRecord) ([]int, []float64, error) {
		preds := make([]int, len(flows))
		scores := make([]float64, len(flows))
		for i, f := range flows {
			if f.PktRate >= 1000 {
				preds[i], scores[i] = 1, 0.95
			} else {
				scores[i] = 0.1
			}
		}
		return preds, scores, nil
	}}
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	store := csvlog.NewStore(filepath.Join(dir, "malicious.csv"))
	logPath := filepath.Join(dir, "alerts.log")

	var reported []model.FlowRecord
	scorer := &fakeScorer{}
	d := &Detector{
		Scorer:  scorer,
		Buckets: scoring.DefaultBuckets(),
		Alerts:  alertlog.New(logPath),
		Store:   store,
		Reporter: ReporterFunc(func(_ context.Context, flows []model.FlowRecord) error {
			reported = append(reported, flows...)
			return nil
		}),
		BatchSize: 2,
	}

	flows := []model.FlowRecord{
		{FlowKey: "benign", Duration: 2.5, TotalPkts: 120, TotalBytes: 15000, MeanPktLen: 125, PktRate: 48, Protocol: "TCP"},
		{FlowKey: "model", Duration: 1, TotalPkts: 1500, TotalBytes: 90000, MeanPktLen: 60, PktRate: 1500, Protocol: "UDP"},
		// 模型判为正常，但规则命中 SYN flood。
		{FlowKey: "rules", Duration: 10, TotalPkts: 40000, TotalBytes: 1_600_000, MeanPktLen: 40, PktRate: 4000, Protocol: "TCP"},
	}
	scorer.fn = func(in []model.FlowRecord) ([]int, []float64, error) {
		preds := make([]int, len(in))
		scores := make([]float64, len(in))
		for i, f := range in {
			if f.FlowKey == "model" {
				preds[i], scores[i] = 1, 0.95
			} else {
				scores[i] = 0.1
			}
		}
		return preds, scores, nil
	}

	out, err := d.Detect(context.Background(), flows)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 2, scorer.calls)
	assert.Len(t, reported, 3)

	assert.False(t, out[0].IsAlert)
	assert.Equal(t, model.SeverityNone, out[0].Severity)

	assert.True(t, out[1].IsAlert)
	assert.Equal(t, model.SeverityCritical, out[1].Severity)

	assert.True(t, out[2].IsAlert)
	assert.Equal(t, 0, out[2].Prediction)
	assert.Equal(t, model.SeverityHigh, out[2].Severity)

	// 输入切片不被修改。
	assert.Equal(t, 0.0, flows[1].Score)

	persisted, err := store.LoadAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, int64(1500), persisted[0].TotalPkts)
	assert.Equal(t, 4000.0, persisted[1].PktRate)

	lines, err := alertlog.Tail(logPath, 10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ALERT: Detected malicious flow")
	assert.Contains(t, lines[0], "[1, 1500, 90000, 60, 1500, UDP]")
	assert.Contains(t, lines[1], "Detected suspicious flow (HIGH: Possible SYN flood)")
}

func TestDetect_ScorerError(t *testing.T) {
	d := &Detector{
		Scorer: &fakeScorer{fn: func([]model.FlowRecord) ([]int, []float64, error) {
			return nil, nil, errors.New("down")
		}},
		Buckets: scoring.DefaultBuckets(),
	}
	_, err := d.Detect(context.Background(), []model.FlowRecord{{FlowKey: "x"}})
	assert.Error(t, err)
}

func TestDetect_ReportFailureIsNotFatal(t *testing.T) {
	d := &Detector{
		Scorer:  rateScorer(),
		Buckets: scoring.DefaultBuckets(),
		Reporter: ReporterFunc(func(context.Context, []model.FlowRecord) error {
			return errors.New("server gone")
		}),
	}
	out, err := d.Detect(context.Background(), []model.FlowRecord{{FlowKey: "x", PktRate: 5}})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, []model.FlowRecord{
		{FlowKey: "a_b_1_2_TCP", Protocol: "TCP", TotalPkts: 3, Score: 0.95, Severity: model.SeverityCritical, IsAlert: true},
		{FlowKey: "c_d_3_4_UDP", Protocol: "UDP", TotalPkts: 1, Score: 0.1, Severity: model.SeverityNone},
	})
	s := buf.String()
	assert.Contains(t, s, "a_b_1_2_TCP")
	assert.Contains(t, s, "CRITICAL")
	assert.True(t, strings.HasSuffix(s, "flows=2 alerts=1\n"))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ServerIP: "127.0.0.1", ServerPort: 8080}
	cfg.applyDefaults()
	assert.Error(t, cfg.validate(), "no input")

	cfg.FlowsCSV = "flows.csv"
	assert.NoError(t, cfg.validate())

	cfg.PcapPath = "x.pcap"
	assert.Error(t, cfg.validate(), "two inputs")

	cfg.PcapPath = ""
	cfg.Report = ReportNATS
	assert.Error(t, cfg.validate(), "nats without url")

	cfg.Report = "carrier-pigeon"
	assert.Error(t, cfg.validate())
}
