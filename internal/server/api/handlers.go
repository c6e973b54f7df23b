package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"flowsentry/internal/alertlog"
	"flowsentry/internal/flow"
	"flowsentry/internal/scoring"
	"flowsentry/internal/server/metrics"
	"flowsentry/pkg/model"
)

type Scorer interface {
	ScoreOne(in scoring.Input, field string) (scoring.Result, error)
	ScoreBatch(inputs []scoring.Input, field string) ([]scoring.Result, error)
	ScoreRecords(records []model.FlowRecord) ([]model.FlowRecord, error)
	NormalizeExternal(flows []scoring.ExternalFlow, field string) ([]model.FlowRecord, error)
}

type LiveState interface {
	Record(flows []model.FlowRecord)
	IngestExternal(flows []model.FlowRecord)
}

type Viewer interface {
	View(ctx context.Context) []model.FlowRecord
}

type Deps struct {
	Scorer       Scorer
	State        LiveState
	Viewer       Viewer
	AlertLogPath string
	// Metrics 可为 nil。
	Metrics *metrics.Metrics
}

type Handlers struct {
	scorer       Scorer
	state        LiveState
	viewer       Viewer
	alertLogPath string
	metrics      *metrics.Metrics
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		scorer:       d.Scorer,
		state:        d.State,
		viewer:       d.Viewer,
		alertLogPath: d.AlertLogPath,
		metrics:      d.Metrics,
	}
}

type predictRequest struct {
	Features json.RawMessage `json:"features"`
}

type flowsRequest struct {
	Flows json.RawMessage `json:"flows"`
}

type packetsRequest struct {
	Packets []model.PacketDescriptor `json:"packets"`
}

func (h *Handlers) Predict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badJSON(c, err)
		return
	}
	if len(req.Features) == 0 {
		h.fail(c, scoring.NewValidationError(scoring.StageColumnMapping, "features", "缺少字段"))
		return
	}
	in, err := scoring.ParseInput(req.Features, "features")
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.scorer.ScoreOne(in, "features")
	if err != nil {
		h.fail(c, err)
		return
	}
	h.observe(res)
	c.JSON(http.StatusOK, gin.H{"prediction": res.Prediction, "score": res.Score})
}

func (h *Handlers) PredictBatch(c *gin.Context) {
	var req flowsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badJSON(c, err)
		return
	}
	inputs, err := scoring.ParseBatch(req.Flows, "flows")
	if err != nil {
		h.fail(c, err)
		return
	}
	results, err := h.scorer.ScoreBatch(inputs, "flows")
	if err != nil {
		h.fail(c, err)
		return
	}
	predictions := make([]int, len(results))
	scores := make([]float64, len(results))
	for i, r := range results {
		predictions[i] = r.Prediction
		scores[i] = r.Score
		h.observe(r)
	}
	c.JSON(http.StatusOK, gin.H{"predictions": predictions, "scores": scores})
}

// Packets 聚合原始包描述符，评分后追加到实时缓冲区。
func (h *Handlers) Packets(c *gin.Context) {
	var req packetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badJSON(c, err)
		return
	}
	if len(req.Packets) == 0 {
		h.fail(c, scoring.NewValidationError(scoring.StageColumnMapping, "packets", "列表为空"))
		return
	}
	for i, p := range req.Packets {
		if p.FrameLen < 0 {
			h.fail(c, scoring.NewValidationError(scoring.StageColumnMapping, fmt.Sprintf("packets[%d].frame_len", i), "不能为负数"))
			return
		}
	}

	scored, err := h.scorer.ScoreRecords(flow.Aggregate(req.Packets))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.state.Record(scored)
	for _, f := range scored {
		h.observeRecord(f)
	}
	if h.metrics != nil {
		h.metrics.Ingested("packets", len(scored))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(scored), "flows": scored})
}

// Ingest 接收外部已评分的流，不重新评分。
func (h *Handlers) Ingest(c *gin.Context) {
	var req flowsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badJSON(c, err)
		return
	}
	flows, err := scoring.ParseExternal(req.Flows, "flows")
	if err != nil {
		h.fail(c, err)
		return
	}
	records, err := h.scorer.NormalizeExternal(flows, "flows")
	if err != nil {
		h.fail(c, err)
		return
	}
	h.state.IngestExternal(records)
	if h.metrics != nil {
		h.metrics.Ingested("http", len(records))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(records)})
}

func (h *Handlers) Flows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flows": h.viewer.View(c.Request.Context())})
}

func (h *Handlers) Alerts(c *gin.Context) {
	lines, err := alertlog.Tail(h.alertLogPath, alertlog.DefaultTail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取告警日志失败：" + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": lines})
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) badJSON(c *gin.Context, err error) {
	h.fail(c, scoring.NewValidationError(scoring.StageColumnMapping, "", "JSON 解析失败：%v", err))
}

func (h *Handlers) fail(c *gin.Context, err error) {
	if ve, ok := scoring.AsValidationError(err); ok {
		if h.metrics != nil {
			h.metrics.Rejected(string(ve.Stage))
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Msg, "stage": ve.Stage, "field": ve.Field})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *Handlers) observe(r scoring.Result) {
	if h.metrics != nil {
		h.metrics.ObserveScore(r.Score, r.Severity)
	}
}

func (h *Handlers) observeRecord(f model.FlowRecord) {
	if h.metrics != nil {
		h.metrics.ObserveScore(f.Score, f.Severity)
	}
}
