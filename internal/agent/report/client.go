package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowsentry/internal/scoring"
	"flowsentry/pkg/model"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(serverIP string, serverPort int, timeout time.Duration) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d/api/v1", serverIP, serverPort),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// featureObject 按列名发送特征，避免依赖服务端的列顺序。
type featureObject struct {
	Duration   float64 `json:"duration"`
	TotalPkts  int64   `json:"total_pkts"`
	TotalBytes int64   `json:"total_bytes"`
	MeanPktLen float64 `json:"mean_pkt_len"`
	PktRate    float64 `json:"pkt_rate"`
	Protocol   string  `json:"protocol"`
}

type batchResponse struct {
	Predictions []int     `json:"predictions"`
	Scores      []float64 `json:"scores"`
}

// PredictBatch 请求服务端对一批流评分，返回与输入等长的预测与概率。
func (c *Client) PredictBatch(ctx context.Context, flows []model.FlowRecord) ([]int, []float64, error) {
	objs := make([]featureObject, len(flows))
	for i, f := range flows {
		objs[i] = featureObject{
			Duration:   f.Duration,
			TotalPkts:  f.TotalPkts,
			TotalBytes: f.TotalBytes,
			MeanPktLen: f.MeanPktLen,
			PktRate:    f.PktRate,
			Protocol:   f.Protocol,
		}
	}
	var resp batchResponse
	if err := c.post(ctx, "/predict/batch", map[string]any{"flows": objs}, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.Predictions) != len(flows) || len(resp.Scores) != len(flows) {
		return nil, nil, fmt.Errorf("评分结果数量不一致：请求 %d 条，返回 %d/%d 条", len(flows), len(resp.Predictions), len(resp.Scores))
	}
	return resp.Predictions, resp.Scores, nil
}

// Ingest 把已评分的流上报到服务端的实时缓冲区。
func (c *Client) Ingest(ctx context.Context, flows []model.FlowRecord) error {
	ext := make([]scoring.ExternalFlow, len(flows))
	for i, f := range flows {
		ext[i] = scoring.ExternalFromRecord(f)
	}
	return c.post(ctx, "/ingest", map[string]any{"flows": ext}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化 JSON 失败：%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 HTTP 请求失败：%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s 失败：%w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s 失败：status=%s body=%s", path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 %s 响应失败：%w", path, err)
	}
	return nil
}
