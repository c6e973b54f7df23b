package scoring

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"flowsentry/internal/codec"
	"flowsentry/pkg/model"
)

// ExternalFlow 是外部已评分流的入站格式。protocol 可以是协议号或标签，
// duration/total_pkts/pkt_rate 是告警去重键，必须给出。
type ExternalFlow struct {
	FlowKey    string         `json:"flow_key"`
	Duration   *float64       `json:"duration"`
	TotalPkts  *float64       `json:"total_pkts"`
	TotalBytes float64        `json:"total_bytes"`
	MeanPktLen float64        `json:"mean_pkt_len"`
	PktRate    *float64       `json:"pkt_rate"`
	Protocol   any            `json:"protocol"`
	Label      *int           `json:"label,omitempty"`
	Prediction int            `json:"prediction"`
	Score      float64        `json:"score"`
	Severity   model.Severity `json:"severity"`
	IsAlert    bool           `json:"is_alert"`
}

// ParseExternal 解析非空的外部流列表。
func ParseExternal(raw json.RawMessage, field string) ([]ExternalFlow, error) {
	var flows []ExternalFlow
	if err := json.Unmarshal(raw, &flows); err != nil {
		return nil, invalid(StageColumnMapping, field, "列表解析失败：%v", err)
	}
	if len(flows) == 0 {
		return nil, invalid(StageColumnMapping, field, "列表为空")
	}
	return flows, nil
}

// NormalizeExternal 校验并补全外部流：缺少 flow_key 时生成 UUID，
// 缺少 severity 时按 score 分档，prediction 为 1 时 is_alert 一定为 true。
// 任一条非法则整批拒绝。
func (s *Service) NormalizeExternal(flows []ExternalFlow, field string) ([]model.FlowRecord, error) {
	if len(flows) == 0 {
		return nil, invalid(StageColumnMapping, field, "列表为空")
	}
	out := make([]model.FlowRecord, 0, len(flows))
	for i, f := range flows {
		name := fmt.Sprintf("%s[%d]", field, i)
		rec, err := s.normalizeExternal(f, name)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) normalizeExternal(f ExternalFlow, name string) (model.FlowRecord, error) {
	required := []struct {
		col string
		v   *float64
	}{
		{"duration", f.Duration},
		{"total_pkts", f.TotalPkts},
		{"pkt_rate", f.PktRate},
	}
	for _, r := range required {
		if r.v == nil {
			return model.FlowRecord{}, invalid(StageColumnMapping, join(name, r.col), "缺少字段")
		}
		if !finite(*r.v) || *r.v < 0 {
			return model.FlowRecord{}, invalid(StageColumnMapping, join(name, r.col), "不是合法数值：%v", *r.v)
		}
	}
	if *f.TotalPkts != math.Trunc(*f.TotalPkts) {
		return model.FlowRecord{}, invalid(StageColumnMapping, join(name, "total_pkts"), "必须是整数：%v", *f.TotalPkts)
	}
	if *f.TotalPkts < 1 {
		return model.FlowRecord{}, invalid(StageColumnMapping, join(name, "total_pkts"), "至少为 1：%v", *f.TotalPkts)
	}
	for _, c := range []struct {
		col string
		v   float64
	}{
		{"total_bytes", f.TotalBytes},
		{"mean_pkt_len", f.MeanPktLen},
	} {
		if !finite(c.v) || c.v < 0 {
			return model.FlowRecord{}, invalid(StageColumnMapping, join(name, c.col), "不是合法数值：%v", c.v)
		}
	}
	switch f.Protocol.(type) {
	case nil, string, float64:
	default:
		return model.FlowRecord{}, invalid(StageColumnMapping, join(name, "protocol"), "协议必须是协议号或标签")
	}
	if f.Prediction != 0 && f.Prediction != 1 {
		return model.FlowRecord{}, invalid(StageColumnMapping, join(name, "prediction"), "只能是 0 或 1：%d", f.Prediction)
	}
	if !finite(f.Score) || f.Score < 0 || f.Score > 1 {
		return model.FlowRecord{}, invalid(StageColumnMapping, join(name, "score"), "必须在 [0,1] 内：%v", f.Score)
	}

	rec := model.FlowRecord{
		FlowKey:    f.FlowKey,
		Duration:   *f.Duration,
		TotalPkts:  int64(*f.TotalPkts),
		TotalBytes: int64(f.TotalBytes),
		MeanPktLen: f.MeanPktLen,
		PktRate:    *f.PktRate,
		Protocol:   codec.Label(f.Protocol),
		Label:      f.Label,
		Prediction: f.Prediction,
		Score:      f.Score,
		Severity:   f.Severity,
		IsAlert:    f.IsAlert || f.Prediction == 1,
	}
	if rec.FlowKey == "" {
		rec.FlowKey = uuid.NewString()
	}
	if rec.Severity == "" {
		rec.Severity = s.buckets.Severity(rec.Score)
	}
	return rec, nil
}

// ExternalFromRecord 把本地记录转成入站格式，供 agent 上报使用。
func ExternalFromRecord(r model.FlowRecord) ExternalFlow {
	d, p, rate := r.Duration, float64(r.TotalPkts), r.PktRate
	return ExternalFlow{
		FlowKey:    r.FlowKey,
		Duration:   &d,
		TotalPkts:  &p,
		TotalBytes: float64(r.TotalBytes),
		MeanPktLen: r.MeanPktLen,
		PktRate:    &rate,
		Protocol:   r.Protocol,
		Label:      r.Label,
		Prediction: r.Prediction,
		Score:      r.Score,
		Severity:   r.Severity,
		IsAlert:    r.IsAlert,
	}
}
