package scoring

import (
	"fmt"

	"flowsentry/internal/codec"
	"flowsentry/pkg/model"
)

type Result struct {
	Prediction int            `json:"prediction"`
	Score      float64        `json:"score"`
	Severity   model.Severity `json:"severity"`
	IsAlert    bool           `json:"is_alert"`
}

// Apply 把评分结果写回一条流记录的副本。
func (r Result) Apply(rec model.FlowRecord) model.FlowRecord {
	rec.Prediction = r.Prediction
	rec.Score = r.Score
	rec.Severity = r.Severity
	rec.IsAlert = r.IsAlert
	return rec
}

// Service 在启动时加载完毕后只读，可被多个请求并发使用。
type Service struct {
	scaler  Transform
	clf     Classifier
	codec   *codec.Codec
	buckets Buckets
}

func NewService(a *Artifacts, buckets Buckets) *Service {
	return &Service{
		scaler:  a.Scaler,
		clf:     a.Classifier,
		codec:   codec.New(a.Encoder),
		buckets: buckets,
	}
}

func (s *Service) Codec() *codec.Codec { return s.codec }

func (s *Service) Buckets() Buckets { return s.buckets }

// Score 对整批特征评分：要么全部成功，要么返回标明阶段的 ValidationError。
func (s *Service) Score(features []Features) (results []Result, err error) {
	if len(features) == 0 {
		return nil, invalid(StageColumnMapping, "", "批量为空")
	}

	stage := StageTransform
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = invalid(stage, "", "内部错误：%v", r)
		}
	}()

	matrix := make([][]float64, len(features))
	for i, f := range features {
		matrix[i] = f.Vector()
	}
	scaled, err := s.scaler.Apply(matrix)
	if err != nil {
		return nil, invalid(StageTransform, "", "%v", err)
	}
	if len(scaled) != len(matrix) {
		return nil, invalid(StageTransform, "", "变换输出 %d 行，输入 %d 行", len(scaled), len(matrix))
	}

	stage = StagePrediction
	labels, err := s.clf.Predict(scaled)
	if err != nil {
		return nil, invalid(StagePrediction, "", "%v", err)
	}
	probs, err := s.clf.PredictProbability(scaled)
	if err != nil {
		return nil, invalid(StagePrediction, "", "%v", err)
	}
	if len(labels) != len(matrix) || len(probs) != len(matrix) {
		return nil, invalid(StagePrediction, "", "模型输出长度与输入不一致")
	}

	results = make([]Result, len(matrix))
	for i := range matrix {
		p := probs[i]
		if !finite(p) {
			return nil, invalid(StagePrediction, "", "第 %d 行概率非法：%v", i, p)
		}
		results[i] = Result{
			Prediction: labels[i],
			Score:      p,
			Severity:   s.buckets.Severity(p),
			IsAlert:    labels[i] == 1,
		}
	}
	return results, nil
}

// ScoreOne 对单条输入做列映射并评分。
func (s *Service) ScoreOne(in Input, field string) (Result, error) {
	f, err := s.Normalize(in, field)
	if err != nil {
		return Result{}, err
	}
	results, err := s.Score([]Features{f})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// ScoreBatch 对批量输入做列映射并评分，字段名形如 flows[2].pkt_rate。
func (s *Service) ScoreBatch(inputs []Input, field string) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, invalid(StageColumnMapping, field, "列表为空")
	}
	features := make([]Features, 0, len(inputs))
	for i, in := range inputs {
		f, err := s.Normalize(in, fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return s.Score(features)
}

// ScoreRecords 给聚合出的流打分，返回带评分的副本。
func (s *Service) ScoreRecords(records []model.FlowRecord) ([]model.FlowRecord, error) {
	features := make([]Features, len(records))
	for i, r := range records {
		features[i] = s.FeaturesFromRecord(r)
	}
	results, err := s.Score(features)
	if err != nil {
		return nil, err
	}
	out := make([]model.FlowRecord, len(records))
	for i, r := range records {
		out[i] = results[i].Apply(r)
	}
	return out, nil
}
