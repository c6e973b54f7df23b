package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"flowsentry/internal/codec"
	"flowsentry/pkg/model"
)

// Input 是请求边界上的单条流：有序特征向量或按字段命名的对象，二者只取其一。
type Input struct {
	Vector []any
	Object map[string]any
}

func (in Input) IsVector() bool { return in.Vector != nil }

// Features 是已按固定列顺序映射、协议已编码的一条流。
type Features struct {
	Duration     float64
	TotalPkts    float64
	TotalBytes   float64
	MeanPktLen   float64
	PktRate      float64
	Protocol     string
	ProtocolCode float64
	// Fallback 为 true 表示协议编码走了静态回退表。
	Fallback bool
}

func (f Features) Vector() []float64 {
	return []float64{f.Duration, f.TotalPkts, f.TotalBytes, f.MeanPktLen, f.PktRate, f.ProtocolCode}
}

// ParseInput 识别单条输入的形态。
func ParseInput(raw json.RawMessage, field string) (Input, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Input{}, invalid(StageColumnMapping, field, "缺少输入")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	switch raw[0] {
	case '[':
		var vec []any
		if err := dec.Decode(&vec); err != nil {
			return Input{}, invalid(StageColumnMapping, field, "特征数组解析失败：%v", err)
		}
		if vec == nil {
			vec = []any{}
		}
		return Input{Vector: vec}, nil
	case '{':
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return Input{}, invalid(StageColumnMapping, field, "特征对象解析失败：%v", err)
		}
		return Input{Object: obj}, nil
	default:
		return Input{}, invalid(StageColumnMapping, field, "既不是特征数组也不是字段对象")
	}
}

// ParseBatch 解析批量输入；空列表、非数组都视为非法。
func ParseBatch(raw json.RawMessage, field string) ([]Input, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, invalid(StageColumnMapping, field, "必须是非空列表")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, invalid(StageColumnMapping, field, "列表解析失败：%v", err)
	}
	if len(items) == 0 {
		return nil, invalid(StageColumnMapping, field, "列表为空")
	}
	out := make([]Input, 0, len(items))
	for i, item := range items {
		in, err := ParseInput(item, fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *Service) Normalize(in Input, field string) (Features, error) {
	var values [model.NumFeatures]any
	switch {
	case in.Vector != nil:
		if len(in.Vector) != model.NumFeatures {
			return Features{}, invalid(StageColumnMapping, field, "需要 %d 个特征，实际为 %d 个", model.NumFeatures, len(in.Vector))
		}
		copy(values[:], in.Vector)
	case in.Object != nil:
		known := make(map[string]int, model.NumFeatures)
		for i, name := range model.FeatureColumns {
			known[name] = i
		}
		for k := range in.Object {
			if _, ok := known[k]; !ok {
				return Features{}, invalid(StageColumnMapping, join(field, k), "未知字段")
			}
		}
		for i, name := range model.FeatureColumns {
			v, ok := in.Object[name]
			if !ok {
				return Features{}, invalid(StageColumnMapping, join(field, name), "缺少字段")
			}
			values[i] = v
		}
	default:
		return Features{}, invalid(StageColumnMapping, field, "空输入")
	}

	var nums [model.NumFeatures - 1]float64
	for i := range nums {
		f, err := toFloat(values[i])
		if err != nil {
			return Features{}, invalid(StageColumnMapping, columnField(field, in, i), "%v", err)
		}
		nums[i] = f
	}
	proto := values[model.NumFeatures-1]
	switch proto.(type) {
	case nil, string, json.Number, float64, int, int64:
	default:
		return Features{}, invalid(StageColumnMapping, columnField(field, in, model.NumFeatures-1), "协议必须是协议号或标签")
	}
	label := codec.Label(proto)
	code, fellBack := s.codec.Encode(label)
	return Features{
		Duration:     nums[0],
		TotalPkts:    nums[1],
		TotalBytes:   nums[2],
		MeanPktLen:   nums[3],
		PktRate:      nums[4],
		Protocol:     label,
		ProtocolCode: code,
		Fallback:     fellBack,
	}, nil
}

// FeaturesFromRecord 把聚合器输出的流转成模型特征。
func (s *Service) FeaturesFromRecord(r model.FlowRecord) Features {
	label := codec.Label(r.Protocol)
	code, fellBack := s.codec.Encode(label)
	return Features{
		Duration:     r.Duration,
		TotalPkts:    float64(r.TotalPkts),
		TotalBytes:   float64(r.TotalBytes),
		MeanPktLen:   r.MeanPktLen,
		PktRate:      r.PktRate,
		Protocol:     label,
		ProtocolCode: code,
		Fallback:     fellBack,
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil || !finite(f) {
			return 0, fmt.Errorf("不是合法数值：%s", x)
		}
		return f, nil
	case float64:
		if !finite(x) {
			return 0, fmt.Errorf("不是合法数值：%v", x)
		}
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case nil:
		return 0, fmt.Errorf("值为空")
	default:
		return 0, fmt.Errorf("不是数值：%v", x)
	}
}

func columnField(field string, in Input, i int) string {
	if in.Vector != nil {
		return fmt.Sprintf("%s[%d]", field, i)
	}
	return join(field, model.FeatureColumns[i])
}

func join(field, name string) string {
	if field == "" {
		return name
	}
	return field + "." + name
}
