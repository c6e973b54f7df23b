package scoring

import (
	"fmt"
	"math"

	"flowsentry/pkg/model"
)

// Buckets 是 score -> severity 的分档阈值。
type Buckets struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

func DefaultBuckets() Buckets {
	return Buckets{Medium: 0.5, High: 0.75, Critical: 0.9}
}

func (b Buckets) Validate() error {
	for _, v := range []float64{b.Medium, b.High, b.Critical} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("severity 阈值必须在 [0,1] 内：%+v", b)
		}
	}
	if !(b.Medium <= b.High && b.High <= b.Critical) {
		return fmt.Errorf("severity 阈值必须满足 medium <= high <= critical：%+v", b)
	}
	return nil
}

// Severity 对 [0,1] 全域有定义且对 score 单调；越界的 score 先截断。
func (b Buckets) Severity(score float64) model.Severity {
	switch {
	case math.IsNaN(score):
		score = 0
	case score < 0:
		score = 0
	case score > 1:
		score = 1
	}
	switch {
	case score < b.Medium:
		return model.SeverityNone
	case score < b.High:
		return model.SeverityMedium
	case score < b.Critical:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}
