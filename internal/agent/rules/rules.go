package rules

import (
	"flowsentry/internal/codec"
	"flowsentry/pkg/model"
)

// Result 是启发式规则的判定结果；没有命中时 Severity 为 NONE。
type Result struct {
	Suspicious bool
	Reasons    []string
	Severity   model.Severity
}

type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Evaluate 对一条流的特征做阈值判断，与模型预测互补。
// 只有"活动偏高"一类的弱信号时，严重级别记为 MEDIUM。
func (e *Engine) Evaluate(f model.FlowRecord) Result {
	var (
		reasons []string
		sev     = model.SeverityNone
	)
	hit := func(s model.Severity, reason string) {
		reasons = append(reasons, string(s)+": "+reason)
		sev = model.MaxSeverity(sev, s)
	}

	duration := f.Duration
	totalPkts := float64(f.TotalPkts)
	totalBytes := float64(f.TotalBytes)
	mean := f.MeanPktLen
	rate := f.PktRate

	// DoS/DDoS
	switch {
	case rate > 50000:
		hit(model.SeverityCritical, "Extreme packet rate (likely DDoS)")
	case rate > 20000 && duration > 5:
		hit(model.SeverityHigh, "Sustained high packet rate (possible DoS)")
	case rate > 10000 && duration > 2:
		hit(model.SeverityMedium, "Elevated packet rate (suspicious)")
	}

	// 数据外传
	switch {
	case totalBytes > 50_000_000 && mean > 1400:
		hit(model.SeverityHigh, "Massive data transfer with large packets (exfiltration)")
	case totalBytes > 10_000_000 && duration < 10:
		hit(model.SeverityMedium, "Large rapid transfer (suspicious)")
	}

	// 扫描
	switch {
	case totalPkts > 100_000 && duration < 5:
		hit(model.SeverityHigh, "Massive packet burst (aggressive scan/flood)")
	case totalPkts > 50_000 && duration < 2:
		hit(model.SeverityMedium, "Rapid packet burst (scan or flood)")
	}

	switch codec.Label(f.Protocol) {
	case codec.LabelICMP:
		switch {
		case rate > 5000:
			hit(model.SeverityHigh, "ICMP flood detected")
		case rate > 2000:
			hit(model.SeverityMedium, "Elevated ICMP traffic")
		}
	case codec.LabelTCP:
		switch {
		case mean < 60 && rate > 10000:
			hit(model.SeverityCritical, "SYN flood attack pattern")
		case mean < 60 && rate > 3000:
			hit(model.SeverityHigh, "Possible SYN flood")
		}
	case codec.LabelUDP:
		if rate > 15000 && mean < 100 {
			hit(model.SeverityHigh, "UDP amplification pattern")
		}
	}

	if len(reasons) == 0 && (totalPkts > 10000 || totalBytes > 1_000_000) && rate > 1000 {
		hit(model.SeverityMedium, "Moderately high activity")
	}

	return Result{Suspicious: len(reasons) > 0, Reasons: reasons, Severity: sev}
}
