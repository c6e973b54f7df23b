package model

import "fmt"

// FeatureColumns 是分类器输入的固定列顺序，训练与推理必须一致。
var FeatureColumns = []string{"duration", "total_pkts", "total_bytes", "mean_pkt_len", "pkt_rate", "protocol"}

const NumFeatures = 6

type PacketDescriptor struct {
	Timestamp  float64 `json:"timestamp"`
	SrcAddr    string  `json:"src_addr"`
	DstAddr    string  `json:"dst_addr"`
	TCPSrcPort int     `json:"tcp_src_port"`
	TCPDstPort int     `json:"tcp_dst_port"`
	UDPSrcPort int     `json:"udp_src_port"`
	UDPDstPort int     `json:"udp_dst_port"`
	Protocol   string  `json:"protocol"`
	FrameLen   int     `json:"frame_len"`
}

// FlowKey 五元组；端口为 0 表示没有可识别的传输层端口。
type FlowKey struct {
	SrcAddr  string
	DstAddr  string
	SrcPort  int
	DstPort  int
	Protocol string
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s_%s_%d_%d_%s", k.SrcAddr, k.DstAddr, k.SrcPort, k.DstPort, k.Protocol)
}

type FlowRecord struct {
	FlowKey    string   `json:"flow_key,omitempty"`
	Duration   float64  `json:"duration"`
	TotalPkts  int64    `json:"total_pkts"`
	TotalBytes int64    `json:"total_bytes"`
	MeanPktLen float64  `json:"mean_pkt_len"`
	PktRate    float64  `json:"pkt_rate"`
	Protocol   string   `json:"protocol"`
	Label      *int     `json:"label,omitempty"`
	Prediction int      `json:"prediction"`
	Score      float64  `json:"score"`
	Severity   Severity `json:"severity"`
	IsAlert    bool     `json:"is_alert"`
}

// AlertKey 是告警去重用的三字段标识。协议与字节数刻意不参与比较，
// 以容忍落盘格式上的细微差异。
type AlertKey struct {
	Duration  float64
	TotalPkts int64
	PktRate   float64
}

func (r FlowRecord) AlertKey() AlertKey {
	return AlertKey{Duration: r.Duration, TotalPkts: r.TotalPkts, PktRate: r.PktRate}
}

// PacketRate 按 pkt_rate 的定义计算：duration 为 0 时退化为包数本身。
func PacketRate(totalPkts int64, duration float64) float64 {
	if duration > 0 {
		return float64(totalPkts) / duration
	}
	return float64(totalPkts)
}
