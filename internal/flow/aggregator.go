package flow

import (
	"math"
	"sync"

	"flowsentry/internal/codec"
	"flowsentry/pkg/model"
)

type flowState struct {
	key        model.FlowKey
	firstTS    float64
	lastTS     float64
	totalPkts  int64
	totalBytes int64
}

// Aggregator 按五元组累积包描述符，输出顺序为五元组首次出现的顺序。
type Aggregator struct {
	mu    sync.Mutex
	flows   map[model.FlowKey]*flowState
	order   []model.FlowKey
	dropped int
}

func NewAggregator() *Aggregator {
	return &Aggregator{flows: make(map[model.FlowKey]*flowState, 256)}
}

// ResolvePort 先取 TCP 端口，再取 UDP 端口；两者都为 0 时返回 0。
func ResolvePort(tcpPort, udpPort int) int {
	if tcpPort != 0 {
		return tcpPort
	}
	return udpPort
}

func KeyOf(p model.PacketDescriptor) model.FlowKey {
	proto := p.Protocol
	if proto == "" {
		proto = codec.LabelOther
	}
	return model.FlowKey{
		SrcAddr:  p.SrcAddr,
		DstAddr:  p.DstAddr,
		SrcPort:  ResolvePort(p.TCPSrcPort, p.UDPSrcPort),
		DstPort:  ResolvePort(p.TCPDstPort, p.UDPDstPort),
		Protocol: proto,
	}
}

// Add 累积一个包。时间戳不是有限数的包会被丢弃并计入 Dropped，
// 否则一个 NaN 就会让整条流的 duration 变成 NaN。
func (a *Aggregator) Add(p model.PacketDescriptor) {
	if math.IsNaN(p.Timestamp) || math.IsInf(p.Timestamp, 0) {
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		return
	}
	key := KeyOf(p)
	frameLen := int64(p.FrameLen)
	if frameLen < 0 {
		frameLen = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.flows[key]
	if !ok {
		a.flows[key] = &flowState{
			key:        key,
			firstTS:    p.Timestamp,
			lastTS:     p.Timestamp,
			totalPkts:  1,
			totalBytes: frameLen,
		}
		a.order = append(a.order, key)
		return
	}
	// 输入不保证按时间排序，这里只维护最小/最大时间戳。
	if p.Timestamp < st.firstTS {
		st.firstTS = p.Timestamp
	}
	if p.Timestamp > st.lastTS {
		st.lastTS = p.Timestamp
	}
	st.totalPkts++
	st.totalBytes += frameLen
}

func (a *Aggregator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

// Flows 返回当前所有流的特征记录，不会清空内部状态。
func (a *Aggregator) Flows() []model.FlowRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.FlowRecord, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, a.flows[key].record())
	}
	return out
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.flows = make(map[model.FlowKey]*flowState, 256)
	a.order = nil
	a.dropped = 0
	a.mu.Unlock()
}

func (st *flowState) record() model.FlowRecord {
	duration := st.lastTS - st.firstTS
	if duration < 0 {
		duration = 0
	}
	return model.FlowRecord{
		FlowKey:    st.key.String(),
		Duration:   duration,
		TotalPkts:  st.totalPkts,
		TotalBytes: st.totalBytes,
		MeanPktLen: float64(st.totalBytes) / float64(st.totalPkts),
		PktRate:    model.PacketRate(st.totalPkts, duration),
		Protocol:   st.key.Protocol,
		Severity:   model.SeverityNone,
	}
}

// Aggregate 是一次性聚合的便捷入口。
func Aggregate(packets []model.PacketDescriptor) []model.FlowRecord {
	a := NewAggregator()
	for _, p := range packets {
		a.Add(p)
	}
	return a.Flows()
}
