package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"flowsentry/pkg/model"
)

const (
	DefaultReadTimeout = 2 * time.Second

	// 历史告警没有保存模型输出，合并进视图时统一打上这组标记。
	PersistedPrediction = 1
	PersistedScore      = 0.95
	PersistedSeverity   = model.SeverityCritical
)

type AlertSource interface {
	LoadAlerts(ctx context.Context) ([]model.FlowRecord, error)
}

type Snapshotter interface {
	Snapshot() []model.FlowRecord
}

// Reconciler 把实时缓冲区与持久化的告警日志合并成一份视图。
type Reconciler struct {
	live    Snapshotter
	source  AlertSource
	timeout time.Duration

	// OnDegraded 在历史告警读取失败或超时时调用（用于 metrics）。
	OnDegraded func(err error)

	mu      sync.Mutex
	lastErr string
}

func New(live Snapshotter, source AlertSource, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &Reconciler{live: live, source: source, timeout: timeout}
}

// View 返回实时快照，再追加快照中未出现的历史告警。
// 历史告警不可用时视图退化为快照本身，不返回错误。
func (r *Reconciler) View(ctx context.Context) []model.FlowRecord {
	snap := r.live.Snapshot()
	persisted := r.loadPersisted(ctx)
	return Merge(snap, persisted)
}

// Merge 按 (duration, total_pkts, pkt_rate) 合并，结果中同一键最多出现一条告警。
func Merge(snapshot, persisted []model.FlowRecord) []model.FlowRecord {
	out := make([]model.FlowRecord, 0, len(snapshot)+len(persisted))
	represented := make(map[model.AlertKey]struct{}, len(snapshot)+len(persisted))
	alerted := make(map[model.AlertKey]struct{}, len(snapshot))

	for _, f := range snapshot {
		key := f.AlertKey()
		represented[key] = struct{}{}
		if f.IsAlert {
			if _, dup := alerted[key]; dup {
				continue
			}
			alerted[key] = struct{}{}
		}
		out = append(out, f)
	}

	for i, p := range persisted {
		// NaN 键永远不相等，无法去重，直接丢弃。
		if !finiteKey(p) {
			continue
		}
		key := p.AlertKey()
		if _, ok := represented[key]; ok {
			continue
		}
		represented[key] = struct{}{}
		out = append(out, tag(p, i))
	}
	return out
}

func finiteKey(r model.FlowRecord) bool {
	for _, v := range []float64{r.Duration, r.PktRate} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func tag(p model.FlowRecord, i int) model.FlowRecord {
	p.Prediction = PersistedPrediction
	p.Score = PersistedScore
	p.Severity = PersistedSeverity
	p.IsAlert = true
	if p.FlowKey == "" {
		p.FlowKey = fmt.Sprintf("alertlog-%d", i+1)
	}
	return p
}

type loadResult struct {
	flows []model.FlowRecord
	err   error
}

func (r *Reconciler) loadPersisted(ctx context.Context) []model.FlowRecord {
	if r.source == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := make(chan loadResult, 1)
	go func() {
		flows, err := r.source.LoadAlerts(ctx)
		ch <- loadResult{flows: flows, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			r.degraded(fmt.Errorf("读取历史告警失败：%w", res.err))
			return nil
		}
		r.recovered()
		return res.flows
	case <-ctx.Done():
		r.degraded(fmt.Errorf("读取历史告警超时：%w", ctx.Err()))
		return nil
	}
}

func (r *Reconciler) degraded(err error) {
	if r.OnDegraded != nil {
		r.OnDegraded(err)
	}
	msg := err.Error()
	r.mu.Lock()
	changed := msg != r.lastErr
	r.lastErr = msg
	r.mu.Unlock()
	if changed {
		log.Printf("%v，视图仅包含实时数据", err)
	}
}

func (r *Reconciler) recovered() {
	r.mu.Lock()
	r.lastErr = ""
	r.mu.Unlock()
}
