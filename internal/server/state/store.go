package state

import (
	"sync"

	"flowsentry/pkg/model"
)

const DefaultCapacity = 100

// Store 保存最近 K 条已评分的流。所有写入都是追加后裁剪，最旧的先被丢弃。
type Store struct {
	mu       sync.Mutex
	flows    []model.FlowRecord
	capacity int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		flows:    make([]model.FlowRecord, 0, capacity),
		capacity: capacity,
	}
}

// Record 追加评分管线本地产生的流。
func (s *Store) Record(flows []model.FlowRecord) {
	s.appendTrim(flows)
}

// IngestExternal 追加外部（agent、消息总线）已评分的流，不重新打分。
func (s *Store) IngestExternal(flows []model.FlowRecord) {
	s.appendTrim(flows)
}

func (s *Store) appendTrim(flows []model.FlowRecord) {
	if len(flows) == 0 {
		return
	}
	// 一次写入超过容量时，只有末尾 K 条可能留下。
	if len(flows) > s.capacity {
		flows = flows[len(flows)-s.capacity:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows = append(s.flows, flows...)
	if over := len(s.flows) - s.capacity; over > 0 {
		kept := make([]model.FlowRecord, s.capacity)
		copy(kept, s.flows[over:])
		s.flows = kept
	}
}

// Snapshot 返回按到达顺序排列的副本。
func (s *Store) Snapshot() []model.FlowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.FlowRecord, len(s.flows))
	copy(out, s.flows)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

func (s *Store) Capacity() int { return s.capacity }
