package duckdb

import (
	"context"
	"path/filepath"
	"testing"

	"flowsentry/pkg/model"
)

func TestStore_AppendAndLoad(t *testing.T) {
	// DuckDB 不接受已存在的空文件，这里只给一个不存在的路径。
	path := filepath.Join(t.TempDir(), "test_alerts.duckdb")

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ctx := context.Background()

	// 空表
	got, err := s.LoadAlerts(ctx)
	if err != nil {
		t.Fatalf("LoadAlerts failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Expected 0 alerts, got %d", len(got))
	}

	one := 1
	recs := []*model.FlowRecord{
		{Duration: 10.0, TotalPkts: 5000, TotalBytes: 400000, MeanPktLen: 80, PktRate: 500.0, Protocol: "TCP", Label: &one},
		{FlowKey: "10.0.0.1_10.0.0.2_53_40000_UDP", Duration: 0, TotalPkts: 1, TotalBytes: 90, MeanPktLen: 90, PktRate: 1, Protocol: "UDP"},
	}
	for _, r := range recs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := s.Append(ctx, nil); err == nil {
		t.Errorf("Expected error for nil record")
	}

	got, err = s.LoadAlerts(ctx)
	if err != nil {
		t.Fatalf("LoadAlerts failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(got))
	}
	if got[0].AlertKey() != recs[0].AlertKey() || got[0].TotalBytes != 400000 {
		t.Errorf("first row mismatch: %+v", got[0])
	}
	if got[0].Label == nil || *got[0].Label != 1 {
		t.Errorf("Expected label 1, got %v", got[0].Label)
	}
	if got[1].Label != nil {
		t.Errorf("Expected nil label, got %v", *got[1].Label)
	}
	if got[1].FlowKey != recs[1].FlowKey || got[1].Protocol != "UDP" {
		t.Errorf("unexpected second row: %+v", got[1])
	}

	// 重新打开后数据仍在，建表语句可重复执行。
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err = s2.LoadAlerts(ctx)
	if err != nil {
		t.Fatalf("LoadAlerts after reopen failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 alerts after reopen, got %d", len(got))
	}
}
