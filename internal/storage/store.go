package storage

import (
	"context"
	"fmt"
	"strings"

	"flowsentry/internal/storage/csvlog"
	"flowsentry/internal/storage/duckdb"
	"flowsentry/internal/storage/sqlite"
	"flowsentry/pkg/model"
)

// AlertStore 是已确认恶意流的持久化告警日志：只追加、整体读取。
type AlertStore interface {
	Append(ctx context.Context, rec *model.FlowRecord) error
	LoadAlerts(ctx context.Context) ([]model.FlowRecord, error)
	Close() error
}

const (
	DriverCSV    = "csv"
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"
)

// Open 按 driver 打开告警日志；driver 为空时按 csv 处理。
func Open(driver, path string) (AlertStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverCSV:
		return csvlog.NewStore(path), nil
	case DriverSQLite:
		return sqlite.NewStore(path)
	case DriverDuckDB:
		return duckdb.NewStore(path)
	default:
		return nil, fmt.Errorf("不支持的告警存储类型：%s", driver)
	}
}
