package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"flowsentry/pkg/model"
)

type Store struct {
	db  *sql.DB
	ins *sql.Stmt
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "./malicious_flows.sqlite"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败：%w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS malicious_flows (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	flow_key     TEXT,
	duration     REAL,
	total_pkts   INTEGER,
	total_bytes  INTEGER,
	mean_pkt_len REAL,
	pkt_rate     REAL,
	protocol     TEXT,
	label        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_malicious_alert_key ON malicious_flows(duration, total_pkts, pkt_rate);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("建表失败：%w", err)
	}
	stmt, err := s.db.Prepare(`
INSERT INTO malicious_flows (
	flow_key, duration, total_pkts, total_bytes, mean_pkt_len, pkt_rate, protocol, label
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("准备插入语句失败：%w", err)
	}
	s.ins = stmt
	return nil
}

func (s *Store) Append(ctx context.Context, rec *model.FlowRecord) error {
	if rec == nil {
		return fmt.Errorf("rec 为空")
	}
	var label sql.NullInt64
	if rec.Label != nil {
		label = sql.NullInt64{Int64: int64(*rec.Label), Valid: true}
	}
	_, err := s.ins.ExecContext(ctx,
		rec.FlowKey,
		rec.Duration,
		rec.TotalPkts,
		rec.TotalBytes,
		rec.MeanPktLen,
		rec.PktRate,
		rec.Protocol,
		label,
	)
	if err != nil {
		return fmt.Errorf("插入失败：%w", err)
	}
	return nil
}

// LoadAlerts 按写入顺序返回全部告警。
func (s *Store) LoadAlerts(ctx context.Context) ([]model.FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
	flow_key, duration, total_pkts, total_bytes, mean_pkt_len, pkt_rate, protocol, label
FROM malicious_flows
ORDER BY id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("查询失败：%w", err)
	}
	defer rows.Close()
	out := make([]model.FlowRecord, 0, 64)
	for rows.Next() {
		var (
			r     model.FlowRecord
			key   sql.NullString
			proto sql.NullString
			label sql.NullInt64
		)
		if err := rows.Scan(
			&key,
			&r.Duration,
			&r.TotalPkts,
			&r.TotalBytes,
			&r.MeanPktLen,
			&r.PktRate,
			&proto,
			&label,
		); err != nil {
			return nil, fmt.Errorf("读取行失败：%w", err)
		}
		r.FlowKey = key.String
		r.Protocol = proto.String
		if label.Valid {
			v := int(label.Int64)
			r.Label = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历结果失败：%w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	var firstErr error
	if s.ins != nil {
		if err := s.ins.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
