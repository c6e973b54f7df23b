package csvlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"flowsentry/internal/codec"
	"flowsentry/pkg/model"
)

const DefaultPath = "./malicious_flows.csv"

// Header 是告警日志的列；label 可选，旧文件可能没有。
var Header = []string{"duration", "total_pkts", "total_bytes", "mean_pkt_len", "pkt_rate", "protocol"}

// Store 把告警追加到一个 CSV 文件。文件不存在时读取结果为空。
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Append(ctx context.Context, rec *model.FlowRecord) error {
	if rec == nil {
		return fmt.Errorf("rec 为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开告警文件失败：%w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("读取告警文件信息失败：%w", err)
	}
	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("写入表头失败：%w", err)
		}
	}
	if err := w.Write(row(rec)); err != nil {
		return fmt.Errorf("写入告警失败：%w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("写入告警失败：%w", err)
	}
	return nil
}

func row(rec *model.FlowRecord) []string {
	proto := rec.Protocol
	if proto == "" {
		proto = codec.LabelOther
	}
	return []string{
		strconv.FormatFloat(rec.Duration, 'g', -1, 64),
		strconv.FormatInt(rec.TotalPkts, 10),
		strconv.FormatInt(rec.TotalBytes, 10),
		strconv.FormatFloat(rec.MeanPktLen, 'g', -1, 64),
		strconv.FormatFloat(rec.PktRate, 'g', -1, 64),
		proto,
	}
}

// LoadAlerts 读取整个文件。有表头时按列名映射，否则按 Header 的位置解析。
func (s *Store) LoadAlerts(ctx context.Context) ([]model.FlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("打开告警文件失败：%w", err)
	}
	defer f.Close()
	return Parse(ctx, f)
}

// Parse 解析告警 CSV。不完整或格式错误的行会被跳过并计数，
// 一行损坏不影响其余告警。只有读取本身失败时才返回错误。
func Parse(ctx context.Context, r io.Reader) ([]model.FlowRecord, error) {
	flows, skipped, err := ParseCounted(ctx, r)
	if skipped > 0 {
		log.Printf("告警 CSV 中有 %d 行格式错误，已跳过", skipped)
	}
	return flows, err
}

// ParseCounted 与 Parse 相同，另外返回被跳过的损坏行数。
func ParseCounted(ctx context.Context, r io.Reader) ([]model.FlowRecord, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	cols := positional()
	out := make([]model.FlowRecord, 0, 64)
	skipped := 0
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			skipped++
			continue
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("读取第 %d 行失败：%w", line, err)
		}
		if line == 1 && isHeader(rec) {
			cols = columnsOf(rec)
			continue
		}
		if blank(rec) {
			continue
		}
		fr, ok, err := parseRow(rec, cols)
		if err != nil {
			skipped++
			continue
		}
		if ok {
			out = append(out, fr)
		}
	}
	return out, skipped, nil
}

func positional() map[string]int {
	m := make(map[string]int, len(Header)+1)
	for i, name := range Header {
		m[name] = i
	}
	m["label"] = len(Header)
	return m
}

func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	return err != nil
}

func columnsOf(rec []string) map[string]int {
	m := make(map[string]int, len(rec))
	for i, name := range rec {
		m[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return m
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseRow(rec []string, cols map[string]int) (model.FlowRecord, bool, error) {
	get := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}

	var fr model.FlowRecord
	var err error
	for _, name := range []string{"duration", "total_pkts", "pkt_rate"} {
		if v, ok := get(name); !ok || v == "" {
			return fr, false, nil
		}
	}

	v, _ := get("duration")
	if fr.Duration, err = parseValue(v); err != nil {
		return fr, false, fmt.Errorf("duration 非法：%q", v)
	}
	v, _ = get("total_pkts")
	if fr.TotalPkts, err = parseCount(v); err != nil {
		return fr, false, fmt.Errorf("total_pkts 非法：%q", v)
	}
	v, _ = get("pkt_rate")
	if fr.PktRate, err = parseValue(v); err != nil {
		return fr, false, fmt.Errorf("pkt_rate 非法：%q", v)
	}
	if v, ok := get("total_bytes"); ok && v != "" {
		if fr.TotalBytes, err = parseCount(v); err != nil {
			return fr, false, fmt.Errorf("total_bytes 非法：%q", v)
		}
	}
	if v, ok := get("mean_pkt_len"); ok && v != "" {
		if fr.MeanPktLen, err = parseValue(v); err != nil {
			return fr, false, fmt.Errorf("mean_pkt_len 非法：%q", v)
		}
	}
	proto, _ := get("protocol")
	fr.Protocol = codec.Label(proto)
	if v, ok := get("label"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fr.Label = &n
		}
	}
	if v, ok := get("flow_key"); ok {
		fr.FlowKey = v
	}
	return fr, true, nil
}

// parseValue 只接受有限的非负数；NaN 会让去重键永远不相等。
func parseValue(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("不是有限的非负数：%v", f)
	}
	return f, nil
}

// parseCount 兼容 pandas 写出的 "120.0" 这种整数列。
func parseCount(v string) (int64, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("不能为负数：%d", n)
		}
		return n, nil
	}
	f, err := parseValue(v)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func (s *Store) Close() error { return nil }
