package capture

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"flowsentry/internal/storage/csvlog"
	"flowsentry/pkg/model"
)

// tshark -T fields 导出的列名。
const (
	colTimeEpoch = "frame.time_epoch"
	colIPSrc     = "ip.src"
	colIPDst     = "ip.dst"
	colTCPSrc    = "tcp.srcport"
	colTCPDst    = "tcp.dstport"
	colUDPSrc    = "udp.srcport"
	colUDPDst    = "udp.dstport"
	colProtocol  = "_ws.col.protocol"
	colFrameLen  = "frame.len"
)

// ReadPacketCSV 读取带表头的 tshark 字段导出（逗号或制表符分隔）。
// 缺失的列按 0 或空处理，协议为空时由聚合器归为 OTHER。
func ReadPacketCSV(ctx context.Context, r io.Reader, emit func(model.PacketDescriptor)) (int, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(br.Size())
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("读取表头失败：%w", err)
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	if line := firstLine(first); strings.Contains(line, "\t") && !strings.Contains(line, ",") {
		cr.Comma = '\t'
	}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取表头失败：%w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	if _, ok := cols[colTimeEpoch]; !ok {
		return 0, fmt.Errorf("缺少 %s 列", colTimeEpoch)
	}

	n := 0
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("读取第 %d 行失败：%w", line, err)
		}
		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		ts, err := strconv.ParseFloat(get(colTimeEpoch), 64)
		if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
			return n, fmt.Errorf("第 %d 行 %s 非法：%q", line, colTimeEpoch, get(colTimeEpoch))
		}
		emit(model.PacketDescriptor{
			Timestamp:  ts,
			SrcAddr:    get(colIPSrc),
			DstAddr:    get(colIPDst),
			TCPSrcPort: intField(get(colTCPSrc)),
			TCPDstPort: intField(get(colTCPDst)),
			UDPSrcPort: intField(get(colUDPSrc)),
			UDPDstPort: intField(get(colUDPDst)),
			Protocol:   strings.ToUpper(get(colProtocol)),
			FrameLen:   intField(get(colFrameLen)),
		})
		n++
	}
}

// intField 解析可能为空的整数列；tshark 对多值字段用逗号拼接，取第一个。
func intField(v string) int {
	if i := strings.IndexAny(v, ",;"); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ReadFlowCSV 读取已经聚合好的流（与告警日志同一种列格式，可带 flow_key 与 label）。
func ReadFlowCSV(ctx context.Context, r io.Reader) ([]model.FlowRecord, error) {
	flows, err := csvlog.Parse(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("解析流 CSV 失败：%w", err)
	}
	return flows, nil
}
