package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"flowsentry/internal/agent/capture"
	"flowsentry/internal/agent/filter"
	"flowsentry/internal/agent/report"
	"flowsentry/internal/agent/rules"
	"flowsentry/internal/alertlog"
	"flowsentry/internal/bus"
	"flowsentry/internal/flow"
	"flowsentry/internal/scoring"
	"flowsentry/internal/storage"
	"flowsentry/pkg/model"
)

// Scorer 远端批量评分。
type Scorer interface {
	PredictBatch(ctx context.Context, flows []model.FlowRecord) ([]int, []float64, error)
}

// Reporter 把评分后的流送回服务端。
type Reporter interface {
	Report(ctx context.Context, flows []model.FlowRecord) error
}

type ReporterFunc func(ctx context.Context, flows []model.FlowRecord) error

func (f ReporterFunc) Report(ctx context.Context, flows []model.FlowRecord) error { return f(ctx, flows) }

type Detector struct {
	Scorer    Scorer
	Rules     *rules.Engine
	Buckets   scoring.Buckets
	Alerts    *alertlog.Logger
	Store     storage.AlertStore
	Reporter  Reporter
	BatchSize int
}

func Run(ctx context.Context, cfg Config) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	flows, err := loadFlows(ctx, cfg)
	if err != nil {
		return err
	}
	log.Printf("读取到 %d 条流", len(flows))
	if len(flows) == 0 {
		return nil
	}

	store, err := storage.Open(cfg.Sink, cfg.AlertDB)
	if err != nil {
		return err
	}
	defer store.Close()

	client := report.NewClient(cfg.ServerIP, cfg.ServerPort, cfg.HTTPPostTimeout)
	d := &Detector{
		Scorer:    client,
		Rules:     rules.NewEngine(),
		Buckets:   cfg.Severity,
		Alerts:    alertlog.New(cfg.AlertLog),
		Store:     store,
		BatchSize: cfg.BatchSize,
	}

	switch cfg.Report {
	case ReportIngest:
		d.Reporter = ReporterFunc(client.Ingest)
	case ReportNATS:
		pub, err := bus.NewPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return err
		}
		defer pub.Close()
		d.Reporter = ReporterFunc(func(_ context.Context, flows []model.FlowRecord) error {
			return pub.Publish(flows)
		})
	}

	scored, err := d.Detect(ctx, flows)
	if err != nil {
		return err
	}
	if cfg.Out != nil {
		PrintSummary(cfg.Out, scored)
	}
	return nil
}

func loadFlows(ctx context.Context, cfg Config) ([]model.FlowRecord, error) {
	switch {
	case cfg.FlowsCSV != "":
		f, err := os.Open(cfg.FlowsCSV)
		if err != nil {
			return nil, fmt.Errorf("打开流文件失败：%w", err)
		}
		defer f.Close()
		return capture.ReadFlowCSV(ctx, f)

	case cfg.PacketsCSV != "":
		f, err := os.Open(cfg.PacketsCSV)
		if err != nil {
			return nil, fmt.Errorf("打开包文件失败：%w", err)
		}
		defer f.Close()
		agg := flow.NewAggregator()
		n, err := capture.ReadPacketCSV(ctx, f, agg.Add)
		if err != nil {
			return nil, err
		}
		log.Printf("读取到 %d 个包", n)
		return agg.Flows(), nil

	default:
		flt, err := filter.New(filter.Options{Port: cfg.BPFPort})
		if err != nil {
			return nil, err
		}
		agg := flow.NewAggregator()
		st, err := capture.ReadPcapFile(ctx, cfg.PcapPath, flt, agg.Add)
		if err != nil {
			return nil, err
		}
		log.Printf("pcap：frames=%d filtered=%d packets=%d", st.Frames, st.Filtered, st.Packets)
		return agg.Flows(), nil
	}
}

// Detect 分批评分并结合规则判定告警；告警写入文本日志与告警存储，
// 全部评分结果交给 Reporter。写告警或上报失败只记日志，不中断处理。
func (d *Detector) Detect(ctx context.Context, flows []model.FlowRecord) ([]model.FlowRecord, error) {
	size := d.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	if d.Rules == nil {
		d.Rules = rules.NewEngine()
	}

	out := make([]model.FlowRecord, 0, len(flows))
	for start := 0; start < len(flows); start += size {
		end := min(start+size, len(flows))
		batch := append([]model.FlowRecord(nil), flows[start:end]...)

		preds, scores, err := d.Scorer.PredictBatch(ctx, batch)
		if err != nil {
			return out, fmt.Errorf("批量评分失败（第 %d-%d 条）：%w", start+1, end, err)
		}
		for i := range batch {
			res := d.classify(&batch[i], preds[i], scores[i])
			if batch[i].IsAlert {
				d.raise(ctx, &batch[i], res)
			}
		}

		if d.Reporter != nil {
			if err := d.Reporter.Report(ctx, batch); err != nil {
				log.Printf("上报失败（忽略继续）：%v", err)
			}
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (d *Detector) classify(r *model.FlowRecord, pred int, score float64) rules.Result {
	res := d.Rules.Evaluate(*r)
	r.Prediction = pred
	r.Score = score
	r.Severity = model.MaxSeverity(d.Buckets.Severity(score), res.Severity)
	r.IsAlert = pred == 1 || res.Suspicious
	if r.IsAlert && r.Severity == model.SeverityNone {
		r.Severity = model.SeverityMedium
	}
	return res
}

func (d *Detector) raise(ctx context.Context, r *model.FlowRecord, res rules.Result) {
	reason := "Detected malicious flow"
	if r.Prediction != 1 {
		reason = "Detected suspicious flow"
	}
	if len(res.Reasons) > 0 {
		reason += " (" + strings.Join(res.Reasons, "; ") + ")"
	}
	msg := fmt.Sprintf("%s: [%g, %d, %d, %g, %g, %s]", reason,
		r.Duration, r.TotalPkts, r.TotalBytes, r.MeanPktLen, r.PktRate, r.Protocol)

	if d.Alerts != nil {
		if err := d.Alerts.Alert(msg); err != nil {
			log.Printf("写文本告警失败：%v", err)
		}
	}
	if d.Store != nil {
		if err := d.Store.Append(ctx, r); err != nil {
			log.Printf("写告警存储失败：%v", err)
		}
	}
}

// PrintSummary 输出每条流的判定结果，末行是告警总数。
func PrintSummary(w io.Writer, flows []model.FlowRecord) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"flow", "proto", "pkts", "bytes", "pkt_rate", "score", "severity", "alert"})
	alerts := 0
	for _, f := range flows {
		mark := ""
		if f.IsAlert {
			mark = "!"
			alerts++
		}
		table.Append([]string{
			f.FlowKey,
			f.Protocol,
			strconv.FormatInt(f.TotalPkts, 10),
			strconv.FormatInt(f.TotalBytes, 10),
			strconv.FormatFloat(f.PktRate, 'f', 2, 64),
			strconv.FormatFloat(f.Score, 'f', 3, 64),
			string(f.Severity),
			mark,
		})
	}
	table.Render()
	fmt.Fprintf(w, "flows=%d alerts=%d\n", len(flows), alerts)
}
