package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"flowsentry/pkg/model"
)

type flowsResponse struct {
	Flows []model.FlowRecord `json:"flows"`
}

type alertsResponse struct {
	Alerts []string `json:"alerts"`
}

func Run(ctx context.Context, cfg Config) error {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base, err := url.Parse(cfg.Server)
	if err != nil {
		return fmt.Errorf("server 参数非法：%w", err)
	}
	client := &http.Client{Timeout: cfg.Timeout}

	if !cfg.Watch {
		return refresh(ctx, client, base, cfg)
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		// 清屏后重绘。
		fmt.Fprint(cfg.Out, "\033[H\033[2J")
		if err := refresh(ctx, client, base, cfg); err != nil {
			fmt.Fprintf(cfg.Out, "刷新失败：%v\n", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func refresh(ctx context.Context, client *http.Client, base *url.URL, cfg Config) error {
	var flows flowsResponse
	if err := getJSON(ctx, client, base, "/api/v1/flows", &flows); err != nil {
		return err
	}
	renderFlows(cfg.Out, flows.Flows)

	if cfg.Alerts <= 0 {
		return nil
	}
	var alerts alertsResponse
	if err := getJSON(ctx, client, base, "/api/v1/alerts", &alerts); err != nil {
		return err
	}
	renderAlerts(cfg.Out, alerts.Alerts, cfg.Alerts)
	return nil
}

func getJSON(ctx context.Context, client *http.Client, base *url.URL, path string, out any) error {
	u := base.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("构造请求失败：%w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败：%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("查询失败：status=%s body=%s", resp.Status, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应 JSON 失败：%w", err)
	}
	return nil
}

func renderFlows(w io.Writer, rows []model.FlowRecord) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"", "Flow", "Proto", "Duration", "Pkts", "Bytes", "Pkt/s", "Score", "Severity"})
	t.SetAutoWrapText(false)
	t.SetRowLine(false)

	malicious := 0
	for _, r := range rows {
		mark := ""
		if r.IsAlert || r.Prediction == 1 {
			mark = "!!"
			malicious++
		}
		t.Append([]string{
			mark,
			r.FlowKey,
			r.Protocol,
			strconv.FormatFloat(r.Duration, 'f', 3, 64),
			strconv.FormatInt(r.TotalPkts, 10),
			strconv.FormatInt(r.TotalBytes, 10),
			strconv.FormatFloat(r.PktRate, 'f', 2, 64),
			strconv.FormatFloat(r.Score, 'f', 3, 64),
			string(r.Severity),
		})
	}
	t.Render()
	fmt.Fprintf(w, "flows=%d malicious=%d\n", len(rows), malicious)
}

func renderAlerts(w io.Writer, lines []string, n int) {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	fmt.Fprintf(w, "\n最近 %d 条告警：\n", len(lines))
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
