package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"retune/internal/analyzer"
	"retune/internal/memory"
	"retune/internal/outcome"
)

// 中文说明：
// 报告是每轮生成的静态 HTML 工件（不是在线面板）：
// 各 regime 按置信度分箱的 PF 柱状图 + 来自 memory 的阈值演化折线。

// Render 输出单轮周期报告，返回生成的文件路径。
func Render(dir string, digest *analyzer.Digest, entries []memory.Entry) (string, error) {
	if digest == nil {
		return "", fmt.Errorf("digest 为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}
	page := components.NewPage()
	page.PageTitle = "retune cycle report"
	for _, rd := range digest.Regimes {
		page.AddCharts(pfBar(rd))
	}
	if line := thresholdLine(digest, entries); line != nil {
		page.AddCharts(line)
	}
	path := filepath.Join(dir, fmt.Sprintf("cycle_%s.html", digest.Symbol))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("创建报告文件失败: %w", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return "", fmt.Errorf("渲染报告失败: %w", err)
	}
	return path, nil
}

// pfBar 单个 regime 的 PF 柱状图；PF 未定义的箱画 0，并在 tooltip 里区分样本量。
func pfBar(rd analyzer.RegimeDigest) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s profit factor by confidence bin", rd.Regime),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	xs := make([]string, 0, len(rd.Bins))
	pf := make([]opts.BarData, 0, len(rd.Bins))
	counts := make([]opts.BarData, 0, len(rd.Bins))
	for _, b := range rd.Bins {
		xs = append(xs, fmt.Sprintf("[%.2f,%.2f)", b.Low, b.High))
		v := 0.0
		if s := b.ProfitFactor; s != "" {
			if parsed, err := strconv.ParseFloat(s, 64); err == nil {
				v = parsed
			}
		}
		pf = append(pf, opts.BarData{Value: v})
		counts = append(counts, opts.BarData{Value: b.Count})
	}
	bar.SetXAxis(xs).
		AddSeries("profit_factor", pf).
		AddSeries("count", counts)
	return bar
}

// thresholdLine 每个 regime 一条折线：最近几轮的提案阈值走向。
func thresholdLine(digest *analyzer.Digest, entries []memory.Entry) *charts.Line {
	if len(entries) == 0 {
		return nil
	}
	xs := make([]string, 0, len(entries))
	for _, e := range entries {
		xs = append(xs, strconv.FormatInt(e.At, 10))
	}
	line := charts.NewLine()
	line.SetGlobalOptions(charts.WithTitleOpts(opts.Title{Title: "proposed threshold evolution"}))
	line.SetXAxis(xs)
	series := 0
	for _, r := range observedRegimes(digest) {
		data := make([]opts.LineData, 0, len(entries))
		hit := false
		for _, e := range entries {
			var v any
			if e.Proposals != nil {
				if p, ok := e.Proposals.Find(r); ok {
					v = p.Proposed.InexactFloat64()
					hit = true
				}
			}
			data = append(data, opts.LineData{Value: v})
		}
		if hit {
			line.AddSeries(string(r), data)
			series++
		}
	}
	if series == 0 {
		return nil
	}
	return line
}

func observedRegimes(d *analyzer.Digest) []outcome.Regime {
	if d == nil {
		return nil
	}
	return d.ObservedRegimes()
}
