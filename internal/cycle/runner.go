package cycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"retune/internal/analyzer"
	"retune/internal/config"
	"retune/internal/dream"
	"retune/internal/gate"
	"retune/internal/logger"
	"retune/internal/market"
	"retune/internal/memory"
	"retune/internal/metrics"
	"retune/internal/outcome"
	"retune/internal/report"
	"retune/internal/tuner"
)

// 中文说明：
// 一轮周期 = 分析 -> 提案 -> 回放 -> 记入 memory，数据单向流动。
// 手动触发与定时触发可能重叠，整轮用互斥串行；
// 周期中途失败不落 memory——无痕优于写坏。

// Result 单轮周期的全部产出。
type Result struct {
	CycleID    string           `json:"cycle_id"`
	Symbol     string           `json:"symbol"`
	Digest     *analyzer.Digest `json:"digest"`
	Proposals  *tuner.Document  `json:"proposals"`
	Replay     *dream.Result    `json:"replay,omitempty"`
	Preview    string           `json:"preview"`
	ReportPath string           `json:"report_path,omitempty"`
}

type Params struct {
	Config    *config.Config
	Store     outcome.Lister
	Gate      *gate.Gate
	Memory    *memory.Log
	Annotator dream.Annotator // 可为 nil
}

// Runner 周期编排器。
type Runner struct {
	mu sync.Mutex

	cfg    *config.Config
	store  outcome.Lister
	gate   *gate.Gate
	mem    *memory.Log
	anlz   *analyzer.Analyzer
	tuner  *tuner.Tuner
	engine *dream.Engine
}

func NewRunner(p Params) (*Runner, error) {
	if p.Config == nil || p.Store == nil || p.Gate == nil || p.Memory == nil {
		return nil, fmt.Errorf("runner 依赖不完整")
	}
	anlz, err := analyzer.New(p.Config.Analyzer)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:    p.Config,
		store:  p.Store,
		gate:   p.Gate,
		mem:    p.Memory,
		anlz:   anlz,
		tuner:  tuner.New(p.Config.Tuner, p.Config.Regimes),
		engine: dream.New(p.Config.Dream, p.Config.Analyzer.Window, p.Annotator),
	}, nil
}

// RunClosed 闭仓模式跑一轮完整周期。
func (r *Runner) RunClosed(ctx context.Context, symbol string) (*Result, error) {
	if r == nil {
		return nil, fmt.Errorf("runner 未初始化")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runOne(ctx, symbol, func() (*analyzer.Digest, error) {
		return r.anlz.AnalyzeClosed(ctx, r.store, symbol)
	})
}

// RunScan 扫描模式跑一轮（bars 由上游导出，已带 confidence/regime）。
func (r *Runner) RunScan(ctx context.Context, symbol string, bars []market.Bar) (*Result, error) {
	if r == nil {
		return nil, fmt.Errorf("runner 未初始化")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runOne(ctx, symbol, func() (*analyzer.Digest, error) {
		return r.anlz.AnalyzeScan(symbol, bars)
	})
}

// RunScanBatch 多 symbol 扫描：分析并发，受配置上限约束；memory 追加天然串行。
func (r *Runner) RunScanBatch(ctx context.Context, series map[string][]market.Bar) (map[string]*Result, error) {
	if r == nil {
		return nil, fmt.Errorf("runner 未初始化")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		outMu   sync.Mutex
		results = make(map[string]*Result, len(series))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Analyzer.ScanConcurrency)
	for symbol, bars := range series {
		symbol, bars := symbol, bars
		g.Go(func() error {
			res, err := r.runOne(gctx, symbol, func() (*analyzer.Digest, error) {
				return r.anlz.AnalyzeScan(symbol, bars)
			})
			if err != nil {
				return fmt.Errorf("%s: %w", symbol, err)
			}
			outMu.Lock()
			results[symbol] = res
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, symbol string, analyze func() (*analyzer.Digest, error)) (*Result, error) {
	cycleID := uuid.NewString()
	logger.Infof("cycle %s: 开始 (%s)", cycleID, symbol)

	snap, err := r.gate.Snapshot()
	if err != nil {
		metrics.CycleFailures.Inc()
		return nil, err
	}
	digest, err := analyze()
	if err != nil {
		metrics.CycleFailures.Inc()
		return nil, err
	}
	if digest.Skipped > 0 {
		metrics.OutcomesSkipped.Add(float64(digest.Skipped))
	}
	doc, err := r.tuner.Build(digest, snap)
	if err != nil {
		metrics.CycleFailures.Inc()
		return nil, err
	}
	r.attachTrends(doc)
	for _, p := range doc.Proposals {
		metrics.ProposalsByAction.WithLabelValues(string(p.Justification)).Inc()
	}

	// 回放失败不终止周期：memory 里这一节留空即可。
	replay, err := r.engine.Replay(ctx, r.store, symbol, digest, doc, snap)
	if err != nil {
		logger.Warnf("cycle %s: 回放失败，跳过该节: %v", cycleID, err)
		replay = nil
	}

	entry := memory.Entry{CycleID: cycleID, Symbol: symbol, Analyzer: digest, Proposals: doc, Replay: replay}
	if err := r.mem.Record(entry); err != nil {
		metrics.CycleFailures.Inc()
		return nil, fmt.Errorf("写入 memory 失败: %w", err)
	}

	res := &Result{CycleID: cycleID, Symbol: symbol, Digest: digest, Proposals: doc, Replay: replay}
	if preview, err := r.gate.Apply(doc, false); err == nil {
		res.Preview = preview
	} else {
		logger.Warnf("cycle %s: 生成预览失败: %v", cycleID, err)
	}
	if r.cfg.Report.Enabled {
		entries, _, _ := r.mem.Recent(r.cfg.Memory.RecentN)
		if path, err := report.Render(r.cfg.Report.Dir, digest, entries); err != nil {
			logger.Warnf("cycle %s: 报告生成失败: %v", cycleID, err)
		} else {
			res.ReportPath = path
		}
	}
	metrics.CyclesTotal.Inc()
	logger.Infof("cycle %s: 完成，%d 个 regime 提案", cycleID, len(doc.Proposals))
	return res, nil
}

// attachTrends 用 memory 里最近几轮的提案给每个 regime 补阈值走向注记。
// 只读上下文：从不回写历史。
func (r *Runner) attachTrends(doc *tuner.Document) {
	entries, corrupt, err := r.mem.Recent(r.cfg.Memory.RecentN)
	if err != nil {
		logger.Warnf("读取 memory 失败，跳过 trend 注记: %v", err)
		return
	}
	if corrupt > 0 {
		metrics.MemoryCorrupt.Add(float64(corrupt))
	}
	for i := range doc.Proposals {
		doc.Proposals[i].TrendNote = memory.ThresholdTrend(entries, string(doc.Proposals[i].Regime))
	}
}
