package analyzer

import (
	"context"
	"fmt"
	"sort"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"retune/internal/config"
	"retune/internal/logger"
	"retune/internal/market"
	"retune/internal/outcome"
)

// 中文说明：
// 分析器把一个历史窗口压缩成 Digest：每个观察到的 regime 一组完整分箱，
// 零样本箱显式存在，下游据此区分"没数据"与"表现差"。
// 同一输入必须得到字节级一致的输出，Digest 里不放时间戳。

const (
	ModeClosed = "closed" // 已平仓交易，使用实际收益
	ModeScan   = "scan"   // K 线扫描，使用前向收益
)

// Digest 分析器输出。对相同输入幂等。
type Digest struct {
	Symbol   string  `json:"symbol"`
	Mode     string  `json:"mode"`
	Window   int     `json:"window"`
	Rows     int     `json:"rows"`
	Skipped  int     `json:"skipped"`
	BinWidth float64 `json:"bin_width"`
	// LowSample 输入行数不足 window 时置位；分析仍在可用子集上进行。
	LowSample bool `json:"low_sample"`
	// VolatilityBuffer 扫描模式下 ATR/价格 得出的波动缓冲，闭仓模式为 0。
	// 调参器只对 high_vol regime 使用它加宽 margin。
	VolatilityBuffer float64        `json:"volatility_buffer,omitempty"`
	Regimes          []RegimeDigest `json:"regimes"`
}

// RegimeDigest 单个 regime 的完整分箱（按 bin 下标排列，含零样本箱）。
type RegimeDigest struct {
	Regime outcome.Regime `json:"regime"`
	Bins   []Bin          `json:"bins"`
}

// Find 返回指定 regime 的分箱组。
func (d *Digest) Find(r outcome.Regime) (RegimeDigest, bool) {
	if d == nil {
		return RegimeDigest{}, false
	}
	for _, rd := range d.Regimes {
		if rd.Regime == r {
			return rd, true
		}
	}
	return RegimeDigest{}, false
}

// ObservedRegimes 按固定顺序返回出现过的 regime。
func (d *Digest) ObservedRegimes() []outcome.Regime {
	if d == nil {
		return nil
	}
	out := make([]outcome.Regime, 0, len(d.Regimes))
	for _, rd := range d.Regimes {
		out = append(out, rd.Regime)
	}
	return out
}

// Analyzer 无状态；同一配置可复用于多个 symbol。
type Analyzer struct {
	cfg       config.AnalyzerConfig
	partition Partition
}

func New(cfg config.AnalyzerConfig) (*Analyzer, error) {
	p, err := NewPartition(cfg.BinWidth)
	if err != nil {
		return nil, err
	}
	return &Analyzer{cfg: cfg, partition: p}, nil
}

// AnalyzeClosed 闭仓模式：读取最近 window 条已平仓交易并聚合。
func (a *Analyzer) AnalyzeClosed(ctx context.Context, store outcome.Lister, symbol string) (*Digest, error) {
	if a == nil {
		return nil, fmt.Errorf("analyzer 未初始化")
	}
	trades, skipped, err := store.ListRecent(ctx, symbol, a.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("读取成交窗口失败: %w", err)
	}
	d := a.newDigest(symbol, ModeClosed, len(trades), skipped)
	acc := newBinAccumulator(a.partition)
	for _, t := range trades {
		acc.observe(t.Regime, t.Confidence, t.Return, a.cfg.BigMovePct)
	}
	d.Regimes = acc.digests()
	if d.LowSample {
		logger.Warnf("analyzer: %s 闭仓样本不足 (rows=%d window=%d)，结果标记 low_sample", symbol, d.Rows, d.Window)
	}
	return d, nil
}

// AnalyzeScan 扫描模式：对 bar 序列按前向收益聚合。
// 前向窗口越过序列末尾的 bar 直接剔除，绝不伪造未来数据。
func (a *Analyzer) AnalyzeScan(symbol string, bars []market.Bar) (*Digest, error) {
	if a == nil {
		return nil, fmt.Errorf("analyzer 未初始化")
	}
	if len(bars) > a.cfg.Window {
		bars = bars[len(bars)-a.cfg.Window:]
	}
	usable := len(bars) - a.cfg.ForwardSteps
	if usable < 0 {
		usable = 0
	}
	d := a.newDigest(symbol, ModeScan, 0, 0)
	acc := newBinAccumulator(a.partition)
	rows := 0
	for i := 0; i < usable; i++ {
		cur := bars[i]
		next := bars[i+a.cfg.ForwardSteps]
		if cur.Close <= 0 {
			d.Skipped++
			continue
		}
		rows++
		fwd := (next.Close - cur.Close) / cur.Close
		acc.observe(cur.Regime, cur.Confidence, fwd, a.cfg.BigMovePct)
	}
	// Rows 只计真正进入聚合的 bar。
	d.Rows = rows
	d.LowSample = rows < a.cfg.Window
	d.Regimes = acc.digests()
	d.VolatilityBuffer = a.volatilityBuffer(bars)
	return d, nil
}

func (a *Analyzer) newDigest(symbol, mode string, rows, skipped int) *Digest {
	return &Digest{
		Symbol:    symbol,
		Mode:      mode,
		Window:    a.cfg.Window,
		Rows:      rows,
		Skipped:   skipped,
		BinWidth:  a.cfg.BinWidth,
		LowSample: rows < a.cfg.Window,
	}
}

// volatilityBuffer 用 ATR/收盘价 度量当前波动水平，供 high_vol margin 加宽。
func (a *Analyzer) volatilityBuffer(bars []market.Bar) float64 {
	if len(bars) <= a.cfg.ATRPeriod {
		return 0
	}
	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	atr := talib.Atr(highs, lows, closes, a.cfg.ATRPeriod)
	if len(atr) == 0 {
		return 0
	}
	last := atr[len(atr)-1]
	price := closes[n-1]
	if last <= 0 || price <= 0 {
		return 0
	}
	buf := decimal.NewFromFloat(last).Div(decimal.NewFromFloat(price)).Round(4)
	return buf.InexactFloat64()
}

// binAccumulator 把观测按 (regime, bin) 聚合；只为出现过的 regime 建满整组箱。
type binAccumulator struct {
	partition Partition
	byRegime  map[outcome.Regime][]Bin
}

func newBinAccumulator(p Partition) *binAccumulator {
	return &binAccumulator{partition: p, byRegime: make(map[outcome.Regime][]Bin)}
}

func (acc *binAccumulator) observe(r outcome.Regime, confidence, ret, bigMove float64) {
	idx, ok := acc.partition.IndexFor(confidence)
	if !ok {
		return
	}
	bins, exists := acc.byRegime[r]
	if !exists {
		bins = make([]Bin, len(acc.partition.Intervals))
		for i, iv := range acc.partition.Intervals {
			bins[i] = Bin{Regime: r, Index: i, Interval: iv}
		}
		acc.byRegime[r] = bins
	}
	bins[idx].add(ret, bigMove)
}

// digests 按固定 regime 顺序输出，保证字节级幂等。
func (acc *binAccumulator) digests() []RegimeDigest {
	order := make(map[outcome.Regime]int, len(outcome.AllRegimes()))
	for i, r := range outcome.AllRegimes() {
		order[r] = i
	}
	regimes := make([]outcome.Regime, 0, len(acc.byRegime))
	for r := range acc.byRegime {
		regimes = append(regimes, r)
	}
	sort.Slice(regimes, func(i, j int) bool { return order[regimes[i]] < order[regimes[j]] })
	out := make([]RegimeDigest, 0, len(regimes))
	for _, r := range regimes {
		bins := acc.byRegime[r]
		for i := range bins {
			bins[i].finalize()
		}
		out = append(out, RegimeDigest{Regime: r, Bins: bins})
	}
	return out
}
