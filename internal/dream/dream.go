package dream

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"retune/internal/analyzer"
	"retune/internal/config"
	"retune/internal/logger"
	"retune/internal/outcome"
	"retune/internal/tuner"
)

// 中文说明：
// Dream 回放不是重新模拟：它只把历史成交的 confidence 重新过一遍
// "新旧阈值的通过判定"。当年阈值不同会不会产生完全不同的入场，
// 这里无法回答——该局限必须写进输出，而不是藏起来。

// Limitation 固定写入每份回放结果的局限性说明。
const Limitation = "counterfactual filter replay: only the confidence-vs-threshold " +
	"predicate is re-evaluated against recorded entries; trades that a different " +
	"threshold would have created or prevented at entry time cannot be reconstructed"

// Label 回放标签（闭集）。
type Label string

const (
	LabelGood Label = "good"
	LabelBad  Label = "bad"
	LabelFlat Label = "flat"
)

// 取样桶名称，同时决定输出顺序。
const (
	BucketExplorationWorst = "exploration_worst"
	BucketExplorationBest  = "exploration_best"
	BucketNormal           = "normal"
)

// Scenario 单条回放场景：原始成交 + 双阈值判定 + 标签。
type Scenario struct {
	Symbol     string         `json:"symbol"`
	ExitAt     int64          `json:"exit_at"`
	Return     float64        `json:"return"`
	Regime     outcome.Regime `json:"regime"`
	Confidence float64        `json:"confidence"`
	Kind       outcome.Kind   `json:"kind"`
	Bucket     string         `json:"bucket"`
	Tier       string         `json:"tier"`
	// PassPrevious / PassProposed 分别是旧、新阈值下的通过判定。
	PassPrevious bool   `json:"pass_previous"`
	PassProposed bool   `json:"pass_proposed"`
	Label        Label  `json:"label"`
	Notes        string `json:"notes"`
	// OracleNote 可选的模型点评，仅供人读；数值链路绝不依赖它。
	OracleNote string `json:"oracle_note,omitempty"`
}

// Result 一次回放的完整输出，顺序确定、可直接 diff。
type Result struct {
	Symbol     string     `json:"symbol"`
	Limitation string     `json:"limitation"`
	Scenarios  []Scenario `json:"scenarios"`
}

// Annotator 可选的点评来源（oracle）；失败只记日志，不影响回放。
type Annotator interface {
	Annotate(ctx context.Context, sc Scenario) (string, error)
}

// Engine 回放引擎。无状态，取样规模与历史长度无关。
type Engine struct {
	cfg       config.DreamConfig
	window    int
	annotator Annotator
}

func New(cfg config.DreamConfig, window int, annotator Annotator) *Engine {
	if window <= 0 {
		window = 500
	}
	return &Engine{cfg: cfg, window: window, annotator: annotator}
}

// Replay 取样并在新旧阈值下重放判定。
func (e *Engine) Replay(ctx context.Context, store outcome.Lister, symbol string,
	digest *analyzer.Digest, doc *tuner.Document, snap tuner.Snapshot) (*Result, error) {
	if e == nil || digest == nil || doc == nil {
		return nil, fmt.Errorf("dream 输入不完整")
	}
	trades, _, err := store.ListRecent(ctx, symbol, e.window)
	if err != nil {
		return nil, fmt.Errorf("读取回放窗口失败: %w", err)
	}
	res := &Result{Symbol: symbol, Limitation: Limitation}
	tier := tierFor(digest)
	for _, sel := range e.sample(trades) {
		sc := e.evaluate(sel.trade, sel.bucket, tier, doc, snap)
		if e.annotator != nil {
			note, err := e.annotator.Annotate(ctx, sc)
			if err != nil {
				logger.Warnf("dream: oracle 点评失败（忽略）: %v", err)
			} else {
				sc.OracleNote = note
			}
		}
		res.Scenarios = append(res.Scenarios, sc)
	}
	return res, nil
}

type selected struct {
	trade  outcome.TradeOutcome
	bucket string
}

// sample 固定构成的取样：探索单最差 k 条 + 最好 k 条，普通单好坏各取一半。
// 同收益时按 exit_at、entry_at 再排，保证重复运行取样完全一致。
func (e *Engine) sample(trades []outcome.TradeOutcome) []selected {
	var expl, normal []outcome.TradeOutcome
	for _, t := range trades {
		if t.Kind == outcome.KindExploration {
			expl = append(expl, t)
		} else {
			normal = append(normal, t)
		}
	}
	sortByReturn(expl)
	sortByReturn(normal)

	var out []selected
	k := e.cfg.ExplorationK
	worst := min(k, len(expl))
	for _, t := range expl[:worst] {
		out = append(out, selected{trade: t, bucket: BucketExplorationWorst})
	}
	rest := expl[worst:]
	best := min(k, len(rest))
	// 桶内统一"从最差到最好"排列，best 桶取尾部后保持升序。
	for _, t := range rest[len(rest)-best:] {
		out = append(out, selected{trade: t, bucket: BucketExplorationBest})
	}
	half := e.cfg.NormalCount / 2
	lo := min(half, len(normal))
	for _, t := range normal[:lo] {
		out = append(out, selected{trade: t, bucket: BucketNormal})
	}
	rest = normal[lo:]
	hi := min(e.cfg.NormalCount-lo, len(rest))
	for _, t := range rest[len(rest)-hi:] {
		out = append(out, selected{trade: t, bucket: BucketNormal})
	}
	return out
}

func sortByReturn(ts []outcome.TradeOutcome) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Return != ts[j].Return {
			return ts[i].Return < ts[j].Return
		}
		if ts[i].ExitAt != ts[j].ExitAt {
			return ts[i].ExitAt < ts[j].ExitAt
		}
		return ts[i].EntryAt < ts[j].EntryAt
	})
}

// evaluate 对单条成交做双阈值判定并打标签。
func (e *Engine) evaluate(t outcome.TradeOutcome, bucket, tier string,
	doc *tuner.Document, snap tuner.Snapshot) Scenario {
	prev := snap.ThresholdOr(t.Regime, doc.ClampMin)
	proposed := prev
	if p, ok := doc.Find(t.Regime); ok {
		proposed = p.Proposed
	}
	conf := decimal.NewFromFloat(t.Confidence)
	sc := Scenario{
		Symbol:       t.Symbol,
		ExitAt:       t.ExitAt,
		Return:       t.Return,
		Regime:       t.Regime,
		Confidence:   t.Confidence,
		Kind:         t.Kind,
		Bucket:       bucket,
		Tier:         tier,
		PassPrevious: conf.GreaterThanOrEqual(prev),
		PassProposed: conf.GreaterThanOrEqual(proposed),
	}
	// bad 优先判定；good 要求收益到达 gain_cutoff 且新阈值放行，
	// 两个门槛之间的小幅波动一律 flat。
	switch {
	case t.Return <= -e.cfg.LossCutoff:
		sc.Label = LabelBad
	case t.Return >= e.cfg.GainCutoff && sc.PassProposed:
		sc.Label = LabelGood
	default:
		sc.Label = LabelFlat
	}
	sc.Notes = fmt.Sprintf("regime=%s tier=%s bucket=%s prev_pass=%t proposed_pass=%t",
		t.Regime, tier, bucket, sc.PassPrevious, sc.PassProposed)
	return sc
}

// tierFor 用 digest 的整体盈亏比粗分 symbol 档位（tier1/2/3）。
func tierFor(d *analyzer.Digest) string {
	var pos, neg float64
	for _, rd := range d.Regimes {
		for _, b := range rd.Bins {
			pos += b.SumPositive
			neg += b.SumNegative
		}
	}
	if neg >= 0 {
		if pos > 0 {
			return "tier1"
		}
		return "tier3"
	}
	pf := pos / -neg
	switch {
	case pf >= 1.2:
		return "tier1"
	case pf >= 1.0:
		return "tier2"
	default:
		return "tier3"
	}
}
