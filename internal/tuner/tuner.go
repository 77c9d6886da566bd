package tuner

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"retune/internal/analyzer"
	"retune/internal/config"
	"retune/internal/outcome"
)

// 中文说明：
// 调参器是纯函数：同样的分箱输入永远得到同样的提案。
// 它不读全局状态、不做 I/O、不写任何配置——提案是否生效由 apply gate 单独决定。

// Justification 提案动作标签（闭集）。
type Justification string

const (
	JustRaised    Justification = "raised"
	JustLowered   Justification = "lowered"
	JustUnchanged Justification = "unchanged"
)

// BinRef 驱动提案的源分箱引用（仅规则 1 命中时存在）。
type BinRef struct {
	Index int     `json:"index"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
}

// Proposal 单个 regime 的阈值提案。
type Proposal struct {
	Regime        outcome.Regime  `json:"regime"`
	Previous      decimal.Decimal `json:"previous_threshold"`
	Proposed      decimal.Decimal `json:"proposed_threshold"`
	Justification Justification   `json:"justification"`
	SourceBin     *BinRef         `json:"source_bin,omitempty"`
	// GatedOff regime 不在开仓白名单内；提案只收紧不放松。
	GatedOff bool `json:"gated_off,omitempty"`
	// TrendNote 来自 Bounded Memory 的近几轮阈值走向（只读上下文，由编排层填写）。
	TrendNote string `json:"trend_note,omitempty"`
}

// Document 整轮调参的提案文档，带生效范围与白名单引用。
type Document struct {
	Symbol    string          `json:"symbol"`
	ClampMin  decimal.Decimal `json:"clamp_min"`
	ClampMax  decimal.Decimal `json:"clamp_max"`
	AllowList []string        `json:"allow_list"`
	Proposals []Proposal      `json:"proposals"`
}

// Find 按 regime 取提案。
func (d *Document) Find(r outcome.Regime) (Proposal, bool) {
	if d == nil {
		return Proposal{}, false
	}
	for _, p := range d.Proposals {
		if p.Regime == r {
			return p, true
		}
	}
	return Proposal{}, false
}

// Snapshot 当前生效阈值的版本化快照。调参器只接受显式传入的快照，
// 绝不读取环境里的"当前配置"。
type Snapshot struct {
	Thresholds map[outcome.Regime]decimal.Decimal
}

// ThresholdOr 取 regime 当前阈值，缺失时退回 fallback。
func (s Snapshot) ThresholdOr(r outcome.Regime, fallback decimal.Decimal) decimal.Decimal {
	if v, ok := s.Thresholds[r]; ok {
		return v
	}
	return fallback
}

type Tuner struct {
	cfg config.TunerConfig
	// enabled 开仓白名单（外部拥有，这里只读）。
	enabled map[outcome.Regime]bool
	// floors 各 regime 保底阈值，缺省用 global_min。
	floors map[outcome.Regime]decimal.Decimal
}

func New(cfg config.TunerConfig, regimes config.RegimesConfig) *Tuner {
	enabled := make(map[outcome.Regime]bool, len(regimes.Enabled))
	for _, r := range regimes.Enabled {
		enabled[outcome.ParseRegime(r)] = true
	}
	floors := make(map[outcome.Regime]decimal.Decimal, len(regimes.Floors))
	for r, v := range regimes.Floors {
		floors[outcome.ParseRegime(r)] = decimal.NewFromFloat(v)
	}
	return &Tuner{cfg: cfg, enabled: enabled, floors: floors}
}

// Build 对 digest 中每个观察到的 regime 生成恰好一个提案。
func (t *Tuner) Build(d *analyzer.Digest, snap Snapshot) (*Document, error) {
	if t == nil || d == nil {
		return nil, fmt.Errorf("tuner 输入不完整")
	}
	doc := &Document{
		Symbol:   d.Symbol,
		ClampMin: decimal.NewFromFloat(t.cfg.GlobalMin),
		ClampMax: decimal.NewFromFloat(t.cfg.GlobalMax),
	}
	for r := range t.enabled {
		doc.AllowList = append(doc.AllowList, string(r))
	}
	sort.Strings(doc.AllowList)
	fallback := doc.ClampMin
	for _, rd := range d.Regimes {
		prev := snap.ThresholdOr(rd.Regime, fallback)
		doc.Proposals = append(doc.Proposals, t.propose(rd, prev, d.VolatilityBuffer))
	}
	return doc, nil
}

// propose 按顺序套用三条规则并做收尾钳制。
func (t *Tuner) propose(rd analyzer.RegimeDigest, prev decimal.Decimal, volBuffer float64) Proposal {
	p := Proposal{
		Regime:   rd.Regime,
		Previous: prev,
		GatedOff: !t.enabled[rd.Regime],
	}

	// 规则 1：存在强势箱（PF ≥ strong 且样本充足）。
	// PF 未定义（零亏损）但样本充足的箱按 +∞ 处理，同样视为强势。
	// 强势箱只放松不收紧：候选值高于现行阈值时保持现行值。
	if ref, ok := t.strongestBin(rd.Bins); ok {
		margin := t.marginFor(rd.Regime, volBuffer)
		candidate := decimal.NewFromFloat(ref.Low).Sub(margin)
		if candidate.GreaterThan(prev) {
			candidate = prev
		}
		p.SourceBin = &ref
		p.Proposed = t.clamp(rd.Regime, candidate)
	} else if t.hasMarginalBin(rd.Bins) {
		// 规则 2：有边缘箱（PF ∈ [marginal, strong)），阈值保持不动。
		p.Proposed = t.clamp(rd.Regime, prev)
	} else {
		// 规则 3：有效样本全部 PF < 1 或没有有效样本——主动抬高阈值降权。
		p.Proposed = t.clamp(rd.Regime, prev.Add(decimal.NewFromFloat(t.cfg.RaiseStep)))
	}

	// 方向标签相对"归位后的旧值"衡量：旧值越出全局范围时先钳回再比较，
	// 否则全亏 regime 的钳制恢复会被误标成 lowered。
	switch p.Proposed.Cmp(t.clampRange(prev)) {
	case -1:
		p.Justification = JustLowered
	case 1:
		p.Justification = JustRaised
	default:
		p.Justification = JustUnchanged
	}
	return p
}

// strongestBin 在全部合格强势箱里取下沿最低者；下沿相同时取箱下标更小者。
func (t *Tuner) strongestBin(bins []analyzer.Bin) (BinRef, bool) {
	best := -1
	for i, b := range bins {
		if !b.Sufficient(t.cfg.MinSample) {
			continue
		}
		if pf, defined := b.PF(); defined && pf.LessThan(decimal.NewFromFloat(t.cfg.StrongPF)) {
			continue
		}
		if best < 0 || lessByEdge(bins[i], bins[best]) {
			best = i
		}
	}
	if best < 0 {
		return BinRef{}, false
	}
	b := bins[best]
	return BinRef{Index: b.Index, Low: b.Low, High: b.High}, true
}

func lessByEdge(a, b analyzer.Bin) bool {
	if a.Low != b.Low {
		return a.Low < b.Low
	}
	return a.Index < b.Index
}

func (t *Tuner) hasMarginalBin(bins []analyzer.Bin) bool {
	lo := decimal.NewFromFloat(t.cfg.MarginalPF)
	hi := decimal.NewFromFloat(t.cfg.StrongPF)
	for _, b := range bins {
		if !b.Sufficient(t.cfg.MinSample) {
			continue
		}
		pf, defined := b.PF()
		if !defined {
			continue
		}
		if pf.GreaterThanOrEqual(lo) && pf.LessThan(hi) {
			return true
		}
	}
	return false
}

// marginFor high_vol 的 margin 按波动缓冲加宽，其余 regime 用固定 margin。
// 分区本身与波动无关，缓冲只作用在这里。
func (t *Tuner) marginFor(r outcome.Regime, volBuffer float64) decimal.Decimal {
	margin := decimal.NewFromFloat(t.cfg.Margin)
	if r != outcome.RegimeHighVol || volBuffer <= 0 {
		return margin
	}
	buf := decimal.NewFromFloat(volBuffer)
	limit := decimal.NewFromFloat(t.cfg.HighVolBufferMax)
	if buf.GreaterThan(limit) {
		buf = limit
	}
	return margin.Add(buf)
}

// clamp 先套 regime 保底（白名单外的 regime 绝不放松到保底之下），
// 再做全局范围钳制。越界从不报错——钳制就是规定的恢复动作。
func (t *Tuner) clamp(r outcome.Regime, v decimal.Decimal) decimal.Decimal {
	if !t.enabled[r] {
		floor, ok := t.floors[r]
		if !ok {
			floor = decimal.NewFromFloat(t.cfg.GlobalMin)
		}
		if v.LessThan(floor) {
			v = floor
		}
	}
	return t.clampRange(v)
}

// clampRange 全局 [global_min, global_max] 钳制，不含 regime 保底。
func (t *Tuner) clampRange(v decimal.Decimal) decimal.Decimal {
	min := decimal.NewFromFloat(t.cfg.GlobalMin)
	max := decimal.NewFromFloat(t.cfg.GlobalMax)
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}
