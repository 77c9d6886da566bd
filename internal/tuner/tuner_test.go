package tuner

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"retune/internal/analyzer"
	"retune/internal/config"
	"retune/internal/outcome"
)

func testTunerCfg() config.TunerConfig {
	return config.TunerConfig{
		StrongPF:         1.2,
		MarginalPF:       1.0,
		MinSample:        100,
		Margin:           0.02,
		RaiseStep:        0.03,
		GlobalMin:        0.35,
		GlobalMax:        0.9,
		HighVolBufferMax: 0.03,
	}
}

func testRegimesCfg() config.RegimesConfig {
	return config.RegimesConfig{
		Enabled: []string{"trend_up", "trend_down", "high_vol"},
		Floors:  map[string]float64{"chop": 0.65},
	}
}

// emptyBins 造一组完整的零样本箱。
func emptyBins(t *testing.T, r outcome.Regime) []analyzer.Bin {
	t.Helper()
	p, err := analyzer.NewPartition(0.05)
	if err != nil {
		t.Fatalf("建立分区失败: %v", err)
	}
	bins := make([]analyzer.Bin, len(p.Intervals))
	for i, iv := range p.Intervals {
		bins[i] = analyzer.Bin{Regime: r, Index: i, Interval: iv}
	}
	return bins
}

func digestOf(regimes ...analyzer.RegimeDigest) *analyzer.Digest {
	return &analyzer.Digest{Symbol: "BTCUSDT", Mode: analyzer.ModeClosed, Window: 500, Regimes: regimes}
}

// snapFrom 用精确小数字符串搭一份阈值快照。
func snapFrom(t *testing.T, pairs map[outcome.Regime]string) Snapshot {
	t.Helper()
	s := Snapshot{Thresholds: make(map[outcome.Regime]decimal.Decimal, len(pairs))}
	for r, v := range pairs {
		d, err := decimal.NewFromString(v)
		if err != nil {
			t.Fatalf("阈值 %q 非法: %v", v, err)
		}
		s.Thresholds[r] = d
	}
	return s
}

// TestStrongBinLowers 规则 1：强势箱下沿减 margin。
// 150 笔 trend_down 落在 [0.55,0.60)，110 胜累计 +1.65，40 负累计 -0.50，
// PF=3.3，当前阈值 0.58 -> 提案 0.53。
func TestStrongBinLowers(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeTrendDown)
	bins[11].Count = 150
	bins[11].Wins = 110
	bins[11].Losses = 40
	bins[11].SumPositive = 1.65
	bins[11].SumNegative = -0.50
	bins[11].ProfitFactor = "3.3"

	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendDown, Bins: bins}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendDown: "0.58"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, ok := doc.Find(outcome.RegimeTrendDown)
	if !ok {
		t.Fatalf("trend_down 应有提案")
	}
	if p.Proposed.String() != "0.53" {
		t.Fatalf("提案阈值应为 0.53, 实际=%s", p.Proposed)
	}
	if p.Justification != JustLowered {
		t.Fatalf("动作应为 lowered, 实际=%s", p.Justification)
	}
	if p.SourceBin == nil || p.SourceBin.Index != 11 {
		t.Fatalf("提案应引用源分箱 11: %+v", p.SourceBin)
	}
}

// TestMarginalBinUnchanged 规则 2：只有边缘箱时阈值保持不动。
func TestMarginalBinUnchanged(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeTrendUp)
	bins[12].Count = 120
	bins[12].SumPositive = 1.1
	bins[12].SumNegative = -1.0
	bins[12].ProfitFactor = "1.1"

	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendUp, Bins: bins}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendUp: "0.6"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendUp)
	if p.Proposed.String() != "0.6" || p.Justification != JustUnchanged {
		t.Fatalf("边缘箱应保持 0.6/unchanged, 实际=%s/%s", p.Proposed, p.Justification)
	}
	if p.SourceBin != nil {
		t.Fatalf("规则 2 不应引用源分箱")
	}
}

// TestRaiseWhenNoQualifyingBins 规则 3：样本不足或全亏时抬高阈值。
func TestRaiseWhenNoQualifyingBins(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeTrendUp)
	// 样本充足但 PF < 1，不入规则 1/2。
	bins[10].Count = 200
	bins[10].SumPositive = 0.4
	bins[10].SumNegative = -1.0
	bins[10].ProfitFactor = "0.4"
	// 样本不足的强 PF 箱不得触发规则 1。
	bins[15].Count = 5
	bins[15].SumPositive = 0.9
	bins[15].SumNegative = -0.1
	bins[15].ProfitFactor = "9"

	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendUp, Bins: bins}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendUp: "0.6"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendUp)
	if p.Proposed.String() != "0.63" || p.Justification != JustRaised {
		t.Fatalf("应抬高到 0.63/raised, 实际=%s/%s", p.Proposed, p.Justification)
	}
}

// TestUndefinedPFTreatedStrong 零亏损且样本充足的箱按 +∞ 视为强势。
func TestUndefinedPFTreatedStrong(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeTrendUp)
	bins[14].Count = 130
	bins[14].Wins = 130
	bins[14].SumPositive = 2.0
	// ProfitFactor 留空 = 未定义。

	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendUp, Bins: bins}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendUp: "0.8"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendUp)
	if p.Proposed.String() != "0.68" {
		t.Fatalf("未定义 PF 的充足箱应触发规则 1: 0.70-0.02=0.68, 实际=%s", p.Proposed)
	}
}

// TestTieBreakLowestEdge 多个强势箱取下沿最低者。
func TestTieBreakLowestEdge(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeTrendDown)
	for _, idx := range []int{12, 8, 16} {
		bins[idx].Count = 150
		bins[idx].SumPositive = 3
		bins[idx].SumNegative = -1
		bins[idx].ProfitFactor = "3"
	}
	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendDown, Bins: bins}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendDown: "0.5"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendDown)
	if p.SourceBin == nil || p.SourceBin.Index != 8 {
		t.Fatalf("应选下沿最低的箱 8, 实际=%+v", p.SourceBin)
	}
	if p.Proposed.String() != "0.38" {
		t.Fatalf("0.40-0.02=0.38, 实际=%s", p.Proposed)
	}
}

// TestStrongBinNeverRaises 强势箱在现行阈值之上时保持现行值：
// 强势证据只能放松或维持阈值，绝不抬高。
func TestStrongBinNeverRaises(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeTrendUp)
	bins[16].Count = 150 // [0.80, 0.85)
	bins[16].SumPositive = 3
	bins[16].SumNegative = -1
	bins[16].ProfitFactor = "3"

	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendUp, Bins: bins}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendUp: "0.5"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendUp)
	if p.Proposed.String() != "0.5" || p.Justification != JustUnchanged {
		t.Fatalf("高位强势箱应保持 0.5/unchanged, 实际=%s/%s", p.Proposed, p.Justification)
	}
	if p.SourceBin == nil || p.SourceBin.Index != 16 {
		t.Fatalf("提案仍应引用源分箱: %+v", p.SourceBin)
	}
}

// TestOutOfRangePreviousRecovery 旧值越出上限时规则 3 钳回 global_max，
// 方向标签相对归位后的旧值衡量，不被误标成 lowered。
func TestOutOfRangePreviousRecovery(t *testing.T) {
	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendDown, Bins: emptyBins(t, outcome.RegimeTrendDown)}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendDown: "0.95"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendDown)
	if p.Proposed.String() != "0.9" {
		t.Fatalf("越界旧值应钳回 0.9, 实际=%s", p.Proposed)
	}
	if p.Justification != JustUnchanged {
		t.Fatalf("全亏 regime 的钳制恢复不应标 lowered, 实际=%s", p.Justification)
	}
}

// TestGlobalClamp 提案绝不越出 [global_min, global_max]。
func TestGlobalClamp(t *testing.T) {
	tn := New(testTunerCfg(), testRegimesCfg())

	// 下越界：强势箱下沿 0.35，0.35-0.02 被钳回 0.35。
	low := emptyBins(t, outcome.RegimeTrendUp)
	low[7].Count = 150
	low[7].SumPositive = 3
	low[7].SumNegative = -1
	low[7].ProfitFactor = "3"
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendUp, Bins: low}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendUp: "0.5"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendUp)
	if p.Proposed.String() != "0.35" {
		t.Fatalf("下越界应钳到 0.35, 实际=%s", p.Proposed)
	}

	// 上越界：规则 3 从 0.89 抬到 0.92 被钳回 0.9。
	doc, err = tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendDown, Bins: emptyBins(t, outcome.RegimeTrendDown)}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendDown: "0.89"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ = doc.Find(outcome.RegimeTrendDown)
	if p.Proposed.String() != "0.9" || p.Justification != JustRaised {
		t.Fatalf("上越界应钳到 0.9/raised, 实际=%s/%s", p.Proposed, p.Justification)
	}
}

// TestGatedOffFloor 白名单外的 regime 只收紧不放松：保底阈值优先于规则 1。
func TestGatedOffFloor(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeChop)
	bins[11].Count = 150
	bins[11].SumPositive = 3
	bins[11].SumNegative = -1
	bins[11].ProfitFactor = "3"

	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeChop, Bins: bins}),
		snapFrom(t, map[outcome.Regime]string{outcome.RegimeChop: "0.7"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeChop)
	if !p.GatedOff {
		t.Fatalf("chop 不在白名单，应标记 gated_off")
	}
	// 0.55-0.02=0.53 低于 chop 保底 0.65，被顶回保底。
	if p.Proposed.String() != "0.65" {
		t.Fatalf("gated-off 保底应为 0.65, 实际=%s", p.Proposed)
	}
	if p.Justification != JustLowered {
		t.Fatalf("0.7 -> 0.65 仍是 lowered, 实际=%s", p.Justification)
	}
}

// TestHighVolMarginWiden high_vol 的 margin 按波动缓冲加宽，带上限。
func TestHighVolMarginWiden(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeHighVol)
	bins[12].Count = 150
	bins[12].SumPositive = 3
	bins[12].SumNegative = -1
	bins[12].ProfitFactor = "3"

	tn := New(testTunerCfg(), testRegimesCfg())
	d := digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeHighVol, Bins: bins})
	d.VolatilityBuffer = 0.05 // 超过上限 0.03，按 0.03 计
	doc, err := tn.Build(d, snapFrom(t, map[outcome.Regime]string{outcome.RegimeHighVol: "0.7"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeHighVol)
	// 0.60 - (0.02 + 0.03) = 0.55
	if p.Proposed.String() != "0.55" {
		t.Fatalf("high_vol 加宽后应为 0.55, 实际=%s", p.Proposed)
	}

	// 同样的缓冲对其他 regime 不生效。
	other := emptyBins(t, outcome.RegimeTrendUp)
	other[12].Count = 150
	other[12].SumPositive = 3
	other[12].SumNegative = -1
	other[12].ProfitFactor = "3"
	d2 := digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendUp, Bins: other})
	d2.VolatilityBuffer = 0.05
	doc, err = tn.Build(d2, snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendUp: "0.7"}))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ = doc.Find(outcome.RegimeTrendUp)
	if p.Proposed.String() != "0.58" {
		t.Fatalf("非 high_vol 不应加宽: 0.60-0.02=0.58, 实际=%s", p.Proposed)
	}
}

// TestMissingSnapshotFallsBack 快照缺该 regime 时沿用 clamp_min 做基线。
func TestMissingSnapshotFallsBack(t *testing.T) {
	tn := New(testTunerCfg(), testRegimesCfg())
	doc, err := tn.Build(digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendUp, Bins: emptyBins(t, outcome.RegimeTrendUp)}),
		snapFrom(t, nil))
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	p, _ := doc.Find(outcome.RegimeTrendUp)
	if p.Previous.String() != "0.35" {
		t.Fatalf("基线应退回 0.35, 实际=%s", p.Previous)
	}
	if p.Proposed.String() != "0.38" {
		t.Fatalf("空箱走规则 3: 0.35+0.03=0.38, 实际=%s", p.Proposed)
	}
}

// TestBuildDeterministic 纯函数：同样输入两次 Build 字节级一致。
func TestBuildDeterministic(t *testing.T) {
	bins := emptyBins(t, outcome.RegimeTrendDown)
	bins[11].Count = 150
	bins[11].SumPositive = 1.65
	bins[11].SumNegative = -0.5
	bins[11].ProfitFactor = "3.3"
	d := digestOf(analyzer.RegimeDigest{Regime: outcome.RegimeTrendDown, Bins: bins})
	snap := snapFrom(t, map[outcome.Regime]string{outcome.RegimeTrendDown: "0.58"})

	tn := New(testTunerCfg(), testRegimesCfg())
	doc1, err := tn.Build(d, snap)
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	doc2, err := tn.Build(d, snap)
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}
	b1, _ := json.Marshal(doc1)
	b2, _ := json.Marshal(doc2)
	if !bytes.Equal(b1, b2) {
		t.Fatalf("提案文档不确定:\n%s\n%s", b1, b2)
	}
	if len(doc1.AllowList) != 3 || doc1.AllowList[0] != "high_vol" {
		t.Fatalf("白名单应排序输出: %v", doc1.AllowList)
	}
}
