package analyzer

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"retune/internal/outcome"
)

// 中文说明：
// 分箱是分析器与调参器之间的唯一数据载体。
// 分区不变量：固定宽度、半开区间 [low, high)，末箱右闭到 1.0，
// 任意 confidence ∈ [0,1] 恰好落进一个箱。

// Interval 置信度区间。除末箱外均为 [Low, High)。
type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Partition 由 bin 宽度生成的完整置信度分区。
type Partition struct {
	Width     float64
	Intervals []Interval
}

// NewPartition 按宽度生成分区；宽度必须整除 [0,1]（config 已校验，这里兜底）。
func NewPartition(width float64) (Partition, error) {
	if width <= 0 {
		return Partition{}, fmt.Errorf("bin 宽度必须为正: %v", width)
	}
	n := int(math.Round(1.0 / width))
	if n < 1 || math.Abs(float64(n)*width-1.0) > 1e-9 {
		return Partition{}, fmt.Errorf("bin 宽度 %v 无法整除 [0,1]", width)
	}
	step := decimal.NewFromFloat(width)
	intervals := make([]Interval, n)
	for i := 0; i < n; i++ {
		lo := step.Mul(decimal.NewFromInt(int64(i)))
		hi := step.Mul(decimal.NewFromInt(int64(i + 1)))
		intervals[i] = Interval{Low: lo.InexactFloat64(), High: hi.InexactFloat64()}
	}
	intervals[n-1].High = 1.0
	return Partition{Width: width, Intervals: intervals}, nil
}

// IndexFor 返回 confidence 所属的 bin 下标；1.0 归入末箱。
// 除法带一点 epsilon：0.15/0.05 在浮点里是 2.999...，不补偿会把边界值分错箱。
func (p Partition) IndexFor(confidence float64) (int, bool) {
	if confidence < 0 || confidence > 1 || len(p.Intervals) == 0 {
		return 0, false
	}
	idx := int(math.Floor(confidence/p.Width + 1e-9))
	if idx >= len(p.Intervals) {
		idx = len(p.Intervals) - 1
	}
	return idx, true
}

// Bin 单个 (regime, 置信度区间) 的聚合统计。
type Bin struct {
	Regime outcome.Regime `json:"regime"`
	Index  int            `json:"index"`
	Interval
	Count       int     `json:"count"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	SumPositive float64 `json:"sum_positive"`
	SumNegative float64 `json:"sum_negative"` // 负收益之和，≤ 0
	BigWins     int     `json:"big_wins"`
	BigLosses   int     `json:"big_losses"`
	// ProfitFactor 以字符串承载精确小数；无亏损样本时为空（未定义）。
	ProfitFactor string `json:"profit_factor,omitempty"`
}

// add 把一笔收益并入统计。bigMove 为大赚/大亏门槛（绝对值）。
func (b *Bin) add(ret float64, bigMove float64) {
	b.Count++
	switch {
	case ret > 0:
		b.Wins++
		b.SumPositive += ret
	case ret < 0:
		b.Losses++
		b.SumNegative += ret
	}
	if ret >= bigMove {
		b.BigWins++
	} else if ret <= -bigMove {
		b.BigLosses++
	}
}

// finalize 计算 PF。亏损和为 0 时 PF 未定义，留空。
func (b *Bin) finalize() {
	if b.SumNegative >= 0 {
		b.ProfitFactor = ""
		return
	}
	pf := decimal.NewFromFloat(b.SumPositive).
		Div(decimal.NewFromFloat(b.SumNegative).Abs()).
		Round(4)
	b.ProfitFactor = pf.String()
}

// PF 返回 (profit factor, 是否已定义)。未定义即没有亏损样本。
func (b Bin) PF() (decimal.Decimal, bool) {
	if b.ProfitFactor == "" {
		return decimal.Zero, false
	}
	pf, err := decimal.NewFromString(b.ProfitFactor)
	if err != nil {
		return decimal.Zero, false
	}
	return pf, true
}

// Sufficient 样本量是否达到 minSample。
func (b Bin) Sufficient(minSample int) bool {
	return b.Count >= minSample
}
