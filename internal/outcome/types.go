package outcome

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// 中文说明：
// TradeOutcome 是调参回路的唯一事实来源：一条已平仓交易的不可变快照。
// regime / confidence 由上游决策引擎在开仓时写入，这里从不修改。

// Regime 市场状态标签（上游分类器给出，闭集）。
type Regime string

const (
	RegimeTrendUp   Regime = "trend_up"
	RegimeTrendDown Regime = "trend_down"
	RegimeChop      Regime = "chop"
	RegimeHighVol   Regime = "high_vol"
	// RegimeUnknown 缺失或无法识别的 regime 统一落到这里。
	RegimeUnknown Regime = "unknown"
)

// AllRegimes 按固定顺序列出全部已知 regime，保证输出可稳定遍历。
func AllRegimes() []Regime {
	return []Regime{RegimeTrendUp, RegimeTrendDown, RegimeChop, RegimeHighVol, RegimeUnknown}
}

// ParseRegime 宽松解析：空串或未知值返回 RegimeUnknown。
func ParseRegime(s string) Regime {
	switch Regime(strings.ToLower(strings.TrimSpace(s))) {
	case RegimeTrendUp:
		return RegimeTrendUp
	case RegimeTrendDown:
		return RegimeTrendDown
	case RegimeChop:
		return RegimeChop
	case RegimeHighVol:
		return RegimeHighVol
	default:
		return RegimeUnknown
	}
}

// Kind 交易性质：探索单（主动放宽条件试探）与普通单。
type Kind string

const (
	KindExploration Kind = "exploration"
	KindNormal      Kind = "normal"
)

// ParseKind 未知值按普通单处理。
func ParseKind(s string) Kind {
	if Kind(strings.ToLower(strings.TrimSpace(s))) == KindExploration {
		return KindExploration
	}
	return KindNormal
}

// TradeOutcome 一条已平仓交易记录。创建后不可变。
type TradeOutcome struct {
	Symbol     string  `json:"symbol"`
	EntryAt    int64   `json:"entry_at"` // Unix 毫秒
	ExitAt     int64   `json:"exit_at"`  // Unix 毫秒
	Return     float64 `json:"return"`   // 带符号的收益率，0.01 即 +1%
	Regime     Regime  `json:"regime"`
	Confidence float64 `json:"confidence"` // 开仓时置信度 [0,1]
	Kind       Kind    `json:"kind"`
}

// Validate 检查必填字段；不满足即视为 MalformedOutcome，调用方跳过并计数。
func (t TradeOutcome) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol 不能为空")
	}
	if t.ExitAt <= 0 {
		return fmt.Errorf("exit_at 缺失")
	}
	if math.IsNaN(t.Return) || math.IsInf(t.Return, 0) {
		return fmt.Errorf("return 非法: %v", t.Return)
	}
	if math.IsNaN(t.Confidence) || t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("confidence 超出 [0,1]: %v", t.Confidence)
	}
	return nil
}

// Lister 供分析器/回放引擎读取成交窗口；sqlite 实现与测试内存实现都满足它。
type Lister interface {
	// ListRecent 返回按 exit_at 升序的最近 limit 条记录，以及被跳过的坏行数。
	ListRecent(ctx context.Context, symbol string, limit int) ([]TradeOutcome, int, error)
}
