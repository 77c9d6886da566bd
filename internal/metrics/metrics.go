package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 调参回路的运行计数。标签维度刻意保持很小：regime / justification 都是闭集。
var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retune_cycles_total",
		Help: "完成的调参周期数",
	})
	CycleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retune_cycle_failures_total",
		Help: "中途失败的调参周期数",
	})
	OutcomesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retune_outcomes_skipped_total",
		Help: "因字段缺失被跳过的成交记录数",
	})
	MemoryCorrupt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retune_memory_corrupt_lines_total",
		Help: "memory 日志里跳过的损坏行数",
	})
	ProposalsByAction = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retune_proposals_total",
		Help: "按动作分类的提案数",
	}, []string{"justification"})
)
