package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"retune/internal/analyzer"
	"retune/internal/dream"
	"retune/internal/logger"
	"retune/internal/tuner"
)

// 中文说明：
// Bounded Memory 是一条只追加的 JSONL 日志：一行一条完整 entry，自我分隔。
// 写坏的半行只会损失它自己，绝不污染之前的行；读取端跳过坏行继续。
// 存储保留全部历史供审计，消费端每次只取最近 n 条——上限收在读取侧。

// Entry 一轮调参周期的摘要。子周期没跑时对应字段缺省。
type Entry struct {
	At      int64  `json:"at"` // Unix 毫秒
	CycleID string `json:"cycle_id,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	// 三个快照都是可选的：允许记录只跑了一半的周期。
	Analyzer  *analyzer.Digest `json:"analyzer,omitempty"`
	Proposals *tuner.Document  `json:"proposals,omitempty"`
	Replay    *dream.Result    `json:"replay,omitempty"`
}

// Log 追加写 / 截断读的周期日志。
type Log struct {
	mu   sync.Mutex
	path string
}

// Open 准备日志文件所在目录；文件本身懒创建。
func Open(path string) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("memory 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建 memory 目录失败: %w", err)
		}
	}
	return &Log{path: path}, nil
}

// Record 追加一条 entry。整行一次性写入（O_APPEND），并发追加由锁串行化。
// 周期在落盘前被打断就等于这轮没发生过——宁可无痕，不可写坏。
func (l *Log) Record(e Entry) error {
	if l == nil {
		return fmt.Errorf("memory log 未初始化")
	}
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化 memory entry 失败: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开 memory log 失败: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("写入 memory log 失败: %w", err)
	}
	return nil
}

// Recent 返回最近 n 条 entry，按时间正序（旧在前），方便消费端看演化趋势。
// 不足 n 条就给多少条；文件不存在返回空。坏行跳过并计数，绝不因此中断。
func (l *Log) Recent(n int) ([]Entry, int, error) {
	if l == nil {
		return nil, 0, fmt.Errorf("memory log 未初始化")
	}
	if n <= 0 {
		return nil, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("读取 memory log 失败: %w", err)
	}
	defer f.Close()

	var all []Entry
	corrupt := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			corrupt++
			continue
		}
		all = append(all, e)
	}
	if err := sc.Err(); err != nil {
		// 扫描中途出错：已读到的照常返回，剩余部分按损坏处理。
		corrupt++
		logger.Warnf("memory: 扫描日志中断: %v", err)
	}
	if corrupt > 0 {
		logger.Warnf("memory: 跳过 %d 条损坏 entry", corrupt)
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, corrupt, nil
}

// ThresholdTrend 从最近 entries 里提取某 regime 的提案阈值轨迹，
// 形如 "0.58→0.52→0.50"，供调参器的 trend note 使用。
func ThresholdTrend(entries []Entry, regime string) string {
	var vals []string
	for _, e := range entries {
		if e.Proposals == nil {
			continue
		}
		for _, p := range e.Proposals.Proposals {
			if string(p.Regime) == regime {
				vals = append(vals, p.Proposed.String())
			}
		}
	}
	if len(vals) < 2 {
		return ""
	}
	return strings.Join(vals, "→")
}
