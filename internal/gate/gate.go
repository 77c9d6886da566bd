package gate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"retune/internal/outcome"
	"retune/internal/tuner"
)

// 中文说明：
// Apply gate 是唯一允许写"当前生效阈值"的地方，且必须显式带 apply 标记调用。
// 调参周期本身永远只产出提案文档；gate 不带 apply 时只渲染人读的 diff 预览。

// ThresholdsFile thresholds.yaml 的结构：regime -> 当前阈值。
type ThresholdsFile struct {
	Version    int                `yaml:"version"`
	UpdatedAt  string             `yaml:"updated_at,omitempty"`
	Thresholds map[string]float64 `yaml:"thresholds"`
}

// Gate 读写 thresholds.yaml，写入走 备份 -> 临时文件 -> 原子 rename。
type Gate struct {
	path string
	mu   sync.RWMutex
}

func New(path string) *Gate {
	return &Gate{path: path}
}

// Read 读取当前阈值文件；文件不存在视为空集（版本 0）。
func (g *Gate) Read() (*ThresholdsFile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readLocked()
}

func (g *Gate) readLocked() (*ThresholdsFile, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ThresholdsFile{Thresholds: make(map[string]float64)}, nil
		}
		return nil, fmt.Errorf("读取 thresholds 文件失败: %w", err)
	}
	var tf ThresholdsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("解析 thresholds 文件失败: %w", err)
	}
	if tf.Thresholds == nil {
		tf.Thresholds = make(map[string]float64)
	}
	return &tf, nil
}

// Snapshot 把当前阈值转成调参器需要的版本化快照。
func (g *Gate) Snapshot() (tuner.Snapshot, error) {
	tf, err := g.Read()
	if err != nil {
		return tuner.Snapshot{}, err
	}
	snap := tuner.Snapshot{Thresholds: make(map[outcome.Regime]decimal.Decimal, len(tf.Thresholds))}
	for r, v := range tf.Thresholds {
		snap.Thresholds[outcome.ParseRegime(r)] = decimal.NewFromFloat(v)
	}
	return snap, nil
}

// Apply 处理一份提案文档。
// apply=false：只返回 diff 预览，不碰任何文件。
// apply=true：备份后原子替换 thresholds.yaml，再返回同一份预览。
func (g *Gate) Apply(doc *tuner.Document, apply bool) (string, error) {
	if g == nil || doc == nil {
		return "", fmt.Errorf("gate 输入不完整")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tf, err := g.readLocked()
	if err != nil {
		return "", err
	}
	preview := Preview(doc, tf.Thresholds)
	if !apply {
		return preview, nil
	}
	for _, p := range doc.Proposals {
		tf.Thresholds[string(p.Regime)] = p.Proposed.InexactFloat64()
	}
	tf.Version++
	tf.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := g.writeLocked(tf); err != nil {
		return preview, err
	}
	return preview, nil
}

func (g *Gate) writeLocked(tf *ThresholdsFile) error {
	if err := g.backupLocked(); err != nil {
		return fmt.Errorf("备份失败: %w", err)
	}
	data, err := yaml.Marshal(tf)
	if err != nil {
		return fmt.Errorf("序列化 thresholds 失败: %w", err)
	}
	if dir := filepath.Dir(g.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("替换 thresholds 文件失败: %w", err)
	}
	return nil
}

func (g *Gate) backupLocked() error {
	src, err := os.Open(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()
	backupDir := filepath.Join(filepath.Dir(g.path), "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("thresholds_%s.yaml", time.Now().Format("20060102_150405"))
	dst, err := os.Create(filepath.Join(backupDir, name))
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Preview 渲染 regime 级 diff 表格，gated-off 的 regime 单独标注。
func Preview(doc *tuner.Document, current map[string]float64) string {
	if doc == nil {
		return ""
	}
	allowed := make(map[string]bool, len(doc.AllowList))
	for _, r := range doc.AllowList {
		allowed[r] = true
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"regime", "current", "proposed", "justification", "entry"})
	for _, p := range doc.Proposals {
		cur := "-"
		if v, ok := current[string(p.Regime)]; ok {
			cur = decimal.NewFromFloat(v).String()
		}
		entry := "enabled"
		if !allowed[string(p.Regime)] {
			entry = "gated off"
		}
		t.AppendRow(table.Row{string(p.Regime), cur, p.Proposed.String(), string(p.Justification), entry})
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("proposal preview for %s (clamp %s..%s)\n",
		doc.Symbol, doc.ClampMin.String(), doc.ClampMax.String()))
	b.WriteString(t.Render())
	b.WriteByte('\n')
	return b.String()
}
