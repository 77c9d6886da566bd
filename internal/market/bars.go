package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"retune/internal/outcome"
)

// 中文说明：
// 扫描模式的输入是"已带 confidence/regime 的历史 K 线"。
// 上游引擎按 CSV 导出（一行一根 bar），这里只做读写，不做任何指标重算。

// Bar 单根 K 线，附带决策引擎当时给出的置信度与 regime。
type Bar struct {
	OpenTime   int64
	CloseTime  int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	Confidence float64
	Regime     outcome.Regime
}

const barCSVHeader = "close_time,open,high,low,close,volume,confidence,regime"

// LoadBarsCSV 读取导出的 bar 序列；坏行跳过并计数，不中断。
func LoadBarsCSV(path string) ([]Bar, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("打开 bar 文件失败: %w", err)
	}
	defer f.Close()
	return ReadBarsCSV(f)
}

// ReadBarsCSV 从任意 reader 解析 bar 序列。
func ReadBarsCSV(r io.Reader) ([]Bar, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var bars []Bar
	skipped := 0
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if first {
			first = false
			// 首行允许是列头
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "close_time") {
				continue
			}
		}
		bar, ok := parseBarRecord(rec)
		if !ok {
			skipped++
			continue
		}
		bars = append(bars, bar)
	}
	return bars, skipped, nil
}

func parseBarRecord(rec []string) (Bar, bool) {
	if len(rec) < 8 {
		return Bar{}, false
	}
	closeTime, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil || closeTime <= 0 {
		return Bar{}, false
	}
	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Bar{}, false
		}
		vals[i] = v
	}
	conf := vals[5]
	if conf < 0 || conf > 1 {
		return Bar{}, false
	}
	return Bar{
		CloseTime:  closeTime,
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
		Confidence: conf,
		Regime:     outcome.ParseRegime(rec[7]),
	}, true
}

// WriteBarsCSV 导出 bar 序列（带列头），供工具与测试使用。
func WriteBarsCSV(w io.Writer, bars []Bar) error {
	if _, err := io.WriteString(w, barCSVHeader+"\n"); err != nil {
		return err
	}
	for _, b := range bars {
		line := fmt.Sprintf("%d,%s,%s,%s,%s,%s,%s,%s\n",
			b.CloseTime,
			formatPlainFloat(b.Open), formatPlainFloat(b.High), formatPlainFloat(b.Low),
			formatPlainFloat(b.Close), formatPlainFloat(b.Volume),
			formatPlainFloat(b.Confidence), string(b.Regime))
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatPlainFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
