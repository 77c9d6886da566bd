package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// 中文说明：
// 调参回路的全部配置集中在一个 TOML 文件里。
// 加载顺序：toml 反序列化 -> defaults 填充缺省 -> validator 校验 -> Normalize 派生字段。

type Config struct {
	LogLevel string         `toml:"log_level" default:"info"`
	Storage  StorageConfig  `toml:"storage"`
	Analyzer AnalyzerConfig `toml:"analyzer"`
	Tuner    TunerConfig    `toml:"tuner"`
	Dream    DreamConfig    `toml:"dream"`
	Memory   MemoryConfig   `toml:"memory"`
	Oracle   OracleConfig   `toml:"oracle"`
	HTTP     HTTPConfig     `toml:"http"`
	Regimes  RegimesConfig  `toml:"regimes"`
	Report   ReportConfig   `toml:"report"`
}

type StorageConfig struct {
	// OutcomeDB 成交结果库（sqlite），由决策引擎写入，本系统只读。
	OutcomeDB string `toml:"outcome_db" default:"data/outcomes.db"`
	// ThresholdsFile 当前生效阈值文件，仅 apply gate 可写。
	ThresholdsFile string `toml:"thresholds_file" default:"config/thresholds.yaml"`
}

type AnalyzerConfig struct {
	// Window 统计使用的最近成交/K 线条数。
	Window int `toml:"window" default:"500" validate:"gt=0"`
	// BinWidth 置信度分箱宽度，必须能整除 [0,1]。
	BinWidth float64 `toml:"bin_width" default:"0.05" validate:"gt=0,lte=0.5"`
	// ForwardSteps 扫描模式下的前向收益步长（bar 数）。
	ForwardSteps int `toml:"forward_steps" default:"1" validate:"gt=0"`
	// BigMovePct 大赚/大亏的绝对收益门槛（0.01 即 ±1%）。
	BigMovePct float64 `toml:"big_move_pct" default:"0.01" validate:"gt=0"`
	// MinBinSample 单个 bin 被视为有效样本的最小条数。
	MinBinSample int `toml:"min_bin_sample" default:"20" validate:"gt=0"`
	// ATRPeriod 扫描模式计算波动缓冲用的 ATR 周期。
	ATRPeriod int `toml:"atr_period" default:"14" validate:"gt=0"`
	// ScanConcurrency 多 symbol 扫描的并发上限。
	ScanConcurrency int `toml:"scan_concurrency" default:"4" validate:"gt=0"`
}

type TunerConfig struct {
	StrongPF   float64 `toml:"strong_pf" default:"1.2" validate:"gt=0"`
	MarginalPF float64 `toml:"marginal_pf" default:"1.0" validate:"gt=0"`
	// MinSample 规则 1/2 所需的最小样本量。
	MinSample int     `toml:"min_sample" default:"100" validate:"gt=0"`
	Margin    float64 `toml:"margin" default:"0.02" validate:"gte=0"`
	// RaiseStep 规则 3 向上抬升的步长。
	RaiseStep float64 `toml:"raise_step" default:"0.03" validate:"gt=0"`
	GlobalMin float64 `toml:"global_min" default:"0.35" validate:"gte=0,lte=1"`
	GlobalMax float64 `toml:"global_max" default:"0.9" validate:"gte=0,lte=1"`
	// HighVolBufferMax high_vol 波动缓冲对 margin 的最大加宽量。
	HighVolBufferMax float64 `toml:"high_vol_buffer_max" default:"0.03" validate:"gte=0"`
}

type DreamConfig struct {
	// ExplorationK 探索单最差/最好各取多少条。
	ExplorationK int `toml:"exploration_k" default:"10" validate:"gt=0"`
	// NormalCount 普通单取样条数（好坏各半）。
	NormalCount int `toml:"normal_count" default:"4" validate:"gte=0"`
	// LossCutoff 判定 bad 的收益下限（0.01 即 ≤ -1%）。
	LossCutoff float64 `toml:"loss_cutoff" default:"0.01" validate:"gt=0"`
	// GainCutoff 判定 good 的收益上限对应值。
	GainCutoff float64 `toml:"gain_cutoff" default:"0.01" validate:"gt=0"`
}

type MemoryConfig struct {
	Path string `toml:"path" default:"data/memory.jsonl"`
	// RecentN 每次读取向组件暴露的最近条目数（软上限）。
	RecentN int `toml:"recent_n" default:"3" validate:"gt=0"`
}

type OracleConfig struct {
	Enabled bool   `toml:"enabled"`
	APIURL  string `toml:"api_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	// TimeoutSeconds 单次注解请求超时。
	TimeoutSeconds int `toml:"timeout_seconds" default:"30" validate:"gt=0"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" default:":9992"`
}

type RegimesConfig struct {
	// Enabled 允许开仓的 regime 白名单（外部拥有，这里只读）。
	Enabled []string `toml:"enabled"`
	// Floors 各 regime 的保底阈值；未配置时用 global_min。
	Floors map[string]float64 `toml:"floors"`
}

type ReportConfig struct {
	Enabled bool   `toml:"enabled" default:"true"`
	Dir     string `toml:"dir" default:"reports"`
}

// Load 读取并准备配置；path 为空时返回纯默认配置。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("填充默认配置失败: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize 校验跨字段约束并整理派生字段。
func (c *Config) Normalize() error {
	if c == nil {
		return nil
	}
	if c.Tuner.GlobalMin >= c.Tuner.GlobalMax {
		return fmt.Errorf("tuner.global_min(%.2f) 必须小于 global_max(%.2f)", c.Tuner.GlobalMin, c.Tuner.GlobalMax)
	}
	if c.Tuner.MarginalPF > c.Tuner.StrongPF {
		return fmt.Errorf("tuner.marginal_pf 不能大于 strong_pf")
	}
	// bin 宽度必须把 [0,1] 切成整数个分箱，否则分区不变量无法成立。
	n := math.Round(1.0 / c.Analyzer.BinWidth)
	if n < 2 || math.Abs(n*c.Analyzer.BinWidth-1.0) > 1e-9 {
		return fmt.Errorf("analyzer.bin_width=%v 无法整除 [0,1]", c.Analyzer.BinWidth)
	}
	out := make([]string, 0, len(c.Regimes.Enabled))
	for _, r := range c.Regimes.Enabled {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			out = append(out, r)
		}
	}
	c.Regimes.Enabled = out
	return nil
}

// BinCount 返回分箱个数。
func (c *Config) BinCount() int {
	return int(math.Round(1.0 / c.Analyzer.BinWidth))
}
