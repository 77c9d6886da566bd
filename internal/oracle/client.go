package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"retune/internal/config"
	"retune/internal/dream"
)

// 中文说明：
// Oracle 是可选的点评来源（OpenAI 兼容 chat 接口）。
// 它的输出只进 notes 字段给人看；数值链路对它完全不感知，
// 关掉它不改变任何提案或标签。

// Client OpenAI 兼容的 chat completions 客户端。
type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration

	httpc *http.Client
}

// NewFromConfig 按配置构造；未启用时返回 nil，调用方按无 oracle 处理。
func NewFromConfig(cfg config.OracleConfig) *Client {
	if !cfg.Enabled || strings.TrimSpace(cfg.APIURL) == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return &Client{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: timeout,
		httpc:   &http.Client{Timeout: timeout},
	}
}

const annotateSystem = "你是交易复盘助手。用一两句话点评这条历史成交在新旧阈值下的取舍，" +
	"只谈这条数据本身，不要给出操作建议。"

// Annotate 为单条回放场景生成点评文本。任何失败都由调用方降级忽略。
func (c *Client) Annotate(ctx context.Context, sc dream.Scenario) (string, error) {
	if c == nil {
		return "", fmt.Errorf("oracle 未启用")
	}
	user := fmt.Sprintf(
		"symbol=%s regime=%s kind=%s return=%.4f confidence=%.2f 旧阈值通过=%t 新阈值通过=%t 标签=%s",
		sc.Symbol, sc.Regime, sc.Kind, sc.Return, sc.Confidence,
		sc.PassPrevious, sc.PassProposed, sc.Label)
	return c.chat(ctx, annotateSystem, user)
}

func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	url := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/chat/completions"
	}
	body := map[string]any{
		"model": c.Model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": 0.4,
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("构造 oracle 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle 请求失败: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("读取 oracle 响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle 返回 %d: %s", resp.StatusCode, trimTo(string(data), 200))
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("解析 oracle 响应失败: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("oracle 响应为空")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func trimTo(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var _ dream.Annotator = (*Client)(nil)
