package outcome

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "outcomes.db"))
	if err != nil {
		t.Fatalf("打开 store 失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(symbol string, exitAt int64, conf, ret float64) TradeOutcome {
	return TradeOutcome{
		Symbol: symbol, EntryAt: exitAt - 60_000, ExitAt: exitAt,
		Return: ret, Regime: RegimeTrendUp, Confidence: conf, Kind: KindNormal,
	}
}

// TestAppendAndListRecent 读回按 exit_at 正序，limit 截最近的。
func TestAppendAndListRecent(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, sample("btcusdt", base+int64(i)*1000, 0.6, 0.01)); err != nil {
			t.Fatalf("追加失败: %v", err)
		}
	}
	// symbol 大小写不敏感（统一大写存取）。
	out, skipped, err := s.ListRecent(ctx, "BTCUSDT", 3)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("不应有坏记录: %d", skipped)
	}
	if len(out) != 3 {
		t.Fatalf("limit=3 应返回 3 条, 实际=%d", len(out))
	}
	if out[0].ExitAt >= out[1].ExitAt || out[2].ExitAt != base+4000 {
		t.Fatalf("应返回最近 3 条且时间正序: %+v", out)
	}
}

// TestListRecentSkipsMalformed 缺必填字段的行跳过并计数，不中断查询。
func TestListRecentSkipsMalformed(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if err := s.Append(ctx, sample("ETHUSDT", 1000, 0.6, 0.01)); err != nil {
		t.Fatalf("追加失败: %v", err)
	}
	// 绕过 Append 的校验，直接塞一条 confidence 为 NULL 的坏行。
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO trade_outcomes(symbol, entry_at, exit_at, ret, regime, confidence, kind, created_at)
        VALUES('ETHUSDT', 900, 2000, 0.02, 'trend_up', NULL, 'normal', 0)`); err != nil {
		t.Fatalf("塞坏行失败: %v", err)
	}
	out, skipped, err := s.ListRecent(ctx, "ETHUSDT", 10)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("应跳过 1 条坏行, 实际=%d", skipped)
	}
	if len(out) != 1 || out[0].ExitAt != 1000 {
		t.Fatalf("好行应完整返回: %+v", out)
	}
}

// TestAppendRejectsMalformed 入口校验：confidence 越界与空 symbol 拒收。
func TestAppendRejectsMalformed(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	bad := sample("BTCUSDT", 1000, 1.2, 0.01)
	if err := s.Append(ctx, bad); err == nil {
		t.Fatalf("confidence=1.2 应被拒收")
	}
	bad = sample("", 1000, 0.5, 0.01)
	if err := s.Append(ctx, bad); err == nil {
		t.Fatalf("空 symbol 应被拒收")
	}
}

// TestClosedStore 关闭后的操作报错而不是 panic。
func TestClosedStore(t *testing.T) {
	s := tempStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := s.Append(context.Background(), sample("BTCUSDT", 1000, 0.5, 0.01)); err == nil {
		t.Fatalf("关闭后追加应报错")
	}
	if _, _, err := s.ListRecent(context.Background(), "BTCUSDT", 10); err == nil {
		t.Fatalf("关闭后查询应报错")
	}
}
