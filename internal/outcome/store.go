package outcome

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"retune/internal/logger"
)

// Store 成交结果库（sqlite）。决策引擎追加写入，调参回路只读消费。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenStore 打开（必要时创建）成交结果库并执行幂等迁移。
func OpenStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("outcome db 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 outcome db 失败: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trade_outcomes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            symbol TEXT NOT NULL,
            entry_at INTEGER,
            exit_at INTEGER,
            ret REAL,
            regime TEXT,
            confidence REAL,
            kind TEXT NOT NULL DEFAULT 'normal',
            created_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_symbol_exit ON trade_outcomes(symbol, exit_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("outcome db 迁移失败: %w", err)
		}
	}
	return nil
}

// Append 追加一条记录（供回填工具与测试使用；正常运行时由决策引擎写入）。
func (s *Store) Append(ctx context.Context, t TradeOutcome) error {
	if s == nil {
		return fmt.Errorf("outcome store 未初始化")
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("记录不合法: %w", err)
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("outcome store 已关闭")
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO trade_outcomes(symbol, entry_at, exit_at, ret, regime, confidence, kind, created_at)
        VALUES(?,?,?,?,?,?,?,?)`,
		strings.ToUpper(strings.TrimSpace(t.Symbol)), t.EntryAt, t.ExitAt, t.Return,
		string(t.Regime), t.Confidence, string(t.Kind), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("写入 trade_outcomes 失败: %w", err)
	}
	return nil
}

// ListRecent 返回 symbol 最近 limit 条记录，按 exit_at 升序。
// 缺 regime 的行落到 unknown；缺必填字段的行跳过并累计到第二个返回值。
func (s *Store) ListRecent(ctx context.Context, symbol string, limit int) ([]TradeOutcome, int, error) {
	if s == nil {
		return nil, 0, fmt.Errorf("outcome store 未初始化")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, 0, fmt.Errorf("outcome store 已关闭")
	}
	if limit <= 0 {
		limit = 500
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	rows, err := db.QueryContext(ctx, `
        SELECT symbol, entry_at, exit_at, ret, regime, confidence, kind
        FROM trade_outcomes
        WHERE symbol = ?
        ORDER BY exit_at DESC
        LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("查询 trade_outcomes 失败: %w", err)
	}
	defer rows.Close()

	var out []TradeOutcome
	skipped := 0
	for rows.Next() {
		var (
			sym        string
			entryAt    sql.NullInt64
			exitAt     sql.NullInt64
			ret        sql.NullFloat64
			regime     sql.NullString
			confidence sql.NullFloat64
			kind       sql.NullString
		)
		if err := rows.Scan(&sym, &entryAt, &exitAt, &ret, &regime, &confidence, &kind); err != nil {
			skipped++
			continue
		}
		t := TradeOutcome{
			Symbol:     sym,
			EntryAt:    entryAt.Int64,
			ExitAt:     exitAt.Int64,
			Return:     ret.Float64,
			Regime:     ParseRegime(regime.String),
			Confidence: confidence.Float64,
			Kind:       ParseKind(kind.String),
		}
		// exit_at / return / confidence 缺失视为 MalformedOutcome，跳过不终止。
		if !exitAt.Valid || !ret.Valid || !confidence.Valid {
			skipped++
			continue
		}
		if err := t.Validate(); err != nil {
			skipped++
			continue
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("遍历 trade_outcomes 失败: %w", err)
	}
	if skipped > 0 {
		logger.Warnf("outcome store: %s 跳过 %d 条坏记录", symbol, skipped)
	}
	// 查询按 exit_at 倒序取最近 limit 条，消费方需要时间正序。
	sort.Slice(out, func(i, j int) bool { return out[i].ExitAt < out[j].ExitAt })
	return out, skipped, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

var _ Lister = (*Store)(nil)
