package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"retune/internal/config"
	"retune/internal/cycle"
	"retune/internal/dream"
	"retune/internal/gate"
	"retune/internal/logger"
	"retune/internal/market"
	"retune/internal/memory"
	"retune/internal/oracle"
	"retune/internal/outcome"
	"retune/internal/transport/http/tuning"
)

// 用法：
//   retune -config retune.toml run   -symbol BTCUSDT
//   retune -config retune.toml scan  -symbol BTCUSDT -bars bars.csv
//   retune -config retune.toml serve
//   retune -config retune.toml apply -symbol BTCUSDT [-yes]
//   retune -config retune.toml ingest -file outcomes.csv
func main() {
	cfgPath := flag.String("config", "retune.toml", "配置文件路径")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "缺少子命令: run / scan / serve / apply / ingest")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, cfg, args[0], args[1:]); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "run":
		return cmdRun(ctx, cfg, args)
	case "scan":
		return cmdScan(ctx, cfg, args)
	case "serve":
		return cmdServe(ctx, cfg)
	case "apply":
		return cmdApply(cfg, args)
	case "ingest":
		return cmdIngest(ctx, cfg, args)
	default:
		return fmt.Errorf("未知子命令: %s", cmd)
	}
}

func buildRunner(cfg *config.Config) (*cycle.Runner, *outcome.Store, *gate.Gate, *memory.Log, error) {
	store, err := outcome.OpenStore(cfg.Storage.OutcomeDB)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	mem, err := memory.Open(cfg.Memory.Path)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, err
	}
	g := gate.New(cfg.Storage.ThresholdsFile)
	var annotator dream.Annotator
	if c := oracle.NewFromConfig(cfg.Oracle); c != nil {
		annotator = c
	}
	runner, err := cycle.NewRunner(cycle.Params{
		Config: cfg, Store: store, Gate: g, Memory: mem, Annotator: annotator,
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, err
	}
	return runner, store, g, mem, nil
}

func cmdRun(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	symbol := fs.String("symbol", "", "交易对")
	fs.Parse(args)
	if *symbol == "" {
		return fmt.Errorf("run 需要 -symbol")
	}
	runner, store, _, _, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	res, err := runner.RunClosed(ctx, strings.ToUpper(*symbol))
	if err != nil {
		return err
	}
	return printResult(res)
}

func cmdScan(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	symbol := fs.String("symbol", "", "交易对")
	barsFile := fs.String("bars", "", "bar 序列 CSV（上游导出，已带 confidence/regime）")
	fs.Parse(args)
	if *symbol == "" || *barsFile == "" {
		return fmt.Errorf("scan 需要 -symbol 与 -bars")
	}
	bars, skipped, err := market.LoadBarsCSV(*barsFile)
	if err != nil {
		return err
	}
	if skipped > 0 {
		logger.Warnf("bars: 跳过 %d 行坏数据", skipped)
	}
	runner, store, _, _, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	res, err := runner.RunScan(ctx, strings.ToUpper(*symbol), bars)
	if err != nil {
		return err
	}
	return printResult(res)
}

func cmdServe(ctx context.Context, cfg *config.Config) error {
	runner, store, g, mem, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	srv, err := tuning.NewServer(tuning.ServerConfig{
		Addr: cfg.HTTP.Addr, Runner: runner, Gate: g, Memory: mem,
	})
	if err != nil {
		return err
	}
	logger.Infof("HTTP 服务启动: %s", cfg.HTTP.Addr)
	return srv.Start(ctx)
}

// cmdApply 把最近一轮提案交给 apply gate。不带 -yes 只打印 diff 预览，
// 这是整个系统里唯一能写 live 阈值的路径。
func cmdApply(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	symbol := fs.String("symbol", "", "交易对（过滤提案来源）")
	yes := fs.Bool("yes", false, "确认写入 live 阈值文件")
	fs.Parse(args)

	mem, err := memory.Open(cfg.Memory.Path)
	if err != nil {
		return err
	}
	entries, _, err := mem.Recent(20)
	if err != nil {
		return err
	}
	sym := strings.ToUpper(*symbol)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Proposals == nil {
			continue
		}
		if sym != "" && e.Symbol != sym {
			continue
		}
		g := gate.New(cfg.Storage.ThresholdsFile)
		preview, err := g.Apply(e.Proposals, *yes)
		if err != nil {
			return err
		}
		fmt.Print(preview)
		if *yes {
			logger.Infof("已写入 %s (cycle %s)", cfg.Storage.ThresholdsFile, e.CycleID)
		} else {
			logger.Infof("预览模式：未写入任何文件，追加 -yes 生效")
		}
		return nil
	}
	return fmt.Errorf("memory 里找不到可用提案")
}

// cmdIngest 从 CSV 回填成交记录（列：symbol,entry_at,exit_at,ret,regime,confidence,kind）。
func cmdIngest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "成交记录 CSV")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("ingest 需要 -file")
	}
	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("打开成交文件失败: %w", err)
	}
	defer f.Close()
	store, err := outcome.OpenStore(cfg.Storage.OutcomeDB)
	if err != nil {
		return err
	}
	defer store.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	inserted, skipped := 0, 0
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
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "symbol") {
				continue
			}
		}
		t, ok := parseOutcomeRecord(rec)
		if !ok {
			skipped++
			continue
		}
		if err := store.Append(ctx, t); err != nil {
			skipped++
			continue
		}
		inserted++
	}
	logger.Infof("ingest 完成: 写入 %d 条, 跳过 %d 条", inserted, skipped)
	return nil
}

func parseOutcomeRecord(rec []string) (outcome.TradeOutcome, bool) {
	if len(rec) < 6 {
		return outcome.TradeOutcome{}, false
	}
	entryAt, err1 := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
	exitAt, err2 := strconv.ParseInt(strings.TrimSpace(rec[2]), 10, 64)
	ret, err3 := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
	conf, err4 := strconv.ParseFloat(strings.TrimSpace(rec[5]), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return outcome.TradeOutcome{}, false
	}
	kind := outcome.KindNormal
	if len(rec) > 6 {
		kind = outcome.ParseKind(rec[6])
	}
	t := outcome.TradeOutcome{
		Symbol:     strings.ToUpper(strings.TrimSpace(rec[0])),
		EntryAt:    entryAt,
		ExitAt:     exitAt,
		Return:     ret,
		Regime:     outcome.ParseRegime(rec[4]),
		Confidence: conf,
		Kind:       kind,
	}
	if err := t.Validate(); err != nil {
		return outcome.TradeOutcome{}, false
	}
	return t, true
}

func printResult(res *cycle.Result) error {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if res.Preview != "" {
		fmt.Println(res.Preview)
	}
	return nil
}
