package tuning

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retune/internal/cycle"
	"retune/internal/gate"
	"retune/internal/market"
	"retune/internal/memory"
	"retune/internal/tuner"
)

// Server 提供手动触发与查阅接口。周期是否重叠由 runner 的互斥决定，
// 这里不做额外排队。
type Server struct {
	addr   string
	runner *cycle.Runner
	gate   *gate.Gate
	mem    *memory.Log
	router *gin.Engine
}

type ServerConfig struct {
	Addr   string
	Runner *cycle.Runner
	Gate   *gate.Gate
	Memory *memory.Log
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runner == nil || cfg.Gate == nil || cfg.Memory == nil {
		return nil, errors.New("server 依赖不完整")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{addr: cfg.Addr, runner: cfg.Runner, gate: cfg.Gate, mem: cfg.Memory, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api := s.router.Group("/api/tuning")
	api.POST("/run", s.handleRun)
	api.POST("/scan", s.handleScan)
	api.GET("/memory", s.handleMemory)
	api.GET("/preview", s.handlePreview)
	api.GET("/thresholds", s.handleThresholds)
}

// handleRun 闭仓模式跑一轮周期。只产出提案，绝不写 live 配置。
func (s *Server) handleRun(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.runner.RunClosed(c.Request.Context(), req.Symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// handleScan 扫描模式：bars 文件由上游导出，服务端只读不拉取。
func (s *Server) handleScan(c *gin.Context) {
	var req struct {
		Symbol   string `json:"symbol" binding:"required"`
		BarsFile string `json:"bars_file" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bars, skipped, err := market.LoadBarsCSV(req.BarsFile)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.runner.RunScan(c.Request.Context(), req.Symbol, bars)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "bars_skipped": skipped})
}

// handleMemory 查看最近 n 条周期摘要（时间正序）。
func (s *Server) handleMemory(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "3"))
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n 非法"})
		return
	}
	entries, corrupt, err := s.mem.Recent(n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "corrupt_skipped": corrupt})
}

// handlePreview 渲染最近一轮（可按 symbol 过滤）提案的 diff 预览，纯只读。
func (s *Server) handlePreview(c *gin.Context) {
	symbol := c.Query("symbol")
	doc, ok := s.latestProposals(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有可预览的提案"})
		return
	}
	tf, err := s.gate.Read()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, gate.Preview(doc, tf.Thresholds))
}

func (s *Server) handleThresholds(c *gin.Context) {
	tf, err := s.gate.Read()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thresholds": tf})
}

func (s *Server) latestProposals(symbol string) (*tuner.Document, bool) {
	entries, _, err := s.mem.Recent(20)
	if err != nil {
		return nil, false
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Proposals == nil {
			continue
		}
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		return e.Proposals, true
	}
	return nil, false
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出错。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
