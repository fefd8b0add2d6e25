// Command server exposes the backtest engine over an HTTP API. Jobs run
// asynchronously in a bounded worker pool and an optional cron schedule
// re-runs the configured backtest unattended.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"quantback/services/config"
	"quantback/services/engine"
	"quantback/services/marketdata"
	"quantback/services/recorder"
	"quantback/services/report"
	"quantback/strategies"
)

const (
	statusQueued    = "queued"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// backtestRequest is the POST body. Every field is optional; omitted fields
// fall back to the server's configuration.
type backtestRequest struct {
	Symbols  []string `json:"symbols"`
	Strategy string   `json:"strategy"`
	Mode     string   `json:"mode"`
	From     string   `json:"from"` // 2006-01-02
	To       string   `json:"to"`
}

type backtestJob struct {
	ID          string         `json:"job_id"`
	Status      string         `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Stats       *report.Stats  `json:"stats,omitempty"`
	TradeCount  int            `json:"trade_count"`
	Config      *config.Config `json:"-"`
	From        time.Time      `json:"-"`
	To          time.Time      `json:"-"`
}

// BacktestServer owns the job table and the shared collaborators.
type BacktestServer struct {
	cfg    *config.Config
	source marketdata.Source
	rec    recorder.Recorder
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*backtestJob
	sem  chan struct{}
}

func NewBacktestServer(cfg *config.Config, logger *zap.Logger) (*BacktestServer, error) {
	source, err := marketdata.NewClickHouseSource(context.Background(), cfg.ClickHouse, logger)
	if err != nil {
		return nil, fmt.Errorf("clickhouse source: %w", err)
	}

	var rec recorder.Recorder = recorder.NewNoop()
	if cfg.SQLitePath != "" {
		sq, err := recorder.NewSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite recorder: %w", err)
		}
		rec = sq
	}

	maxJobs := cfg.Server.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &BacktestServer{
		cfg:    cfg,
		source: source,
		rec:    rec,
		logger: logger,
		jobs:   make(map[string]*backtestJob),
		sem:    make(chan struct{}, maxJobs),
	}, nil
}

func (s *BacktestServer) Close() {
	if c, ok := s.source.(interface{ Close() error }); ok {
		c.Close()
	}
	s.rec.Close()
}

func (s *BacktestServer) setupHTTPRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/backtest", s.handleBacktestRequest)
		api.GET("/backtest/:job_id", s.handleGetBacktestResult)
		api.GET("/health", s.handleHealthCheck)
	}
}

func (s *BacktestServer) handleBacktestRequest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.newJob(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	go s.runJob(job)

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *BacktestServer) handleGetBacktestResult(c *gin.Context) {
	s.mu.RLock()
	job, ok := s.jobs[c.Param("job_id")]
	var snapshot backtestJob
	if ok {
		snapshot = *job
	}
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *BacktestServer) handleHealthCheck(c *gin.Context) {
	s.mu.RLock()
	n := len(s.jobs)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"jobs":   n,
	})
}

// newJob overlays the request on a copy of the server config and validates
// the result before anything is queued.
func (s *BacktestServer) newJob(req backtestRequest) (*backtestJob, error) {
	cfg := *s.cfg
	if len(req.Symbols) > 0 {
		cfg.Symbols = req.Symbols
	}
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if req.Mode != "" {
		cfg.Mode = config.RunMode(req.Mode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols given and none configured")
	}

	to := time.Now().UTC()
	from := to.AddDate(-1, 0, 0)
	var err error
	if req.From != "" {
		if from, err = time.Parse("2006-01-02", req.From); err != nil {
			return nil, fmt.Errorf("parse from: %w", err)
		}
	}
	if req.To != "" {
		if to, err = time.Parse("2006-01-02", req.To); err != nil {
			return nil, fmt.Errorf("parse to: %w", err)
		}
	}
	if !to.After(from) {
		return nil, fmt.Errorf("window end %s not after start %s", to, from)
	}

	return &backtestJob{
		ID:          uuid.New().String(),
		Status:      statusQueued,
		SubmittedAt: time.Now().UTC(),
		Config:      &cfg,
		From:        from,
		To:          to,
	}, nil
}

func (s *BacktestServer) runJob(job *backtestJob) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.setStatus(job, statusRunning, "")
	start := time.Now()
	s.logger.Info("backtest started",
		zap.String("job_id", job.ID),
		zap.String("strategy", job.Config.Strategy),
		zap.Strings("symbols", job.Config.Symbols),
	)

	stats, trades, err := s.execute(job)
	if err != nil {
		s.logger.Error("backtest failed", zap.String("job_id", job.ID), zap.Error(err))
		s.setStatus(job, statusFailed, err.Error())
		return
	}

	s.mu.Lock()
	job.Stats = stats
	job.TradeCount = trades
	s.mu.Unlock()
	s.setStatus(job, statusCompleted, "")

	s.logger.Info("backtest completed",
		zap.String("job_id", job.ID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("trades", trades),
	)
}

func (s *BacktestServer) execute(job *backtestJob) (*report.Stats, int, error) {
	eval, err := strategies.New(job.Config)
	if err != nil {
		return nil, 0, err
	}

	eng := engine.New(job.Config, s.source, eval, s.logger)
	res, err := eng.Run(context.Background(), job.From, job.To)
	if err != nil {
		return nil, 0, err
	}

	stats := report.Compute(res, job.Config)
	if err := s.rec.RecordRun(res, stats); err != nil {
		return nil, 0, err
	}
	if err := s.rec.RecordTrades(res.RunID, res.Trades); err != nil {
		return nil, 0, err
	}
	if err := s.rec.RecordEquity(res.RunID, res.Equity); err != nil {
		return nil, 0, err
	}
	return stats, len(res.Trades), nil
}

func (s *BacktestServer) setStatus(job *backtestJob, status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = status
	job.Error = errMsg
	if status == statusCompleted || status == statusFailed {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
}

// scheduledRun submits the server's configured backtest as a fresh job.
func (s *BacktestServer) scheduledRun() {
	job, err := s.newJob(backtestRequest{})
	if err != nil {
		s.logger.Error("scheduled run rejected", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("scheduled backtest queued", zap.String("job_id", job.ID))
	s.runJob(job)
}

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting backtest service",
		zap.Int("port", cfg.Server.HTTPPort),
		zap.String("strategy", cfg.Strategy),
	)

	server, err := NewBacktestServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create backtest server", zap.Error(err))
	}
	defer server.Close()

	gin.SetMode(gin.ReleaseMode)
	httpRouter := gin.New()
	httpRouter.Use(gin.Recovery())
	server.setupHTTPRoutes(httpRouter)

	var scheduler *cron.Cron
	if cfg.Server.Schedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.Server.Schedule, server.scheduledRun); err != nil {
			logger.Fatal("Invalid cron schedule", zap.Error(err))
		}
		scheduler.Start()
		logger.Info("Scheduler started", zap.String("schedule", cfg.Server.Schedule))
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpRouter,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	if scheduler != nil {
		scheduler.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}
