package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/betbot/capgate/internal/capital"
)

type Config struct {
	DBPath string
}

// SessionStatusSource 会话状态只读来源
type SessionStatusSource interface {
	GetStatus() capital.SessionStatus
}

// RiskSnapshotSource 风控状态只读来源
type RiskSnapshotSource interface {
	OrderCount() int
	PreviewCount() int
}

// LimiterStateSource 限流器状态只读来源
type LimiterStateSource interface {
	State() map[string]float64
}

// Server 控制面：网关状态查询 + 订单审计流水
type Server struct {
	cfg     Config
	db      *sql.DB
	session SessionStatusSource
	risk    RiskSnapshotSource
	limiter LimiterStateSource
}

func New(cfg Config, session SessionStatusSource, risk RiskSnapshotSource, limiter LimiterStateSource) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Server{cfg: cfg, db: db, session: session, risk: risk, limiter: limiter}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/orders", s.handleOrdersList)
	api.POST("/orders", s.handleOrdersCreate)

	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session":     s.session.GetStatus(),
		"rate_limits": s.limiter.State(),
		"risk": gin.H{
			"daily_orders":       s.risk.OrderCount(),
			"preview_cache_size": s.risk.PreviewCount(),
		},
	})
}

func (s *Server) handleOrdersList(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 必须是 1-500 的整数"})
			return
		}
		limit = n
	}

	audits, err := s.listOrderAudits(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": audits})
}

func (s *Server) handleOrdersCreate(c *gin.Context) {
	var req OrderAudit
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Epic == "" || req.Direction == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "epic 和 direction 不能为空"})
		return
	}

	audit, err := s.insertOrderAudit(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, audit)
}
