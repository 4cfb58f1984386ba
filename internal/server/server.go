package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/agent"
	"github.com/forager-labs/forager/internal/hitl"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/store"
)

// Runner starts and resumes research runs.
type Runner interface {
	Prepare(ctx context.Context, goal string, budget float64) (*agent.State, error)
	Drive(ctx context.Context, st *agent.State) error
	Resume(ctx context.Context, runID string) (*agent.State, error)
}

// MemoryAPI is the slice of the memory store the API exposes.
type MemoryAPI interface {
	HybridSearch(ctx context.Context, query string, k int) ([]memory.RetrievedChunk, error)
	Conflicts(ctx context.Context, unresolvedOnly bool) ([]memory.ConflictRecord, error)
	DecideConflict(ctx context.Context, conflictID, keepChunkID string) error
	Purge(ctx context.Context) error
}

// UserDirectory backs signup and login.
type UserDirectory interface {
	Create(ctx context.Context, email, passwordHash string) (store.User, error)
	ByEmail(ctx context.Context, email string) (store.User, error)
}

// Server is the operator-facing HTTP API: auth, run control, HITL approval,
// and memory inspection.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	users    UserDirectory
	runs     agent.StateStore
	runner   Runner
	mem      MemoryAPI
	approver *hitl.PendingApprover
	logger   *log.Logger
}

func New(cfg config.ServerConfig, users UserDirectory, runs agent.StateStore, runner Runner, mem MemoryAPI, approver *hitl.PendingApprover, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		users:    users,
		runs:     runs,
		runner:   runner,
		mem:      mem,
		approver: approver,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := s.echo.Group("/api/auth")
	auth.POST("/signup", s.handleSignup)
	auth.POST("/login", s.handleLogin)

	api := s.echo.Group("/api", s.jwtMiddleware)
	api.POST("/runs", s.handleCreateRun)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)
	api.POST("/runs/:id/resume", s.handleResumeRun)

	api.GET("/approvals", s.handleListApprovals)
	api.POST("/approvals/:id", s.handleDecideApproval)

	api.GET("/memory/search", s.handleMemorySearch)
	api.GET("/memory/conflicts", s.handleListConflicts)
	api.POST("/memory/conflicts/:id", s.handleDecideConflict)
	api.DELETE("/memory", s.handlePurge)
}

// Start blocks until the context is canceled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Address)
	}()
	s.logger.Printf("listening on %s", s.cfg.Address)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }
