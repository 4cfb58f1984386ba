package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/forager-labs/forager/internal/hitl"
)

type createRunRequest struct {
	Goal   string  `json:"goal"`
	Budget float64 `json:"budget,omitempty"`
}

// handleCreateRun starts a run in the background and returns immediately;
// progress is polled through GET /api/runs/:id.
func (s *Server) handleCreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}

	st, err := s.runner.Prepare(c.Request().Context(), req.Goal, req.Budget)
	if err != nil {
		s.logger.Printf("preparing run: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "starting run")
	}
	go func() {
		if err := s.runner.Drive(context.Background(), st); err != nil {
			s.logger.Printf("run %s: %v", st.RunID, err)
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": st.RunID, "status": string(st.Status)})
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := s.runs.List(c.Request().Context(), limit)
	if err != nil {
		s.logger.Printf("listing runs: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "listing runs")
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c echo.Context) error {
	st, err := s.runs.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleResumeRun(c echo.Context) error {
	runID := c.Param("id")
	if _, err := s.runs.Load(c.Request().Context(), runID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	go func() {
		if _, err := s.runner.Resume(context.Background(), runID); err != nil {
			s.logger.Printf("resume %s: %v", runID, err)
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleListApprovals(c echo.Context) error {
	return c.JSON(http.StatusOK, s.approver.Pending())
}

type approvalDecision struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleDecideApproval(c echo.Context) error {
	var req approvalDecision
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	verdict := hitl.Verdict(req.Verdict)
	switch verdict {
	case hitl.VerdictApproved, hitl.VerdictRejected, hitl.VerdictRevised:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "verdict must be approved, rejected, or revised")
	}
	email, _ := c.Get("user_email").(string)
	err := s.approver.Resolve(hitl.Decision{
		RequestID: c.Param("id"),
		Verdict:   verdict,
		Feedback:  req.Feedback,
		DecidedBy: email,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMemorySearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k, _ := strconv.Atoi(c.QueryParam("k"))
	if k <= 0 {
		k = 10
	}
	hits, err := s.mem.HybridSearch(c.Request().Context(), q, k)
	if err != nil {
		s.logger.Printf("memory search: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "searching memory")
	}
	return c.JSON(http.StatusOK, hits)
}

func (s *Server) handleListConflicts(c echo.Context) error {
	openOnly := c.QueryParam("open") != "false"
	conflicts, err := s.mem.Conflicts(c.Request().Context(), openOnly)
	if err != nil {
		s.logger.Printf("listing conflicts: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "listing conflicts")
	}
	return c.JSON(http.StatusOK, conflicts)
}

type conflictDecision struct {
	KeepChunkID string `json:"keep_chunk_id"`
}

func (s *Server) handleDecideConflict(c echo.Context) error {
	var req conflictDecision
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.KeepChunkID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "keep_chunk_id is required")
	}
	if err := s.mem.DecideConflict(c.Request().Context(), c.Param("id"), req.KeepChunkID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePurge(c echo.Context) error {
	if c.QueryParam("confirm") != "true" {
		return echo.NewHTTPError(http.StatusBadRequest, "purge requires confirm=true")
	}
	if err := s.mem.Purge(c.Request().Context()); err != nil {
		s.logger.Printf("purge: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "purging memory")
	}
	return c.NoContent(http.StatusNoContent)
}
