package http

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SubmissionRequest represents an artifact submission
type SubmissionRequest struct {
	Artifact domain.ArtifactKey `json:"artifact"`
	Source   string             `json:"source"`
}

// SubmissionResponse represents a queued submission
type SubmissionResponse struct {
	Artifact    domain.ArtifactKey `json:"artifact"`
	Status      string             `json:"status"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

// ValidationResponse represents the set a direct submission landed in
type ValidationResponse struct {
	SetID    string               `json:"set_id"`
	Created  bool                 `json:"created"`
	Status   domain.OverallStatus `json:"status"`
	Artifact domain.ArtifactKey   `json:"artifact"`
}

// StepStatusResponse is one step of a set status response
type StepStatusResponse struct {
	Step         string            `json:"step"`
	RequestID    string            `json:"request_id"`
	Status       domain.StepStatus `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	Issues       []domain.Issue    `json:"issues,omitempty"`
	NextCheckAt  *time.Time        `json:"next_check_at,omitempty"`
}

// SetStatusResponse summarizes a validation set
type SetStatusResponse struct {
	SetID       string               `json:"set_id"`
	Artifact    domain.ArtifactKey   `json:"artifact"`
	Status      domain.OverallStatus `json:"status"`
	Fault       string               `json:"fault,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Steps       []StepStatusResponse `json:"steps"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	code := http.StatusOK
	status := "healthy"

	if s.pool != nil {
		health := s.pool.Health().GetStatus()
		checks["workers"] = health
		if !health.Healthy {
			code = http.StatusServiceUnavailable
			status = "unhealthy"
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": s.now().UTC(),
		"checks":    checks,
	})
}

// handleEnqueueSubmission queues an artifact for throttled admission
func (s *Server) handleEnqueueSubmission(c *gin.Context) {
	if s.queue == nil {
		s.writeError(c, http.StatusServiceUnavailable, "QUEUE_NOT_AVAILABLE", "submission queue is not configured")
		return
	}

	sub, ok := s.bindSubmission(c)
	if !ok {
		return
	}

	if err := s.queue.Enqueue(c.Request.Context(), sub); err != nil {
		s.logger.Error("failed to enqueue submission",
			zap.String("artifact_id", sub.Artifact.ID),
			zap.String("artifact_version", sub.Artifact.Version),
			zap.Error(err))
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmissionResponse{
		Artifact:    sub.Artifact,
		Status:      "queued",
		SubmittedAt: sub.SubmittedAt,
	})
}

// handleSubmitValidation submits an artifact directly, bypassing the queue
func (s *Server) handleSubmitValidation(c *gin.Context) {
	sub, ok := s.bindSubmission(c)
	if !ok {
		return
	}

	set, created, err := s.orchestrator.Submit(c.Request.Context(), sub)
	if err != nil {
		s.logger.Error("failed to submit artifact",
			zap.String("artifact_id", sub.Artifact.ID),
			zap.String("artifact_version", sub.Artifact.Version),
			zap.Error(err))
		s.writeDomainError(c, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, ValidationResponse{
		SetID:    set.ID,
		Created:  created,
		Status:   set.OverallStatus,
		Artifact: set.Artifact,
	})
}

func (s *Server) bindSubmission(c *gin.Context) (domain.Submission, bool) {
	var req SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return domain.Submission{}, false
	}
	if err := req.Artifact.Validate(); err != nil {
		s.writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return domain.Submission{}, false
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	return domain.Submission{
		Artifact:    req.Artifact,
		Source:      source,
		SubmittedAt: s.now().UTC(),
	}, true
}

// handleGetSet returns the full validation set
func (s *Server) handleGetSet(c *gin.Context) {
	set, err := s.orchestrator.GetSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// handleGetStatus returns the set and step statuses
func (s *Server) handleGetStatus(c *gin.Context) {
	set, err := s.orchestrator.GetSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(set))
}

// handleProcessSet runs one processing tick for the set right away
func (s *Server) handleProcessSet(c *gin.Context) {
	setID := c.Param("id")

	if err := s.orchestrator.Process(c.Request.Context(), setID); err != nil {
		s.logger.Warn("manual processing failed", zap.String("set_id", setID), zap.Error(err))
		s.writeDomainError(c, err)
		return
	}

	set, err := s.orchestrator.GetSet(c.Request.Context(), setID)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(set))
}

// handleGetActiveSet returns the set currently collecting submissions for an artifact
func (s *Server) handleGetActiveSet(c *gin.Context) {
	key := domain.ArtifactKey{ID: c.Param("artifact"), Version: c.Param("version")}

	set, err := s.orchestrator.FindActive(c.Request.Context(), key)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(set))
}

// WorkerResponse represents one pool worker
type WorkerResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// handleListWorkers lists the set processing workers
func (s *Server) handleListWorkers(c *gin.Context) {
	if s.pool == nil {
		s.writeError(c, http.StatusServiceUnavailable, "POOL_NOT_AVAILABLE", "worker pool is not running")
		return
	}

	status := s.pool.GetStatus()
	resp := make([]WorkerResponse, 0, len(status))
	for id, state := range status {
		resp = append(resp, WorkerResponse{ID: id, State: string(state)})
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].ID < resp[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"data":      resp,
		"health":    s.pool.Health().GetStatus(),
		"timestamp": s.now().UTC(),
	})
}

func statusResponse(set *domain.ValidationSet) SetStatusResponse {
	resp := SetStatusResponse{
		SetID:       set.ID,
		Artifact:    set.Artifact,
		Status:      set.OverallStatus,
		Fault:       set.Fault,
		CreatedAt:   set.CreatedAt,
		CompletedAt: set.CompletedAt,
		Steps:       make([]StepStatusResponse, 0, len(set.Requests)),
	}
	for _, r := range set.Requests {
		resp.Steps = append(resp.Steps, StepStatusResponse{
			Step:         r.StepName,
			RequestID:    r.ID,
			Status:       r.Status,
			AttemptCount: r.AttemptCount,
			Issues:       r.Issues,
			NextCheckAt:  r.NextCheckAt,
		})
	}
	return resp
}

func (s *Server) writeError(c *gin.Context, code int, errCode, message string) {
	c.JSON(code, ErrorResponse{
		Error: ErrorDetail{
			Code:    errCode,
			Message: message,
		},
	})
}

// writeDomainError maps domain sentinels to status codes
func (s *Server) writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrInvalidSubmission):
		s.writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrHalted):
		s.writeError(c, http.StatusConflict, "SET_HALTED", err.Error())
	case errors.Is(err, domain.ErrConflict):
		s.writeError(c, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domain.ErrTransient):
		s.writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		s.writeError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
