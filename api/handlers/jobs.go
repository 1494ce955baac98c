package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/alfaarizi/qubit/internal/execution"
	"github.com/alfaarizi/qubit/internal/jobs"
	"github.com/alfaarizi/qubit/internal/model"
)

// AuditCounter reads aggregate job counts.
type AuditCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// JobHandler handles HTTP requests for partition and import jobs.
type JobHandler struct {
	registry  *jobs.Registry
	execStats func() execution.Stats
	audit     AuditCounter
	log       zerolog.Logger
}

// NewJobHandler creates a new JobHandler. audit may be nil.
func NewJobHandler(registry *jobs.Registry, execStats func() execution.Stats, audit AuditCounter, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		registry:  registry,
		execStats: execStats,
		audit:     audit,
		log:       logger.With().Str("component", "http").Logger(),
	}
}

// PartitionRequest is the body of a partition submission.
type PartitionRequest struct {
	NumQubits    int                    `json:"numQubits"`
	PlacedGates  []model.PlacedGate     `json:"placedGates"`
	Measurements []json.RawMessage      `json:"measurements"`
	Options      model.PartitionOptions `json:"options"`
	SessionID    string                 `json:"sessionId"`
}

// ImportRequest is the body of a QASM import submission.
type ImportRequest struct {
	Qasm      string `json:"qasm"`
	SessionID string `json:"sessionId"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Room   string `json:"room"`
	Status string `json:"status"`
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	JobID     string `json:"jobId"`
	CircuitID string `json:"circuitId"`
	JobType   string `json:"jobType"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	Room      string `json:"room"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toJobResponse(j model.Job) JobResponse {
	return JobResponse{
		JobID:     j.ID,
		CircuitID: j.CircuitID,
		JobType:   string(j.Type),
		Status:    j.Status.String(),
		SessionID: j.SessionID,
		Room:      j.Room,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

// sendJobError maps registry errors to HTTP responses.
func sendJobError(c *gin.Context, jobID string, err error) {
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		sendError(c, http.StatusNotFound, "JOB_NOT_FOUND", "Job "+jobID+" not found")
	case errors.Is(err, model.ErrForbidden):
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to job denied")
	case errors.Is(err, jobs.ErrShutdown):
		sendError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	default:
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	}
}

func (h *JobHandler) submit(c *gin.Context, req jobs.Request) {
	id, err := h.registry.Submit(req)
	if err != nil {
		sendJobError(c, "", err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:  id,
		Room:   model.RoomName(req.Type, id),
		Status: model.JobStatusQueued.String(),
	})
}

// Partition handles POST /api/circuits/:circuitId/partition.
func (h *JobHandler) Partition(c *gin.Context) {
	var req PartitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	h.submit(c, jobs.Request{
		Type:      model.JobTypePartition,
		OwnerID:   getUserID(c),
		CircuitID: c.Param("circuitId"),
		SessionID: req.SessionID,
		Partition: &model.PartitionPayload{
			Circuit: model.Circuit{
				NumQubits:    req.NumQubits,
				PlacedGates:  req.PlacedGates,
				Measurements: req.Measurements,
			},
			Options: req.Options,
		},
	})
}

// Import handles POST /api/circuits/:circuitId/import.
func (h *JobHandler) Import(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	h.submit(c, jobs.Request{
		Type:      model.JobTypeImport,
		OwnerID:   getUserID(c),
		CircuitID: c.Param("circuitId"),
		SessionID: req.SessionID,
		Import:    &model.ImportPayload{Qasm: req.Qasm},
	})
}

// Get handles GET /api/jobs/:jobId.
func (h *JobHandler) Get(c *gin.Context) {
	jobID := c.Param("jobId")
	job, err := h.registry.Get(jobID, getUserID(c))
	if err != nil {
		sendJobError(c, jobID, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// List handles GET /api/circuits/:circuitId/jobs.
func (h *JobHandler) List(c *gin.Context) {
	list := h.registry.List(c.Param("circuitId"), getUserID(c))

	response := make([]JobResponse, len(list))
	for i, j := range list {
		response[i] = toJobResponse(j)
	}
	c.JSON(http.StatusOK, response)
}

// Cancel handles DELETE /api/jobs/:jobId.
func (h *JobHandler) Cancel(c *gin.Context) {
	jobID := c.Param("jobId")
	if err := h.registry.Cancel(jobID, getUserID(c)); err != nil {
		sendJobError(c, jobID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "status": model.JobStatusCancelled.String()})
}

// Stats handles GET /api/jobs/stats.
func (h *JobHandler) Stats(c *gin.Context) {
	resp := gin.H{"active_jobs": h.registry.Active()}
	if h.execStats != nil {
		resp["execution"] = h.execStats()
	}
	if h.audit != nil {
		counts, err := h.audit.CountByStatus(c.Request.Context())
		if err != nil {
			h.log.Warn().Err(err).Msg("failed to read job audit counts")
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read job counts")
			return
		}
		resp["transitions"] = counts
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes registers the job routes on a Gin router group.
func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/circuits/:circuitId/partition", h.Partition)
	rg.POST("/circuits/:circuitId/import", h.Import)
	rg.GET("/circuits/:circuitId/jobs", h.List)
	rg.GET("/jobs/stats", h.Stats)
	rg.GET("/jobs/:jobId", h.Get)
	rg.DELETE("/jobs/:jobId", h.Cancel)
}
