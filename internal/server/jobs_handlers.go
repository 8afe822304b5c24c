package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/internal/pipeline"
)

// IngestRequest is a batch of raw literature records to classify
type IngestRequest struct {
	Records []model.IngestRecord `json:"records" binding:"required"`
}

// JobResponse is the API shape of an ingestion job
type JobResponse struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Status      string             `json:"status"`
	Progress    int                `json:"progress"`
	Metrics     model.JobMetrics   `json:"metrics"`
	Live        *pipeline.Snapshot `json:"live,omitempty"`
	FailedItems []model.FailedItem `json:"failedItems,omitempty"`
	ErrorList   []string           `json:"errorList,omitempty"`
	ActorID     string             `json:"actorId"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt"`
	CompletedAt string             `json:"completedAt,omitempty"`
}

// ingestHandler accepts a batch and answers immediately with the job ID;
// the run happens in the background worker.
func (s *Server) ingestHandler(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "records must not be empty"})
		return
	}

	for _, rec := range req.Records {
		if rec.PMID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every record needs a pmid"})
			return
		}
	}

	payload := model.IngestPayload{
		OrganizationID: getOrg(c),
		ActorID:        getReviewer(c),
		Records:        req.Records,
	}

	job, err := s.jc.CreateIngestJob(c.Request.Context(), payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID.Hex()})
}

// getJobHandler returns one job, folding in the live progress snapshot
// while the run is in flight
func (s *Server) getJobHandler(c *gin.Context) {
	job, live, err := s.jc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, convertJobToResponse(job, live))
}

func (s *Server) listJobsHandler(c *gin.Context) {
	limit, offset := getPaginationParams(c)

	var status model.JobStatus
	if statusParam := c.Query("status"); statusParam != "" {
		status = model.JobStatus(statusParam)
		if !isValidJobStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job status"})
			return
		}
	}

	jobs, err := s.jc.ListJobs(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}

	response := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		response = append(response, convertJobToResponse(job, nil))
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) cancelJobHandler(c *gin.Context) {
	if err := s.jc.CancelJob(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// Helper functions

func convertJobToResponse(job *model.Job, live *pipeline.Snapshot) JobResponse {
	resp := JobResponse{
		ID:          job.ID.Hex(),
		Type:        job.Type,
		Status:      string(job.Status),
		Progress:    job.Progress,
		Metrics:     job.Metrics,
		Live:        live,
		FailedItems: job.FailedItems,
		ErrorList:   job.ErrorList,
		ActorID:     job.ActorID,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	if live != nil {
		resp.Progress = live.Progress
	}
	return resp
}

// getPaginationParams extracts pagination parameters from request
func getPaginationParams(c *gin.Context) (int, int) {
	limit := 20
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	return limit, offset
}

func isValidJobStatus(status model.JobStatus) bool {
	switch status {
	case model.StatusQueued, model.StatusProcessing, model.StatusCompleted,
		model.StatusFailed, model.StatusCancelled:
		return true
	}
	return false
}
