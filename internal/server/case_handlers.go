package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vigilit/internal/allocation"
	"vigilit/internal/controller"
	"vigilit/internal/database"
	"vigilit/internal/model"
)

// AllocateRequest asks for a batch of cases on one track
type AllocateRequest struct {
	Track     string `json:"track" binding:"required"`
	BatchSize int    `json:"batchSize"`
}

// ReleaseRequest gives a reviewer's batch back on one track
type ReleaseRequest struct {
	Track string `json:"track" binding:"required"`
}

// RouteRequest applies a reviewer decision to a single case
type RouteRequest struct {
	Destination   string `json:"destination" binding:"required"`
	PreviousTrack string `json:"previousTrack"`
	Comments      string `json:"comments"`
}

func parseTrack(s string) (model.Track, bool) {
	switch model.Track(s) {
	case model.TrackICSR, model.TrackAOI, model.TrackNoCase:
		return model.Track(s), true
	default:
		return "", false
	}
}

// allocateHandler serves batch checkout for both phases. The three
// outcomes map to distinct statuses: 200 with cases, 404 when the queue
// is empty, 409 when every candidate was lost to concurrent reviewers
// and the client should simply retry.
func (s *Server) allocateHandler(assessment bool) gin.HandlerFunc {
	phase := allocation.PhaseTriage
	if assessment {
		phase = allocation.PhaseAssessment
	}

	return func(c *gin.Context) {
		var req AllocateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		track, ok := parseTrack(req.Track)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown track: " + req.Track})
			return
		}

		cases, outcome, err := s.cc.Allocate(c.Request.Context(), getOrg(c), getReviewer(c), track, phase, req.BatchSize)
		if err != nil {
			if errors.Is(err, allocation.ErrUnknownTrack) || errors.Is(err, controller.ErrInvalidBatchSize) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to allocate batch: " + err.Error()})
			return
		}

		switch outcome {
		case allocation.OutcomeNoneAvailable:
			c.JSON(http.StatusNotFound, gin.H{"error": "no cases available"})
		case allocation.OutcomeConflict:
			c.JSON(http.StatusConflict, gin.H{"error": "allocation conflict, try again"})
		default:
			c.JSON(http.StatusOK, gin.H{"cases": cases})
		}
	}
}

func (s *Server) releaseHandler(assessment bool) gin.HandlerFunc {
	phase := allocation.PhaseTriage
	if assessment {
		phase = allocation.PhaseAssessment
	}

	return func(c *gin.Context) {
		var req ReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		track, ok := parseTrack(req.Track)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown track: " + req.Track})
			return
		}

		released, err := s.cc.Release(c.Request.Context(), getOrg(c), getReviewer(c), track, phase)
		if err != nil {
			if errors.Is(err, allocation.ErrUnknownTrack) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to release batch: " + err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"released": released})
	}
}

func (s *Server) lockHandler(c *gin.Context) {
	rec, err := s.cc.Lock(c.Request.Context(), getOrg(c), getReviewer(c), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, database.ErrCaseNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
		case errors.Is(err, allocation.ErrCaseLocked):
			c.JSON(http.StatusConflict, gin.H{"error": "case is locked by another reviewer"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to lock case: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) routeHandler(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.cc.Route(c.Request.Context(), getOrg(c), getReviewer(c), c.Param("id"),
		req.Destination, req.PreviousTrack, req.Comments)
	if err != nil {
		switch {
		case errors.Is(err, controller.ErrUnknownDestination):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown destination: " + req.Destination})
		case errors.Is(err, database.ErrCaseNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
		case errors.Is(err, database.ErrPreconditionFailed):
			c.JSON(http.StatusConflict, gin.H{"error": "case changed underneath you, re-fetch and retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to route case: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, rec)
}
