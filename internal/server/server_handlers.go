package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// readyHandler reports per-component health. The store and the queue are
// required; the cache and the payload archive are accelerators and do not
// fail readiness on their own.
func (s *Server) readyHandler(c *gin.Context) {
	dbErr := s.sc.DBHealth()
	cacheErr := s.sc.CacheHealth()
	rabbitErr := s.sc.RabbitHealth()
	archiveErr := s.sc.ArchiveHealth()

	res := gin.H{
		"database": dbErr == nil,
		"cache":    cacheErr == nil,
		"rabbit":   rabbitErr == nil,
		"archive":  archiveErr == nil,
	}

	if dbErr != nil || rabbitErr != nil {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) onlineHandler(c *gin.Context) {
	online := s.sc.Online()

	c.String(http.StatusOK, online)
}
