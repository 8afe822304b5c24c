package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// IdentityMiddleware extracts the tenant and acting reviewer from request
// headers. Every data route is tenant-scoped; reviewer identity is only
// required on routes that take or release locks.
func (s *Server) IdentityMiddleware(requireReviewer bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		org := c.GetHeader("X-Org-ID")
		if org == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Org-ID header is required"})
			c.Abort()
			return
		}

		reviewer := c.GetHeader("X-Reviewer-ID")
		if requireReviewer && reviewer == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Reviewer-ID header is required"})
			c.Abort()
			return
		}

		c.Set("org", org)
		c.Set("reviewer", reviewer)

		c.Next()
	}
}

func getOrg(c *gin.Context) string {
	org, _ := c.Get("org")
	s, _ := org.(string)
	return s
}

func getReviewer(c *gin.Context) string {
	reviewer, _ := c.Get("reviewer")
	s, _ := reviewer.(string)
	return s
}
