package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}))

	r.GET("/health", s.readyHandler)
	r.GET("/online", s.onlineHandler)

	org := r.Group("/", s.IdentityMiddleware(false))
	{
		org.POST("/ingest", s.ingestHandler)
		org.GET("/jobs", s.listJobsHandler)
		org.GET("/jobs/:id", s.getJobHandler)
		org.POST("/jobs/:id/cancel", s.cancelJobHandler)
	}

	// Case checkout and routing need an acting reviewer
	cases := r.Group("/cases", s.IdentityMiddleware(true))
	{
		cases.POST("/allocate", s.allocateHandler(false))
		cases.POST("/release", s.releaseHandler(false))
		cases.POST("/assessment/allocate", s.allocateHandler(true))
		cases.POST("/assessment/release", s.releaseHandler(true))
		cases.POST("/:id/lock", s.lockHandler)
		cases.POST("/:id/route", s.routeHandler)
	}

	return r
}
