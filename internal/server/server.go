package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"vigilit/internal/allocation"
	"vigilit/internal/aws"
	"vigilit/internal/cache"
	"vigilit/internal/config"
	"vigilit/internal/controller"
	"vigilit/internal/database"
	"vigilit/internal/orchestrator"
	"vigilit/internal/rabbitmq"
)

type Server struct {
	sc     controller.ServerController
	jc     controller.JobController
	cc     controller.CaseController
	config *config.Config
}

func New(cfg *config.Config, db database.Database, c cache.Cache, rabbit rabbitmq.Client,
	workerRegistry orchestrator.WorkerRegistry, archive aws.PayloadArchive) *http.Server {
	sc := controller.NewServer(db, c, rabbit, archive)

	jc := controller.NewJobController(db, c, rabbit, cfg.RabbitMQ, workerRegistry)
	jc.ProcessJobs(context.Background()) // Starts consuming messages from RabbitMQ

	cc := controller.NewCaseController(allocation.New(db), cfg.Workflow.AllocationBatchSize)

	server := Server{
		sc:     sc,
		jc:     jc,
		cc:     cc,
		config: cfg,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%v", cfg.Port),
		Handler:      server.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
