package controller

import (
	"context"
	"fmt"

	"vigilit/internal/aws"
	"vigilit/internal/cache"
	"vigilit/internal/database"
	"vigilit/internal/rabbitmq"
)

type ServerController interface {
	DBHealth() error
	CacheHealth() error
	RabbitHealth() error
	ArchiveHealth() error
	Online() string
}

// serverController tolerates nil optional components; health on a
// component that is not configured reports an error so the readiness
// payload shows it as absent rather than silently healthy.
type serverController struct {
	db      database.Database
	cache   cache.Cache
	rabbit  rabbitmq.Client
	archive aws.PayloadArchive
}

func NewServer(db database.Database, c cache.Cache, rabbit rabbitmq.Client, archive aws.PayloadArchive) ServerController {
	return &serverController{
		db:      db,
		cache:   c,
		rabbit:  rabbit,
		archive: archive,
	}
}

func (sc *serverController) Online() string {
	return "Online"
}

func (sc *serverController) DBHealth() error {
	return sc.db.Health()
}

func (sc *serverController) CacheHealth() error {
	if sc.cache == nil {
		return fmt.Errorf("cache not configured")
	}
	return sc.cache.Ping(context.TODO())
}

func (sc *serverController) RabbitHealth() error {
	return sc.rabbit.Health()
}

func (sc *serverController) ArchiveHealth() error {
	if sc.archive == nil {
		return fmt.Errorf("payload archive not configured")
	}
	return sc.archive.TestConnection()
}
