package handler

import (
	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/service"
)

// Handler holds all HTTP handlers
type Handler struct {
	db           *database.Postgres
	rdb          *database.Redis
	log          *logger.Logger
	cfg          *config.Config
	challengeSvc *service.ChallengeService
	methodSvc    *service.MethodService
	pushSvc      *service.PushService
}

// New creates a new Handler instance
func New(db *database.Postgres, rdb *database.Redis, log *logger.Logger, cfg *config.Config, challengeSvc *service.ChallengeService, methodSvc *service.MethodService, pushSvc *service.PushService) *Handler {
	return &Handler{
		db:           db,
		rdb:          rdb,
		log:          log,
		cfg:          cfg,
		challengeSvc: challengeSvc,
		methodSvc:    methodSvc,
		pushSvc:      pushSvc,
	}
}
