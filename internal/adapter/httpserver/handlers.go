package httpserver

import (
	"github.com/go-playground/validator/v10"

	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
	"github.com/nes-lab/shepherd-server/internal/usecase"
)

// Handlers bundles the services behind the HTTP surface.
type Handlers struct {
	Cfg         config.Config
	Users       *usecase.UserService
	Experiments *usecase.ExperimentService
	UserRepo    domain.UserRepository
	Status      domain.StatusRepository
	Registry    *domain.ContentRegistry
	Validate    *validator.Validate
}

func NewHandlers(
	cfg config.Config,
	users *usecase.UserService,
	experiments *usecase.ExperimentService,
	userRepo domain.UserRepository,
	status domain.StatusRepository,
	registry *domain.ContentRegistry,
) *Handlers {
	return &Handlers{
		Cfg:         cfg,
		Users:       users,
		Experiments: experiments,
		UserRepo:    userRepo,
		Status:      status,
		Registry:    registry,
		Validate:    validator.New(),
	}
}
