package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/v4lstream/internal/api/models"
	"github.com/smazurov/v4lstream/internal/logging"
)

func (s *Server) registerLoggingRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logging",
		Method:      http.MethodGet,
		Path:        "/api/logging",
		Summary:     "Get Log Levels",
		Description: "Global and per-module log levels",
		Tags:        []string{"system"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.LoggingResponse, error) {
		return &models.LoggingResponse{
			Body: models.LoggingData{
				Level:   logging.Level(),
				Modules: logging.Levels(),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-logging",
		Method:      http.MethodPut,
		Path:        "/api/logging",
		Summary:     "Set Log Levels",
		Description: "Change log levels at runtime. Modules left out fall back to the global level.",
		Tags:        []string{"system"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 422},
	}, func(_ context.Context, input *models.LoggingRequest) (*models.LoggingResponse, error) {
		for module, level := range input.Body.Modules {
			if _, ok := logging.ParseLevel(level); !ok {
				return nil, huma.Error400BadRequest("invalid level " + level + " for module " + module)
			}
		}
		logging.SetLevels(input.Body.Level, input.Body.Modules)
		s.logger.Info("Log levels changed", "level", input.Body.Level, "modules", input.Body.Modules)

		return &models.LoggingResponse{
			Body: models.LoggingData{
				Level:   logging.Level(),
				Modules: logging.Levels(),
			},
		}, nil
	})
}
