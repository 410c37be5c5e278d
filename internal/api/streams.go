package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/v4lstream/internal/api/models"
	"github.com/smazurov/v4lstream/internal/capture"
)

func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams",
		Summary:     "List Streams",
		Description: "Status and counters of every stream",
		Tags:        []string{"streams"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.StreamListResponse, error) {
		statuses := make([]capture.Status, 0, len(s.sessions))
		for _, sess := range s.sessions {
			statuses = append(statuses, sess.Status())
		}
		return &models.StreamListResponse{
			Body: models.StreamListData{
				Streams: statuses,
				Count:   len(statuses),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/api/stream",
		Summary:     "Get Stream",
		Description: "Status and counters of the stream on one device",
		Tags:        []string{"streams"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.StreamRequest) (*models.StreamResponse, error) {
		for _, sess := range s.sessions {
			if sess.DevicePath() == input.Device {
				return &models.StreamResponse{Body: sess.Status()}, nil
			}
		}
		return nil, huma.Error404NotFound("no stream on " + input.Device)
	})
}
