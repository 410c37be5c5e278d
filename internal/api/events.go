package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/v4lstream/internal/api/models"
	"github.com/smazurov/v4lstream/internal/events"
)

// registerSSERoutes registers the event stream endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream state changes, device removals, stream errors and run results",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"connected":            models.HealthData{},
		"stream-state-changed": events.StreamStateChangedEvent{},
		"device-removed":       events.DeviceRemovedEvent{},
		"stream-error":         events.StreamErrorEvent{},
		"capture-completed":    events.CaptureCompletedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 10)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.StreamStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.DeviceRemovedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StreamErrorEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.CaptureCompletedEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Sent once subscribed so clients know no event is missed after it.
		if err := send.Data(models.HealthData{Status: "ok", Message: "SSE connection established"}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
