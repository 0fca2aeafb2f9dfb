package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/upscaler/internal/events"
)

// eventTypes maps SSE event names to their payloads.
var eventTypes = map[string]any{
	"job-started":      events.JobStartedEvent{},
	"job-progress":     events.JobProgressEvent{},
	"job-finished":     events.JobFinishedEvent{},
	"observer-changed": events.ObserverChangedEvent{},
	"config-reloaded":  events.ConfigReloadedEvent{},
}

// registerSSERoutes registers the job event stream.
func (s *Server) registerSSERoutes() {
	if s.eventBus == nil {
		return
	}

	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time job lifecycle, progress and observer events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, eventTypes, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 64)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.JobStartedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.JobProgressEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.JobFinishedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ObserverChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ConfigReloadedEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Tells the client the stream is live and how many observers the worker has.
		if s.worker != nil {
			st := s.worker.Status()
			if err := send.Data(events.ObserverChangedEvent{
				Registered: true,
				Count:      len(st.Observers),
				Timestamp:  time.Now().Format(time.RFC3339),
			}); err != nil {
				return
			}
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
