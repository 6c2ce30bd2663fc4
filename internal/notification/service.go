// Package notification fans backup events out to the delivery channels:
// the WebSocket hub for connected dashboards and an optional signed webhook
// for external receivers. Delivery is best-effort; failures are logged and
// never propagate into the event pipeline.
package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/websocket"
)

// Service routes notifications. It implements the engine's Notifier.
type Service struct {
	hub     *websocket.Hub
	webhook *webhookSender
	log     *zap.Logger
}

// NewService builds the notification service. hub may be nil in tests.
func NewService(hub *websocket.Hub, settings store.SettingStore, log *zap.Logger) *Service {
	return &Service{
		hub:     hub,
		webhook: newWebhookSender(settings),
		log:     log.Named("notify"),
	}
}

// EventCreated publishes a freshly persisted backup event to the owning
// user's topic and, for warning and error severity, the webhook channel.
func (s *Service) EventCreated(ctx context.Context, event *db.BackupEvent) {
	if s.hub != nil {
		s.hub.Publish(topicEvents(event.UserID.String()), websocket.Message{
			Type:    websocket.MsgEvent,
			Topic:   topicEvents(event.UserID.String()),
			Payload: event,
		})
		if event.RunID != nil {
			topic := topicRun(event.RunID.String())
			s.hub.Publish(topic, websocket.Message{
				Type:    websocket.MsgRunStatus,
				Topic:   topic,
				Payload: event,
			})
		}
	}

	if event.Severity == "info" {
		return
	}

	err := s.webhook.send(ctx, webhookPayload{
		Type:      event.Type,
		Title:     titleFor(event),
		Body:      event.Message,
		Payload:   event.Details,
		Timestamp: event.CreatedAt,
	})
	if err != nil {
		s.log.Warn("webhook delivery failed",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// WorkerStatusChanged announces a liveness transition for a worker. Called
// by the heartbeat handler when the reported status differs from the stored
// one.
func (s *Service) WorkerStatusChanged(ctx context.Context, worker *db.Worker, previous string) {
	if s.hub != nil {
		topic := topicWorker(worker.ID.String())
		s.hub.Publish(topic, websocket.Message{
			Type:  websocket.MsgWorkerStatus,
			Topic: topic,
			Payload: map[string]any{
				"workerId": worker.ID,
				"name":     worker.Name,
				"status":   worker.Status,
				"previous": previous,
			},
		})
	}

	// Only the unhealthy direction is worth an external ping.
	if worker.Status != db.WorkerStatusDegraded && worker.Status != db.WorkerStatusOffline {
		return
	}

	err := s.webhook.send(ctx, webhookPayload{
		Type:  "worker_status_changed",
		Title: fmt.Sprintf("Worker %s is %s", worker.Name, worker.Status),
		Body:  fmt.Sprintf("Worker %s transitioned from %s to %s", worker.Name, previous, worker.Status),
		Payload: map[string]any{
			"workerId": worker.ID,
			"status":   worker.Status,
			"previous": previous,
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("webhook delivery failed",
			zap.String("event_type", "worker_status_changed"),
			zap.Error(err))
	}
}

func titleFor(event *db.BackupEvent) string {
	switch event.Type {
	case db.EventBackupCompleted:
		return "Backup completed"
	case db.EventBackupFailed:
		return "Backup failed"
	case db.EventPruneCompleted:
		return "Retention prune completed"
	case db.EventPruneFailed:
		return "Retention prune failed"
	case db.EventBackupSizeAnomaly:
		return "Backup size anomaly detected"
	default:
		return "Backup event"
	}
}

func topicEvents(userID string) string { return "events:" + userID }
func topicRun(runID string) string     { return "run:" + runID }
func topicWorker(id string) string     { return "worker:" + id }
