package webhook

//go:generate mockgen -source=publisher.go -destination=mocks/publisher_mock.go -package=mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inciscan/incident_sync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	webhookQueueKey = "webhook_events"
)

// WebhookEvent - структура для данных вебхука.
// Для new_incident заполнен Incident, для incident_updated - только Status.
type WebhookEvent struct {
	Event      models.EventType `json:"event"`
	IncidentID int64            `json:"incident_id"`
	Incident   *models.Incident `json:"incident,omitempty"`
	Status     models.Status    `json:"status,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewWebhookEvent строит полезную нагрузку вебхука из события жизненного цикла
func NewWebhookEvent(event models.Event, at time.Time) WebhookEvent {
	webhookEvent := WebhookEvent{
		Event:      event.Type,
		IncidentID: event.IncidentID(),
		Timestamp:  at,
	}
	if event.Type == models.EventNewIncident {
		incident := event.Incident
		webhookEvent.Incident = &incident
		webhookEvent.Status = incident.Status
	} else {
		webhookEvent.Status = event.Update.Status
	}
	return webhookEvent
}

// WebhookPublisher - интерфейс для публикации вебхуков
type WebhookPublisher interface {
	Publish(ctx context.Context, event WebhookEvent) error
}

// RedisWebhookPublisher - реализация WebhookPublisher, использующая Redis
type RedisWebhookPublisher struct {
	redisClient *redis.Client
}

// NewRedisWebhookPublisher создает новый RedisWebhookPublisher
func NewRedisWebhookPublisher(client *redis.Client) *RedisWebhookPublisher {
	return &RedisWebhookPublisher{
		redisClient: client,
	}
}

// Publish публикует событие вебхука в очередь Redis
func (p *RedisWebhookPublisher) Publish(ctx context.Context, event WebhookEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	// LPUSH кладет событие в голову очереди, воркер забирает с хвоста
	if err := p.redisClient.LPush(ctx, webhookQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish webhook event to Redis: %w", err)
	}
	return nil
}
