package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/inciscan/incident_sync/internal/broadcast"
	"github.com/sirupsen/logrus"
)

// Sink - подписчик рассыльщика, который перекладывает события в очередь вебхуков.
// Для рассыльщика это обычная сессия: если она отстанет, ее отключат, и Sink подпишется заново.
type Sink struct {
	broadcaster *broadcast.Broadcaster
	publisher   WebhookPublisher
	logger      *logrus.Logger
	now         func() time.Time
}

// NewSink создает новый Sink
func NewSink(broadcaster *broadcast.Broadcaster, publisher WebhookPublisher, logger *logrus.Logger) *Sink {
	return &Sink{
		broadcaster: broadcaster,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}
}

// Run читает события до отмены контекста
func (s *Sink) Run(ctx context.Context) {
	log := s.logger.WithField("component", "webhook_sink")
	log.Info("Starting webhook sink...")

	session := s.broadcaster.Subscribe()
	defer func() { _ = session.Close() }()

	for {
		event, err := session.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			log.Info("Stopping webhook sink.")
			return
		case errors.Is(err, broadcast.ErrSessionClosed):
			log.Warn("Webhook sink session was dropped, resubscribing")
			session = s.broadcaster.Subscribe()
			continue
		default:
			log.WithError(err).Error("Failed to read broadcast event")
			return
		}

		if err := s.publisher.Publish(ctx, NewWebhookEvent(event, s.now().UTC())); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"event":       event.Type,
				"incident_id": event.IncidentID(),
			}).Warn("Failed to enqueue webhook event")
		}
	}
}
