package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/inciscan/incident_sync/internal/models"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDeliveryFailed - событие не поместилось в буфер сессии
	ErrDeliveryFailed = errors.New("broadcast: delivery failed")
	// ErrSessionClosed - сессия удалена из реестра
	ErrSessionClosed = errors.New("broadcast: session closed")
)

// Session - подписка одного наблюдателя. События приходят в порядке публикации.
type Session struct {
	id          uuid.UUID
	events      chan models.Event
	done        chan struct{}
	closeOnce   sync.Once
	broadcaster *Broadcaster
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Done закрывается, когда сессия удалена из реестра
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Next блокируется до следующего события. После Unsubscribe возвращает ErrSessionClosed,
// даже если в буфере остались недоставленные события.
func (s *Session) Next(ctx context.Context) (models.Event, error) {
	select {
	case <-s.done:
		return models.Event{}, ErrSessionClosed
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	case event := <-s.events:
		select {
		case <-s.done:
			return models.Event{}, ErrSessionClosed
		default:
			return event, nil
		}
	}
}

// Close удаляет сессию из реестра
func (s *Session) Close() error {
	s.broadcaster.Unsubscribe(s)
	return nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Broadcaster хранит реестр подключенных сессий и рассылает им события.
// Publish никогда не блокируется: если буфер сессии заполнен, событие для нее теряется,
// а сама сессия отключается, чтобы наблюдатель переподключился и выполнил ресинхронизацию.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	buffer   int
	logger   *logrus.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func New(logger *logrus.Logger, buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		sessions: make(map[uuid.UUID]*Session),
		buffer:   buffer,
		logger:   logger,
	}
}

// Subscribe регистрирует новую сессию
func (b *Broadcaster) Subscribe() *Session {
	session := &Session{
		id:          uuid.New(),
		events:      make(chan models.Event, b.buffer),
		done:        make(chan struct{}),
		broadcaster: b,
	}

	b.mu.Lock()
	b.sessions[session.id] = session
	count := len(b.sessions)
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"component":  "broadcaster",
		"session_id": session.id,
		"sessions":   count,
	}).Info("Session subscribed")
	return session
}

// Unsubscribe синхронно удаляет сессию из реестра. Повторный вызов безопасен.
func (b *Broadcaster) Unsubscribe(session *Session) {
	if session == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.sessions[session.id]
	delete(b.sessions, session.id)
	count := len(b.sessions)
	b.mu.Unlock()

	session.close()
	if ok {
		b.logger.WithFields(logrus.Fields{
			"component":  "broadcaster",
			"session_id": session.id,
			"sessions":   count,
		}).Info("Session unsubscribed")
	}
}

// Publish рассылает событие всем сессиям, подключенным в момент вызова
func (b *Broadcaster) Publish(event models.Event) {
	var lagging []*Session

	b.mu.RLock()
	for _, session := range b.sessions {
		select {
		case session.events <- event:
		default:
			lagging = append(lagging, session)
		}
	}
	delivered := len(b.sessions) - len(lagging)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, session := range lagging {
		b.failed.Add(1)
		b.logger.WithFields(logrus.Fields{
			"component":   "broadcaster",
			"session_id":  session.id,
			"event":       event.Type,
			"incident_id": event.IncidentID(),
		}).WithError(ErrDeliveryFailed).Warn("Session buffer is full, dropping session")
		b.Unsubscribe(session)
	}

	b.logger.WithFields(logrus.Fields{
		"component":   "broadcaster",
		"event":       event.Type,
		"incident_id": event.IncidentID(),
		"delivered":   delivered,
	}).Debug("Event published")
}

// Len возвращает количество подключенных сессий
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Stats возвращает количество опубликованных событий и неудачных доставок
func (b *Broadcaster) Stats() (published, failed uint64) {
	return b.published.Load(), b.failed.Load()
}

// Close отключает все сессии (используется при остановке сервера)
func (b *Broadcaster) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[uuid.UUID]*Session)
	b.mu.Unlock()

	for _, session := range sessions {
		session.close()
	}
	b.logger.WithField("sessions", len(sessions)).Info("Broadcaster closed")
}
