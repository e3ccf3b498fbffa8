package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/inciscan/incident_sync/internal/models"
	"github.com/r3labs/sse/v2"
)

var (
	// ErrStreamClosed - поток закрыт локально
	ErrStreamClosed = errors.New("client: stream closed")
	// ErrStreamStalled - сервер не прислал ни одного кадра за время ожидания
	ErrStreamStalled = errors.New("client: stream stalled")
)

// EventStream отдает события жизненного цикла из SSE-подписки.
// Неизвестные события (например, heartbeat) не возвращаются, но продлевают ожидание.
type EventStream struct {
	frames      chan *sse.Event
	idleTimeout time.Duration
	cancel      context.CancelFunc

	// err выставляется до закрытия finished
	err      error
	finished chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newEventStream(cancel context.CancelFunc, idleTimeout time.Duration) *EventStream {
	return &EventStream{
		frames:      make(chan *sse.Event),
		idleTimeout: idleTimeout,
		cancel:      cancel,
		finished:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// run читает подписку до ее завершения
func (s *EventStream) run(ctx context.Context, sub *sse.Client) {
	err := sub.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		select {
		case s.frames <- msg:
		case <-ctx.Done():
		}
	})
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	s.err = err
	close(s.finished)
}

// Next блокируется до следующего события жизненного цикла.
// Если сервер молчит дольше idleTimeout, поток закрывается с ErrStreamStalled.
func (s *EventStream) Next(ctx context.Context) (models.Event, error) {
	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if s.idleTimeout > 0 {
		timer = time.NewTimer(s.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		event, ok, err := s.receive(ctx, idle)
		if err != nil || ok {
			return event, err
		}
		if timer != nil {
			timer.Reset(s.idleTimeout)
		}
	}
}

// receive ждет один кадр. ok == false означает кадр без события жизненного цикла.
func (s *EventStream) receive(ctx context.Context, idle <-chan time.Time) (models.Event, bool, error) {
	select {
	case <-ctx.Done():
		return models.Event{}, false, ctx.Err()
	case <-s.closed:
		return models.Event{}, false, ErrStreamClosed
	case msg := <-s.frames:
		return decodeEvent(string(msg.Event), msg.Data)
	case <-s.finished:
		select {
		case <-s.closed:
			return models.Event{}, false, ErrStreamClosed
		default:
		}
		return models.Event{}, false, fmt.Errorf("client: read stream: %w", s.err)
	case <-idle:
		s.Close()
		return models.Event{}, false, fmt.Errorf("%w: no frames for %s", ErrStreamStalled, s.idleTimeout)
	}
}

// Close закрывает поток. Повторный вызов безопасен.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}

func decodeEvent(name string, data []byte) (models.Event, bool, error) {
	switch models.EventType(name) {
	case models.EventNewIncident:
		var incident models.Incident
		if err := json.Unmarshal(data, &incident); err != nil {
			return models.Event{}, false, fmt.Errorf("client: decode %s: %w", name, err)
		}
		return models.NewIncidentEvent(incident), true, nil
	case models.EventIncidentUpdated:
		var update models.StatusUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			return models.Event{}, false, fmt.Errorf("client: decode %s: %w", name, err)
		}
		return models.IncidentUpdatedEvent(update.ID, update.Status), true, nil
	default:
		return models.Event{}, false, nil
	}
}
