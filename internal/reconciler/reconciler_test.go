package reconciler

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/inciscan/incident_sync/internal/config"
	"github.com/inciscan/incident_sync/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStreamLost = errors.New("stream lost")

// fakeStream - поток событий, которым управляет тест
type fakeStream struct {
	events chan models.Event
	lost   chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan models.Event), lost: make(chan struct{})}
}

func (s *fakeStream) Next(ctx context.Context) (models.Event, error) {
	select {
	case event := <-s.events:
		return event, nil
	case <-s.lost:
		return models.Event{}, errStreamLost
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.lost) })
	return nil
}

func (s *fakeStream) send(t *testing.T, event models.Event) {
	t.Helper()
	select {
	case s.events <- event:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not consume the event")
	}
}

// fakeSource - сервер в памяти. Все инциденты хранятся новыми первыми.
type fakeSource struct {
	mu            sync.Mutex
	incidents     []models.Incident
	stats         *models.Aggregates
	recentErr     error
	statsErr      error
	subscribeErrs int
	streams       chan *fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(chan *fakeStream, 8)}
}

func (f *fakeSource) FetchRecent(_ context.Context, limit int) ([]models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return slices.Clone(f.incidents[:min(limit, len(f.incidents))]), nil
}

func (f *fakeSource) FetchStats(_ context.Context) (models.Aggregates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return models.Aggregates{}, f.statsErr
	}
	if f.stats != nil {
		return *f.stats, nil
	}
	return models.DeriveAggregates(f.incidents), nil
}

func (f *fakeSource) Subscribe(_ context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErrs > 0 {
		f.subscribeErrs--
		return nil, errors.New("connection refused")
	}
	stream := newFakeStream()
	f.streams <- stream
	return stream, nil
}

// record применяет событие к данным сервера, как это сделал бы сервис
func (f *fakeSource) record(event models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch event.Type {
	case models.EventNewIncident:
		f.incidents = slices.Insert(f.incidents, 0, event.Incident)
	case models.EventIncidentUpdated:
		for i := range f.incidents {
			if f.incidents[i].ID == event.Update.ID {
				f.incidents[i].Status = event.Update.Status
			}
		}
	}
}

func (f *fakeSource) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case stream := <-f.streams:
		return stream
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not subscribe")
		return nil
	}
}

func newTestReconciler(t *testing.T, source Source, resync time.Duration) *Reconciler {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{}) // Отключаем вывод логов в тестах
	cfg := &config.ObserverConfig{
		FetchLimit:     100,
		ViewCap:        50,
		ResyncInterval: resync,
		ReconnectDelay: 10 * time.Millisecond,
		RequestTimeout: time.Second,
	}
	return New(source, logger, cfg)
}

func runReconciler(t *testing.T, r *Reconciler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("reconciler did not stop")
		}
	})
	return cancel
}

func waitForSnapshot(t *testing.T, r *Reconciler, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(r.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
	return r.Snapshot()
}

func isLive(s Snapshot) bool {
	return s.State == StateLive
}

func TestRun_BootstrapThenLive(t *testing.T) {
	// Подготовка
	source := newFakeSource()
	source.incidents = []models.Incident{newIncident(2, models.SeverityCritical), newIncident(1, models.SeverityLow)}
	source.stats = &models.Aggregates{Total: 7, Active: 5, Critical: 3, Resolved: 2}
	r := newTestReconciler(t, source, 0)
	assert.Equal(t, StateDisconnected, r.Snapshot().State)

	// Действие
	runReconciler(t, r)
	stream := source.nextStream(t)
	snapshot := waitForSnapshot(t, r, isLive)

	// Проверки
	assert.Len(t, snapshot.Incidents, 2)
	assert.Equal(t, models.Aggregates{Total: 7, Active: 5, Critical: 3, Resolved: 2}, snapshot.Aggregates)
	assert.False(t, snapshot.SyncedAt.IsZero())

	stream.send(t, models.NewIncidentEvent(newIncident(3, models.SeverityCritical)))
	snapshot = waitForSnapshot(t, r, func(s Snapshot) bool { return s.Aggregates.Total == 8 })
	assert.Equal(t, int64(3), snapshot.Incidents[0].ID)
	assert.Equal(t, models.Aggregates{Total: 8, Active: 6, Critical: 4, Resolved: 2}, snapshot.Aggregates)
}

func TestRun_IncrementalScenario(t *testing.T) {
	source := newFakeSource()
	r := newTestReconciler(t, source, 0)
	runReconciler(t, r)
	stream := source.nextStream(t)
	waitForSnapshot(t, r, isLive)

	stream.send(t, models.NewIncidentEvent(newIncident(1, models.SeverityHigh)))
	stream.send(t, models.NewIncidentEvent(newIncident(2, models.SeverityCritical)))
	stream.send(t, models.NewIncidentEvent(newIncident(3, models.SeverityCritical)))
	waitForSnapshot(t, r, func(s Snapshot) bool {
		return s.Aggregates == models.Aggregates{Total: 3, Active: 3, Critical: 2, Resolved: 0}
	})

	stream.send(t, models.IncidentUpdatedEvent(2, models.StatusResolved))
	waitForSnapshot(t, r, func(s Snapshot) bool {
		return s.Aggregates == models.Aggregates{Total: 3, Active: 2, Critical: 2, Resolved: 1}
	})

	// Повторная доставка того же обновления ничего не меняет
	stream.send(t, models.IncidentUpdatedEvent(2, models.StatusResolved))
	stream.send(t, models.NewIncidentEvent(newIncident(4, models.SeverityLow)))
	snapshot := waitForSnapshot(t, r, func(s Snapshot) bool { return s.Aggregates.Total == 4 })
	assert.Equal(t, models.Aggregates{Total: 4, Active: 3, Critical: 2, Resolved: 1}, snapshot.Aggregates)
}

func TestRun_BootstrapFailureStartsEmpty(t *testing.T) {
	source := newFakeSource()
	source.incidents = []models.Incident{newIncident(1, models.SeverityHigh)}
	source.recentErr = errors.New("bulk endpoint down")
	r := newTestReconciler(t, source, 0)

	runReconciler(t, r)
	stream := source.nextStream(t)
	snapshot := waitForSnapshot(t, r, isLive)

	assert.Empty(t, snapshot.Incidents)
	assert.Equal(t, models.Aggregates{}, snapshot.Aggregates)
	assert.True(t, snapshot.SyncedAt.IsZero())

	stream.send(t, models.NewIncidentEvent(newIncident(2, models.SeverityCritical)))
	snapshot = waitForSnapshot(t, r, func(s Snapshot) bool { return len(s.Incidents) == 1 })
	assert.Equal(t, models.Aggregates{Total: 1, Active: 1, Critical: 1}, snapshot.Aggregates)
}

func TestRun_StatsFailureDerivesFromList(t *testing.T) {
	source := newFakeSource()
	resolved := newIncident(1, models.SeverityCritical)
	resolved.Status = models.StatusResolved
	source.incidents = []models.Incident{newIncident(2, models.SeverityHigh), resolved}
	source.statsErr = errors.New("503")
	r := newTestReconciler(t, source, 0)

	runReconciler(t, r)
	snapshot := waitForSnapshot(t, r, isLive)

	assert.Len(t, snapshot.Incidents, 2)
	assert.Equal(t, models.Aggregates{Total: 2, Active: 1, Critical: 1, Resolved: 1}, snapshot.Aggregates)
}

func TestRun_ResyncOnReconnectCorrectsDrift(t *testing.T) {
	// Подготовка
	source := newFakeSource()
	r := newTestReconciler(t, source, 0)
	runReconciler(t, r)
	stream := source.nextStream(t)
	waitForSnapshot(t, r, isLive)

	emit := func(event models.Event) {
		source.record(event)
		stream.send(t, event)
	}

	// Действие: 60 событий при видимом списке из 50
	for id := int64(1); id <= 60; id++ {
		emit(models.NewIncidentEvent(newIncident(id, models.SeverityHigh)))
	}
	snapshot := waitForSnapshot(t, r, func(s Snapshot) bool { return s.Aggregates.Total == 60 })
	assert.Len(t, snapshot.Incidents, 50)

	// Обновление вытесненной записи теряется, счетчики расходятся с сервером
	emit(models.IncidentUpdatedEvent(1, models.StatusResolved))
	emit(models.NewIncidentEvent(newIncident(61, models.SeverityHigh)))
	snapshot = waitForSnapshot(t, r, func(s Snapshot) bool { return s.Aggregates.Total == 61 })
	assert.Equal(t, 0, snapshot.Aggregates.Resolved)

	// Потеря потока ведет к повторной загрузке
	require.NoError(t, stream.Close())
	source.nextStream(t)

	// Проверки
	truth := models.Aggregates{Total: 61, Active: 60, Critical: 0, Resolved: 1}
	snapshot = waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateLive && s.Aggregates == truth })
	assert.Len(t, snapshot.Incidents, 50)
	assert.Equal(t, int64(61), snapshot.Incidents[0].ID)
}

func TestRun_PeriodicResyncRestoresGroundTruth(t *testing.T) {
	source := newFakeSource()
	for id := int64(1); id <= 50; id++ {
		source.incidents = slices.Insert(source.incidents, 0, newIncident(id, models.SeverityHigh))
	}
	truth := models.Aggregates{Total: 120, Active: 100, Critical: 10, Resolved: 20}
	source.stats = &truth
	r := newTestReconciler(t, source, 20*time.Millisecond)

	runReconciler(t, r)
	stream := source.nextStream(t)
	bootstrapped := waitForSnapshot(t, r, func(s Snapshot) bool { return isLive(s) && s.Aggregates == truth })

	// Событие, которого сервер не подтверждает, вносит расхождение
	stream.send(t, models.NewIncidentEvent(newIncident(500, models.SeverityCritical)))

	waitForSnapshot(t, r, func(s Snapshot) bool {
		visible := slices.ContainsFunc(s.Incidents, func(i models.Incident) bool { return i.ID == 500 })
		return s.SyncedAt.After(bootstrapped.SyncedAt) && s.Aggregates == truth && !visible
	})
}

func TestRun_FailedResyncKeepsView(t *testing.T) {
	source := newFakeSource()
	source.incidents = []models.Incident{newIncident(1, models.SeverityHigh)}
	r := newTestReconciler(t, source, 10*time.Millisecond)

	runReconciler(t, r)
	stream := source.nextStream(t)
	waitForSnapshot(t, r, isLive)

	source.mu.Lock()
	source.recentErr = errors.New("store down")
	source.mu.Unlock()

	stream.send(t, models.NewIncidentEvent(newIncident(2, models.SeverityLow)))
	waitForSnapshot(t, r, func(s Snapshot) bool { return len(s.Incidents) == 2 })

	// Несколько неудачных ресинхронизаций подряд
	time.Sleep(50 * time.Millisecond)
	snapshot := r.Snapshot()
	assert.Len(t, snapshot.Incidents, 2)
	assert.Equal(t, models.Aggregates{Total: 2, Active: 2}, snapshot.Aggregates)
}

func TestRun_RetriesFailedSubscribe(t *testing.T) {
	source := newFakeSource()
	source.subscribeErrs = 2
	r := newTestReconciler(t, source, 0)

	runReconciler(t, r)
	source.nextStream(t)
	waitForSnapshot(t, r, isLive)
}

func TestRun_StopsOnCancel(t *testing.T) {
	source := newFakeSource()
	r := newTestReconciler(t, source, 0)

	cancel := runReconciler(t, r)
	source.nextStream(t)
	waitForSnapshot(t, r, isLive)

	cancel()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateDisconnected })
}

func TestRun_OnChangeReceivesSnapshots(t *testing.T) {
	source := newFakeSource()
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	var (
		mu     sync.Mutex
		states []State
	)
	r := New(source, logger, &config.ObserverConfig{FetchLimit: 10, ViewCap: 5, ReconnectDelay: time.Millisecond},
		WithOnChange(func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s.State)
		}))

	runReconciler(t, r)
	stream := source.nextStream(t)
	stream.send(t, models.NewIncidentEvent(newIncident(1, models.SeverityLow)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateLive, states[0])
}
