package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inciscan/incident_sync/internal/analysis"
	"github.com/inciscan/incident_sync/internal/config"
	"github.com/inciscan/incident_sync/internal/models"
	"github.com/inciscan/incident_sync/internal/service/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errStoreDown = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

// newTestIncidentService - вспомогательная функция для создания инстанса сервиса с моками.
func newTestIncidentService(t *testing.T) (*incidentService, *mocks.MockIncidentRepository, *mocks.MockEventPublisher) {
	ctrl := gomock.NewController(t)
	repoMock := mocks.NewMockIncidentRepository(ctrl)
	publisherMock := mocks.NewMockEventPublisher(ctrl)

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{}) // Отключаем вывод логов в тестах

	cfg := &config.Config{
		SubstituteRetention: 10,
	}

	service := NewIncidentService(repoMock, logger, cfg, publisherMock, analysis.NewKeywordClassifier())
	svc := service.(*incidentService)
	fixed := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	return svc, repoMock, publisherMock
}

func ptr[T any](v T) *T {
	return &v
}

func TestSubmit_AnalyzerReport(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()
	report := models.Report{
		Type:       "Violence",
		Severity:   "CRITICAL",
		Confidence: ptr(0.85),
		Latitude:   ptr(51.5),
		Longitude:  ptr(-0.12),
		CameraID:   "cam-7",
	}

	// Ожидания
	repoMock.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, inc *models.Incident) error {
			// Симулируем, что БД присвоила ID
			inc.ID = 17
			inc.CreatedAt = time.Now()
			return nil
		}).Times(1)

	publisherMock.EXPECT().
		Publish(gomock.Any()).
		Do(func(event models.Event) {
			assert.Equal(t, models.EventNewIncident, event.Type)
			assert.Equal(t, int64(17), event.Incident.ID)
			assert.True(t, event.Incident.Persisted)
		}).Times(1)

	// Действие
	incident, err := service.Submit(ctx, report)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, int64(17), incident.ID)
	assert.Equal(t, models.StatusVerified, incident.Status)
	assert.Equal(t, models.SeverityCritical, incident.Severity)
	assert.Equal(t, "Violence", incident.Type)
	assert.Equal(t, 0.85, *incident.Confidence)
	assert.Equal(t, 51.5, incident.Latitude)
	assert.Equal(t, "cam-7", incident.CameraID)
	assert.True(t, incident.Persisted)
}

func TestSubmit_AnalyzerReportDefaultsConfidence(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	// Ожидания
	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(nil).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(1)

	// Действие
	incident, err := service.Submit(ctx, models.Report{Type: "Crowd", Severity: "high"})

	// Проверки
	require.NoError(t, err)
	require.NotNil(t, incident.Confidence)
	assert.Equal(t, 1.0, *incident.Confidence)
}

func TestSubmit_ManualReportUsesClassifierAndDefaults(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()
	report := models.Report{
		Description: "Someone stole a phone near the entrance",
		Latitude:    ptr(123.0), // вне диапазона
	}

	// Ожидания
	repoMock.EXPECT().
		Create(ctx, gomock.Any()).
		Do(func(_ context.Context, inc *models.Incident) {
			assert.Equal(t, "Theft", inc.Type)
			assert.Equal(t, models.SeverityHigh, inc.Severity)
			assert.Equal(t, models.ManualCameraID, inc.CameraID)
			assert.Equal(t, models.FallbackLatitude, inc.Latitude)
			assert.Equal(t, models.FallbackLongitude, inc.Longitude)
		}).Return(nil).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(1)

	// Действие
	incident, err := service.Submit(ctx, report)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, incident.Status)
}

func TestSubmit_OnlyTypeWithoutSeverityFallsBackToClassifier(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	// Ожидания
	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(nil).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(1)

	// Действие
	incident, err := service.Submit(ctx, models.Report{Type: "Crowd", Description: "large crowd at stage"})

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, "Crowd", incident.Type)
	assert.Equal(t, 0.8, *incident.Confidence)
}

func TestSubmit_StoreUnavailableUsesSubstitute(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()
	report := models.Report{
		Type:      "Crowd",
		Severity:  "high",
		Latitude:  ptr(40.1),
		Longitude: ptr(-74.1),
	}

	// Ожидания
	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(errStoreDown).Times(1)
	publisherMock.EXPECT().
		Publish(gomock.Any()).
		Do(func(event models.Event) {
			assert.False(t, event.Incident.Persisted)
			assert.Less(t, event.Incident.ID, int64(0))
		}).Times(1)

	// Действие
	incident, err := service.Submit(ctx, report)

	// Проверки
	require.NoError(t, err)
	assert.Less(t, incident.ID, int64(0))
	assert.False(t, incident.Persisted)
	assert.Equal(t, models.StatusVerified, incident.Status)
	assert.Equal(t, 40.1, incident.Latitude)
	assert.Equal(t, -74.1, incident.Longitude)
	assert.False(t, incident.CreatedAt.IsZero())
}

func TestSubmit_SubstituteIDsAreUnique(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	// Ожидания
	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(errStoreDown).Times(20)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(20)

	// Действие: часы стоят на месте, id все равно не должны повторяться
	seen := make(map[int64]bool)
	for i := 0; i < 20; i++ {
		incident, err := service.Submit(ctx, models.Report{Type: "Crowd", Severity: "low"})
		require.NoError(t, err)

		// Проверки
		assert.False(t, seen[incident.ID], "duplicate id %d", incident.ID)
		seen[incident.ID] = true
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	tests := []struct {
		name   string
		report models.Report
		field  string
	}{
		{"unknown severity", models.Report{Type: "Theft", Severity: "apocalyptic"}, "severity"},
		{"confidence above one", models.Report{Type: "Theft", Severity: "low", Confidence: ptr(1.5)}, "confidence"},
		{"negative confidence", models.Report{Description: "fight", Confidence: ptr(-0.1)}, "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Подготовка
			service, repoMock, publisherMock := newTestIncidentService(t)

			// Ожидания: ни сохранения, ни публикации
			repoMock.EXPECT().Create(gomock.Any(), gomock.Any()).Times(0)
			publisherMock.EXPECT().Publish(gomock.Any()).Times(0)

			// Действие
			incident, err := service.Submit(context.Background(), tt.report)

			// Проверки
			require.Error(t, err)
			assert.Nil(t, incident)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestResolve_Success(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()
	stored := &models.Incident{ID: 5, Type: "Theft", Severity: models.SeverityCritical, Status: models.StatusResolved, CreatedAt: time.Now()}

	// Ожидания
	repoMock.EXPECT().Resolve(ctx, int64(5)).Return(stored, nil).Times(1)
	publisherMock.EXPECT().
		Publish(models.IncidentUpdatedEvent(5, models.StatusResolved)).
		Times(1)

	// Действие
	incident, err := service.Resolve(ctx, 5)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, incident.Status)
	assert.Equal(t, models.SeverityCritical, incident.Severity)
	assert.True(t, incident.Persisted)
}

func TestResolve_NotFound(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	// Ожидания
	repoMock.EXPECT().Resolve(ctx, int64(404)).Return(nil, ErrNotFound).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(0)

	// Действие
	incident, err := service.Resolve(ctx, 404)

	// Проверки
	require.Error(t, err)
	assert.Nil(t, incident)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_StoreUnavailableReturnsMinimalRecord(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	// Ожидания
	repoMock.EXPECT().Resolve(ctx, int64(9)).Return(nil, errStoreDown).Times(1)
	publisherMock.EXPECT().
		Publish(models.IncidentUpdatedEvent(9, models.StatusResolved)).
		Times(1)

	// Действие
	incident, err := service.Resolve(ctx, 9)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, &models.Incident{ID: 9, Status: models.StatusResolved}, incident)
	assert.True(t, incident.IsPartial())
}

func TestResolve_SubstituteIncident(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(errStoreDown).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(2)

	submitted, err := service.Submit(ctx, models.Report{Type: "Fire", Severity: "critical"})
	require.NoError(t, err)

	// Ожидания: хранилище не запрашивается для подменных id
	repoMock.EXPECT().Resolve(gomock.Any(), gomock.Any()).Times(0)

	// Действие
	resolved, err := service.Resolve(ctx, submitted.ID)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, submitted.ID, resolved.ID)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.Equal(t, "Fire", resolved.Type)
	assert.Equal(t, models.StatusVerified, submitted.Status, "returned copy must not be mutated")

	_, err = service.Resolve(ctx, -42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitResolve_RoundTrip(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()
	var stored models.Incident

	// Ожидания
	repoMock.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, inc *models.Incident) error {
			inc.ID = 42
			inc.CreatedAt = time.Now()
			stored = *inc
			return nil
		}).Times(1)
	repoMock.EXPECT().
		Resolve(ctx, int64(42)).
		DoAndReturn(func(_ context.Context, id int64) (*models.Incident, error) {
			stored.Status = models.StatusResolved
			result := stored
			return &result, nil
		}).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(2)

	// Действие
	submitted, err := service.Submit(ctx, models.Report{Type: "Theft", Severity: "critical"})
	require.NoError(t, err)
	resolved, err := service.Resolve(ctx, submitted.ID)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.Equal(t, models.SeverityCritical, resolved.Severity)
	assert.Equal(t, "Theft", resolved.Type)
}

func TestListRecent_Success(t *testing.T) {
	// Подготовка
	service, repoMock, _ := newTestIncidentService(t)
	ctx := context.Background()
	now := time.Now()
	fromStore := []*models.Incident{
		{ID: 2, Type: "Crowd", CreatedAt: now},
		{ID: 1, Type: "Theft", CreatedAt: now.Add(-time.Minute)},
	}

	// Ожидания
	repoMock.EXPECT().ListRecent(ctx, 20).Return(fromStore, nil).Times(1)
	repoMock.EXPECT().SetRecentCache(ctx, fromStore).Return(nil).Times(1)

	// Действие
	incidents, err := service.ListRecent(ctx, 20)

	// Проверки
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, int64(2), incidents[0].ID)
	assert.True(t, incidents[0].Persisted)
}

func TestListRecent_ClampsLimit(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		expected  int
	}{
		{name: "zero", requested: 0, expected: 1},
		{name: "negative", requested: -5, expected: 1},
		{name: "above maximum", requested: 500, expected: MaxRecentLimit},
		{name: "in range", requested: 37, expected: 37},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Подготовка
			service, repoMock, _ := newTestIncidentService(t)
			ctx := context.Background()

			// Ожидания
			repoMock.EXPECT().ListRecent(ctx, tt.expected).Return([]*models.Incident{}, nil).Times(1)
			repoMock.EXPECT().SetRecentCache(ctx, gomock.Any()).Return(nil).Times(1)

			// Действие
			_, err := service.ListRecent(ctx, tt.requested)

			// Проверки
			require.NoError(t, err)
		})
	}
}

func TestListRecent_MergesSubstitutesNewestFirst(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(errStoreDown).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(1)
	substitute, err := service.Submit(ctx, models.Report{Type: "Crowd", Severity: "high"})
	require.NoError(t, err)

	older := []*models.Incident{
		{ID: 3, CreatedAt: substitute.CreatedAt.Add(-time.Hour)},
		{ID: 2, CreatedAt: substitute.CreatedAt.Add(-2 * time.Hour)},
	}

	// Ожидания
	repoMock.EXPECT().ListRecent(ctx, 2).Return(older, nil).Times(1)
	repoMock.EXPECT().SetRecentCache(ctx, gomock.Any()).Return(errors.New("redis down")).Times(1)

	// Действие
	incidents, err := service.ListRecent(ctx, 2)

	// Проверки
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, substitute.ID, incidents[0].ID)
	assert.Equal(t, int64(3), incidents[1].ID)
}

func TestListRecent_StoreUnavailableServesCache(t *testing.T) {
	// Подготовка
	service, repoMock, _ := newTestIncidentService(t)
	ctx := context.Background()
	cached := []*models.Incident{
		{ID: 8, Persisted: true, CreatedAt: time.Now()},
		{ID: 7, Persisted: true, CreatedAt: time.Now().Add(-time.Minute)},
		{ID: 6, Persisted: true, CreatedAt: time.Now().Add(-2 * time.Minute)},
	}

	// Ожидания
	repoMock.EXPECT().ListRecent(ctx, 2).Return(nil, errStoreDown).Times(1)
	repoMock.EXPECT().GetRecentFromCache(ctx).Return(cached, nil).Times(1)

	// Действие
	incidents, err := service.ListRecent(ctx, 2)

	// Проверки
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, int64(8), incidents[0].ID)
	assert.Equal(t, int64(7), incidents[1].ID)
}

func TestListRecent_StoreAndCacheUnavailableServesFallback(t *testing.T) {
	// Подготовка
	service, repoMock, _ := newTestIncidentService(t)
	ctx := context.Background()

	// Ожидания
	repoMock.EXPECT().ListRecent(ctx, DefaultRecentLimit).Return(nil, errStoreDown).Times(1)
	repoMock.EXPECT().GetRecentFromCache(ctx).Return(nil, errors.New("redis down")).Times(1)

	// Действие
	incidents, err := service.ListRecent(ctx, DefaultRecentLimit)

	// Проверки
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, "Crowd", incidents[0].Type)
	assert.Equal(t, "Theft", incidents[1].Type)
	assert.False(t, incidents[0].Persisted)
}

func TestStats_IncludesSubstitutes(t *testing.T) {
	// Подготовка
	service, repoMock, publisherMock := newTestIncidentService(t)
	ctx := context.Background()

	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(errStoreDown).Times(1)
	publisherMock.EXPECT().Publish(gomock.Any()).Times(1)
	_, err := service.Submit(ctx, models.Report{Type: "Weapon", Severity: "critical"})
	require.NoError(t, err)

	// Ожидания
	repoMock.EXPECT().
		Stats(ctx).
		Return(models.Aggregates{Total: 10, Active: 4, Critical: 3, Resolved: 6}, nil).
		Times(1)

	// Действие
	agg, err := service.Stats(ctx)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, models.Aggregates{Total: 11, Active: 5, Critical: 4, Resolved: 6}, agg)
}

func TestStats_StoreUnavailable(t *testing.T) {
	// Подготовка
	service, repoMock, _ := newTestIncidentService(t)
	ctx := context.Background()

	// Ожидания
	repoMock.EXPECT().Stats(ctx).Return(models.Aggregates{}, errStoreDown).Times(1)

	// Действие
	_, err := service.Stats(ctx)

	// Проверки
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errStoreDown)
}
