package service

//go:generate mockgen -source=incident.go -destination=mocks/incident_mock.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/inciscan/incident_sync/internal/analysis"
	"github.com/inciscan/incident_sync/internal/config"
	"github.com/inciscan/incident_sync/internal/models"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRecentLimit = 100
	MaxRecentLimit     = 100
)

// IncidentRepository определяет контракт для работы с хранилищем инцидентов.
// Resolve возвращает ErrNotFound, если записи нет; любая другая ошибка считается недоступностью хранилища.
type IncidentRepository interface {
	Create(ctx context.Context, incident *models.Incident) error
	Resolve(ctx context.Context, id int64) (*models.Incident, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Incident, error)
	Stats(ctx context.Context) (models.Aggregates, error)

	GetRecentFromCache(ctx context.Context) ([]*models.Incident, error)
	SetRecentCache(ctx context.Context, incidents []*models.Incident) error
}

// EventPublisher рассылает события жизненного цикла наблюдателям, не блокируясь
type EventPublisher interface {
	Publish(event models.Event)
}

// IncidentService определяет контракт бизнес-логики синхронизации инцидентов
type IncidentService interface {
	Submit(ctx context.Context, report models.Report) (*models.Incident, error)
	Resolve(ctx context.Context, id int64) (*models.Incident, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Incident, error)
	Stats(ctx context.Context) (models.Aggregates, error)
}

type incidentService struct {
	repo        IncidentRepository
	logger      *logrus.Logger
	cfg         *config.Config
	publisher   EventPublisher
	classifier  analysis.Classifier
	substitutes *substituteRegistry
	now         func() time.Time
}

func NewIncidentService(repo IncidentRepository, logger *logrus.Logger, cfg *config.Config, publisher EventPublisher, classifier analysis.Classifier) IncidentService {
	return &incidentService{
		repo:        repo,
		logger:      logger,
		cfg:         cfg,
		publisher:   publisher,
		classifier:  classifier,
		substitutes: newSubstituteRegistry(cfg.SubstituteRetention),
		now:         time.Now,
	}
}

// Submit нормализует сообщение, пытается сохранить его и публикует new_incident.
// Недоступность хранилища не является ошибкой: создается подменная запись с persisted=false.
func (s *incidentService) Submit(ctx context.Context, report models.Report) (*models.Incident, error) {
	log := s.logger.WithFields(logrus.Fields{
		"service": "incident",
		"method":  "Submit",
		"camera":  report.CameraID,
	})

	incident, err := s.normalize(report)
	if err != nil {
		log.WithError(err).Warn("Rejected invalid incident report")
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"type": incident.Type, "severity": incident.Severity})

	if err := s.repo.Create(ctx, incident); err != nil {
		log.WithError(err).Warn("Failed to persist incident, using substitute record")
		s.substitutes.adopt(incident, s.now().UTC())
	} else {
		incident.Persisted = true
	}

	s.publisher.Publish(models.NewIncidentEvent(*incident))

	log.WithFields(logrus.Fields{
		"incident_id": incident.ID,
		"persisted":   incident.Persisted,
	}).Info("Incident submitted")
	return incident, nil
}

// Resolve переводит инцидент в resolved и публикует incident_updated.
// Если хранилище недоступно, возвращается минимальная запись {id, status: resolved}.
func (s *incidentService) Resolve(ctx context.Context, id int64) (*models.Incident, error) {
	log := s.logger.WithFields(logrus.Fields{
		"service":     "incident",
		"method":      "Resolve",
		"incident_id": id,
	})

	if id <= 0 {
		incident, ok := s.substitutes.resolve(id)
		if !ok {
			log.Warn("Attempted to resolve an unknown incident")
			return nil, fmt.Errorf("service: incident %d: %w", id, ErrNotFound)
		}
		s.publisher.Publish(models.IncidentUpdatedEvent(incident.ID, incident.Status))
		log.Info("Substitute incident resolved")
		return incident, nil
	}

	incident, err := s.repo.Resolve(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		log.WithError(err).Warn("Attempted to resolve a non-existent incident")
		return nil, fmt.Errorf("service: incident %d: %w", id, ErrNotFound)
	case err != nil:
		log.WithError(err).Warn("Failed to resolve incident in repository, using substitute record")
		incident = &models.Incident{ID: id, Status: models.StatusResolved}
	default:
		incident.Persisted = true
	}

	s.publisher.Publish(models.IncidentUpdatedEvent(incident.ID, models.StatusResolved))

	log.WithField("persisted", incident.Persisted).Info("Incident resolved")
	return incident, nil
}

// ListRecent возвращает последние инциденты, новые первыми. limit ограничивается диапазоном [1, MaxRecentLimit].
// При недоступности хранилища используется последний удачный список из кеша, затем фиксированная выборка.
func (s *incidentService) ListRecent(ctx context.Context, limit int) ([]*models.Incident, error) {
	limit = min(max(limit, 1), MaxRecentLimit)

	log := s.logger.WithFields(logrus.Fields{
		"service": "incident",
		"method":  "ListRecent",
		"limit":   limit,
	})

	incidents, err := s.repo.ListRecent(ctx, limit)
	if err == nil {
		for _, incident := range incidents {
			incident.Persisted = true
		}
		if cacheErr := s.repo.SetRecentCache(ctx, incidents); cacheErr != nil {
			log.WithError(cacheErr).Warn("Failed to update recent incidents cache")
		}
		merged := s.mergeSubstitutes(incidents, limit)
		log.WithField("count", len(merged)).Debug("Recent incidents listed")
		return merged, nil
	}
	log.WithError(err).Warn("Failed to list incidents from repository")

	cached, cacheErr := s.repo.GetRecentFromCache(ctx)
	if cacheErr != nil {
		log.WithError(cacheErr).Warn("Failed to read recent incidents cache")
	}
	if len(cached) > 0 {
		log.WithField("count", len(cached)).Info("Serving recent incidents from cache")
		return s.mergeSubstitutes(cached, limit), nil
	}

	if substitutes := s.substitutes.list(); len(substitutes) > 0 {
		log.WithField("count", len(substitutes)).Info("Serving substitute incidents only")
		return s.mergeSubstitutes(nil, limit), nil
	}

	log.Info("Serving fallback incident sample")
	return fallbackSample(s.now().UTC()), nil
}

// Stats возвращает счетчики по всем известным инцидентам: из хранилища и подменные
func (s *incidentService) Stats(ctx context.Context) (models.Aggregates, error) {
	log := s.logger.WithFields(logrus.Fields{
		"service": "incident",
		"method":  "Stats",
	})

	stored, err := s.repo.Stats(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to get stats from repository")
		return models.Aggregates{}, fmt.Errorf("service: could not get stats: %w: %w", ErrStoreUnavailable, err)
	}

	agg := stored.Merge(s.substitutes.aggregates())
	log.WithField("total", agg.Total).Debug("Stats computed")
	return agg, nil
}

// mergeSubstitutes добавляет подменные записи к списку и оставляет limit самых новых
func (s *incidentService) mergeSubstitutes(incidents []*models.Incident, limit int) []*models.Incident {
	merged := append(slices.Clone(incidents), s.substitutes.list()...)
	merged = lo.UniqBy(merged, func(incident *models.Incident) int64 { return incident.ID })
	slices.SortStableFunc(merged, func(a, b *models.Incident) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// normalize проверяет числовые поля и подставляет значения по умолчанию.
// Тип и уровень берутся из сообщения анализатора (если заданы оба), иначе из классификатора.
func (s *incidentService) normalize(report models.Report) (*models.Incident, error) {
	incident := &models.Incident{
		Description: strings.TrimSpace(report.Description),
		Latitude:    models.FallbackLatitude,
		Longitude:   models.FallbackLongitude,
		CameraID:    strings.TrimSpace(report.CameraID),
		Status:      models.StatusVerified,
	}

	if report.Latitude != nil && validCoordinate(*report.Latitude, 90) {
		incident.Latitude = *report.Latitude
	}
	if report.Longitude != nil && validCoordinate(*report.Longitude, 180) {
		incident.Longitude = *report.Longitude
	}

	if incident.CameraID == "" {
		incident.CameraID = models.ManualCameraID
	}

	if report.Confidence != nil {
		c := *report.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, &ValidationError{Field: "confidence", Reason: "must be within [0, 1]"}
		}
	}

	var severity models.Severity
	if strings.TrimSpace(report.Severity) != "" {
		parsed, ok := models.ParseSeverity(report.Severity)
		if !ok {
			return nil, &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown level %q", report.Severity)}
		}
		severity = parsed
	}

	incidentType := strings.TrimSpace(report.Type)
	if incidentType != "" && severity != "" {
		incident.Type = incidentType
		incident.Severity = severity
		confidence := 1.0
		if report.Confidence != nil {
			confidence = *report.Confidence
		}
		incident.Confidence = &confidence
		return incident, nil
	}

	result := s.classifier.Classify(incident.Description)
	incident.Type = result.Type
	incident.Severity = result.Severity
	confidence := result.Confidence
	incident.Confidence = &confidence
	return incident, nil
}

func validCoordinate(value, bound float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && value >= -bound && value <= bound
}
