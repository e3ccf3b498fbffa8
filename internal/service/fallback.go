package service

import (
	"time"

	"github.com/inciscan/incident_sync/internal/models"
)

// fallbackSample - фиксированная выборка, которую ListRecent отдает,
// когда недоступны и хранилище, и кеш.
func fallbackSample(now time.Time) []*models.Incident {
	return []*models.Incident{
		{
			ID:        -1,
			Type:      "Crowd",
			Severity:  models.SeverityHigh,
			Latitude:  models.FallbackLatitude,
			Longitude: models.FallbackLongitude,
			CameraID:  models.ManualCameraID,
			Status:    models.StatusVerified,
			CreatedAt: now,
		},
		{
			ID:        -2,
			Type:      "Theft",
			Severity:  models.SeverityCritical,
			Latitude:  40.7328,
			Longitude: -74.016,
			CameraID:  models.ManualCameraID,
			Status:    models.StatusPending,
			CreatedAt: now,
		},
	}
}
