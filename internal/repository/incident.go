package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inciscan/incident_sync/internal/models"
	"github.com/inciscan/incident_sync/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const recentCacheKey = "incidents:recent"

const incidentColumns = `
	id,
	type,
	severity,
	confidence,
	latitude,
	longitude,
	camera_id,
	description,
	status,
	created_at`

type IncidentRepository struct {
	db          *pgxpool.Pool
	redisClient *redis.Client
	cacheTTL    time.Duration
}

func NewIncidentRepository(db *pgxpool.Pool, redisClient *redis.Client, cacheTTL time.Duration) service.IncidentRepository {
	return &IncidentRepository{
		db:          db,
		redisClient: redisClient,
		cacheTTL:    cacheTTL,
	}
}

// Create создает новую запись об инциденте в бд, id и created_at назначает бд
func (r *IncidentRepository) Create(ctx context.Context, incident *models.Incident) error {
	query := `
		INSERT INTO incidents (type, severity, confidence, latitude, longitude, camera_id, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at;
	`
	err := r.db.QueryRow(ctx, query,
		incident.Type,
		string(incident.Severity),
		incident.Confidence,
		incident.Latitude,
		incident.Longitude,
		incident.CameraID,
		incident.Description,
		string(incident.Status),
	).Scan(&incident.ID, &incident.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// Resolve переводит инцидент в статус resolved. Для уже закрытого инцидента запись не меняется.
func (r *IncidentRepository) Resolve(ctx context.Context, id int64) (*models.Incident, error) {
	query := `
		UPDATE incidents SET
			status = 'resolved',
			updated_at = CASE WHEN status = 'resolved' THEN updated_at ELSE NOW() END
		WHERE id = $1
		RETURNING` + incidentColumns + `;
	`
	incident, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("incident with id %d not found for resolve: %w", id, service.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve incident: %w", err)
	}
	return incident, nil
}

// ListRecent возвращает последние инциденты, новые первыми
func (r *IncidentRepository) ListRecent(ctx context.Context, limit int) ([]*models.Incident, error) {
	query := `
		SELECT` + incidentColumns + `
		FROM incidents
		ORDER BY created_at DESC, id DESC
		LIMIT $1;
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]*models.Incident, 0, limit)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error list iteration: %w", err)
	}
	return incidents, nil
}

// Stats считает сводные счетчики по всей таблице
func (r *IncidentRepository) Stats(ctx context.Context) (models.Aggregates, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status <> 'resolved'),
			COUNT(*) FILTER (WHERE severity = 'critical'),
			COUNT(*) FILTER (WHERE status = 'resolved')
		FROM incidents;
	`
	var agg models.Aggregates
	err := r.db.QueryRow(ctx, query).Scan(&agg.Total, &agg.Active, &agg.Critical, &agg.Resolved)
	if err != nil {
		return models.Aggregates{}, fmt.Errorf("failed to get incident stats: %w", err)
	}
	return agg, nil
}

// GetRecentFromCache возвращает последний удачно прочитанный список из Redis, nil при промахе
func (r *IncidentRepository) GetRecentFromCache(ctx context.Context) ([]*models.Incident, error) {
	val, err := r.redisClient.Get(ctx, recentCacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get recent incidents from cache: %w", err)
	}

	var incidents []*models.Incident
	if err := json.Unmarshal(val, &incidents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recent incidents from cache: %w", err)
	}
	return incidents, nil
}

// SetRecentCache сохраняет список в Redis
func (r *IncidentRepository) SetRecentCache(ctx context.Context, incidents []*models.Incident) error {
	val, err := json.Marshal(incidents)
	if err != nil {
		return fmt.Errorf("failed to marshal recent incidents for cache: %w", err)
	}
	if err := r.redisClient.Set(ctx, recentCacheKey, val, r.cacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to set recent incidents in cache: %w", err)
	}
	return nil
}

func scanIncident(row pgx.Row) (*models.Incident, error) {
	var (
		incident models.Incident
		severity string
		status   string
	)
	err := row.Scan(
		&incident.ID,
		&incident.Type,
		&severity,
		&incident.Confidence,
		&incident.Latitude,
		&incident.Longitude,
		&incident.CameraID,
		&incident.Description,
		&status,
		&incident.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	incident.Severity = models.Severity(severity)
	incident.Status = models.Status(status)
	incident.Persisted = true
	return &incident, nil
}
