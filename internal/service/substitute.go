package service

import (
	"sync"
	"time"

	"github.com/inciscan/incident_sync/internal/models"
)

// substituteRegistry хранит подменные записи, созданные при недоступности хранилища.
// Id выдаются из отрицательного диапазона и строго убывают, поэтому не пересекаются
// с id из хранилища (BIGSERIAL, > 0) и между собой.
type substituteRegistry struct {
	mu     sync.Mutex
	lastID int64
	order  []int64
	byID   map[int64]*models.Incident
	limit  int
}

func newSubstituteRegistry(limit int) *substituteRegistry {
	if limit < 1 {
		limit = 1
	}
	return &substituteRegistry{
		byID:  make(map[int64]*models.Incident),
		limit: limit,
	}
}

// nextID выдает id на основе времени: -unix_ms, но всегда меньше предыдущего
func (r *substituteRegistry) nextID(now time.Time) int64 {
	id := -now.UnixMilli()
	if id >= r.lastID {
		id = r.lastID - 1
	}
	r.lastID = id
	return id
}

// adopt присваивает инциденту подменный id и запоминает копию
func (r *substituteRegistry) adopt(incident *models.Incident, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident.ID = r.nextID(now)
	incident.Persisted = false
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = now
	}

	stored := *incident
	r.byID[stored.ID] = &stored
	r.order = append(r.order, stored.ID)
	for len(r.order) > r.limit {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

// resolve переводит подменную запись в resolved и возвращает ее копию
func (r *substituteRegistry) resolve(id int64) (*models.Incident, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	stored.Status = models.StatusResolved
	incident := *stored
	return &incident, true
}

// list возвращает копии записей, новые первыми
func (r *substituteRegistry) list() []*models.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()

	incidents := make([]*models.Incident, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		incident := *r.byID[r.order[i]]
		incidents = append(incidents, &incident)
	}
	return incidents
}

// aggregates считает счетчики по подменным записям
func (r *substituteRegistry) aggregates() models.Aggregates {
	r.mu.Lock()
	defer r.mu.Unlock()

	var agg models.Aggregates
	for _, id := range r.order {
		agg.Add(*r.byID[id])
	}
	return agg
}
