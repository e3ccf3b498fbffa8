package reconciler

import (
	"slices"

	"github.com/inciscan/incident_sync/internal/models"
	"github.com/samber/lo"
)

// View - локальный ограниченный список инцидентов (новые первыми) и счетчики.
// Счетчики описывают весь поток событий, а не только видимые записи,
// поэтому вытеснение из списка их не уменьшает.
type View struct {
	capacity   int
	incidents  []models.Incident
	aggregates models.Aggregates
}

func NewView(capacity int) *View {
	if capacity < 1 {
		capacity = 1
	}
	return &View{
		capacity:  capacity,
		incidents: make([]models.Incident, 0, capacity),
	}
}

// Reset заменяет содержимое результатом массовой загрузки
func (v *View) Reset(incidents []models.Incident, aggregates models.Aggregates) {
	incidents = lo.UniqBy(incidents, func(incident models.Incident) int64 { return incident.ID })
	slices.SortStableFunc(incidents, func(a, b models.Incident) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(incidents) > v.capacity {
		incidents = incidents[:v.capacity]
	}
	v.incidents = append(v.incidents[:0], incidents...)
	v.aggregates = aggregates
}

// Apply применяет событие и сообщает, изменилось ли состояние
func (v *View) Apply(event models.Event) bool {
	switch event.Type {
	case models.EventNewIncident:
		return v.ApplyNew(event.Incident)
	case models.EventIncidentUpdated:
		return v.ApplyUpdate(event.Update)
	default:
		return false
	}
}

// ApplyNew добавляет инцидент в начало списка. Уже видимый id не учитывается повторно.
func (v *View) ApplyNew(incident models.Incident) bool {
	if v.indexOf(incident.ID) >= 0 {
		return false
	}

	v.incidents = slices.Insert(v.incidents, 0, incident)
	if len(v.incidents) > v.capacity {
		v.incidents = v.incidents[:v.capacity]
	}
	v.aggregates.Add(incident)
	return true
}

// ApplyUpdate закрывает видимую запись. Допустим только переход в resolved:
// обновление для записи вне списка, уже закрытой записи или в другой статус отбрасывается.
func (v *View) ApplyUpdate(update models.StatusUpdate) bool {
	if update.Status != models.StatusResolved {
		return false
	}
	idx := v.indexOf(update.ID)
	if idx < 0 {
		return false
	}

	entry := &v.incidents[idx]
	if entry.Status.IsTerminal() {
		return false
	}

	entry.Status = models.StatusResolved
	v.aggregates.Active--
	v.aggregates.Resolved++
	return true
}

// Incidents возвращает копию видимого списка
func (v *View) Incidents() []models.Incident {
	return slices.Clone(v.incidents)
}

func (v *View) Aggregates() models.Aggregates {
	return v.aggregates
}

func (v *View) Len() int {
	return len(v.incidents)
}

func (v *View) indexOf(id int64) int {
	return slices.IndexFunc(v.incidents, func(incident models.Incident) bool {
		return incident.ID == id
	})
}
