package models

// EventType - имя события в канале реального времени
type EventType string

const (
	EventNewIncident     EventType = "new_incident"
	EventIncidentUpdated EventType = "incident_updated"
)

// StatusUpdate - минимальная полезная нагрузка incident_updated
type StatusUpdate struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
}

// Event - событие жизненного цикла инцидента.
// Для new_incident заполнен Incident, для incident_updated - Update.
type Event struct {
	Type     EventType
	Incident Incident
	Update   StatusUpdate
}

func NewIncidentEvent(incident Incident) Event {
	return Event{Type: EventNewIncident, Incident: incident}
}

func IncidentUpdatedEvent(id int64, status Status) Event {
	return Event{Type: EventIncidentUpdated, Update: StatusUpdate{ID: id, Status: status}}
}

// IncidentID возвращает id инцидента, к которому относится событие
func (e Event) IncidentID() int64 {
	if e.Type == EventNewIncident {
		return e.Incident.ID
	}
	return e.Update.ID
}
