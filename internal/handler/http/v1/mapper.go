package v1

import "github.com/inciscan/incident_sync/internal/models"

// RequestToReport преобразует DTO в сообщение для сервиса
func RequestToReport(dto SubmitIncidentRequest) models.Report {
	return models.Report{
		Description: dto.Description,
		Latitude:    coordinateValue(dto.Latitude),
		Longitude:   coordinateValue(dto.Longitude),
		CameraID:    dto.CameraID,
		Type:        dto.Type,
		Severity:    dto.Severity,
		Confidence:  dto.Confidence,
	}
}

// ModelToIncidentResponse преобразует доменную модель в DTO для ответа
func ModelToIncidentResponse(model *models.Incident) *IncidentResponse {
	response := &IncidentResponse{
		ID:        model.ID,
		Status:    string(model.Status),
		Persisted: model.Persisted,
	}
	if model.IsPartial() {
		return response
	}

	createdAt := model.CreatedAt
	latitude, longitude := model.Latitude, model.Longitude
	response.Type = model.Type
	response.Severity = string(model.Severity)
	response.Confidence = model.Confidence
	response.Latitude = &latitude
	response.Longitude = &longitude
	response.CameraID = model.CameraID
	response.Description = model.Description
	response.Timestamp = &createdAt
	return response
}

// ModelsToIncidentResponses преобразует слайс моделей в слайс DTO
func ModelsToIncidentResponses(models []*models.Incident) []*IncidentResponse {
	responses := make([]*IncidentResponse, len(models))
	for i, model := range models {
		responses[i] = ModelToIncidentResponse(model)
	}
	return responses
}

// EventPayload возвращает полезную нагрузку SSE для события
func EventPayload(event models.Event) any {
	if event.Type == models.EventNewIncident {
		return ModelToIncidentResponse(&event.Incident)
	}
	return StatusUpdateResponse{ID: event.Update.ID, Status: string(event.Update.Status)}
}

func AggregatesToStatsResponse(agg models.Aggregates) StatsResponse {
	return StatsResponse{
		Total:    agg.Total,
		Active:   agg.Active,
		Critical: agg.Critical,
		Resolved: agg.Resolved,
	}
}

func coordinateValue(c *Coordinate) *float64 {
	if c == nil {
		return nil
	}
	value := float64(*c)
	return &value
}
