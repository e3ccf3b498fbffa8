package v1

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Coordinate - координата, которая принимается числом или числовой строкой.
// Некорректное значение не считается ошибкой запроса: сервис подставит запасную точку.
type Coordinate float64

func (c *Coordinate) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = Coordinate(math.NaN())
		return nil
	}

	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		*c = Coordinate(number)
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			*c = Coordinate(parsed)
			return nil
		}
	}

	*c = Coordinate(math.NaN())
	return nil
}

// SubmitIncidentRequest DTO для регистрации инцидента.
// Если заданы type и severity, сообщение считается результатом анализатора,
// иначе тип и уровень определяет классификатор по описанию.
// @Description DTO для регистрации инцидента
type SubmitIncidentRequest struct {
	Description string      `json:"description,omitempty" validate:"max=2000"`
	Latitude    *Coordinate `json:"latitude,omitempty" swaggertype:"number"`
	Longitude   *Coordinate `json:"longitude,omitempty" swaggertype:"number"`
	CameraID    string      `json:"camera_id,omitempty" validate:"max=128"`
	Type        string      `json:"type,omitempty" validate:"max=64"`
	Severity    string      `json:"severity,omitempty" validate:"max=16"`
	Confidence  *float64    `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// IncidentResponse DTO для ответа с информацией об инциденте.
// Для минимальной записи закрытия заполнены только id, status и persisted.
// @Description DTO для ответа с информацией об инциденте
type IncidentResponse struct {
	ID          int64      `json:"id"`
	Type        string     `json:"type,omitempty"`
	Severity    string     `json:"severity,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	CameraID    string     `json:"camera_id,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Persisted   bool       `json:"persisted"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// StatusUpdateResponse DTO для события incident_updated
// @Description DTO для события incident_updated
type StatusUpdateResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// StatsResponse DTO для ответа со статистикой
// @Description DTO для ответа со статистикой
type StatsResponse struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Critical int `json:"critical"`
	Resolved int `json:"resolved"`
}

// HealthResponse DTO для ответа health-check
// @Description DTO для ответа health-check
type HealthResponse struct {
	Status           string `json:"status"`
	Sessions         int    `json:"sessions"`
	EventsPublished  uint64 `json:"events_published"`
	DeliveryFailures uint64 `json:"delivery_failures"`
}
