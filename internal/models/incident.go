package models

import (
	"strings"
	"time"
)

// Severity - уровень опасности инцидента
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity приводит строку к каноническому виду без учета регистра
func ParseSeverity(raw string) (Severity, bool) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return s, true
	}
	return "", false
}

// Rank возвращает порядковый номер уровня (low = 1 ... critical = 4), 0 для неизвестного
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Status - статус инцидента. Переход только verified -> resolved, resolved терминальный.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusResolved Status = "resolved"
)

func (s Status) IsTerminal() bool {
	return s == StatusResolved
}

const (
	// ManualCameraID - camera_id для инцидентов, созданных вручную
	ManualCameraID = "MANUAL"

	FallbackLatitude  = 40.7128
	FallbackLongitude = -74.006
)

type Incident struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CameraID    string    `json:"camera_id"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Persisted   bool      `json:"persisted"`
	CreatedAt   time.Time `json:"timestamp"`
}

// IsPartial сообщает, что запись несет только {id, status}:
// так выглядит подменная запись resolve, когда хранилище недоступно.
func (i *Incident) IsPartial() bool {
	return i.Type == "" && i.Severity == "" && i.CreatedAt.IsZero()
}

// Report - входящее сообщение об инциденте (ручное или от анализатора)
type Report struct {
	Description string
	Latitude    *float64
	Longitude   *float64
	CameraID    string
	Type        string
	Severity    string
	Confidence  *float64
}
