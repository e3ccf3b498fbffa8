package models

// Aggregates - сводные счетчики по логическому множеству инцидентов
type Aggregates struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Critical int `json:"critical"`
	Resolved int `json:"resolved"`
}

// Add учитывает один инцидент в счетчиках
func (a *Aggregates) Add(incident Incident) {
	a.Total++
	if incident.Status == StatusResolved {
		a.Resolved++
	} else {
		a.Active++
	}
	if incident.Severity == SeverityCritical {
		a.Critical++
	}
}

// Merge складывает два набора счетчиков
func (a Aggregates) Merge(other Aggregates) Aggregates {
	return Aggregates{
		Total:    a.Total + other.Total,
		Active:   a.Active + other.Active,
		Critical: a.Critical + other.Critical,
		Resolved: a.Resolved + other.Resolved,
	}
}

// DeriveAggregates пересчитывает счетчики по списку целиком
func DeriveAggregates(incidents []Incident) Aggregates {
	var agg Aggregates
	for _, incident := range incidents {
		agg.Add(incident)
	}
	return agg
}
