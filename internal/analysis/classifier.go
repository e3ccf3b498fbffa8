package analysis

import (
	"strings"

	"github.com/inciscan/incident_sync/internal/models"
)

// Result - результат классификации описания инцидента
type Result struct {
	Type       string
	Severity   models.Severity
	Confidence float64
}

// Classifier определяет контракт внешнего анализатора: чистая функция от описания
type Classifier interface {
	Classify(description string) Result
}

type rule struct {
	keywords []string
	result   Result
}

// KeywordClassifier классифицирует описание по ключевым словам.
// Правила проверяются по порядку, побеждает первое совпадение.
type KeywordClassifier struct {
	rules    []rule
	fallback Result
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		rules: []rule{
			{
				keywords: []string{"weapon", "knife", "gun", "shot", "shooting"},
				result:   Result{Type: "Weapon", Severity: models.SeverityCritical, Confidence: 0.9},
			},
			{
				keywords: []string{"fight", "violence", "violent", "assault", "attack"},
				result:   Result{Type: "Violence", Severity: models.SeverityCritical, Confidence: 0.85},
			},
			{
				keywords: []string{"fire", "smoke", "explosion"},
				result:   Result{Type: "Fire", Severity: models.SeverityCritical, Confidence: 0.8},
			},
			{
				keywords: []string{"stampede", "crowd", "crush", "overcrowd"},
				result:   Result{Type: "Crowd", Severity: models.SeverityHigh, Confidence: 0.8},
			},
			{
				keywords: []string{"theft", "steal", "stole", "robbery", "pickpocket", "shoplift"},
				result:   Result{Type: "Theft", Severity: models.SeverityHigh, Confidence: 0.75},
			},
			{
				keywords: []string{"vandal", "graffiti", "damage"},
				result:   Result{Type: "Vandalism", Severity: models.SeverityMedium, Confidence: 0.7},
			},
			{
				keywords: []string{"suspicious", "loiter", "unattended", "abandoned bag"},
				result:   Result{Type: "Suspicious Activity", Severity: models.SeverityMedium, Confidence: 0.6},
			},
		},
		fallback: Result{Type: "Other", Severity: models.SeverityLow, Confidence: 0.5},
	}
}

// Classify возвращает тип, уровень и уверенность для описания
func (c *KeywordClassifier) Classify(description string) Result {
	text := strings.ToLower(description)
	if strings.TrimSpace(text) == "" {
		return c.fallback
	}
	for _, r := range c.rules {
		for _, keyword := range r.keywords {
			if strings.Contains(text, keyword) {
				return r.result
			}
		}
	}
	return c.fallback
}
