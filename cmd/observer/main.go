package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/inciscan/incident_sync/internal/client"
	"github.com/inciscan/incident_sync/internal/config"
	"github.com/inciscan/incident_sync/internal/models"
	"github.com/inciscan/incident_sync/internal/reconciler"
	"github.com/inciscan/incident_sync/pkg/logger"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Наблюдатель без интерфейса: держит локальное представление и пишет его в лог при каждом изменении
func main() {
	// Загрузка конфигурации
	cfg, err := config.LoadObserverConfig()
	if err != nil {
		logrus.Fatalf("Failed to load observer config: %v", err)
	}

	// Инициализация логгера
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := client.New(cfg, log)
	r := reconciler.New(source, log, cfg, reconciler.WithOnChange(func(s reconciler.Snapshot) {
		entry := log.WithFields(logrus.Fields{
			"state":    s.State.String(),
			"visible":  len(s.Incidents),
			"total":    s.Aggregates.Total,
			"active":   s.Aggregates.Active,
			"critical": s.Aggregates.Critical,
			"resolved": s.Aggregates.Resolved,
		})
		if len(s.Incidents) > 0 {
			latest := s.Incidents[0]
			entry = entry.WithFields(logrus.Fields{
				"latest_id":   latest.ID,
				"latest_type": latest.Type,
				"unpersisted": lo.CountBy(s.Incidents, func(i models.Incident) bool { return !i.Persisted }),
			})
		}
		if top, ok := s.MostSevereActive(); ok {
			entry = entry.WithFields(logrus.Fields{
				"top_id":       top.ID,
				"top_severity": top.Severity,
			})
		}
		entry.Info("View updated")
	}))

	log.WithField("server", cfg.ServerURL).Info("Starting observer")
	if err := r.Run(ctx); err != nil {
		log.Fatalf("Observer stopped with error: %v", err)
	}
	log.Info("Observer stopped")
}
