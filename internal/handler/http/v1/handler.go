package v1

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/inciscan/incident_sync/internal/broadcast"
	"github.com/inciscan/incident_sync/internal/config"
	"github.com/inciscan/incident_sync/internal/service"
	"github.com/sirupsen/logrus"
)

const defaultHeartbeatInterval = 15 * time.Second

type Handler struct {
	incidentService service.IncidentService
	broadcaster     *broadcast.Broadcaster
	logger          *logrus.Logger
	validate        *validator.Validate
	cfg             *config.Config
}

func NewHandler(incidentService service.IncidentService, broadcaster *broadcast.Broadcaster, logger *logrus.Logger, cfg *config.Config) *Handler {
	return &Handler{
		incidentService: incidentService,
		broadcaster:     broadcaster,
		logger:          logger,
		validate:        validator.New(),
		cfg:             cfg,
	}
}

// @Summary Submit an incident
// @Description Submit a manual or analyzer report. Type and severity are taken from the report when both are set, otherwise they are classified from the description. Storage failures still return 200 with persisted=false.
// @Tags Incidents
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param incident body SubmitIncidentRequest true "Incident report"
// @Success 200 {object} IncidentResponse
// @Failure 400 {object} map[string]string "Invalid request body or validation error"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /incidents [post]
func (h *Handler) submitIncident(c *gin.Context) {
	var input SubmitIncidentRequest
	log := h.logger.WithField("method", "submitIncident")

	if err := c.ShouldBindJSON(&input); err != nil {
		log.WithError(err).Warn("Failed to bind JSON")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.validate.Struct(input); err != nil {
		log.WithError(err).Warn("Validation failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incident, err := h.incidentService.Submit(c.Request.Context(), RequestToReport(input))
	if err != nil {
		if service.IsValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.WithError(err).Error("Failed to submit incident in service")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, ModelToIncidentResponse(incident))
}

// @Summary Get recent incidents
// @Description Get the most recent incidents, newest first. When storage is unavailable a cached list or a fixed sample is returned.
// @Tags Incidents
// @Produce json
// @Param limit query int false "Number of incidents" default(100) maximum(100)
// @Success 200 {array} IncidentResponse
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /incidents [get]
func (h *Handler) listIncidents(c *gin.Context) {
	log := h.logger.WithField("method", "listIncidents")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultRecentLimit)))
	if err != nil {
		limit = service.DefaultRecentLimit
	}

	incidents, err := h.incidentService.ListRecent(c.Request.Context(), limit)
	if err != nil {
		log.WithError(err).Error("Failed to list incidents from service")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, ModelsToIncidentResponses(incidents))
}

// @Summary Resolve an incident
// @Description Mark an incident as resolved. Resolving an already resolved incident is a no-op that still returns 200.
// @Tags Incidents
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "Incident ID"
// @Success 200 {object} IncidentResponse
// @Failure 400 {object} map[string]string "Invalid incident ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Incident not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /incidents/{id}/resolve [patch]
func (h *Handler) resolveIncident(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid incident ID"})
		return
	}
	log := h.logger.WithField("method", "resolveIncident").WithField("id", id)

	incident, err := h.incidentService.Resolve(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		log.WithError(err).Error("Failed to resolve incident in service")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, ModelToIncidentResponse(incident))
}

// @Summary Get incident statistics
// @Description Get total, active, critical and resolved counters over all known incidents.
// @Tags Incidents
// @Produce json
// @Success 200 {object} StatsResponse
// @Failure 503 {object} map[string]string "Storage unavailable"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /incidents/stats [get]
func (h *Handler) getStats(c *gin.Context) {
	log := h.logger.WithField("method", "getStats")

	agg, err := h.incidentService.Stats(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
			return
		}
		log.WithError(err).Error("Failed to get stats from service")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, AggregatesToStatsResponse(agg))
}

// @Summary Stream incident events
// @Description Server-sent events: new_incident carries the full incident, incident_updated carries {id, status}. A heartbeat event is sent periodically.
// @Tags Incidents
// @Produce text/event-stream
// @Success 200 {string} string "event stream"
// @Router /incidents/stream [get]
func (h *Handler) streamIncidents(c *gin.Context) {
	session := h.broadcaster.Subscribe()
	defer session.Close()
	log := h.logger.WithField("method", "streamIncidents").WithField("session_id", session.ID())

	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	reqCtx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		ctx, cancel := context.WithTimeout(reqCtx, interval)
		event, err := session.Next(ctx)
		cancel()

		switch {
		case err == nil:
			c.SSEvent(string(event.Type), EventPayload(event))
			return true
		case errors.Is(err, context.DeadlineExceeded) && reqCtx.Err() == nil:
			c.SSEvent("heartbeat", time.Now().UTC())
			return true
		case errors.Is(err, broadcast.ErrSessionClosed):
			log.Info("Session closed by broadcaster, ending stream")
			return false
		default:
			return false
		}
	})
	log.Debug("Event stream finished")
}

// @Summary Get application health status
// @Description Get health status of the application and the number of connected observers
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /system/health [get]
func (h *Handler) healthCheck(c *gin.Context) {
	published, failed := h.broadcaster.Stats()
	c.JSON(http.StatusOK, HealthResponse{
		Status:           "ok",
		Sessions:         h.broadcaster.Len(),
		EventsPublished:  published,
		DeliveryFailures: failed,
	})
}
