package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inciscan/incident_sync/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const signatureHeader = "X-Webhook-Signature"

// WebhookWorker - структура для обработки и отправки вебхуков
type WebhookWorker struct {
	redisClient *redis.Client
	logger      *logrus.Logger
	cfg         *config.Config
	httpClient  *http.Client
}

// NewWebhookWorker создает новый WebhookWorker
func NewWebhookWorker(redisClient *redis.Client, logger *logrus.Logger, cfg *config.Config) *WebhookWorker {
	return &WebhookWorker{
		redisClient: redisClient,
		logger:      logger,
		cfg:         cfg,
		httpClient: &http.Client{
			Timeout: cfg.WebhookTimeout,
		},
	}
}

// Start запускает горутину для обработки очереди вебхуков
func (w *WebhookWorker) Start(ctx context.Context) {
	w.logger.Info("Starting webhook worker...")
	go func() {
		for {
			// BRPOP - блокирующее извлечение из хвоста очереди, 0 означает бесконечное ожидание
			result, err := w.redisClient.BRPop(ctx, 0, webhookQueueKey).Result()
			if err != nil {
				if ctx.Err() != nil {
					w.logger.Info("Stopping webhook worker.")
					return
				}
				w.logger.WithError(err).Error("Failed to pop webhook event from Redis")
				if !sleepContext(ctx, w.cfg.WebhookTimeout) {
					w.logger.Info("Stopping webhook worker.")
					return
				}
				continue
			}

			// result[0] - ключ, result[1] - значение
			w.processWebhookEvent(ctx, result[1])
		}
	}()
}

func (w *WebhookWorker) processWebhookEvent(ctx context.Context, payload string) {
	var event WebhookEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		w.logger.WithError(err).Error("Failed to unmarshal webhook event from Redis")
		return
	}

	log := w.logger.WithFields(logrus.Fields{
		"event":       event.Event,
		"incident_id": event.IncidentID,
	})
	log.Debug("Processing webhook event...")

	if err := w.Deliver(ctx, payload); err != nil {
		log.WithError(err).Error("Failed to deliver webhook")
		return
	}
	log.Info("Webhook delivered successfully.")
}

// Deliver отправляет полезную нагрузку на WEBHOOK_URL с экспоненциальной задержкой между попытками.
// Сетевые ошибки, 429 и 5xx повторяются, остальные ответы не 2xx считаются окончательными.
func (w *WebhookWorker) Deliver(ctx context.Context, payload string) error {
	if w.cfg.WebhookURL == "" {
		return errors.New("webhook URL is not configured")
	}

	attempts := max(w.cfg.WebhookMaxRetries, 1)
	baseDelay := max(w.cfg.WebhookBaseDelay, time.Millisecond)
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(baseDelay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := w.send(ctx, payload)
		if err == nil {
			return nil
		}

		var statusErr *statusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			return err
		}
		w.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"retries_left": attempts - attempt,
		}).Warn("Failed to send webhook")
		return retry.RetryableError(err)
	})
}

func (w *WebhookWorker) send(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Добавляем HMAC подпись, если WEBHOOK_SECRET задан
	if w.cfg.WebhookSecret != "" {
		req.Header.Set(signatureHeader, generateHMACSHA256(payload, w.cfg.WebhookSecret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook delivery failed with status code %d", e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// generateHMACSHA256 генерирует HMAC-SHA256 подпись для данных
func generateHMACSHA256(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
