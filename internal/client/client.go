package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/inciscan/incident_sync/internal/config"
	"github.com/inciscan/incident_sync/internal/models"
	"github.com/inciscan/incident_sync/internal/reconciler"
	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"
	backoff "gopkg.in/cenkalti/backoff.v1"
)

// Client - HTTP-транспорт наблюдателя: массовая загрузка, счетчики и поток событий
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *logrus.Logger

	streamIdleTimeout time.Duration
}

func New(cfg *config.ObserverConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: cfg.ServerURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		// Поток живет, пока жив контекст подписки
		streamClient: &http.Client{},
		logger:       logger,

		streamIdleTimeout: cfg.StreamIdleTimeout,
	}
}

// FetchRecent загружает последние инциденты, новые первыми
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]models.Incident, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	var incidents []models.Incident
	if err := c.getJSON(ctx, "/incidents?"+query.Encode(), &incidents); err != nil {
		return nil, err
	}
	return incidents, nil
}

// FetchStats загружает счетчики по всем инцидентам сервера
func (c *Client) FetchStats(ctx context.Context) (models.Aggregates, error) {
	var agg models.Aggregates
	if err := c.getJSON(ctx, "/incidents/stats", &agg); err != nil {
		return models.Aggregates{}, err
	}
	return agg, nil
}

// Subscribe открывает SSE-поток событий жизненного цикла и возвращается после ответа сервера.
// Переподключение выполняет наблюдатель, поэтому подписка не восстанавливается сама:
// после разрыва нужна новая массовая загрузка.
func (c *Client) Subscribe(ctx context.Context) (reconciler.Stream, error) {
	streamURL := c.baseURL + "/incidents/stream"
	connected := make(chan struct{})
	var connectOnce sync.Once

	sub := sse.NewClient(streamURL)
	sub.Connection = c.streamClient
	sub.ReconnectStrategy = &backoff.StopBackOff{}
	if c.apiKey != "" {
		sub.Headers = map[string]string{"X-API-Key": c.apiKey}
	}
	sub.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		connectOnce.Do(func() { close(connected) })
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := newEventStream(cancel, c.streamIdleTimeout)
	go stream.run(streamCtx, sub)

	select {
	case <-connected:
	case <-stream.finished:
		select {
		case <-connected:
		default:
			stream.Close()
			return nil, fmt.Errorf("client: open stream: %w", stream.err)
		}
	case <-ctx.Done():
		stream.Close()
		return nil, ctx.Err()
	}

	c.logger.WithField("url", streamURL).Info("Event stream opened")
	return stream, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("client: GET %s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}
