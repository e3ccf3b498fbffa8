package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/inciscan/incident_sync/internal/config"
	"github.com/inciscan/incident_sync/internal/models"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// State - состояние сессии наблюдателя
type State int32

const (
	StateDisconnected State = iota
	StateBootstrapping
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBootstrapping:
		return "bootstrapping"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stream - поток событий жизненного цикла одной сессии
type Stream interface {
	Next(ctx context.Context) (models.Event, error)
	Close() error
}

// Source - сервер, с которым синхронизируется наблюдатель
type Source interface {
	FetchRecent(ctx context.Context, limit int) ([]models.Incident, error)
	FetchStats(ctx context.Context) (models.Aggregates, error)
	Subscribe(ctx context.Context) (Stream, error)
}

// Snapshot - неизменяемый снимок состояния наблюдателя
type Snapshot struct {
	State      State
	Incidents  []models.Incident
	Aggregates models.Aggregates
	SyncedAt   time.Time
}

// MostSevereActive возвращает открытую запись с наибольшим уровнем опасности.
// При равенстве уровней выбирается более новая.
func (s Snapshot) MostSevereActive() (models.Incident, bool) {
	active := lo.Filter(s.Incidents, func(incident models.Incident, _ int) bool {
		return !incident.Status.IsTerminal()
	})
	if len(active) == 0 {
		return models.Incident{}, false
	}
	return lo.MaxBy(active, func(a, b models.Incident) bool {
		return a.Severity.Rank() > b.Severity.Rank()
	}), true
}

// Reconciler держит локальное представление одного наблюдателя.
// Представление меняет только цикл событий внутри Run, снаружи доступен лишь Snapshot.
type Reconciler struct {
	source   Source
	logger   *logrus.Logger
	cfg      *config.ObserverConfig
	view     *View
	onChange func(Snapshot)

	state    atomic.Int32
	syncedAt time.Time
	snapshot atomic.Pointer[Snapshot]
}

// Option настраивает Reconciler
type Option func(*Reconciler)

// WithOnChange задает обработчик, вызываемый из цикла событий после каждого изменения
func WithOnChange(fn func(Snapshot)) Option {
	return func(r *Reconciler) {
		r.onChange = fn
	}
}

func New(source Source, logger *logrus.Logger, cfg *config.ObserverConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		source: source,
		logger: logger,
		cfg:    cfg,
		view:   NewView(cfg.ViewCap),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snapshot.Store(&Snapshot{State: StateDisconnected, Incidents: []models.Incident{}})
	return r
}

// Snapshot возвращает последний опубликованный снимок
func (r *Reconciler) Snapshot() Snapshot {
	return *r.snapshot.Load()
}

func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Run переподключается до отмены контекста. Каждое подключение начинается с массовой загрузки.
func (r *Reconciler) Run(ctx context.Context) error {
	log := r.logger.WithField("component", "reconciler")

	for {
		err := r.RunSession(ctx)
		r.setState(StateDisconnected)
		r.publish()

		if ctx.Err() != nil {
			log.Info("Reconciler stopped")
			return nil
		}
		log.WithError(err).WithField("retry_in", r.cfg.ReconnectDelay).Warn("Session lost, reconnecting")

		timer := time.NewTimer(r.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Reconciler stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunSession выполняет одно подключение: подписка, массовая загрузка, применение событий.
// Возвращается при потере потока или отмене контекста.
func (r *Reconciler) RunSession(ctx context.Context) error {
	r.setState(StateBootstrapping)

	// Подписываемся до загрузки, чтобы события, опубликованные во время загрузки, не потерялись.
	// Возможные дубли отсекаются по id.
	stream, err := r.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: subscribe: %w", err)
	}
	defer stream.Close()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan models.Event)
	streamErr := make(chan error, 1)
	go pump(pumpCtx, stream, events, streamErr)

	r.bootstrap(ctx)
	r.setState(StateLive)
	r.publish()

	var resync <-chan time.Time
	if r.cfg.ResyncInterval > 0 {
		ticker := time.NewTicker(r.cfg.ResyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			return fmt.Errorf("reconciler: stream lost: %w", err)
		case event := <-events:
			if r.view.Apply(event) {
				r.publish()
			} else {
				r.logger.WithFields(logrus.Fields{
					"component":   "reconciler",
					"event":       event.Type,
					"incident_id": event.IncidentID(),
				}).Debug("Event did not change the view")
			}
		case <-resync:
			if err := r.resync(ctx); err != nil {
				r.logger.WithField("component", "reconciler").WithError(err).Warn("Periodic resync failed, keeping current view")
				continue
			}
			r.publish()
		}
	}
}

// bootstrap загружает начальное состояние. Ошибка загрузки списка не мешает перейти в Live:
// представление начинается с пустого списка и нулевых счетчиков.
func (r *Reconciler) bootstrap(ctx context.Context) {
	log := r.logger.WithField("component", "reconciler")
	if err := r.resync(ctx); err != nil {
		log.WithError(err).Warn("Bootstrap failed, starting with an empty view")
		r.view.Reset(nil, models.Aggregates{})
		r.syncedAt = time.Time{}
		return
	}
	log.WithFields(logrus.Fields{
		"visible": r.view.Len(),
		"total":   r.view.Aggregates().Total,
	}).Info("Bootstrap complete")
}

// resync заново загружает список и счетчики. Если сервер не отдал счетчики,
// они выводятся из загруженного списка.
func (r *Reconciler) resync(ctx context.Context) error {
	fetchCtx, cancel := r.requestContext(ctx)
	defer cancel()

	incidents, err := r.source.FetchRecent(fetchCtx, r.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("reconciler: fetch recent: %w", err)
	}

	aggregates, err := r.source.FetchStats(fetchCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("reconciler: fetch stats: %w", err)
		}
		r.logger.WithField("component", "reconciler").WithError(err).Warn("Failed to fetch stats, deriving from list")
		aggregates = models.DeriveAggregates(incidents)
	}

	r.view.Reset(incidents, aggregates)
	r.syncedAt = time.Now().UTC()
	return nil
}

func (r *Reconciler) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Reconciler) setState(state State) {
	previous := State(r.state.Swap(int32(state)))
	if previous != state {
		r.logger.WithFields(logrus.Fields{
			"component": "reconciler",
			"from":      previous.String(),
			"to":        state.String(),
		}).Debug("State changed")
	}
}

func (r *Reconciler) publish() {
	snapshot := &Snapshot{
		State:      r.State(),
		Incidents:  r.view.Incidents(),
		Aggregates: r.view.Aggregates(),
		SyncedAt:   r.syncedAt,
	}
	r.snapshot.Store(snapshot)
	if r.onChange != nil {
		r.onChange(*snapshot)
	}
}

// pump переносит события из потока в цикл событий
func pump(ctx context.Context, stream Stream, events chan<- models.Event, errs chan<- error) {
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			errs <- err
			return
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}
