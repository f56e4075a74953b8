// Package viewer is the client side of the change feed: it keeps a kitchen,
// expo or server screen subscribed, reconnects with backoff and reconciles
// optimistic operator actions with the authoritative stream.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/notify"
	"github.com/yeremiapane/kitchen-router/utils"
)

var ErrClosed = errors.New("viewer closed")

type Config struct {
	ID       string
	Filter   kds.Filter
	Backoff  Backoff
	Notifier notify.Notifier

	// OnStateChange and OnEvent are called from the manager goroutine.
	OnStateChange func(from, to State)
	OnEvent       func(e kds.Event, outcome Outcome)
}

// Manager drives one viewer connection. All state changes happen on a single
// goroutine started by Start; Close cancels it and any pending reconnect.
type Manager struct {
	cfg     Config
	dialer  Dialer
	mutator Mutator
	view    *View

	mu      sync.Mutex
	state   State
	lastErr error
	started bool
	closed  bool

	cancel context.CancelFunc
	retry  chan struct{}
	done   chan struct{}
}

func NewManager(cfg Config, dialer Dialer, mutator Mutator) (*Manager, error) {
	if err := cfg.Filter.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{}
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		mutator: mutator,
		view:    NewView(),
		state:   Disconnected,
		retry:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

func (m *Manager) View() *View { return m.view }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the error that caused the latest degradation.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Done is closed once the manager has reached its terminal state.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Start launches the event loop. A manager runs once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("viewer %s already started", m.cfg.ID)
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Close disconnects and cancels any pending reconnect immediately. In-flight
// mutations are not cancelled.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	started := m.started
	m.mu.Unlock()

	if !started {
		close(m.done)
		return
	}
	cancel()
	<-m.done
}

// Retry leaves the Offline state and starts a fresh retry episode.
func (m *Manager) Retry() {
	select {
	case m.retry <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(Disconnected)

	m.setState(Connecting)
	schedule := m.cfg.Backoff.Start()

	for {
		conn, err := m.dialer.Dial(ctx, m.cfg.Filter, m.view.LastSeq())
		if err == nil {
			m.setState(Subscribed)
			var healthy bool
			healthy, err = m.consume(ctx, conn, schedule.healthyAfter())
			// A connection that is accepted and dropped straight away does
			// not end the retry episode.
			if healthy {
				schedule = m.cfg.Backoff.Start()
			}
		}
		if ctx.Err() != nil {
			return
		}

		m.degrade(err)
		delay, ok := schedule.Next()
		if !ok {
			m.setState(Offline)
			m.notifyOffline(ctx, schedule.Attempt(), err)
			select {
			case <-ctx.Done():
				return
			case <-m.retry:
				schedule = m.cfg.Backoff.Start()
				m.setState(Reconnecting)
				continue
			}
		}

		m.setState(Reconnecting)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume applies frames until the connection fails or ctx ends. healthy
// reports whether a frame was applied or the connection outlived healthyAfter.
func (m *Manager) consume(ctx context.Context, conn Conn, healthyAfter time.Duration) (healthy bool, err error) {
	connected := time.Now()
	defer func() {
		if time.Since(connected) >= healthyAfter {
			healthy = true
		}
	}()

	events := make(chan kds.Event)
	errs := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	go func() {
		for {
			e, err := conn.ReadEvent()
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- e:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()
		case err := <-errs:
			return healthy, err
		case e := <-events:
			applied, outcome, err := m.view.ApplyEvent(e)
			if err != nil {
				utils.ErrorLogger.WithError(err).WithField("viewer", m.cfg.ID).Warn("dropping malformed frame")
				continue
			}
			healthy = true
			if applied && m.cfg.OnEvent != nil {
				m.cfg.OnEvent(e, outcome)
			}
		}
	}
}

func (m *Manager) degrade(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	utils.ErrorLogger.WithError(err).WithField("viewer", m.cfg.ID).Warn("change feed lost")
	m.setState(Degraded)
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	if !prev.CanTransitionTo(next) {
		m.mu.Unlock()
		utils.ErrorLogger.WithFields(logrus.Fields{"viewer": m.cfg.ID, "from": prev, "to": next}).Error("invalid viewer state transition")
		return
	}
	m.state = next
	m.mu.Unlock()

	utils.InfoLogger.WithFields(logrus.Fields{"viewer": m.cfg.ID, "from": prev, "to": next}).Debug("viewer state changed")
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(prev, next)
	}
}

func (m *Manager) notifyOffline(ctx context.Context, attempts int, cause error) {
	n := notify.Notification{
		Kind:      notify.KindViewerOffline,
		StationID: m.cfg.Filter.StationID,
		Message:   fmt.Sprintf("viewer %s offline after %d reconnect attempts", m.cfg.ID, attempts),
		Details: map[string]interface{}{
			"viewer_id": m.cfg.ID,
			"role":      m.cfg.Filter.Role,
			"table_id":  m.cfg.Filter.TableID,
			"attempts":  attempts,
		},
		At: time.Now().UTC(),
	}
	if cause != nil {
		n.Details["error"] = cause.Error()
	}
	if err := m.cfg.Notifier.Notify(ctx, n); err != nil {
		utils.ErrorLogger.WithError(err).WithField("viewer", m.cfg.ID).Error("failed to publish offline notification")
	}
}

// Do applies action optimistically and sends it to the server. The request
// outlives Close; once it returns the view is reconciled with the answer:
// a refused or failed request rolls the guess back.
func (m *Manager) Do(ctx context.Context, routingID uint, action models.Action, actorID string) (*models.RoutingRecord, error) {
	if _, err := m.view.Optimistic(routingID, action, actorID, time.Now().UTC()); err != nil {
		return nil, err
	}

	rec, err := m.mutator.Transition(context.WithoutCancel(ctx), routingID, action, actorID)
	if err != nil {
		m.view.Reject(routingID)
		return nil, err
	}
	m.view.Confirm(*rec)
	return rec, nil
}
