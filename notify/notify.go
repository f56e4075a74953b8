// Package notify publishes operational alerts (prep anomalies, viewers gone
// offline) to the external alerting channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/utils"
)

const (
	KindPrepAnomaly   = "prep_anomaly"
	KindViewerOffline = "viewer_offline"
)

// DefaultSubject is the NATS subject alerts are published on.
const DefaultSubject = "kitchen.alerts"

type Notification struct {
	Kind      string                 `json:"kind"`
	StationID uint                   `json:"station_id,omitempty"`
	OrderID   uint                   `json:"order_id,omitempty"`
	RoutingID uint                   `json:"routing_id,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	At        time.Time              `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the application log. It is the fallback
// when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	utils.InfoLogger.WithFields(logrus.Fields{
		"kind":       n.Kind,
		"station_id": n.StationID,
		"order_id":   n.OrderID,
		"routing_id": n.RoutingID,
	}).Warn(n.Message)
	return nil
}

// Publisher is the subset of *nats.Conn used for alerts.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

type NATSNotifier struct {
	pub     Publisher
	subject string
}

func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish notification on %s: %w", n.subject, err)
	}
	return nil
}

// BreakerNotifier guards another notifier with a circuit breaker so that an
// unreachable broker fails fast instead of slowing every completion.
type BreakerNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker[struct{}]
}

type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreakerNotifier(next Notifier, cfg BreakerConfig) *BreakerNotifier {
	if cfg.Name == "" {
		cfg.Name = "alerts"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	metrics.NotifierBreakerState.WithLabelValues(cfg.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			utils.InfoLogger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("notifier circuit breaker state changed")
			metrics.NotifierBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &BreakerNotifier{next: next, cb: cb}
}

func (b *BreakerNotifier) Notify(ctx context.Context, n Notification) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Notify(ctx, n)
	})
	return err
}

// State exposes the breaker state for health reporting and tests.
func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}

// IsOpen reports whether err came from a tripped breaker rather than the
// wrapped notifier.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, next := range m {
		if err := next.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
