// Package notify delivers trigger events raised by throttles to logs,
// websocket clients, recorders and Kafka.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/throttle"
)

// Action names what a matched trigger does besides publishing an Event.
type Action string

const (
	// ActionLog only publishes the event.
	ActionLog Action = "log"
	// ActionReject publishes the event and fails the recorded event with
	// throttle.ErrThresholdExceeded.
	ActionReject Action = "reject"
	// ActionNotify publishes the event, including to external brokers.
	ActionNotify Action = "notify"
)

// ParseAction validates an action name. Empty means ActionLog.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case "", ActionLog:
		return ActionLog, nil
	case ActionReject, ActionNotify:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown action %q, must be one of: log, reject, notify", s)
	}
}

// Event is one trigger firing.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Throttle string    `json:"throttle"`
	Total    int64     `json:"total"`
	Trigger  string    `json:"trigger"`
	Action   Action    `json:"action"`
}

// NewEvent stamps a new event with a random ID.
func NewEvent(at time.Time, throttleName string, total int64, trigger string, action Action) Event {
	return Event{
		ID:       uuid.NewString(),
		Time:     at,
		Throttle: throttleName,
		Total:    total,
		Trigger:  trigger,
		Action:   action,
	}
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Multi delivers every event to each notifier in turn. All of them are tried
// even if some fail; the failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter passes on only events with one of the given actions.
func Filter(n Notifier, actions ...Action) Notifier {
	return NotifierFunc(func(ctx context.Context, ev Event) error {
		for _, a := range actions {
			if ev.Action == a {
				return n.Notify(ctx, ev)
			}
		}
		return nil
	})
}

// LogNotifier writes events to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, ev Event) error {
	l.logger.Info("throttle triggered",
		zap.String("event_id", ev.ID),
		zap.String("throttle", ev.Throttle),
		zap.Int64("total", ev.Total),
		zap.String("trigger", ev.Trigger),
		zap.String("action", string(ev.Action)),
	)
	return nil
}

// Callback returns a trigger callback that publishes an Event to n each time
// the trigger described by label matches. Delivery failures are logged and
// do not fail the recorded event. For ActionReject the callback returns
// throttle.ErrThresholdExceeded after publishing.
func Callback(action Action, label string, n Notifier, clk clock.Clock, logger *zap.Logger) throttle.Callback {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, total int64, t *throttle.Throttle) error {
		ev := NewEvent(clk.Now(), t.Name(), total, label, action)
		if n != nil {
			if err := n.Notify(ctx, ev); err != nil {
				logger.Warn("event delivery failed",
					zap.String("event_id", ev.ID),
					zap.String("throttle", ev.Throttle),
					zap.Error(err))
			}
		}
		if action == ActionReject {
			return throttle.ErrThresholdExceeded
		}
		return nil
	}
}
