package throttle

import (
	"context"
	"fmt"
	"math"
)

// Kind says how a Trigger matches a window total.
type Kind int

const (
	// KindUnknown triggers never match. It is the zero value, so a Trigger
	// built without a constructor is ignored rather than rejected.
	KindUnknown Kind = iota
	KindExact
	KindRange
	KindAlways
)

// Callback runs when its trigger matches. Callbacks that only care about the
// total can ignore the other arguments. A non-nil error is returned from
// RecordEvent as is.
type Callback func(ctx context.Context, total int64, t *Throttle) error

// Trigger binds a condition on the window total to a callback.
type Trigger struct {
	Kind     Kind
	Lo, Hi   int64
	Callback Callback
}

// Exact fires when the total equals n.
func Exact(n int64, cb Callback) Trigger {
	return Trigger{Kind: KindExact, Lo: n, Hi: n, Callback: cb}
}

// Between fires when lo <= total <= hi.
func Between(lo, hi int64, cb Callback) Trigger {
	return Trigger{Kind: KindRange, Lo: lo, Hi: hi, Callback: cb}
}

// AtLeast fires for every total of n or more.
func AtLeast(n int64, cb Callback) Trigger {
	return Between(n, math.MaxInt64, cb)
}

// Always fires on every counted event.
func Always(cb Callback) Trigger {
	return Trigger{Kind: KindAlways, Callback: cb}
}

// TotalOnly adapts a function of the total alone to a Callback.
func TotalOnly(fn func(total int64) error) Callback {
	return func(_ context.Context, total int64, _ *Throttle) error {
		return fn(total)
	}
}

// Matches reports whether the trigger applies to total.
func (tr Trigger) Matches(total int64) bool {
	switch tr.Kind {
	case KindExact:
		return total == tr.Lo
	case KindRange:
		return tr.Lo <= total && total <= tr.Hi
	case KindAlways:
		return true
	default:
		return false
	}
}

func (tr Trigger) String() string {
	switch tr.Kind {
	case KindExact:
		return fmt.Sprintf("exact(%d)", tr.Lo)
	case KindRange:
		if tr.Hi == math.MaxInt64 {
			return fmt.Sprintf("at_least(%d)", tr.Lo)
		}
		return fmt.Sprintf("range(%d..%d)", tr.Lo, tr.Hi)
	case KindAlways:
		return "always"
	default:
		return "unknown"
	}
}

// Evaluator decides what happens once a new window total is known.
// TriggerSet is the usual implementation; a custom Evaluator replaces
// trigger matching altogether.
type Evaluator interface {
	Evaluate(ctx context.Context, total int64, t *Throttle) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, total int64, t *Throttle) error

func (f EvaluatorFunc) Evaluate(ctx context.Context, total int64, t *Throttle) error {
	return f(ctx, total, t)
}

// TriggerSet runs every matching trigger's callback. Callers must not rely
// on the order in which matching triggers run. The first callback error
// stops evaluation and is returned.
type TriggerSet []Trigger

func (s TriggerSet) Evaluate(ctx context.Context, total int64, t *Throttle) error {
	for _, tr := range s {
		if tr.Callback == nil || !tr.Matches(total) {
			continue
		}
		if err := tr.Callback(ctx, total, t); err != nil {
			return err
		}
	}
	return nil
}
