package health

import (
	"context"
	"errors"

	"github.com/tonelab/tone/internal/resilience"
)

// Backend is the part of the dispatcher the readiness checks need.
type Backend interface {
	Ready() bool
	BreakerState() resilience.State
}

// BackendLoaded fails until a model backend is loaded.
func BackendLoaded(b Backend) Checker {
	return Checker{
		Name: "model",
		Check: func(context.Context) error {
			if !b.Ready() {
				return errors.New("model backend not loaded")
			}
			return nil
		},
	}
}

// BreakerClosed fails while the backend circuit breaker is open.
func BreakerClosed(b Backend) Checker {
	return Checker{
		Name: "breaker",
		Check: func(context.Context) error {
			if s := b.BreakerState(); s == resilience.StateOpen {
				return errors.New("circuit " + s.String())
			}
			return nil
		},
	}
}
