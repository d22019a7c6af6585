// Package observer fetches the watched value together with the evidence
// captured at the same moment.
package observer

import (
	"context"
)

// Observation is one successful read of the watched value.
type Observation struct {
	Value     int64
	Artifact  []byte
	MediaType string
	SubType   string
	Ext       string
}

// Observer yields the current value and its evidence artifact.
type Observer interface {
	Observe(ctx context.Context) (Observation, error)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context) (Observation, error)

func (f ObserverFunc) Observe(ctx context.Context) (Observation, error) {
	return f(ctx)
}
