package vector

import (
	"errors"
	"log/slog"
)

const (
	// DefaultMinGraphSize is the vector count below which queries scan exactly.
	DefaultMinGraphSize = 1024
	// DefaultConnections is the neighbour count kept per graph node.
	DefaultConnections = 16
	// DefaultEfSearch is the candidate list size a graph query explores.
	DefaultEfSearch = 64

	graphSeed = 1
)

// Option configures an Index.
type Option func(*graphIndex) error

// WithMinGraphSize sets the vector count at which a model switches from
// exact scans to the neighbour graph.
func WithMinGraphSize(n int) Option {
	return func(i *graphIndex) error {
		if n < 1 {
			return errors.New("min graph size must be positive")
		}
		i.minGraphSize = n
		return nil
	}
}

// WithConnections sets the maximum neighbours kept per graph node.
func WithConnections(n int) Option {
	return func(i *graphIndex) error {
		if n < 2 {
			return errors.New("connections must be at least 2")
		}
		i.connections = n
		return nil
	}
}

// WithEfSearch sets how many candidates a graph query explores. It is the
// recall/latency knob: larger values approach exact recall.
func WithEfSearch(n int) Option {
	return func(i *graphIndex) error {
		if n < 1 {
			return errors.New("ef search must be positive")
		}
		i.efSearch = n
		return nil
	}
}

// WithLogger sets the logger for index maintenance events.
func WithLogger(logger *slog.Logger) Option {
	return func(i *graphIndex) error {
		i.logger = logger
		return nil
	}
}
