// Package cluster defines how scan reconciliation is limited to a single
// instance.
package cluster

import (
	"context"
	"sync"
)

// Coordinator manages leader election to ensure only one instance actively coordinates work.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	OnLeadershipChange(cb func(isLeader bool))
}

// Standalone is a Coordinator for single-instance deployments. It becomes
// leader as soon as it starts and gives up leadership when stopped.
type Standalone struct {
	mu     sync.Mutex
	cb     func(isLeader bool)
	cancel context.CancelFunc
}

var _ Coordinator = (*Standalone)(nil)

// NewStandalone creates a Standalone coordinator.
func NewStandalone() *Standalone { return new(Standalone) }

// Start reports leadership and blocks until ctx is cancelled or Stop is called.
func (s *Standalone) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		cb(true)
	}
	<-ctx.Done()
	if cb != nil {
		cb(false)
	}
	return nil
}

// Stop ends a running Start.
func (s *Standalone) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// OnLeadershipChange registers the callback invoked on start and stop.
func (s *Standalone) OnLeadershipChange(cb func(isLeader bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}
