package queue

import (
	"context"
	"sync"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

// Observers is a concurrency-safe list of job observers.
type Observers struct {
	mu   sync.RWMutex
	list []scanning.JobObserver
}

// Add registers an observer.
func (o *Observers) Add(obs scanning.JobObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *Observers) snapshot() []scanning.JobObserver {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]scanning.JobObserver, len(o.list))
	copy(out, o.list)
	return out
}

// Completed notifies every observer of a successful job.
func (o *Observers) Completed(ctx context.Context, evt scanning.JobEvent) {
	for _, obs := range o.snapshot() {
		obs.JobCompleted(ctx, evt)
	}
}

// Failed notifies every observer of a failed job.
func (o *Observers) Failed(ctx context.Context, evt scanning.JobEvent) {
	for _, obs := range o.snapshot() {
		obs.JobFailed(ctx, evt)
	}
}
