package alerting

import (
	"context"
	"sync"

	"telemetry-gateway/internal/data"
)

// Repository persists alert versions. Save is an upsert by alert id.
type Repository interface {
	Save(ctx context.Context, a *data.Alert) error
	ListOpen(ctx context.Context) ([]*data.Alert, error)
}

type MemoryRepository struct {
	mu     sync.RWMutex
	alerts map[string]*data.Alert
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: make(map[string]*data.Alert)}
}

func (r *MemoryRepository) Save(_ context.Context, a *data.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepository) ListOpen(_ context.Context) ([]*data.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*data.Alert
	for _, a := range r.alerts {
		if a.Open() {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) Get(id string) (*data.Alert, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}
