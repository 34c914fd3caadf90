package notification

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/notification/domain"
)

// Queue names a notification queue and the service owning it.
type Queue struct {
	Name        string
	ServiceName string
}

// Registry knows which queues exist in this process.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: map[string]Queue{}}
}

// NewLifecycleRegistry registers the queue named by the lifecycle config.
func NewLifecycleRegistry(holder *config.LifecycleConfigHolder) *Registry {
	cfg := holder.Get()
	registry := NewRegistry()
	registry.Register(Queue{Name: cfg.QueueName, ServiceName: cfg.ServiceName})
	return registry
}

func (r *Registry) Register(queue Queue) {
	name := strings.TrimSpace(queue.Name)
	if name == "" {
		return
	}
	queue.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[name] = queue
}

func (r *Registry) Lookup(name string) (Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	queue, ok := r.queues[strings.TrimSpace(name)]
	if !ok {
		return Queue{}, errors.Wrapf(domain.ErrQueueNotFound, "queue %q", name)
	}
	return queue, nil
}
