package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/internal/events"
	"github.com/hivegrid/hivegrid/internal/events/bus"
)

// StateChange is published on the event bus for every status transition.
type StateChange struct {
	TaskID string
	Kind   string // "agent" or "service"
	Prev   Status
	Next   Status
	At     time.Time
}

// Registry stores agent task records and enforces the state machine. It is
// the single writer for task state; every transition is published as a
// task.state.changed event.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*AgentTask
	bus    bus.EventBus
	logger *logger.Logger
}

// NewRegistry creates an agent task registry publishing on the given bus.
func NewRegistry(b bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]*AgentTask),
		bus:    b,
		logger: log.WithFields(zap.String("component", "task_registry")),
	}
}

// Create stores a new task. The initial status is always pending.
func (r *Registry) Create(ctx context.Context, t *AgentTask) *AgentTask {
	now := time.Now().UTC()
	t.Status = StatusPending
	t.CreatedAt = now
	t.LastUpdatedAt = now

	r.mu.Lock()
	r.tasks[t.TaskID] = t
	cp := *t
	r.mu.Unlock()

	r.logger.Debug("Task created",
		zap.String("task_id", t.TaskID),
		zap.String("agent_id", t.AgentID),
		zap.String("owner_kind", string(t.OwnerKind)))
	return &cp
}

// Get returns the task with the given id.
func (r *Registry) Get(taskID string) (*AgentTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// ListByAgent returns all tasks assigned to an agent, optionally only the
// ones in a non-terminal status.
func (r *Registry) ListByAgent(agentID string, activeOnly bool) []*AgentTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentTask
	for _, t := range r.tasks {
		if t.AgentID != agentID {
			continue
		}
		if activeOnly && t.Status.Terminal() {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// UpdateStatus transitions a task through the state machine, merges the
// update into the record, and publishes a task.state.changed event. A second
// terminal transition returns ErrTerminal so the caller can log and drop it.
func (r *Registry) UpdateStatus(ctx context.Context, taskID string, next Status, upd Update) (*AgentTask, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	prev := t.Status
	if prev.Terminal() {
		r.mu.Unlock()
		return nil, ErrTerminal
	}
	if !CanTransition(prev, next) {
		r.mu.Unlock()
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	t.Status = next
	t.LastUpdatedAt = now
	switch next {
	case StatusCompleted:
		t.Result = upd.Result
		t.CompletedAt = &now
	case StatusFailed, StatusCancelled:
		t.Error = upd.Error
		t.CompletedAt = &now
	default:
		if len(upd.Details) > 0 {
			t.StatusDetails = upd.Details
		}
	}
	cp := *t
	r.mu.Unlock()

	r.publishChange(ctx, StateChange{TaskID: taskID, Kind: "agent", Prev: prev, Next: next, At: now})
	return &cp, nil
}

// RecordProgress stores an in_progress snapshot without transitioning the
// task. A result payload on a non-terminal status update lands here.
func (r *Registry) RecordProgress(taskID string, snapshot []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok && !t.Status.Terminal() {
		t.StatusDetails = snapshot
		t.LastUpdatedAt = time.Now().UTC()
	}
}

func (r *Registry) publishChange(ctx context.Context, change StateChange) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskStateChanged, "task_registry", map[string]interface{}{
		"taskId": change.TaskID,
		"kind":   change.Kind,
		"prev":   string(change.Prev),
		"next":   string(change.Next),
		"at":     change.At.Format(time.RFC3339Nano),
	})
	subject := events.BuildTaskSubject(events.TaskStateChanged, change.TaskID)
	if err := r.bus.Publish(ctx, subject, event); err != nil {
		r.logger.Error("Failed to publish state change",
			zap.String("task_id", change.TaskID),
			zap.Error(err))
	}
}

// ServiceRegistry stores service task records. Same state machine, same
// event subject, kind "service".
type ServiceRegistry struct {
	mu     sync.RWMutex
	tasks  map[string]*ServiceTask
	bus    bus.EventBus
	logger *logger.Logger
}

// NewServiceRegistry creates a service task registry publishing on the bus.
func NewServiceRegistry(b bus.EventBus, log *logger.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		tasks:  make(map[string]*ServiceTask),
		bus:    b,
		logger: log.WithFields(zap.String("component", "service_task_registry")),
	}
}

// Create stores a new service task with status pending.
func (r *ServiceRegistry) Create(ctx context.Context, t *ServiceTask) *ServiceTask {
	now := time.Now().UTC()
	t.Status = StatusPending
	t.CreatedAt = now
	t.LastUpdatedAt = now

	r.mu.Lock()
	r.tasks[t.TaskID] = t
	cp := *t
	r.mu.Unlock()
	return &cp
}

// Get returns the service task with the given id.
func (r *ServiceRegistry) Get(taskID string) (*ServiceTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// ListByService returns all tasks dispatched to a service, optionally only
// the ones in a non-terminal status.
func (r *ServiceRegistry) ListByService(serviceID string, activeOnly bool) []*ServiceTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ServiceTask
	for _, t := range r.tasks {
		if t.ServiceID != serviceID {
			continue
		}
		if activeOnly && t.Status.Terminal() {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// UpdateStatus transitions a service task through the state machine.
func (r *ServiceRegistry) UpdateStatus(ctx context.Context, taskID string, next Status, upd Update) (*ServiceTask, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	prev := t.Status
	if prev.Terminal() {
		r.mu.Unlock()
		return nil, ErrTerminal
	}
	if !CanTransition(prev, next) {
		r.mu.Unlock()
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	t.Status = next
	t.LastUpdatedAt = now
	switch next {
	case StatusCompleted:
		t.Result = upd.Result
		t.CompletedAt = &now
	case StatusFailed, StatusCancelled:
		t.Error = upd.Error
		t.CompletedAt = &now
	default:
		if len(upd.Details) > 0 {
			t.StatusDetails = upd.Details
		}
	}
	cp := *t
	r.mu.Unlock()

	if r.bus != nil {
		event := bus.NewEvent(events.TaskStateChanged, "service_task_registry", map[string]interface{}{
			"taskId": taskID,
			"kind":   "service",
			"prev":   string(prev),
			"next":   string(next),
			"at":     now.Format(time.RFC3339Nano),
		})
		subject := events.BuildTaskSubject(events.TaskStateChanged, taskID)
		if err := r.bus.Publish(ctx, subject, event); err != nil {
			r.logger.Error("Failed to publish state change",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}
	return &cp, nil
}
