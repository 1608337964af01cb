// Package notifier fans task lifecycle events out to the channel of whoever
// owns the task. Delivery is best-effort: an offline owner misses the push
// but the task record keeps the outcome.
package notifier

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/internal/events"
	"github.com/hivegrid/hivegrid/internal/events/bus"
	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/internal/task"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// Sender delivers a message to a peer connection.
type Sender interface {
	Send(connectionID string, msg *protocol.Message) error
}

// Deps are the stores the notifier reads. Event payloads carry only ids;
// the current record is always re-fetched so the bus can sit behind a
// serialization boundary.
type Deps struct {
	Bus          bus.EventBus
	Tasks        *task.Registry
	ServiceTasks *task.ServiceRegistry
	Agents       *registry.Registry
	Clients      *registry.Registry
	AgentHub     Sender
	ClientHub    Sender
}

// Notifier subscribes to the bus and pushes owner-facing envelopes.
type Notifier struct {
	deps   Deps
	subs   []bus.Subscription
	logger *logger.Logger
}

// New creates a notifier.
func New(deps Deps, log *logger.Logger) *Notifier {
	return &Notifier{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "notifier")),
	}
}

// Start subscribes to the task event subjects.
func (n *Notifier) Start() error {
	subjects := map[string]bus.EventHandler{
		events.BuildTaskWildcardSubject(events.TaskStateChanged):    n.handleStateChange,
		events.BuildTaskWildcardSubject(events.TaskNotification):    n.handleTaskNotification,
		events.BuildTaskWildcardSubject(events.ServiceNotification): n.handleServiceNotification,
	}
	for subject, handler := range subjects {
		sub, err := n.deps.Bus.Subscribe(subject, handler)
		if err != nil {
			n.Stop()
			return err
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

// Stop drops all subscriptions.
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Debug("Unsubscribe failed", zap.Error(err))
		}
	}
	n.subs = nil
}

func (n *Notifier) handleStateChange(ctx context.Context, event *bus.Event) error {
	taskID := stringField(event, "taskId")
	kind := stringField(event, "kind")
	next := task.Status(stringField(event, "next"))
	if taskID == "" {
		return nil
	}

	if kind == "service" {
		n.deliverServiceOutcome(taskID, next)
		return nil
	}

	t, ok := n.deps.Tasks.Get(taskID)
	if !ok {
		return nil
	}
	switch t.OwnerKind {
	case task.OwnerClient:
		n.deliverToClient(t, next)
	case task.OwnerAgent:
		n.deliverToAgent(t, next)
	}
	return nil
}

// deliverToClient maps a transition to the client-facing envelope.
func (n *Notifier) deliverToClient(t *task.AgentTask, next task.Status) {
	var msg *protocol.Message
	var err error

	switch next {
	case task.StatusInProgress:
		msg, err = protocol.NewMessage(protocol.TypeTaskStatus, protocol.TaskStatusContent{
			TaskID: t.TaskID,
			Status: string(task.StatusInProgress),
		})
	case task.StatusCompleted:
		msg, err = protocol.NewReply(t.OriginID, protocol.TypeTaskResult, protocol.TaskResultContent{
			TaskID: t.TaskID,
			Result: t.Result,
		})
	case task.StatusFailed:
		msg, err = protocol.NewReply(t.OriginID, protocol.TypeTaskError, protocol.TaskErrorContent{
			TaskID: t.TaskID,
			Error:  t.Error,
		})
	case task.StatusCancelled:
		msg, err = protocol.NewMessage(protocol.TypeTaskStatus, protocol.TaskStatusContent{
			TaskID: t.TaskID,
			Status: string(task.StatusCancelled),
			Error:  t.Error,
		})
	default:
		return
	}
	if err != nil {
		return
	}
	n.push(n.deps.Clients, n.deps.ClientHub, t.OwnerID, msg)
}

// deliverToAgent maps a delegated task's terminal transition to the
// requester-facing envelope. Progress is carried by notifications, so
// in_progress is not echoed back. The response content is the task's result
// object itself; the envelope's requestId carries the correlation.
func (n *Notifier) deliverToAgent(t *task.AgentTask, next task.Status) {
	var msg *protocol.Message

	switch next {
	case task.StatusCompleted:
		msg = &protocol.Message{
			ID:        protocol.NewID(),
			Type:      protocol.TypeAgentResponse,
			Content:   t.Result,
			RequestID: t.OriginID,
		}
	case task.StatusFailed, task.StatusCancelled:
		msg = protocol.NewErrorReply(t.OriginID, errorCodeForReason(t.Error), t.Error)
	default:
		return
	}
	n.push(n.deps.Agents, n.deps.AgentHub, t.OwnerID, msg)
}

// deliverServiceOutcome relays a terminal service task result to the owning
// agent. Synchronous calls already got the result through their waiting
// request and are skipped here.
func (n *Notifier) deliverServiceOutcome(taskID string, next task.Status) {
	if !next.Terminal() {
		return
	}
	t, ok := n.deps.ServiceTasks.Get(taskID)
	if !ok || t.Sync {
		return
	}
	msg, err := protocol.NewReply(t.OriginID, protocol.TypeServiceTaskResult, protocol.ServiceTaskResultContent{
		TaskID: t.TaskID,
		Result: t.Result,
		Error:  t.Error,
	})
	if err != nil {
		return
	}
	n.push(n.deps.Agents, n.deps.AgentHub, t.OwnerID, msg)
}

func (n *Notifier) handleTaskNotification(ctx context.Context, event *bus.Event) error {
	taskID := stringField(event, "taskId")
	t, ok := n.deps.Tasks.Get(taskID)
	if !ok {
		return nil
	}
	msg, err := protocol.NewMessage(protocol.TypeTaskNotification, protocol.TaskNotificationContent{
		TaskID: taskID,
		Data:   json.RawMessage(stringField(event, "data")),
		From:   stringField(event, "from"),
	})
	if err != nil {
		return nil
	}
	switch t.OwnerKind {
	case task.OwnerClient:
		n.push(n.deps.Clients, n.deps.ClientHub, t.OwnerID, msg)
	case task.OwnerAgent:
		n.push(n.deps.Agents, n.deps.AgentHub, t.OwnerID, msg)
	}
	return nil
}

func (n *Notifier) handleServiceNotification(ctx context.Context, event *bus.Event) error {
	taskID := stringField(event, "taskId")
	t, ok := n.deps.ServiceTasks.Get(taskID)
	if !ok {
		return nil
	}
	msg, err := protocol.NewMessage(protocol.TypeServiceNotify, protocol.TaskNotificationContent{
		TaskID: taskID,
		Data:   json.RawMessage(stringField(event, "data")),
		From:   stringField(event, "from"),
	})
	if err != nil {
		return nil
	}
	n.push(n.deps.Agents, n.deps.AgentHub, t.OwnerID, msg)
	return nil
}

// push resolves the owner's live connection and sends. Offline owners are
// dropped with a debug line.
func (n *Notifier) push(reg *registry.Registry, hub Sender, ownerID string, msg *protocol.Message) {
	rec, ok := reg.GetByID(ownerID)
	if !ok || rec.ConnectionID == "" {
		n.logger.Debug("Owner offline, dropping delivery",
			zap.String("owner_id", ownerID),
			zap.String("type", msg.Type))
		return
	}
	if err := hub.Send(rec.ConnectionID, msg); err != nil {
		n.logger.Debug("Owner delivery failed",
			zap.String("owner_id", ownerID),
			zap.String("type", msg.Type),
			zap.Error(err))
	}
}

func errorCodeForReason(reason string) string {
	switch reason {
	case "timeout":
		return protocol.ErrCodeTimeout
	case "task delivery failed", "agent disconnected", "service disconnected":
		return protocol.ErrCodeDeliveryFailed
	default:
		return protocol.ErrCodeInternal
	}
}

// stringField pulls a string out of the event payload, tolerating the
// interface{} values a bus round-trip produces.
func stringField(event *bus.Event, key string) string {
	if event == nil || event.Data == nil {
		return ""
	}
	if v, ok := event.Data[key].(string); ok {
		return v
	}
	return ""
}
