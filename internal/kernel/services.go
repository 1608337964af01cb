package kernel

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/correlator"
	"github.com/hivegrid/hivegrid/internal/events"
	"github.com/hivegrid/hivegrid/internal/events/bus"
	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/internal/task"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// handleServiceTaskRequest invokes a function on a service for an agent.
// The default mode is synchronous: the requesting agent gets the result as a
// direct reply. With async set, the agent gets task.created immediately and
// the result arrives later through the notifier.
func (k *Kernel) handleServiceTaskRequest(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	agent, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}

	var content protocol.ServiceTaskRequestContent
	if err := msg.ParseContent(&content); err != nil || content.FunctionName == "" {
		k.replyInvalid(origin, connID, msg, "service.task.request needs a service reference and functionName")
		return
	}

	svc, ok := k.resolveService(content.ServiceID, content.ServiceName)
	if !ok || svc.Status != registry.StatusOnline || svc.ConnectionID == "" {
		ref := content.ServiceID
		if ref == "" {
			ref = content.ServiceName
		}
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeServiceNotFound,
			"no online service matching "+ref))
		return
	}

	t := k.serviceTasks.Create(ctx, &task.ServiceTask{
		TaskID:       protocol.NewID(),
		ServiceID:    svc.ID,
		OwnerID:      agent.ID,
		OriginID:     msg.ID,
		FunctionName: content.FunctionName,
		Params:       content.Params,
		Sync:         !content.Async,
	})

	exec, err := protocol.NewMessage(protocol.TypeServiceTaskExecute, protocol.ServiceTaskExecuteContent{
		TaskID:       t.TaskID,
		FunctionName: content.FunctionName,
		Params:       content.Params,
	})
	if err != nil {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeInternal, "failed to encode service task"))
		return
	}
	exec.ID = t.TaskID

	if content.Async {
		k.dispatchServiceTaskAsync(ctx, origin, connID, msg, t, svc, exec)
		return
	}
	go k.callServiceSync(origin, connID, msg, t, svc, exec)
}

func (k *Kernel) resolveService(id, name string) (*registry.Record, bool) {
	if id != "" {
		return k.services.GetByID(id)
	}
	if name != "" {
		return k.services.GetByName(name)
	}
	return nil, false
}

func (k *Kernel) dispatchServiceTaskAsync(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message, t *task.ServiceTask, svc *registry.Record, exec *protocol.Message) {
	if ack, err := protocol.NewReply(msg.ID, protocol.TypeTaskCreated, protocol.TaskCreatedContent{TaskID: t.TaskID}); err == nil {
		k.reply(origin, connID, ack)
	}

	serviceHub, ok := k.hubs[protocol.OriginService]
	if !ok {
		k.failServiceTask(t.TaskID, "service hub unavailable")
		return
	}
	if err := serviceHub.Send(svc.ConnectionID, exec); err != nil {
		k.logger.Warn("Service task delivery failed",
			zap.String("task_id", t.TaskID),
			zap.String("service_id", svc.ID),
			zap.Error(err))
		k.failServiceTask(t.TaskID, "task delivery failed")
		return
	}
	if _, err := k.serviceTasks.UpdateStatus(ctx, t.TaskID, task.StatusInProgress, task.Update{}); err != nil {
		k.logServiceTaskOutcome(t.TaskID, task.StatusInProgress, err)
		return
	}

	k.corr.Track(svc.ConnectionID, t.TaskID, protocol.TypeServiceTaskExecute, correlator.Options{
		Timeout:    k.cfg.ResponseTimeout,
		TypeFilter: []string{protocol.TypeServiceTaskResult, protocol.TypeTaskError},
	}, func(reply *protocol.Message, err error) {
		switch {
		case err == nil:
			var content protocol.ServiceTaskResultContent
			if perr := reply.ParseContent(&content); perr != nil {
				k.failServiceTask(t.TaskID, "unparseable service result")
				return
			}
			k.completeServiceTask(t.TaskID, content.Result)

		case errors.Is(err, correlator.ErrTimeout):
			k.failServiceTask(t.TaskID, "timeout")

		case errors.Is(err, correlator.ErrConnectionClosed):
			k.failServiceTask(t.TaskID, "service disconnected")

		case errors.Is(err, correlator.ErrServerStopped):

		default:
			var replyErr *correlator.ReplyError
			if errors.As(err, &replyErr) {
				k.failServiceTask(t.TaskID, replyErr.Reason)
			} else {
				k.failServiceTask(t.TaskID, err.Error())
			}
		}
	})
}

// callServiceSync blocks on the service's reply and relays the outcome back
// to the requesting agent. Runs off the read loop.
func (k *Kernel) callServiceSync(origin protocol.Origin, connID string, msg *protocol.Message, t *task.ServiceTask, svc *registry.Record, exec *protocol.Message) {
	serviceHub, ok := k.hubs[protocol.OriginService]
	if !ok {
		k.failServiceTask(t.TaskID, "service hub unavailable")
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeDeliveryFailed, "service hub unavailable"))
		return
	}

	send := func(m *protocol.Message) error {
		if err := serviceHub.Send(svc.ConnectionID, m); err != nil {
			return err
		}
		_, err := k.serviceTasks.UpdateStatus(context.Background(), t.TaskID, task.StatusInProgress, task.Update{})
		k.logServiceTaskOutcome(t.TaskID, task.StatusInProgress, err)
		return nil
	}

	reply, err := k.corr.Await(context.Background(), svc.ConnectionID, send, exec, correlator.Options{
		Timeout:    k.cfg.ResponseTimeout,
		TypeFilter: []string{protocol.TypeServiceTaskResult, protocol.TypeTaskError},
	})

	switch {
	case err == nil:
		var content protocol.ServiceTaskResultContent
		if perr := reply.ParseContent(&content); perr != nil {
			k.failServiceTask(t.TaskID, "unparseable service result")
			k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeInternal, "unparseable service result"))
			return
		}
		k.completeServiceTask(t.TaskID, content.Result)
		if out, rerr := protocol.NewReply(msg.ID, protocol.TypeServiceTaskResult, protocol.ServiceTaskResultContent{
			TaskID: t.TaskID,
			Result: content.Result,
		}); rerr == nil {
			k.reply(origin, connID, out)
		}

	case errors.Is(err, correlator.ErrTimeout):
		k.failServiceTask(t.TaskID, "timeout")
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeTimeout,
			"service did not reply within the deadline"))

	case errors.Is(err, correlator.ErrConnectionClosed):
		k.failServiceTask(t.TaskID, "service disconnected")
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeDeliveryFailed, "service disconnected"))

	case errors.Is(err, correlator.ErrServerStopped):

	default:
		reason := err.Error()
		var replyErr *correlator.ReplyError
		if errors.As(err, &replyErr) {
			reason = replyErr.Reason
		}
		k.failServiceTask(t.TaskID, reason)
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeInternal, reason))
	}
}

func (k *Kernel) completeServiceTask(taskID string, result json.RawMessage) {
	_, err := k.serviceTasks.UpdateStatus(context.Background(), taskID, task.StatusCompleted, task.Update{Result: result})
	k.logServiceTaskOutcome(taskID, task.StatusCompleted, err)
}

func (k *Kernel) failServiceTask(taskID, reason string) {
	_, err := k.serviceTasks.UpdateStatus(context.Background(), taskID, task.StatusFailed, task.Update{Error: reason})
	k.logServiceTaskOutcome(taskID, task.StatusFailed, err)
}

func (k *Kernel) logServiceTaskOutcome(taskID string, next task.Status, err error) {
	switch {
	case err == nil:
	case errors.Is(err, task.ErrTerminal):
		k.logger.Debug("Dropped transition on terminal service task",
			zap.String("task_id", taskID),
			zap.String("next", string(next)))
	case errors.Is(err, task.ErrNotFound):
		k.logger.Warn("Transition for unknown service task",
			zap.String("task_id", taskID),
			zap.String("next", string(next)))
	default:
		k.logger.Error("Service task transition failed",
			zap.String("task_id", taskID),
			zap.String("next", string(next)),
			zap.Error(err))
	}
}

// requireServiceAssignee resolves the service task and verifies the
// reporting service is the one it was dispatched to.
func (k *Kernel) requireServiceAssignee(origin protocol.Origin, connID string, msg *protocol.Message, svc *registry.Record, taskID string) bool {
	t, ok := k.serviceTasks.Get(taskID)
	if !ok {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeTaskNotFound,
			"unknown task: "+taskID))
		return false
	}
	if t.ServiceID != svc.ID {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeValidation,
			"task "+taskID+" is not assigned to this service"))
		return false
	}
	return true
}

// handleServiceTaskResult is the dispatch path for results that no waiter
// consumed.
func (k *Kernel) handleServiceTaskResult(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	svc, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}
	var content protocol.ServiceTaskResultContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		k.replyInvalid(origin, connID, msg, "service.task.result needs taskId")
		return
	}
	if !k.requireServiceAssignee(origin, connID, msg, svc, content.TaskID) {
		return
	}
	if content.Error != "" {
		k.failServiceTask(content.TaskID, content.Error)
	} else {
		k.completeServiceTask(content.TaskID, content.Result)
	}
	k.corr.Cancel(content.TaskID)
}

func (k *Kernel) handleServiceTaskError(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	svc, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}
	var content protocol.TaskErrorContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		k.replyInvalid(origin, connID, msg, "task.error needs taskId")
		return
	}
	if !k.requireServiceAssignee(origin, connID, msg, svc, content.TaskID) {
		return
	}
	reason := content.Error
	if reason == "" {
		reason = "task failed"
	}
	k.failServiceTask(content.TaskID, reason)
	k.corr.Cancel(content.TaskID)
}

// handleServiceNotification relays a service's progress note to the owning
// agent through the bus.
func (k *Kernel) handleServiceNotification(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	svc, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}
	var content protocol.TaskNotificationContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		k.replyInvalid(origin, connID, msg, "service.notification needs taskId")
		return
	}
	if !k.requireServiceAssignee(origin, connID, msg, svc, content.TaskID) {
		return
	}

	if k.bus != nil {
		event := bus.NewEvent(events.ServiceNotification, "kernel", map[string]interface{}{
			"taskId": content.TaskID,
			"from":   svc.ID,
			"data":   string(content.Data),
		})
		subject := events.BuildTaskSubject(events.ServiceNotification, content.TaskID)
		_ = k.bus.Publish(ctx, subject, event)
	}
}
