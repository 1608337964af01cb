package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/correlator"
	"github.com/hivegrid/hivegrid/internal/events"
	"github.com/hivegrid/hivegrid/internal/events/bus"
	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/internal/task"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// handleTaskCreate dispatches a client's task to the named agent: create the
// record, acknowledge the client, push task.execute, and arm the response
// deadline.
func (k *Kernel) handleTaskCreate(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	client, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}

	var content protocol.TaskCreateContent
	if err := msg.ParseContent(&content); err != nil || content.AgentName == "" {
		k.replyInvalid(origin, connID, msg, "task.create needs agentName and taskData")
		return
	}

	agent, ok := k.agents.GetByName(content.AgentName)
	if !ok || agent.Status != registry.StatusOnline || agent.ConnectionID == "" {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeAgentNotFound,
			"no online agent named "+content.AgentName))
		return
	}

	t := k.tasks.Create(ctx, &task.AgentTask{
		TaskID:    protocol.NewID(),
		AgentID:   agent.ID,
		OwnerKind: task.OwnerClient,
		OwnerID:   client.ID,
		OriginID:  msg.ID,
		TaskType:  probeTaskType(content.TaskData),
		Input:     content.TaskData,
	})

	if ack, err := protocol.NewReply(msg.ID, protocol.TypeTaskCreated, protocol.TaskCreatedContent{TaskID: t.TaskID}); err == nil {
		k.reply(origin, connID, ack)
	}

	k.executeOnAgent(ctx, t, agent)
}

// executeOnAgent pushes task.execute to the agent and transitions the task.
// A failed push fails the task immediately; the notifier tells the owner.
func (k *Kernel) executeOnAgent(ctx context.Context, t *task.AgentTask, agent *registry.Record) {
	exec, err := protocol.NewMessage(protocol.TypeTaskExecute, protocol.TaskExecuteContent{
		TaskID: t.TaskID,
		Type:   t.TaskType,
		Data:   t.Input,
	})
	if err != nil {
		k.failAgentTask(t.TaskID, "internal error encoding task")
		return
	}
	exec.ID = t.TaskID

	agentHub, ok := k.hubs[protocol.OriginAgent]
	if !ok {
		k.failAgentTask(t.TaskID, "agent hub unavailable")
		return
	}
	if err := agentHub.Send(agent.ConnectionID, exec); err != nil {
		k.logger.Warn("Task delivery failed",
			zap.String("task_id", t.TaskID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		k.failAgentTask(t.TaskID, "task delivery failed")
		return
	}

	if _, err := k.tasks.UpdateStatus(ctx, t.TaskID, task.StatusInProgress, task.Update{}); err != nil {
		k.logger.Error("Dispatched task could not enter in_progress",
			zap.String("task_id", t.TaskID),
			zap.Error(err))
		return
	}
	k.trackAgentTask(agent.ConnectionID, t.TaskID)
}

// trackAgentTask arms the response deadline for a dispatched task. The
// waiter consumes the agent's task.result or task.error when it references
// the task id; everything else falls through to normal dispatch.
func (k *Kernel) trackAgentTask(connID, taskID string) {
	k.corr.Track(connID, taskID, protocol.TypeTaskExecute, correlator.Options{
		Timeout:    k.cfg.ResponseTimeout,
		TypeFilter: []string{protocol.TypeTaskResult, protocol.TypeTaskError},
	}, func(msg *protocol.Message, err error) {
		switch {
		case err == nil:
			var content protocol.TaskResultContent
			if perr := msg.ParseContent(&content); perr != nil {
				k.failAgentTask(taskID, "unparseable task result")
				return
			}
			k.completeAgentTask(taskID, content.Result)

		case errors.Is(err, correlator.ErrTimeout):
			k.failAgentTask(taskID, "timeout")

		case errors.Is(err, correlator.ErrConnectionClosed):
			k.failAgentTaskAfterGrace(taskID)

		case errors.Is(err, correlator.ErrServerStopped):
			// Shutdown in progress; leave the record as-is.

		default:
			var replyErr *correlator.ReplyError
			if errors.As(err, &replyErr) {
				k.failAgentTask(taskID, replyErr.Reason)
			} else {
				k.failAgentTask(taskID, err.Error())
			}
		}
	})
}

func (k *Kernel) completeAgentTask(taskID string, result json.RawMessage) {
	_, err := k.tasks.UpdateStatus(context.Background(), taskID, task.StatusCompleted, task.Update{Result: result})
	k.logTaskOutcome(taskID, task.StatusCompleted, err)
}

func (k *Kernel) failAgentTask(taskID, reason string) {
	_, err := k.tasks.UpdateStatus(context.Background(), taskID, task.StatusFailed, task.Update{Error: reason})
	k.logTaskOutcome(taskID, task.StatusFailed, err)
}

// failAgentTaskAfterGrace applies the disconnect grace window. If the agent
// reconnects inside the window the deadline is re-armed on the new
// connection; otherwise the task fails.
func (k *Kernel) failAgentTaskAfterGrace(taskID string) {
	grace := k.cfg.DisconnectGrace
	if grace <= 0 {
		k.failAgentTask(taskID, "agent disconnected")
		return
	}
	time.AfterFunc(grace, func() {
		t, ok := k.tasks.Get(taskID)
		if !ok || t.Status.Terminal() {
			return
		}
		if rec, ok := k.agents.GetByID(t.AgentID); ok && rec.Status == registry.StatusOnline && rec.ConnectionID != "" {
			k.trackAgentTask(rec.ConnectionID, taskID)
			return
		}
		k.failAgentTask(taskID, "agent disconnected")
	})
}

// logTaskOutcome records a dropped transition. A second terminal report is
// logged and dropped, never surfaced back to the reporter.
func (k *Kernel) logTaskOutcome(taskID string, next task.Status, err error) {
	switch {
	case err == nil:
	case errors.Is(err, task.ErrTerminal):
		k.logger.Debug("Dropped transition on terminal task",
			zap.String("task_id", taskID),
			zap.String("next", string(next)))
	case errors.Is(err, task.ErrNotFound):
		k.logger.Warn("Transition for unknown task",
			zap.String("task_id", taskID),
			zap.String("next", string(next)))
	default:
		k.logger.Error("Task transition failed",
			zap.String("task_id", taskID),
			zap.String("next", string(next)),
			zap.Error(err))
	}
}

// handleTaskResult is the dispatch path for results that no waiter consumed
// (the agent omitted requestId, or the deadline already resolved).
func (k *Kernel) handleTaskResult(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	agent, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}
	var content protocol.TaskResultContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		k.replyInvalid(origin, connID, msg, "task.result needs taskId")
		return
	}
	if !k.requireAssignee(origin, connID, msg, agent, content.TaskID) {
		return
	}
	k.completeAgentTask(content.TaskID, content.Result)
	k.corr.Cancel(content.TaskID)
}

func (k *Kernel) handleTaskError(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	agent, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}
	var content protocol.TaskErrorContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		k.replyInvalid(origin, connID, msg, "task.error needs taskId")
		return
	}
	if !k.requireAssignee(origin, connID, msg, agent, content.TaskID) {
		return
	}
	reason := content.Error
	if reason == "" {
		reason = "task failed"
	}
	k.failAgentTask(content.TaskID, reason)
	k.corr.Cancel(content.TaskID)
}

// requireAssignee resolves the task and verifies the reporting agent is the
// one it was dispatched to. Reports about other agents' tasks are rejected.
func (k *Kernel) requireAssignee(origin protocol.Origin, connID string, msg *protocol.Message, agent *registry.Record, taskID string) bool {
	t, ok := k.tasks.Get(taskID)
	if !ok {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeTaskNotFound,
			"unknown task: "+taskID))
		return false
	}
	if t.AgentID != agent.ID {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeValidation,
			"task "+taskID+" is not assigned to this agent"))
		return false
	}
	return true
}

// handleTaskStatus applies a status report from the executing agent. An
// in_progress report carrying a result is a progress snapshot, not a
// transition; a completed report without a result is a completion with an
// empty result.
func (k *Kernel) handleTaskStatus(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	agent, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}
	var content protocol.TaskStatusContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" || content.Status == "" {
		k.replyInvalid(origin, connID, msg, "task.status needs taskId and status")
		return
	}
	t, ok := k.tasks.Get(content.TaskID)
	if !ok {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeTaskNotFound,
			"unknown task: "+content.TaskID))
		return
	}
	if t.AgentID != agent.ID {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeValidation,
			"task "+content.TaskID+" is not assigned to this agent"))
		return
	}

	switch task.Status(content.Status) {
	case task.StatusInProgress:
		if t.Status == task.StatusPending {
			_, err := k.tasks.UpdateStatus(ctx, content.TaskID, task.StatusInProgress, task.Update{Details: content.Details})
			k.logTaskOutcome(content.TaskID, task.StatusInProgress, err)
		}
		if len(content.Result) > 0 {
			k.tasks.RecordProgress(content.TaskID, content.Result)
		}

	case task.StatusCompleted:
		k.completeAgentTask(content.TaskID, content.Result)
		k.corr.Cancel(content.TaskID)

	case task.StatusFailed:
		reason := content.Error
		if reason == "" {
			reason = "task failed"
		}
		k.failAgentTask(content.TaskID, reason)
		k.corr.Cancel(content.TaskID)

	case task.StatusCancelled:
		// Cancellation is an orchestrator decision; agents report completed
		// or failed.
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeValidation,
			"status cancelled is not accepted from agents"))

	default:
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeValidation,
			"unknown status: "+content.Status))
	}
}

// handleTaskNotification publishes the agent's progress notification on the
// bus (the notifier forwards it to the owner) and acknowledges the agent.
func (k *Kernel) handleTaskNotification(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	agent, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}
	var content protocol.TaskNotificationContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		k.replyInvalid(origin, connID, msg, "task.notification needs taskId")
		return
	}
	if !k.requireAssignee(origin, connID, msg, agent, content.TaskID) {
		return
	}

	if k.bus != nil {
		event := bus.NewEvent(events.TaskNotification, "kernel", map[string]interface{}{
			"taskId": content.TaskID,
			"from":   agent.ID,
			"data":   string(content.Data),
		})
		subject := events.BuildTaskSubject(events.TaskNotification, content.TaskID)
		_ = k.bus.Publish(ctx, subject, event)
	}

	if ack, err := protocol.NewReply(msg.ID, protocol.TypeNotificationReceived, protocol.TaskCreatedContent{TaskID: content.TaskID}); err == nil {
		k.reply(origin, connID, ack)
	}
}

// probeTaskType extracts the type hint from the task payload. taskData
// carries it as taskType; type is accepted as a legacy spelling.
func probeTaskType(data json.RawMessage) string {
	var probe struct {
		TaskType string `json:"taskType"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if probe.TaskType != "" {
		return probe.TaskType
	}
	return probe.Type
}
