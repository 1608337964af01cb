package kernel

import (
	"context"

	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/internal/task"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// handleAgentRequest is agent-to-agent delegation. The requester gets an
// immediate agent.request.accepted with the task id; the terminal outcome
// comes back later as agent.response (or an error envelope) referencing the
// original request id.
func (k *Kernel) handleAgentRequest(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	requester, ok := k.requirePeer(origin, connID, msg)
	if !ok {
		return
	}

	var content protocol.AgentRequestContent
	if err := msg.ParseContent(&content); err != nil || content.TargetAgentName == "" {
		k.replyInvalid(origin, connID, msg, "agent.request needs targetAgentName and taskData")
		return
	}

	target, ok := k.agents.GetByName(content.TargetAgentName)
	if !ok || target.Status != registry.StatusOnline || target.ConnectionID == "" {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeAgentNotFound,
			"no online agent named "+content.TargetAgentName))
		return
	}

	t := k.tasks.Create(ctx, &task.AgentTask{
		TaskID:    protocol.NewID(),
		AgentID:   target.ID,
		OwnerKind: task.OwnerAgent,
		OwnerID:   requester.ID,
		OriginID:  msg.ID,
		TaskType:  probeTaskType(content.TaskData),
		Input:     content.TaskData,
	})

	if ack, err := protocol.NewReply(msg.ID, protocol.TypeAgentRequestAccepted, protocol.TaskCreatedContent{TaskID: t.TaskID}); err == nil {
		k.reply(origin, connID, ack)
	}

	k.executeOnAgent(ctx, t, target)
}
