package kernel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/internal/task"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// createTask drives a client's task.create and returns (create message, task id).
func (e *env) createTask(agentName string, data string) (*protocol.Message, string) {
	e.t.Helper()
	create := mkMsg(e.t, protocol.TypeTaskCreate, protocol.TaskCreateContent{
		AgentName: agentName,
		TaskData:  json.RawMessage(data),
	})
	e.k.OnMessage(protocol.OriginClient, "conn-c", create)

	acks := e.clientHub.ofType("conn-c", protocol.TypeTaskCreated)
	require.NotEmpty(e.t, acks)
	var content protocol.TaskCreatedContent
	require.NoError(e.t, acks[len(acks)-1].ParseContent(&content))
	return create, content.TaskID
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo", "echo")
	clientID := e.registerPeer(protocol.OriginClient, "conn-c", "")

	create, taskID := e.createTask("echo", `{"taskType":"echo","text":"hi"}`)

	// The agent receives task.execute whose envelope id is the task id and
	// whose type comes from taskData.taskType.
	execs := e.agentHub.ofType("conn-a", protocol.TypeTaskExecute)
	require.Len(t, execs, 1)
	assert.Equal(t, taskID, execs[0].ID)
	var exec protocol.TaskExecuteContent
	require.NoError(t, execs[0].ParseContent(&exec))
	assert.Equal(t, taskID, exec.TaskID)
	assert.Equal(t, "echo", exec.Type)
	assert.JSONEq(t, `{"taskType":"echo","text":"hi"}`, string(exec.Data))

	// The client saw the in_progress push.
	statuses := e.clientHub.ofType("conn-c", protocol.TypeTaskStatus)
	require.Len(t, statuses, 1)

	tk, ok := e.tasks.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusInProgress, tk.Status)
	assert.Equal(t, clientID, tk.OwnerID)
	assert.Equal(t, create.ID, tk.OriginID)

	// Agent replies referencing the task id; the waiter consumes it.
	result, err := protocol.NewReply(taskID, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: taskID,
		Result: json.RawMessage(`{"echo":"hello"}`),
	})
	require.NoError(t, err)
	e.k.OnMessage(protocol.OriginAgent, "conn-a", result)

	tk, _ = e.tasks.Get(taskID)
	assert.Equal(t, task.StatusCompleted, tk.Status)

	results := e.clientHub.ofType("conn-c", protocol.TypeTaskResult)
	require.Len(t, results, 1)
	assert.Equal(t, create.ID, results[0].RequestID, "owner reply references the originating request")
	var res protocol.TaskResultContent
	require.NoError(t, results[0].ParseContent(&res))
	assert.JSONEq(t, `{"echo":"hello"}`, string(res.Result))
}

func TestTaskCreateUnknownAgent(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	create := mkMsg(t, protocol.TypeTaskCreate, protocol.TaskCreateContent{
		AgentName: "ghost",
		TaskData:  json.RawMessage(`{}`),
	})
	e.k.OnMessage(protocol.OriginClient, "conn-c", create)

	reply := e.clientHub.last("conn-c")
	assert.Equal(t, protocol.ErrCodeAgentNotFound, reply.ErrorString())
	assert.Equal(t, create.ID, reply.RequestID)
}

func TestTaskCreateOfflineAgent(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")
	e.k.OnDisconnect(protocol.OriginAgent, "conn-a")

	create := mkMsg(t, protocol.TypeTaskCreate, protocol.TaskCreateContent{
		AgentName: "echo",
		TaskData:  json.RawMessage(`{}`),
	})
	e.k.OnMessage(protocol.OriginClient, "conn-c", create)

	reply := e.clientHub.last("conn-c")
	assert.Equal(t, protocol.ErrCodeAgentNotFound, reply.ErrorString(),
		"a disconnected agent is not a valid target")
}

func TestTaskDeliveryFailure(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	// Registry still sees the agent online but its channel is gone.
	e.agentHub.markDown("conn-a")

	create, taskID := e.createTask("echo", `{}`)

	tk, ok := e.tasks.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, tk.Status)

	errs := e.clientHub.ofType("conn-c", protocol.TypeTaskError)
	require.Len(t, errs, 1)
	assert.Equal(t, create.ID, errs[0].RequestID)
}

func TestTaskTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResponseTimeout = 30 * time.Millisecond
	e := newEnv(t, cfg)
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	create, taskID := e.createTask("echo", `{}`)

	require.Eventually(t, func() bool {
		tk, ok := e.tasks.Get(taskID)
		return ok && tk.Status == task.StatusFailed
	}, time.Second, 5*time.Millisecond)

	tk, _ := e.tasks.Get(taskID)
	assert.Equal(t, "timeout", tk.Error)

	require.Eventually(t, func() bool {
		return len(e.clientHub.ofType("conn-c", protocol.TypeTaskError)) == 1
	}, time.Second, 5*time.Millisecond)
	errMsg := e.clientHub.ofType("conn-c", protocol.TypeTaskError)[0]
	assert.Equal(t, create.ID, errMsg.RequestID)
}

func TestSecondTerminalReportDropped(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	_, taskID := e.createTask("echo", `{}`)

	result, err := protocol.NewReply(taskID, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: taskID,
		Result: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	e.k.OnMessage(protocol.OriginAgent, "conn-a", result)

	// A late contradictory report is logged and dropped.
	late := mkMsg(t, protocol.TypeTaskError, protocol.TaskErrorContent{TaskID: taskID, Error: "late"})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", late)

	tk, _ := e.tasks.Get(taskID)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.JSONEq(t, `{"n":1}`, string(tk.Result))
	assert.Len(t, e.clientHub.ofType("conn-c", protocol.TypeTaskResult), 1)
	assert.Empty(t, e.clientHub.ofType("conn-c", protocol.TypeTaskError))
}

func TestProgressSnapshotAndEmptyCompletion(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	_, taskID := e.createTask("echo", `{}`)

	// in_progress with a result is a snapshot, not a transition.
	progress := mkMsg(t, protocol.TypeTaskStatus, protocol.TaskStatusContent{
		TaskID: taskID,
		Status: string(task.StatusInProgress),
		Result: json.RawMessage(`{"partial":true}`),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", progress)

	tk, _ := e.tasks.Get(taskID)
	assert.Equal(t, task.StatusInProgress, tk.Status)
	assert.JSONEq(t, `{"partial":true}`, string(tk.StatusDetails))

	// completed without a prior task.result is a completion with empty result.
	doneMsg := mkMsg(t, protocol.TypeTaskStatus, protocol.TaskStatusContent{
		TaskID: taskID,
		Status: string(task.StatusCompleted),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", doneMsg)

	tk, _ = e.tasks.Get(taskID)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Empty(t, tk.Result)
	assert.Len(t, e.clientHub.ofType("conn-c", protocol.TypeTaskResult), 1)
}

func TestTaskNotificationForwarded(t *testing.T) {
	e := newEnv(t, defaultConfig())
	agentID := e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	_, taskID := e.createTask("echo", `{}`)

	note := mkMsg(t, protocol.TypeTaskNotification, protocol.TaskNotificationContent{
		TaskID: taskID,
		Data:   json.RawMessage(`{"step":"fetching"}`),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", note)

	// Agent gets the ack.
	acks := e.agentHub.ofType("conn-a", protocol.TypeNotificationReceived)
	require.Len(t, acks, 1)
	assert.Equal(t, note.ID, acks[0].RequestID)

	// Owner gets the attributed copy.
	notes := e.clientHub.ofType("conn-c", protocol.TypeTaskNotification)
	require.Len(t, notes, 1)
	var content protocol.TaskNotificationContent
	require.NoError(t, notes[0].ParseContent(&content))
	assert.Equal(t, taskID, content.TaskID)
	assert.Equal(t, agentID, content.From)
	assert.JSONEq(t, `{"step":"fetching"}`, string(content.Data))
}

func TestAgentDisconnectFailsTasks(t *testing.T) {
	e := newEnv(t, defaultConfig())
	agentID := e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	create, taskID := e.createTask("echo", `{}`)

	e.k.OnDisconnect(protocol.OriginAgent, "conn-a")

	rec, ok := e.agents.GetByID(agentID)
	require.True(t, ok, "the record survives the disconnect")
	assert.Equal(t, registry.StatusOffline, rec.Status)

	tk, _ := e.tasks.Get(taskID)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, "agent disconnected", tk.Error)

	errs := e.clientHub.ofType("conn-c", protocol.TypeTaskError)
	require.Len(t, errs, 1)
	assert.Equal(t, create.ID, errs[0].RequestID)
}

func TestDelegationHappyPath(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "planner")
	e.registerPeer(protocol.OriginAgent, "conn-b", "worker")

	req := mkMsg(t, protocol.TypeAgentRequest, protocol.AgentRequestContent{
		TargetAgentName: "worker",
		TaskData:        json.RawMessage(`{"type":"fetch"}`),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", req)

	// Immediate acceptance with the task id.
	accepted := e.agentHub.ofType("conn-a", protocol.TypeAgentRequestAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, req.ID, accepted[0].RequestID)
	var ack protocol.TaskCreatedContent
	require.NoError(t, accepted[0].ParseContent(&ack))

	// Target receives task.execute; "type" is the legacy spelling of the
	// taskType hint.
	execs := e.agentHub.ofType("conn-b", protocol.TypeTaskExecute)
	require.Len(t, execs, 1)
	assert.Equal(t, ack.TaskID, execs[0].ID)
	var exec protocol.TaskExecuteContent
	require.NoError(t, execs[0].ParseContent(&exec))
	assert.Equal(t, "fetch", exec.Type)

	// Target completes; requester gets agent.response referencing the
	// original request, carrying the result object itself as content.
	result, err := protocol.NewReply(ack.TaskID, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: ack.TaskID,
		Result: json.RawMessage(`{"fetched":3}`),
	})
	require.NoError(t, err)
	e.k.OnMessage(protocol.OriginAgent, "conn-b", result)

	responses := e.agentHub.ofType("conn-a", protocol.TypeAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, req.ID, responses[0].RequestID)
	assert.JSONEq(t, `{"fetched":3}`, string(responses[0].Content))
}

func TestDelegationTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResponseTimeout = 30 * time.Millisecond
	e := newEnv(t, cfg)
	e.registerPeer(protocol.OriginAgent, "conn-a", "planner")
	e.registerPeer(protocol.OriginAgent, "conn-b", "worker")

	req := mkMsg(t, protocol.TypeAgentRequest, protocol.AgentRequestContent{
		TargetAgentName: "worker",
		TaskData:        json.RawMessage(`{}`),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", req)

	accepted := e.agentHub.ofType("conn-a", protocol.TypeAgentRequestAccepted)
	require.Len(t, accepted, 1)
	var ack protocol.TaskCreatedContent
	require.NoError(t, accepted[0].ParseContent(&ack))

	require.Eventually(t, func() bool {
		tk, ok := e.tasks.Get(ack.TaskID)
		return ok && tk.Status == task.StatusFailed && tk.Error == "timeout"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(e.agentHub.ofType("conn-a", protocol.TypeError)) == 1
	}, time.Second, 5*time.Millisecond)
	errMsg := e.agentHub.ofType("conn-a", protocol.TypeError)[0]
	assert.Equal(t, req.ID, errMsg.RequestID)
	assert.Equal(t, protocol.ErrCodeTimeout, errMsg.ErrorString())
}

func TestDelegationUnknownTarget(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "planner")

	req := mkMsg(t, protocol.TypeAgentRequest, protocol.AgentRequestContent{
		TargetAgentName: "ghost",
		TaskData:        json.RawMessage(`{}`),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", req)

	reply := e.agentHub.last("conn-a")
	assert.Equal(t, protocol.ErrCodeAgentNotFound, reply.ErrorString())
}

func TestServiceCallSync(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "planner")
	e.registerPeer(protocol.OriginService, "conn-s", "db", "query")

	req := mkMsg(t, protocol.TypeServiceTaskRequest, protocol.ServiceTaskRequestContent{
		ServiceName:  "db",
		FunctionName: "query",
		Params:       json.RawMessage(`{"q":"select 1"}`),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", req)

	// The execute frame reaches the service from the calling goroutine.
	var execID string
	require.Eventually(t, func() bool {
		execs := e.serviceHub.ofType("conn-s", protocol.TypeServiceTaskExecute)
		if len(execs) != 1 {
			return false
		}
		execID = execs[0].ID
		return true
	}, time.Second, 5*time.Millisecond)

	result, err := protocol.NewReply(execID, protocol.TypeServiceTaskResult, protocol.ServiceTaskResultContent{
		TaskID: execID,
		Result: json.RawMessage(`[{"1":1}]`),
	})
	require.NoError(t, err)
	e.k.OnMessage(protocol.OriginService, "conn-s", result)

	require.Eventually(t, func() bool {
		return len(e.agentHub.ofType("conn-a", protocol.TypeServiceTaskResult)) == 1
	}, time.Second, 5*time.Millisecond)

	reply := e.agentHub.ofType("conn-a", protocol.TypeServiceTaskResult)[0]
	assert.Equal(t, req.ID, reply.RequestID)
	var content protocol.ServiceTaskResultContent
	require.NoError(t, reply.ParseContent(&content))
	assert.JSONEq(t, `[{"1":1}]`, string(content.Result))

	tk, ok := e.serviceTasks.Get(execID)
	require.True(t, ok)
	assert.True(t, tk.Sync)
	assert.Equal(t, task.StatusCompleted, tk.Status)

	// Sync results are not double-delivered by the notifier.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, e.agentHub.ofType("conn-a", protocol.TypeServiceTaskResult), 1)
}

func TestServiceCallSyncTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResponseTimeout = 30 * time.Millisecond
	e := newEnv(t, cfg)
	e.registerPeer(protocol.OriginAgent, "conn-a", "planner")
	e.registerPeer(protocol.OriginService, "conn-s", "db")

	req := mkMsg(t, protocol.TypeServiceTaskRequest, protocol.ServiceTaskRequestContent{
		ServiceName:  "db",
		FunctionName: "query",
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", req)

	require.Eventually(t, func() bool {
		errs := e.agentHub.ofType("conn-a", protocol.TypeError)
		return len(errs) == 1 && errs[0].ErrorString() == protocol.ErrCodeTimeout
	}, time.Second, 5*time.Millisecond)
}

func TestServiceCallAsync(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "planner")
	e.registerPeer(protocol.OriginService, "conn-s", "db")

	req := mkMsg(t, protocol.TypeServiceTaskRequest, protocol.ServiceTaskRequestContent{
		ServiceName:  "db",
		FunctionName: "export",
		Async:        true,
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", req)

	// Immediate task.created, execute delivered inline.
	created := e.agentHub.ofType("conn-a", protocol.TypeTaskCreated)
	require.Len(t, created, 1)
	assert.Equal(t, req.ID, created[0].RequestID)
	var ack protocol.TaskCreatedContent
	require.NoError(t, created[0].ParseContent(&ack))

	execs := e.serviceHub.ofType("conn-s", protocol.TypeServiceTaskExecute)
	require.Len(t, execs, 1)

	// Service reports the result without referencing the request id; the
	// dispatch path picks it up and the notifier delivers it.
	result := mkMsg(t, protocol.TypeServiceTaskResult, protocol.ServiceTaskResultContent{
		TaskID: ack.TaskID,
		Result: json.RawMessage(`{"rows":10}`),
	})
	e.k.OnMessage(protocol.OriginService, "conn-s", result)

	results := e.agentHub.ofType("conn-a", protocol.TypeServiceTaskResult)
	require.Len(t, results, 1)
	assert.Equal(t, req.ID, results[0].RequestID)

	tk, _ := e.serviceTasks.Get(ack.TaskID)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.False(t, tk.Sync)
}

func TestClientCannotSpoofAgentResult(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	_, taskID := e.createTask("echo", `{}`)

	// A client that learned the task id forges the agent's reply. The waiter
	// is bound to the agent's connection, so the forgery falls through to
	// dispatch, where clients have no task.result handler.
	forged, err := protocol.NewReply(taskID, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: taskID,
		Result: json.RawMessage(`{"forged":true}`),
	})
	require.NoError(t, err)
	e.k.OnMessage(protocol.OriginClient, "conn-c", forged)

	reply := e.clientHub.last("conn-c")
	assert.Equal(t, protocol.ErrCodeUnsupportedType, reply.ErrorString())

	tk, _ := e.tasks.Get(taskID)
	assert.Equal(t, task.StatusInProgress, tk.Status)
	assert.Empty(t, e.clientHub.ofType("conn-c", protocol.TypeTaskResult))
}

func TestTaskReportFromNonAssigneeRejected(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginAgent, "conn-b", "rival")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	_, taskID := e.createTask("echo", `{}`)

	result, err := protocol.NewReply(taskID, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: taskID,
		Result: json.RawMessage(`{"stolen":true}`),
	})
	require.NoError(t, err)
	e.k.OnMessage(protocol.OriginAgent, "conn-b", result)

	reply := e.agentHub.last("conn-b")
	assert.Equal(t, protocol.ErrCodeValidation, reply.ErrorString())

	failMsg := mkMsg(t, protocol.TypeTaskError, protocol.TaskErrorContent{TaskID: taskID, Error: "sabotage"})
	e.k.OnMessage(protocol.OriginAgent, "conn-b", failMsg)
	reply = e.agentHub.last("conn-b")
	assert.Equal(t, protocol.ErrCodeValidation, reply.ErrorString())

	tk, _ := e.tasks.Get(taskID)
	assert.Equal(t, task.StatusInProgress, tk.Status)
	assert.Empty(t, e.clientHub.ofType("conn-c", protocol.TypeTaskResult))
	assert.Empty(t, e.clientHub.ofType("conn-c", protocol.TypeTaskError))
}

func TestAgentCancelledStatusRejected(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "echo")
	e.registerPeer(protocol.OriginClient, "conn-c", "")

	_, taskID := e.createTask("echo", `{}`)

	cancelMsg := mkMsg(t, protocol.TypeTaskStatus, protocol.TaskStatusContent{
		TaskID: taskID,
		Status: string(task.StatusCancelled),
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", cancelMsg)

	reply := e.agentHub.last("conn-a")
	assert.Equal(t, protocol.ErrCodeValidation, reply.ErrorString())
	assert.Equal(t, cancelMsg.ID, reply.RequestID)

	tk, _ := e.tasks.Get(taskID)
	assert.Equal(t, task.StatusInProgress, tk.Status)
}

func TestServiceCallUnknownService(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.registerPeer(protocol.OriginAgent, "conn-a", "planner")

	req := mkMsg(t, protocol.TypeServiceTaskRequest, protocol.ServiceTaskRequestContent{
		ServiceName:  "ghost",
		FunctionName: "query",
	})
	e.k.OnMessage(protocol.OriginAgent, "conn-a", req)

	reply := e.agentHub.last("conn-a")
	assert.Equal(t, protocol.ErrCodeServiceNotFound, reply.ErrorString())
}
