package protocol

// Origin identifies which hub a message arrived on.
type Origin string

const (
	OriginAgent   Origin = "agent"
	OriginService Origin = "service"
	OriginClient  Origin = "client"
)

// Message type vocabulary. Types are namespaced; replies reference their
// request through the envelope's requestId field.
const (
	// Identity
	TypeWelcome           = "orchestrator.welcome"
	TypeAgentRegister     = "agent.register"
	TypeAgentRegistered   = "agent.registered"
	TypeServiceRegister   = "service.register"
	TypeServiceRegistered = "service.registered"
	TypeClientRegister    = "client.register"
	TypeClientRegistered  = "client.registered"

	// Discovery
	TypeAgentListRequest      = "agent.list.request"
	TypeAgentListResponse     = "agent.list.response"
	TypeServiceList           = "service.list"
	TypeServiceListResult     = "service.list.result"
	TypeMCPServersList        = "mcp.servers.list"
	TypeMCPServersListReply   = "mcp.servers.list.response"
	TypeMCPToolsList          = "mcp.tools.list"
	TypeMCPToolsListReply     = "mcp.tools.list.response"

	// Tasks
	TypeTaskCreate           = "task.create"
	TypeTaskCreated          = "task.created"
	TypeTaskExecute          = "task.execute"
	TypeTaskStatus           = "task.status"
	TypeTaskResult           = "task.result"
	TypeTaskError            = "task.error"
	TypeTaskNotification     = "task.notification"
	TypeNotificationReceived = "notification.received"

	// Agent-to-agent delegation
	TypeAgentRequest         = "agent.request"
	TypeAgentRequestAccepted = "agent.request.accepted"
	TypeAgentResponse        = "agent.response"

	// Services
	TypeServiceTaskRequest = "service.task.request"
	TypeServiceTaskExecute = "service.task.execute"
	TypeServiceTaskResult  = "service.task.result"
	TypeServiceNotify      = "service.notification"

	// Tools
	TypeMCPToolExecute = "mcp.tool.execute"
	TypeMCPToolResult  = "mcp.tool.execution.result"

	// Liveness
	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"
)

// legacyAliases maps deprecated message types still accepted on ingress to
// their canonical form.
var legacyAliases = map[string]string{
	"mcp.servers.list.request": TypeMCPServersList,
	"mcp.tools.list.request":   TypeMCPToolsList,
	"agent.list":               TypeAgentListRequest,
	"service.list.request":     TypeServiceList,
}

// Canonical resolves legacy type aliases to the canonical message type.
func Canonical(msgType string) string {
	if canonical, ok := legacyAliases[msgType]; ok {
		return canonical
	}
	return msgType
}
