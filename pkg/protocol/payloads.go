package protocol

import "encoding/json"

// WelcomeContent is sent by the orchestrator immediately after a channel is
// accepted, before the peer has an identity.
type WelcomeContent struct {
	ConnectionID        string `json:"connectionId"`
	OrchestratorVersion string `json:"orchestratorVersion"`
}

// RegisterContent is the payload for agent.register, service.register and
// client.register. Agents set Capabilities; services additionally set Tools.
// Clients may omit everything and have an id minted for them.
type RegisterContent struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name,omitempty"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Manifest     json.RawMessage  `json:"manifest,omitempty"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
}

// RegisteredContent acknowledges a successful registration.
type RegisteredContent struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ToolDescriptor describes a callable tool exposed by a service or an MCP
// tool server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListFilter narrows discovery responses.
type ListFilter struct {
	Status       string   `json:"status,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Name         string   `json:"name,omitempty"`
}

// PeerInfo is the public projection of a registered peer. Connection handles
// never leave the orchestrator.
type PeerInfo struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Status       string           `json:"status"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
	RegisteredAt string           `json:"registeredAt,omitempty"`
}

// PeerListContent is the reply payload for agent.list.response and
// service.list.result.
type PeerListContent struct {
	Peers []PeerInfo `json:"peers"`
	Total int        `json:"total"`
}

// TaskCreateContent is the payload for task.create from a client.
type TaskCreateContent struct {
	AgentName string          `json:"agentName"`
	TaskData  json.RawMessage `json:"taskData"`
}

// TaskCreatedContent acknowledges task creation to the requester.
type TaskCreatedContent struct {
	TaskID string `json:"taskId"`
}

// TaskExecuteContent is pushed to the target agent's channel.
type TaskExecuteContent struct {
	TaskID string          `json:"taskId"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TaskStatusContent carries progress and terminal status updates.
type TaskStatusContent struct {
	TaskID  string          `json:"taskId"`
	Status  string          `json:"status,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TaskResultContent carries a task's result from an agent or to an owner.
type TaskResultContent struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskErrorContent carries a task failure.
type TaskErrorContent struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// TaskNotificationContent is an in-progress notification streamed from the
// executing agent to the task owner. From is filled in by the orchestrator
// when the copy is forwarded to the owner.
type TaskNotificationContent struct {
	TaskID string          `json:"taskId"`
	Data   json.RawMessage `json:"data,omitempty"`
	From   string          `json:"from,omitempty"`
}

// AgentRequestContent is the payload for agent.request (agent-to-agent
// delegation).
type AgentRequestContent struct {
	TargetAgentName string          `json:"targetAgentName"`
	TaskData        json.RawMessage `json:"taskData"`
}

// ServiceTaskRequestContent is the payload for service.task.request from an
// agent. Either ServiceID or ServiceName must be set.
type ServiceTaskRequestContent struct {
	ServiceID    string          `json:"serviceId,omitempty"`
	ServiceName  string          `json:"serviceName,omitempty"`
	FunctionName string          `json:"functionName"`
	Params       json.RawMessage `json:"params,omitempty"`
	Async        bool            `json:"async,omitempty"`
}

// ServiceTaskExecuteContent is pushed to the target service's channel.
type ServiceTaskExecuteContent struct {
	TaskID       string          `json:"taskId"`
	FunctionName string          `json:"functionName"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// ServiceTaskResultContent carries a service task's result.
type ServiceTaskResultContent struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// MCPToolExecuteContent is the payload for mcp.tool.execute from an agent.
type MCPToolExecuteContent struct {
	ServerID   string          `json:"serverId,omitempty"`
	ServerName string          `json:"serverName,omitempty"`
	ToolName   string          `json:"toolName"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// MCPToolResultContent is the reply for mcp.tool.execute.
type MCPToolResultContent struct {
	Status string          `json:"status"` // success or error
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// MCPServerInfo is the public projection of a registered tool server.
type MCPServerInfo struct {
	ServerID string           `json:"serverId"`
	Name     string           `json:"name"`
	Status   string           `json:"status"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`
}

// MCPServersListContent is the reply payload for mcp.servers.list.
type MCPServersListContent struct {
	Servers []MCPServerInfo `json:"servers"`
}

// MCPToolsListContent is the reply payload for mcp.tools.list.
type MCPToolsListContent struct {
	ServerID string           `json:"serverId,omitempty"`
	Tools    []ToolDescriptor `json:"tools"`
}

// PingContent is echoed back in the pong reply when supplied by the caller.
type PingContent struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// PongContent is the reply payload for ping.
type PongContent struct {
	Timestamp string `json:"timestamp"`
}

// ErrorContent is the payload of an error envelope.
type ErrorContent struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
