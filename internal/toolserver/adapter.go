// Package toolserver manages subprocess-backed MCP tool servers on behalf of
// agents: declarative registration, lazy spawn and handshake, tool listing,
// and serialized tool calls.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// Status of a registered tool server.
type Status string

const (
	StatusRegistered   Status = "registered"
	StatusConnecting   Status = "connecting"
	StatusOnline       Status = "online"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrServerNotFound is returned for unknown server ids or names.
	ErrServerNotFound = errors.New("toolserver: server not found")
	// ErrDuplicateName is returned when a server name is already taken.
	ErrDuplicateName = errors.New("toolserver: server name already registered")
)

// ToolError is a failure reported by the tool itself. The server stays
// online; the error is surfaced to the calling agent.
type ToolError struct {
	Server string
	Tool   string
	Reason string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s on server %s failed: %s", e.Tool, e.Server, e.Reason)
}

// server is the adapter-internal state for one tool server. At most one live
// subprocess exists per server; callMu serializes tool calls on it.
type server struct {
	id     string
	name   string
	spec   LaunchSpec
	client *mcpclient.Client
	tools  []mcpgo.Tool

	mu      sync.Mutex // guards status, lastErr, client lifecycle
	callMu  sync.Mutex // serializes tool calls at the protocol boundary
	status  Status
	lastErr string
}

// Config registers one tool server.
type Config struct {
	Name string
	Spec LaunchSpec
}

// Adapter owns all tool-server subprocesses. Only the adapter reads or
// writes their stdio.
type Adapter struct {
	mu      sync.RWMutex
	servers map[string]*server
	byName  map[string]string

	callTimeout time.Duration
	logger      *logger.Logger
}

// NewAdapter creates a tool-server adapter.
func NewAdapter(callTimeout time.Duration, log *logger.Logger) *Adapter {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Adapter{
		servers:     make(map[string]*server),
		byName:      make(map[string]string),
		callTimeout: callTimeout,
		logger:      log.WithFields(zap.String("component", "toolserver_adapter")),
	}
}

// Register declares a tool server. The subprocess is not started until the
// first call that needs it.
func (a *Adapter) Register(cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", fmt.Errorf("toolserver: name is required")
	}
	if _, _, err := cfg.Spec.Resolve(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byName[cfg.Name]; ok {
		return "", ErrDuplicateName
	}
	s := &server{
		id:     protocol.NewID(),
		name:   cfg.Name,
		spec:   cfg.Spec,
		status: StatusRegistered,
	}
	a.servers[s.id] = s
	a.byName[s.name] = s.id

	a.logger.Info("Tool server registered",
		zap.String("server_id", s.id),
		zap.String("name", s.name))
	return s.id, nil
}

// Resolve maps a server id or name to the server id.
func (a *Adapter) Resolve(idOrName string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.servers[idOrName]; ok {
		return idOrName, true
	}
	if id, ok := a.byName[idOrName]; ok {
		return id, true
	}
	return "", false
}

// List returns the public projection of every registered server.
func (a *Adapter) List() []protocol.MCPServerInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]protocol.MCPServerInfo, 0, len(a.servers))
	for _, s := range a.servers {
		s.mu.Lock()
		info := protocol.MCPServerInfo{
			ServerID: s.id,
			Name:     s.name,
			Status:   string(s.status),
			Tools:    describeTools(s.tools),
		}
		s.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// ListTools returns the tool descriptors of a server, connecting it first if
// necessary.
func (a *Adapter) ListTools(ctx context.Context, serverID string) ([]protocol.ToolDescriptor, error) {
	s, err := a.get(serverID)
	if err != nil {
		return nil, err
	}
	if _, err := a.ensureOnline(ctx, s); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return describeTools(s.tools), nil
}

// CallTool invokes a tool on a server, spawning or reconnecting the
// subprocess if needed. Tool-reported errors come back as *ToolError and do
// not poison the server; transport failures mark it disconnected so the next
// call reconnects.
func (a *Adapter) CallTool(ctx context.Context, serverID, toolName string, params json.RawMessage) (json.RawMessage, error) {
	s, err := a.get(serverID)
	if err != nil {
		return nil, err
	}
	client, err := a.ensureOnline(ctx, s)
	if err != nil {
		return nil, err
	}

	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("toolserver: invalid tool parameters: %w", err)
		}
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	// Serialized per server; stdio servers do not multiplex. The call goes
	// through the snapshot from ensureOnline: a concurrent failure may nil
	// out s.client at any time.
	s.callMu.Lock()
	result, err := client.CallTool(callCtx, req)
	s.callMu.Unlock()

	if err != nil {
		a.markDisconnected(s, err)
		return nil, fmt.Errorf("toolserver: call %s on %s: %w", toolName, s.name, err)
	}

	if result.IsError {
		return nil, &ToolError{Server: s.name, Tool: toolName, Reason: resultText(result)}
	}
	return resultJSON(result)
}

// Shutdown terminates every subprocess.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.servers {
		s.mu.Lock()
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				a.logger.Debug("Tool server close error",
					zap.String("name", s.name),
					zap.Error(err))
			}
			s.client = nil
		}
		s.status = StatusDisconnected
		s.mu.Unlock()
	}
	a.logger.Info("Tool server adapter shut down")
}

func (a *Adapter) get(serverID string) (*server, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.servers[serverID]
	if !ok {
		return nil, ErrServerNotFound
	}
	return s, nil
}

// ensureOnline spawns the subprocess and performs the MCP handshake plus
// tool listing if the server is not already online. It returns the live
// client snapshot taken under the lock; callers use that snapshot rather
// than s.client, which a concurrent failure may nil out.
func (a *Adapter) ensureOnline(ctx context.Context, s *server) (*mcpclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusOnline && s.client != nil {
		return s.client, nil
	}

	s.status = StatusConnecting
	command, args, err := s.spec.Resolve()
	if err != nil {
		s.status = StatusError
		s.lastErr = err.Error()
		return nil, err
	}

	client, err := mcpclient.NewStdioMCPClient(command, s.spec.EnvSlice(), args...)
	if err != nil {
		s.status = StatusError
		s.lastErr = err.Error()
		return nil, fmt.Errorf("toolserver: spawn %s: %w", s.name, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "hivegrid",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		s.status = StatusError
		s.lastErr = err.Error()
		return nil, fmt.Errorf("toolserver: initialize %s: %w", s.name, err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		s.status = StatusError
		s.lastErr = err.Error()
		return nil, fmt.Errorf("toolserver: list tools on %s: %w", s.name, err)
	}

	s.client = client
	s.tools = toolsResult.Tools
	s.status = StatusOnline
	s.lastErr = ""

	a.logger.Info("Tool server online",
		zap.String("server_id", s.id),
		zap.String("name", s.name),
		zap.Int("tools", len(s.tools)))
	return client, nil
}

func (a *Adapter) markDisconnected(s *server, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.status = StatusDisconnected
	s.lastErr = err.Error()
	a.logger.Warn("Tool server disconnected",
		zap.String("name", s.name),
		zap.Error(err))
}

func describeTools(tools []mcpgo.Tool) []protocol.ToolDescriptor {
	out := make([]protocol.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		out = append(out, protocol.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// resultText flattens the text content of a tool result for error reporting.
func resultText(result *mcpgo.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := mcpgo.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "tool execution failed"
	}
	return strings.Join(parts, "\n")
}

// resultJSON surfaces a successful tool result. Structured content wins;
// otherwise a lone text block that parses as JSON is passed through, and
// anything else is wrapped as {"text": ...}.
func resultJSON(result *mcpgo.CallToolResult) (json.RawMessage, error) {
	if result.StructuredContent != nil {
		return json.Marshal(result.StructuredContent)
	}

	text := resultText(result)
	if json.Valid([]byte(text)) && strings.TrimSpace(text) != "" {
		return json.RawMessage(text), nil
	}
	return json.Marshal(map[string]string{"text": text})
}
