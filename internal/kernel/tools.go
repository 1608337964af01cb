package kernel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/toolserver"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// handleToolExecute runs a tool call against a managed MCP server on the
// agent's behalf. The call happens off the read loop; the outcome comes back
// as mcp.tool.execution.result with status success or error.
func (k *Kernel) handleToolExecute(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	if _, ok := k.requirePeer(origin, connID, msg); !ok {
		return
	}

	var content protocol.MCPToolExecuteContent
	if err := msg.ParseContent(&content); err != nil || content.ToolName == "" {
		k.replyInvalid(origin, connID, msg, "mcp.tool.execute needs a server reference and toolName")
		return
	}
	ref := content.ServerID
	if ref == "" {
		ref = content.ServerName
	}
	serverID, ok := k.tools.Resolve(ref)
	if !ok {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeServerNotFound,
			"unknown tool server: "+ref))
		return
	}

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), k.cfg.ToolCallTimeout)
		defer cancel()

		result, err := k.tools.CallTool(callCtx, serverID, content.ToolName, content.Parameters)

		var outcome protocol.MCPToolResultContent
		switch {
		case err == nil:
			outcome = protocol.MCPToolResultContent{Status: "success", Result: result}

		default:
			var toolErr *toolserver.ToolError
			if errors.As(err, &toolErr) {
				outcome = protocol.MCPToolResultContent{Status: "error", Error: toolErr.Reason}
			} else {
				outcome = protocol.MCPToolResultContent{Status: "error", Error: err.Error()}
			}
			k.logger.Warn("Tool call failed",
				zap.String("server_id", serverID),
				zap.String("tool", content.ToolName),
				zap.Error(err))
		}

		if reply, rerr := protocol.NewReply(msg.ID, protocol.TypeMCPToolResult, outcome); rerr == nil {
			k.reply(origin, connID, reply)
		}
	}()
}
