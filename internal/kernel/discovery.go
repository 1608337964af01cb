package kernel

import (
	"context"

	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

func (k *Kernel) handleAgentList(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	k.listPeers(origin, connID, msg, k.agents, protocol.TypeAgentListResponse)
}

func (k *Kernel) handleServiceList(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	k.listPeers(origin, connID, msg, k.services, protocol.TypeServiceListResult)
}

func (k *Kernel) listPeers(origin protocol.Origin, connID string, msg *protocol.Message, reg *registry.Registry, replyType string) {
	var filter protocol.ListFilter
	if err := msg.ParseContent(&filter); err != nil {
		k.replyInvalid(origin, connID, msg, "invalid list filter")
		return
	}

	records := reg.List(registry.Filter{
		Status:       registry.Status(filter.Status),
		Name:         filter.Name,
		Capabilities: filter.Capabilities,
	})
	peers := make([]protocol.PeerInfo, 0, len(records))
	for _, rec := range records {
		peers = append(peers, rec.Info())
	}

	reply, err := protocol.NewReply(msg.ID, replyType, protocol.PeerListContent{
		Peers: peers,
		Total: len(peers),
	})
	if err == nil {
		k.reply(origin, connID, reply)
	}
}

func (k *Kernel) handleMCPServersList(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	reply, err := protocol.NewReply(msg.ID, protocol.TypeMCPServersListReply, protocol.MCPServersListContent{
		Servers: k.tools.List(),
	})
	if err == nil {
		k.reply(origin, connID, reply)
	}
}

// handleMCPToolsList resolves the named server and lists its tools. The
// listing may have to spawn the subprocess first, so it runs off the read
// loop.
func (k *Kernel) handleMCPToolsList(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	var content struct {
		ServerID   string `json:"serverId,omitempty"`
		ServerName string `json:"serverName,omitempty"`
	}
	if err := msg.ParseContent(&content); err != nil {
		k.replyInvalid(origin, connID, msg, "invalid tools list payload")
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

		tools, err := k.tools.ListTools(callCtx, serverID)
		if err != nil {
			k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeServerStopped, err.Error()))
			return
		}
		reply, err := protocol.NewReply(msg.ID, protocol.TypeMCPToolsListReply, protocol.MCPToolsListContent{
			ServerID: serverID,
			Tools:    tools,
		})
		if err == nil {
			k.reply(origin, connID, reply)
		}
	}()
}

func (k *Kernel) handlePing(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	var content protocol.PingContent
	_ = msg.ParseContent(&content)
	ts := content.Timestamp
	if ts == "" {
		ts = protocol.Now()
	}
	reply, err := protocol.NewReply(msg.ID, protocol.TypePong, protocol.PongContent{Timestamp: ts})
	if err == nil {
		k.reply(origin, connID, reply)
	}
}
