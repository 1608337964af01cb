package kernel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/events"
	"github.com/hivegrid/hivegrid/internal/events/bus"
	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

func (k *Kernel) handleAgentRegister(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	k.register(ctx, origin, connID, msg, protocol.TypeAgentRegistered, true)
}

func (k *Kernel) handleServiceRegister(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	k.register(ctx, origin, connID, msg, protocol.TypeServiceRegistered, true)
}

func (k *Kernel) handleClientRegister(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message) {
	k.register(ctx, origin, connID, msg, protocol.TypeClientRegistered, false)
}

// register binds a pending connection to an identity and acknowledges it.
// Agents and services must offer a name; clients may stay anonymous and get
// an id minted for them.
func (k *Kernel) register(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message, ackType string, nameRequired bool) {
	var content protocol.RegisterContent
	if err := msg.ParseContent(&content); err != nil {
		k.replyInvalid(origin, connID, msg, "invalid register payload")
		return
	}
	if nameRequired && content.Name == "" {
		k.replyInvalid(origin, connID, msg, "name is required")
		return
	}

	rec, err := k.registryFor(origin).Register(connID, registry.RegisterParams{
		ID:           content.ID,
		Name:         content.Name,
		Capabilities: content.Capabilities,
		Manifest:     content.Manifest,
		Tools:        content.Tools,
	})
	if err != nil {
		if errors.Is(err, registry.ErrConnectionNotPending) {
			k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeValidation,
				"connection is already registered"))
			return
		}
		k.logger.Error("Registration failed",
			zap.String("origin", string(origin)),
			zap.Error(err))
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeInternal, "registration failed"))
		return
	}

	ack, err := protocol.NewReply(msg.ID, ackType, protocol.RegisteredContent{
		ID:   rec.ID,
		Name: rec.Name,
	})
	if err == nil {
		k.reply(origin, connID, ack)
	}

	if k.bus != nil {
		event := bus.NewEvent(events.PeerConnected, "kernel", map[string]interface{}{
			"origin": string(origin),
			"id":     rec.ID,
			"name":   rec.Name,
		})
		_ = k.bus.Publish(ctx, events.PeerConnected, event)
	}
}
