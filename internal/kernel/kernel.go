// Package kernel routes every inbound envelope to its handler. It is the
// only component that touches the registries, the task stores, the
// correlator and the tool-server adapter together; hubs stay transport-only.
package kernel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/internal/correlator"
	"github.com/hivegrid/hivegrid/internal/events"
	"github.com/hivegrid/hivegrid/internal/events/bus"
	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/internal/task"
	"github.com/hivegrid/hivegrid/internal/toolserver"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// Sender delivers messages to a peer connection. Implemented by hub.Hub;
// narrowed to an interface so the kernel can be tested without sockets.
type Sender interface {
	Send(connectionID string, msg *protocol.Message) error
	Close(connectionID string)
}

// Config carries the kernel's tunables.
type Config struct {
	ResponseTimeout time.Duration
	ToolCallTimeout time.Duration
	DisconnectGrace time.Duration
}

type handlerFunc func(ctx context.Context, origin protocol.Origin, connID string, msg *protocol.Message)

type dispatchKey struct {
	origin  protocol.Origin
	msgType string
}

// Kernel implements hub.Handler for all three hubs.
type Kernel struct {
	agents   *registry.Registry
	services *registry.Registry
	clients  *registry.Registry

	tasks        *task.Registry
	serviceTasks *task.ServiceRegistry

	corr  *correlator.Correlator
	tools *toolserver.Adapter
	bus   bus.EventBus

	hubs map[protocol.Origin]Sender

	cfg      Config
	handlers map[dispatchKey]handlerFunc
	seen     *seenIDs
	tracer   trace.Tracer
	logger   *logger.Logger
}

// Deps are the collaborators the kernel routes between.
type Deps struct {
	Agents       *registry.Registry
	Services     *registry.Registry
	Clients      *registry.Registry
	Tasks        *task.Registry
	ServiceTasks *task.ServiceRegistry
	Correlator   *correlator.Correlator
	Tools        *toolserver.Adapter
	Bus          bus.EventBus
}

// New creates the kernel. Hubs are attached afterwards with AttachHub since
// they need the kernel as their handler.
func New(deps Deps, cfg Config, log *logger.Logger) *Kernel {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = 60 * time.Second
	}

	k := &Kernel{
		agents:       deps.Agents,
		services:     deps.Services,
		clients:      deps.Clients,
		tasks:        deps.Tasks,
		serviceTasks: deps.ServiceTasks,
		corr:         deps.Correlator,
		tools:        deps.Tools,
		bus:          deps.Bus,
		hubs:         make(map[protocol.Origin]Sender),
		cfg:          cfg,
		seen:         newSeenIDs(1024),
		tracer:       otel.Tracer("hivegrid/kernel"),
		logger:       log.WithFields(zap.String("component", "kernel")),
	}
	k.buildDispatchTable()
	return k
}

// AttachHub binds the sender for one peer kind.
func (k *Kernel) AttachHub(origin protocol.Origin, s Sender) {
	k.hubs[origin] = s
}

func (k *Kernel) buildDispatchTable() {
	k.handlers = map[dispatchKey]handlerFunc{
		// Identity
		{protocol.OriginAgent, protocol.TypeAgentRegister}:     k.handleAgentRegister,
		{protocol.OriginService, protocol.TypeServiceRegister}: k.handleServiceRegister,
		{protocol.OriginClient, protocol.TypeClientRegister}:   k.handleClientRegister,

		// Tasks (client side)
		{protocol.OriginClient, protocol.TypeTaskCreate}: k.handleTaskCreate,

		// Tasks (agent side)
		{protocol.OriginAgent, protocol.TypeTaskResult}:       k.handleTaskResult,
		{protocol.OriginAgent, protocol.TypeTaskError}:        k.handleTaskError,
		{protocol.OriginAgent, protocol.TypeTaskStatus}:       k.handleTaskStatus,
		{protocol.OriginAgent, protocol.TypeTaskNotification}: k.handleTaskNotification,

		// Delegation
		{protocol.OriginAgent, protocol.TypeAgentRequest}: k.handleAgentRequest,

		// Services
		{protocol.OriginAgent, protocol.TypeServiceTaskRequest}:  k.handleServiceTaskRequest,
		{protocol.OriginService, protocol.TypeServiceTaskResult}: k.handleServiceTaskResult,
		{protocol.OriginService, protocol.TypeTaskError}:         k.handleServiceTaskError,
		{protocol.OriginService, protocol.TypeServiceNotify}:     k.handleServiceNotification,

		// Tools
		{protocol.OriginAgent, protocol.TypeMCPToolExecute}: k.handleToolExecute,
	}

	// Discovery and liveness are accepted from every origin.
	for _, origin := range []protocol.Origin{protocol.OriginAgent, protocol.OriginService, protocol.OriginClient} {
		k.handlers[dispatchKey{origin, protocol.TypeAgentListRequest}] = k.handleAgentList
		k.handlers[dispatchKey{origin, protocol.TypeServiceList}] = k.handleServiceList
		k.handlers[dispatchKey{origin, protocol.TypeMCPServersList}] = k.handleMCPServersList
		k.handlers[dispatchKey{origin, protocol.TypeMCPToolsList}] = k.handleMCPToolsList
		k.handlers[dispatchKey{origin, protocol.TypePing}] = k.handlePing
	}
}

// OnConnect marks the fresh connection as pending in its kind's registry.
// The hub has already sent the welcome message.
func (k *Kernel) OnConnect(origin protocol.Origin, connID string) {
	k.registryFor(origin).AddPending(connID)
}

// OnMessage is the single entry point for every inbound envelope. Order
// matters: duplicate suppression, then reply correlation, then dispatch.
func (k *Kernel) OnMessage(origin protocol.Origin, connID string, msg *protocol.Message) {
	msg.Type = protocol.Canonical(msg.Type)

	ctx, span := k.tracer.Start(context.Background(), "kernel.OnMessage",
		trace.WithAttributes(
			attribute.String("message.type", msg.Type),
			attribute.String("peer.origin", string(origin)),
		))
	defer span.End()

	if msg.ID != "" && !k.seen.record(connID, msg.ID) {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeDuplicateID,
			"message id already seen on this connection"))
		return
	}

	if rec, ok := k.registryFor(origin).GetByConnection(connID); ok {
		k.registryFor(origin).Touch(rec.ID)
	}

	if k.corr.Offer(connID, msg) {
		return
	}

	h, ok := k.handlers[dispatchKey{origin, msg.Type}]
	if !ok {
		k.logger.Debug("Unsupported message type",
			zap.String("type", msg.Type),
			zap.String("origin", string(origin)))
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeUnsupportedType,
			"unsupported message type: "+msg.Type))
		return
	}
	h(ctx, origin, connID, msg)
}

// OnDisconnect releases everything bound to the connection: the pending slot
// or the registry binding, plus every outstanding waiter.
func (k *Kernel) OnDisconnect(origin protocol.Origin, connID string) {
	k.seen.forget(connID)

	reg := k.registryFor(origin)
	if reg.IsPending(connID) {
		reg.DropPending(connID)
		return
	}

	rec, ok := reg.MarkOfflineByConnection(connID)
	if !ok {
		return
	}
	k.logger.Info("Peer disconnected",
		zap.String("origin", string(origin)),
		zap.String("id", rec.ID),
		zap.String("name", rec.Name))

	// Waiters bound to this connection fail now; the grace period for the
	// tasks behind them is applied by the waiter callbacks.
	k.corr.FailConnection(connID)

	if k.bus != nil {
		event := bus.NewEvent(events.PeerDisconnected, "kernel", map[string]interface{}{
			"origin": string(origin),
			"id":     rec.ID,
			"name":   rec.Name,
		})
		_ = k.bus.Publish(context.Background(), events.PeerDisconnected, event)
	}
}

func (k *Kernel) registryFor(origin protocol.Origin) *registry.Registry {
	switch origin {
	case protocol.OriginAgent:
		return k.agents
	case protocol.OriginService:
		return k.services
	default:
		return k.clients
	}
}

// reply sends on the origin's hub, logging delivery failures. Replies are
// best-effort: a closed connection drops them.
func (k *Kernel) reply(origin protocol.Origin, connID string, msg *protocol.Message) {
	h, ok := k.hubs[origin]
	if !ok {
		return
	}
	if err := h.Send(connID, msg); err != nil {
		k.logger.Debug("Reply not delivered",
			zap.String("origin", string(origin)),
			zap.String("type", msg.Type),
			zap.Error(err))
	}
}

// requirePeer resolves the registered record behind a connection, replying
// NOT_REGISTERED when the connection never completed registration.
func (k *Kernel) requirePeer(origin protocol.Origin, connID string, msg *protocol.Message) (*registry.Record, bool) {
	rec, ok := k.registryFor(origin).GetByConnection(connID)
	if !ok {
		k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeNotRegistered,
			"register before sending "+msg.Type))
		return nil, false
	}
	return rec, true
}

// replyInvalid answers a payload that failed to decode or validate.
func (k *Kernel) replyInvalid(origin protocol.Origin, connID string, msg *protocol.Message, reason string) {
	k.reply(origin, connID, protocol.NewErrorReply(msg.ID, protocol.ErrCodeInvalidPayload, reason))
}
