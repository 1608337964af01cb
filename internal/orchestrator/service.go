// Package orchestrator assembles the hubs, registries, task stores,
// correlator, tool-server adapter, kernel and notifier into one runnable
// service with an ordered shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hivegrid/hivegrid/internal/common/config"
	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/internal/common/telemetry"
	"github.com/hivegrid/hivegrid/internal/correlator"
	"github.com/hivegrid/hivegrid/internal/events/bus"
	"github.com/hivegrid/hivegrid/internal/hub"
	"github.com/hivegrid/hivegrid/internal/kernel"
	"github.com/hivegrid/hivegrid/internal/notifier"
	"github.com/hivegrid/hivegrid/internal/registry"
	"github.com/hivegrid/hivegrid/internal/task"
	"github.com/hivegrid/hivegrid/internal/toolserver"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// Version is reported in the welcome message and on the health endpoint.
const Version = "1.0.0"

// Service is the assembled orchestrator.
type Service struct {
	cfg    *config.Config
	logger *logger.Logger

	bus      bus.EventBus
	agents   *registry.Registry
	services *registry.Registry
	clients  *registry.Registry

	tasks        *task.Registry
	serviceTasks *task.ServiceRegistry
	corr         *correlator.Correlator
	tools        *toolserver.Adapter
	kernel       *kernel.Kernel
	notifier     *notifier.Notifier

	hubs    map[protocol.Origin]*hub.Hub
	servers []*http.Server
}

// New wires the service from config. Nothing listens until Run.
func New(cfg *config.Config, log *logger.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: log,
		hubs:   make(map[protocol.Origin]*hub.Hub),
	}

	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: connect event bus: %w", err)
		}
		s.bus = natsBus
	} else {
		s.bus = bus.NewMemoryEventBus(log)
	}

	s.agents = registry.New("agent", log)
	s.services = registry.New("service", log)
	s.clients = registry.New("client", log)

	for _, p := range cfg.Peers.Agents {
		s.agents.Preconfigure(registry.Preset{ID: p.ID, Name: p.Name, Capabilities: p.Capabilities})
	}
	for _, p := range cfg.Peers.Services {
		s.services.Preconfigure(registry.Preset{ID: p.ID, Name: p.Name, Capabilities: p.Capabilities})
	}

	s.tasks = task.NewRegistry(s.bus, log)
	s.serviceTasks = task.NewServiceRegistry(s.bus, log)
	s.corr = correlator.New(cfg.Timeouts.ResponseTimeout(), log)
	s.tools = toolserver.NewAdapter(cfg.Timeouts.ToolCallTimeout(), log)

	for _, ts := range cfg.ToolServers {
		if _, err := s.tools.Register(toolserver.Config{
			Name: ts.Name,
			Spec: toolserver.LaunchSpec{
				Command: ts.Command,
				Args:    ts.Args,
				Path:    ts.Path,
				Type:    ts.Type,
				Env:     ts.Env,
			},
		}); err != nil {
			return nil, fmt.Errorf("orchestrator: register tool server %s: %w", ts.Name, err)
		}
	}

	s.kernel = kernel.New(kernel.Deps{
		Agents:       s.agents,
		Services:     s.services,
		Clients:      s.clients,
		Tasks:        s.tasks,
		ServiceTasks: s.serviceTasks,
		Correlator:   s.corr,
		Tools:        s.tools,
		Bus:          s.bus,
	}, kernel.Config{
		ResponseTimeout: cfg.Timeouts.ResponseTimeout(),
		ToolCallTimeout: cfg.Timeouts.ToolCallTimeout(),
		DisconnectGrace: cfg.Timeouts.DisconnectGrace(),
	}, log)

	for _, origin := range []protocol.Origin{protocol.OriginAgent, protocol.OriginService, protocol.OriginClient} {
		h := hub.New(origin, Version, s.kernel, log)
		s.hubs[origin] = h
		s.kernel.AttachHub(origin, h)
	}

	s.notifier = notifier.New(notifier.Deps{
		Bus:          s.bus,
		Tasks:        s.tasks,
		ServiceTasks: s.serviceTasks,
		Agents:       s.agents,
		Clients:      s.clients,
		AgentHub:     s.hubs[protocol.OriginAgent],
		ClientHub:    s.hubs[protocol.OriginClient],
	}, log)

	return s, nil
}

// Run starts the three listeners and blocks until ctx is cancelled or a
// listener fails. Shutdown is performed before returning.
func (s *Service) Run(ctx context.Context) error {
	stopTelemetry, err := telemetry.Setup(ctx, s.cfg.Telemetry, "hivegrid", Version)
	if err != nil {
		return err
	}

	if err := s.notifier.Start(); err != nil {
		return fmt.Errorf("orchestrator: start notifier: %w", err)
	}

	endpoints := []struct {
		origin protocol.Origin
		port   int
	}{
		{protocol.OriginAgent, s.cfg.Endpoints.AgentPort},
		{protocol.OriginClient, s.cfg.Endpoints.ClientPort},
		{protocol.OriginService, s.cfg.Endpoints.ServicePort},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		srv := s.buildServer(ep.origin, ep.port)
		s.servers = append(s.servers, srv)
		s.logger.Info("Hub listening",
			zap.String("origin", string(ep.origin)),
			zap.String("addr", srv.Addr))

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("%s hub: %w", ep.origin, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	err = g.Wait()
	if terr := stopTelemetry(context.Background()); terr != nil {
		s.logger.Warn("Telemetry shutdown failed", zap.Error(terr))
	}
	return err
}

func (s *Service) buildServer(origin protocol.Origin, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/", s.hubs[origin])
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": Version,
			"hub":     string(origin),
		})
	})
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Endpoints.Host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// shutdown runs the ordered teardown: stop accepting, reject outstanding
// waits, mark every peer offline, stop subprocesses, then release the bus.
func (s *Service) shutdown() {
	s.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range s.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Listener shutdown failed", zap.Error(err))
		}
	}
	for _, h := range s.hubs {
		h.Shutdown()
	}

	s.corr.Shutdown()

	s.agents.MarkAllOffline("server shutdown")
	s.services.MarkAllOffline("server shutdown")
	s.clients.MarkAllOffline("server shutdown")

	s.notifier.Stop()
	s.tools.Shutdown()
	s.bus.Close()

	s.logger.Info("Shutdown complete")
}
