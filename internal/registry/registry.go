// Package registry is the source of truth for peer identity, connection
// binding, capabilities and status. One registry exists per peer kind
// (agents, services, clients); all three share the same single-map design
// with derived name and connection indexes.
package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

// Status of a registered peer.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("registry: record not found")
	// ErrConnectionNotPending is returned when a registration arrives on a
	// connection the registry does not consider pending.
	ErrConnectionNotPending = errors.New("registry: connection not pending")
)

// Record describes one registered peer. Services carry Tools; clients carry
// LastActiveAt; the remaining fields are common. Records survive disconnects
// so that historic tasks always resolve to a registry entry.
type Record struct {
	ID             string
	Name           string
	Capabilities   []string
	Manifest       json.RawMessage
	Tools          []protocol.ToolDescriptor
	Status         Status
	ConnectionID   string
	StatusDetails  string
	RegisteredAt   time.Time
	DisconnectedAt time.Time
	LastActiveAt   time.Time
}

// Info returns the public projection of the record. Connection handles never
// leave the registry.
func (r *Record) Info() protocol.PeerInfo {
	return protocol.PeerInfo{
		ID:           r.ID,
		Name:         r.Name,
		Capabilities: append([]string(nil), r.Capabilities...),
		Status:       string(r.Status),
		Tools:        append([]protocol.ToolDescriptor(nil), r.Tools...),
		RegisteredAt: r.RegisteredAt.UTC().Format(time.RFC3339),
	}
}

// Preset pre-configures a peer before it registers. A registering peer whose
// name matches reuses the preset id and inherits its capabilities.
type Preset struct {
	ID           string
	Name         string
	Capabilities []string
}

// Filter narrows List results.
type Filter struct {
	Status       Status
	Name         string
	Capabilities []string
}

// Registry holds all records of one peer kind. The id-keyed map is primary;
// the name and connection indexes are derived and kept in sync under the
// same lock.
type Registry struct {
	mu      sync.RWMutex
	kind    string
	byID    map[string]*Record
	byName  map[string]string // name -> id, the most recently registered holder
	byConn  map[string]string // connectionId -> id
	pending map[string]time.Time
	presets map[string]Preset // keyed by name
	logger  *logger.Logger
}

// New creates a registry for one peer kind ("agent", "service" or "client").
func New(kind string, log *logger.Logger) *Registry {
	return &Registry{
		kind:    kind,
		byID:    make(map[string]*Record),
		byName:  make(map[string]string),
		byConn:  make(map[string]string),
		pending: make(map[string]time.Time),
		presets: make(map[string]Preset),
		logger:  log.WithFields(zap.String("registry", kind)),
	}
}

// Preconfigure declares a peer ahead of registration.
func (r *Registry) Preconfigure(p Preset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presets[p.Name] = p
}

// AddPending records a freshly accepted connection that has no identity yet.
func (r *Registry) AddPending(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[connectionID] = time.Now().UTC()
}

// IsPending reports whether the connection is still awaiting registration.
func (r *Registry) IsPending(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[connectionID]
	return ok
}

// DropPending discards a pending connection that closed before registering.
func (r *Registry) DropPending(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, connectionID)
}

// RegisterParams carries the identity offered in a *.register message.
type RegisterParams struct {
	ID           string
	Name         string
	Capabilities []string
	Manifest     json.RawMessage
	Tools        []protocol.ToolDescriptor
}

// Register binds a pending connection to an identity. The pending entry is
// consumed atomically. If the name is already held by a different id, the
// older record is marked offline first; if the id is known (a re-register),
// the record comes back online with its capabilities preserved.
func (r *Registry) Register(connectionID string, params RegisterParams) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[connectionID]; !ok {
		return nil, ErrConnectionNotPending
	}
	delete(r.pending, connectionID)

	now := time.Now().UTC()

	id := params.ID
	capabilities := params.Capabilities
	if preset, ok := r.presets[params.Name]; ok {
		if id == "" {
			id = preset.ID
		}
		capabilities = mergeCapabilities(capabilities, preset.Capabilities)
	}
	if id == "" {
		id = protocol.NewID()
	}

	// Same name, different id: the newcomer wins the name and the older
	// record goes offline.
	if prevID, ok := r.byName[params.Name]; ok && params.Name != "" && prevID != id {
		if prev, ok := r.byID[prevID]; ok && prev.Status != StatusOffline {
			r.offlineLocked(prev, "name reclaimed by "+id)
			r.logger.Warn("Name collision, older record marked offline",
				zap.String("name", params.Name),
				zap.String("previous_id", prevID),
				zap.String("new_id", id))
		}
	}

	rec, known := r.byID[id]
	if !known {
		rec = &Record{
			ID:           id,
			RegisteredAt: now,
		}
		r.byID[id] = rec
	} else if rec.ConnectionID != "" && rec.ConnectionID != connectionID {
		// Stale binding from a connection that never closed cleanly.
		delete(r.byConn, rec.ConnectionID)
	}

	rec.Name = params.Name
	if len(capabilities) > 0 || !known {
		rec.Capabilities = capabilities
	}
	if len(params.Manifest) > 0 {
		rec.Manifest = params.Manifest
	}
	if len(params.Tools) > 0 {
		rec.Tools = params.Tools
	}
	rec.Status = StatusOnline
	rec.StatusDetails = ""
	rec.ConnectionID = connectionID
	rec.LastActiveAt = now

	if params.Name != "" {
		r.byName[params.Name] = id
	}
	r.byConn[connectionID] = id

	r.logger.Info("Peer registered",
		zap.String("id", id),
		zap.String("name", params.Name),
		zap.String("connection_id", connectionID))

	return snapshot(rec), nil
}

// GetByID returns the record with the given id.
func (r *Registry) GetByID(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return snapshot(rec), true
}

// GetByName returns the current holder of the given name.
func (r *Registry) GetByName(name string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return snapshot(rec), true
}

// GetByConnection returns the record bound to the given connection.
func (r *Registry) GetByConnection(connectionID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return snapshot(rec), true
}

// List returns records matching the filter.
func (r *Registry) List(filter Filter) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.byID {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Name != "" && rec.Name != filter.Name {
			continue
		}
		if !hasCapabilities(rec.Capabilities, filter.Capabilities) {
			continue
		}
		out = append(out, snapshot(rec))
	}
	return out
}

// UpdateStatus sets the peer's status and optional details.
func (r *Registry) UpdateStatus(id string, status Status, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.StatusDetails = details
	rec.LastActiveAt = time.Now().UTC()
	return nil
}

// Touch refreshes the peer's last-active timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.LastActiveAt = time.Now().UTC()
	}
}

// MarkOfflineByConnection transitions the record bound to the connection to
// offline and discards the connection binding. Returns the affected record.
func (r *Registry) MarkOfflineByConnection(connectionID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	rec := r.byID[id]
	r.offlineLocked(rec, "connection closed")
	return snapshot(rec), true
}

// MarkAllOffline transitions every online record to offline. Used during
// shutdown.
func (r *Registry) MarkAllOffline(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.byID {
		if rec.Status != StatusOffline {
			r.offlineLocked(rec, reason)
		}
	}
	r.pending = make(map[string]time.Time)
}

// Remove deletes a record explicitly. Disconnected peers are normally kept.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.byName[rec.Name] == id {
		delete(r.byName, rec.Name)
	}
	if rec.ConnectionID != "" {
		delete(r.byConn, rec.ConnectionID)
	}
}

func (r *Registry) offlineLocked(rec *Record, details string) {
	if rec.ConnectionID != "" {
		delete(r.byConn, rec.ConnectionID)
		rec.ConnectionID = ""
	}
	rec.Status = StatusOffline
	rec.StatusDetails = details
	rec.DisconnectedAt = time.Now().UTC()
}

func snapshot(rec *Record) *Record {
	cp := *rec
	cp.Capabilities = append([]string(nil), rec.Capabilities...)
	cp.Tools = append([]protocol.ToolDescriptor(nil), rec.Tools...)
	return &cp
}

func mergeCapabilities(declared, preset []string) []string {
	seen := make(map[string]bool, len(declared)+len(preset))
	var out []string
	for _, c := range append(append([]string(nil), declared...), preset...) {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func hasCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}
