// Package correlator matches replies to outstanding requests via the
// envelope's requestId. Every wait carries a deadline; waiters bound to a
// connection are rejected when that connection closes. All request/response
// correlation in the orchestrator goes through this package.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

var (
	// ErrTimeout is returned when the deadline expires before a reply.
	ErrTimeout = errors.New("correlator: response timeout")
	// ErrConnectionClosed is returned when the underlying channel closes
	// while a reply is outstanding.
	ErrConnectionClosed = errors.New("correlator: connection closed")
	// ErrServerStopped is returned when the orchestrator shuts down with
	// replies outstanding.
	ErrServerStopped = errors.New("correlator: server stopped")
)

// ReplyError is the typed rejection produced when a reply carries an error.
// It preserves the original request type and the peer's reason string.
type ReplyError struct {
	RequestType string
	Reason      string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("request %s failed: %s", e.RequestType, e.Reason)
}

// SendFunc delivers a message on the requester's behalf.
type SendFunc func(msg *protocol.Message) error

// Options configures a single wait.
type Options struct {
	// Timeout bounds the wait. Zero falls back to the correlator default.
	Timeout time.Duration
	// TypeFilter, when non-empty, restricts which message types resolve the
	// wait; other types with a matching requestId fall through to normal
	// dispatch.
	TypeFilter []string
	// AnyIDWithType resolves on the next message of the given type
	// regardless of requestId. Used for streaming flows where the reply id
	// is minted by the peer.
	AnyIDWithType string
}

type outcome struct {
	msg *protocol.Message
	err error
}

type waiter struct {
	requestID   string
	requestType string
	connID      string
	typeFilter  map[string]bool
	anyType     string
	timer       *time.Timer
	deliver     func(outcome)
	done        bool
}

// Correlator maps outstanding request ids to waiters.
type Correlator struct {
	mu             sync.Mutex
	waiters        map[string]*waiter   // requestId -> waiter
	typeWaiters    map[string][]*waiter // type -> waiters in any-id mode
	byConn         map[string]map[*waiter]struct{}
	defaultTimeout time.Duration
	logger         *logger.Logger
}

// New creates a correlator with the given default wait deadline.
func New(defaultTimeout time.Duration, log *logger.Logger) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Correlator{
		waiters:        make(map[string]*waiter),
		typeWaiters:    make(map[string][]*waiter),
		byConn:         make(map[string]map[*waiter]struct{}),
		defaultTimeout: defaultTimeout,
		logger:         log.WithFields(zap.String("component", "correlator")),
	}
}

// Await sends msg (assigning an id if absent) and blocks until a reply
// resolves it, the deadline expires, the connection closes, or ctx is done.
// connID identifies the channel the reply is expected on.
func (c *Correlator) Await(ctx context.Context, connID string, send SendFunc, msg *protocol.Message, opts Options) (*protocol.Message, error) {
	if msg.ID == "" {
		msg.ID = protocol.NewID()
	}

	ch := make(chan outcome, 1)
	w := c.register(connID, msg.ID, msg.Type, opts, func(o outcome) { ch <- o })

	if err := send(msg); err != nil {
		c.remove(w)
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case o := <-ch:
		return o.msg, o.err
	case <-ctx.Done():
		c.remove(w)
		return nil, ctx.Err()
	}
}

// Track registers a waiter without blocking. fn is invoked exactly once with
// either the resolving message or a rejection error.
func (c *Correlator) Track(connID, requestID, requestType string, opts Options, fn func(*protocol.Message, error)) {
	c.register(connID, requestID, requestType, opts, func(o outcome) { fn(o.msg, o.err) })
}

func (c *Correlator) register(connID, requestID, requestType string, opts Options, deliver func(outcome)) *waiter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	w := &waiter{
		requestID:   requestID,
		requestType: requestType,
		connID:      connID,
		anyType:     opts.AnyIDWithType,
		deliver:     deliver,
	}
	if len(opts.TypeFilter) > 0 {
		w.typeFilter = make(map[string]bool, len(opts.TypeFilter))
		for _, t := range opts.TypeFilter {
			w.typeFilter[t] = true
		}
	}

	c.mu.Lock()
	if w.anyType != "" {
		c.typeWaiters[w.anyType] = append(c.typeWaiters[w.anyType], w)
	} else {
		c.waiters[requestID] = w
	}
	if connID != "" {
		if c.byConn[connID] == nil {
			c.byConn[connID] = make(map[*waiter]struct{})
		}
		c.byConn[connID][w] = struct{}{}
	}
	w.timer = time.AfterFunc(timeout, func() {
		c.resolve(w, outcome{err: ErrTimeout})
	})
	c.mu.Unlock()

	return w
}

// Offer routes an inbound message to a matching waiter. A waiter bound to a
// connection only resolves on that connection; a known requestId arriving on
// another peer's channel falls through to normal dispatch. Returns true when
// the message was consumed and must not be dispatched further.
func (c *Correlator) Offer(connID string, msg *protocol.Message) bool {
	c.mu.Lock()
	var w *waiter

	if msg.RequestID != "" {
		if cand, ok := c.waiters[msg.RequestID]; ok {
			if (cand.typeFilter == nil || cand.typeFilter[msg.Type]) &&
				(cand.connID == "" || cand.connID == connID) {
				w = cand
			}
		}
	}
	if w == nil {
		for _, cand := range c.typeWaiters[msg.Type] {
			if cand.connID == "" || cand.connID == connID {
				w = cand
				break
			}
		}
	}
	if w == nil || !c.claimLocked(w) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if msg.IsError() {
		w.finish(outcome{err: &ReplyError{RequestType: w.requestType, Reason: msg.ErrorString()}})
	} else {
		w.finish(outcome{msg: msg})
	}
	return true
}

// Cancel removes the waiter for requestID without invoking it. Used when the
// awaited outcome arrived through another path.
func (c *Correlator) Cancel(requestID string) {
	c.mu.Lock()
	w, ok := c.waiters[requestID]
	if ok {
		ok = c.claimLocked(w)
	}
	c.mu.Unlock()
	if ok {
		w.stop()
	}
}

// FailConnection rejects every waiter bound to the given connection.
func (c *Correlator) FailConnection(connID string) {
	c.mu.Lock()
	set := c.byConn[connID]
	delete(c.byConn, connID)
	var ws []*waiter
	for w := range set {
		if c.claimLocked(w) {
			ws = append(ws, w)
		}
	}
	c.mu.Unlock()

	for _, w := range ws {
		w.finish(outcome{err: ErrConnectionClosed})
	}
	if len(ws) > 0 {
		c.logger.Debug("Rejected waiters for closed connection",
			zap.String("connection_id", connID),
			zap.Int("count", len(ws)))
	}
}

// Shutdown rejects every outstanding waiter with ErrServerStopped.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	var ws []*waiter
	for _, w := range c.waiters {
		if !w.done {
			w.done = true
			ws = append(ws, w)
		}
	}
	for _, cands := range c.typeWaiters {
		for _, w := range cands {
			if !w.done {
				w.done = true
				ws = append(ws, w)
			}
		}
	}
	c.waiters = make(map[string]*waiter)
	c.typeWaiters = make(map[string][]*waiter)
	c.byConn = make(map[string]map[*waiter]struct{})
	c.mu.Unlock()

	for _, w := range ws {
		w.finish(outcome{err: ErrServerStopped})
	}
}

// Pending returns the number of outstanding waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.waiters)
	for _, cands := range c.typeWaiters {
		n += len(cands)
	}
	return n
}

func (c *Correlator) resolve(w *waiter, o outcome) {
	c.mu.Lock()
	claimed := c.claimLocked(w)
	c.mu.Unlock()
	if claimed {
		w.finish(o)
	}
}

func (c *Correlator) remove(w *waiter) {
	c.mu.Lock()
	c.claimLocked(w)
	c.mu.Unlock()
	w.stop()
}

// claimLocked marks the waiter resolved and unlinks it. Returns false when
// another path already claimed it. Caller holds c.mu.
func (c *Correlator) claimLocked(w *waiter) bool {
	if w.done {
		return false
	}
	w.done = true
	c.removeLocked(w)
	return true
}

// removeLocked unlinks the waiter from every index. Caller holds c.mu.
func (c *Correlator) removeLocked(w *waiter) {
	if w.anyType != "" {
		cands := c.typeWaiters[w.anyType]
		for i, cand := range cands {
			if cand == w {
				c.typeWaiters[w.anyType] = append(cands[:i], cands[i+1:]...)
				break
			}
		}
		if len(c.typeWaiters[w.anyType]) == 0 {
			delete(c.typeWaiters, w.anyType)
		}
	} else {
		if c.waiters[w.requestID] == w {
			delete(c.waiters, w.requestID)
		}
	}
	if w.connID != "" {
		if set, ok := c.byConn[w.connID]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(c.byConn, w.connID)
			}
		}
	}
}

// finish delivers the outcome at most once and clears the timer.
func (w *waiter) finish(o outcome) {
	w.stop()
	w.deliver(o)
}

func (w *waiter) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
