// Package registry owns the set of active SSE client connections.
//
// The registry is the single owner of the client map: all mutation goes
// through its methods, which are safe to call concurrently from request
// handlers, stream writers, and the liveness sweeper. Each client carries a
// buffered outbound queue written by many dispatcher goroutines and drained
// by exactly one stream writer.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/event"
	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// Registry errors.
var (
	// ErrClientNotFound is returned when a client id is absent or closed.
	ErrClientNotFound = errors.New("client not found")
	// ErrQueueFull is returned when a client's outbound queue is at capacity.
	ErrQueueFull = errors.New("client queue full")
)

// State is the lifecycle state of a client connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is a single outbound wire message awaiting delivery on a client's
// SSE stream.
type Message struct {
	// Event is the SSE event name, e.g. "jsonrpc".
	Event string
	// Payload is the encoded message body.
	Payload []byte
}

// Client is the server-side record of one open SSE stream. It is owned
// exclusively by the registry; the stream writer borrows the drain handle
// returned by Messages for the lifetime of the HTTP response.
type Client struct {
	id string

	mu       sync.Mutex
	state    State
	lastSeen time.Time

	queue chan Message
	done  chan struct{}
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

// Messages returns the drain handle for the outbound queue. Exactly one
// goroutine may receive from it.
func (c *Client) Messages() <-chan Message { return c.queue }

// Done is closed when the client is closed, releasing any blocked writer.
func (c *Client) Done() <-chan struct{} { return c.done }

// State returns the client's lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSeen returns the time of the client's last observed activity.
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Config holds registry tuning knobs.
type Config struct {
	// QueueCapacity bounds each client's outbound queue.
	QueueCapacity int
	// InactivityThreshold is how long a client may stay idle before the
	// sweeper evicts it.
	InactivityThreshold time.Duration
	// SweepPeriod is how often the sweeper scans for idle clients.
	SweepPeriod time.Duration
}

// DefaultConfig returns the default registry configuration. The inactivity
// threshold is twice the 30s heartbeat interval plus margin, so a connected
// client always heartbeats well inside it.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:       64,
		InactivityThreshold: 90 * time.Second,
		SweepPeriod:         60 * time.Second,
	}
}

// Registry tracks active SSE clients. Construct with New and pass by
// reference; there is no package-level instance.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client

	cfg Config
	bus *event.Bus
	log zerolog.Logger
}

// New creates a registry. The bus may be nil, in which case no lifecycle
// events are published.
func New(cfg Config, bus *event.Bus) *Registry {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = DefaultConfig().InactivityThreshold
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = DefaultConfig().SweepPeriod
	}
	return &Registry{
		clients: make(map[string]*Client),
		cfg:     cfg,
		bus:     bus,
		log:     logging.Component("registry"),
	}
}

// Open allocates a new client connection in state Connecting and returns it.
// Never blocks.
func (r *Registry) Open() *Client {
	c := &Client{
		id:       ulid.Make().String(),
		state:    StateConnecting,
		lastSeen: time.Now(),
		queue:    make(chan Message, r.cfg.QueueCapacity),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.clients[c.id] = c
	total := len(r.clients)
	r.mu.Unlock()

	r.log.Info().Str("clientID", c.id).Int("active", total).Msg("client registered")
	r.publish(event.Event{Type: event.ClientConnected, Data: event.ClientConnectedData{ClientID: c.id}})
	return c
}

// MarkOpen transitions a client from Connecting to Open. Called by the
// stream writer once the connection event has been flushed.
func (r *Registry) MarkOpen(id string) {
	c, ok := r.get(id)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateOpen
	}
	c.mu.Unlock()
}

// Enqueue appends a message to the named client's outbound queue.
// It fails with ErrClientNotFound when the client is absent or no longer
// accepting messages, and with ErrQueueFull when the queue is at capacity.
// Callers must surface failure as a dropped delivery, not retry: the editor
// is expected to reconnect and re-issue.
func (r *Registry) Enqueue(id string, msg Message) error {
	c, ok := r.get(id)
	if !ok {
		return ErrClientNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state == StateClosed {
		return ErrClientNotFound
	}
	select {
	case c.queue <- msg:
		c.lastSeen = time.Now()
		return nil
	default:
		return ErrQueueFull
	}
}

// Touch updates the client's last-activity timestamp. Called on every
// inbound request from the client and on every successful enqueue.
func (r *Registry) Touch(id string) {
	if c, ok := r.get(id); ok {
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()
	}
}

// Close transitions the client to Closed, discards its queue, and removes
// it from the registry. Idempotent.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.done)

	r.log.Info().Str("clientID", id).Msg("client closed")
	r.publish(event.Event{Type: event.ClientClosed, Data: event.ClientClosedData{ClientID: id}})
}

// Broadcast enqueues a message to every client currently accepting
// messages and returns the number of clients reached. Full queues are
// skipped; broadcast delivery is best effort.
func (r *Registry) Broadcast(msg Message) int {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		if err := r.Enqueue(c.id, msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// Get returns the client for an id, if present.
func (r *Registry) Get(id string) (*Client, bool) {
	return r.get(id)
}

// Len returns the number of tracked clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Config returns the registry configuration.
func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) get(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) publish(e event.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
