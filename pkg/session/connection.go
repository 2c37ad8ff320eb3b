package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/identity"
	"wonder-craft/tickets/ticket-presence-server/pkg/msg"

	"github.com/google/uuid"
)

var (
	ErrDisconnected     = errors.New("connection is disconnected")
	ErrIdentityConflict = errors.New("connection already carries another identity")
)

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

type State int32

const (
	Connecting State = iota
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Transport is the network side of a connection.
type Transport interface {
	// Close tears the network connection down. Must be safe to call more
	// than once and from any goroutine.
	Close()
}

// Connection is the server side state of one client. Only the hub
// creates and terminates connections; everyone else holds an ID.
type Connection struct {
	id        ID
	send      chan *msg.WsMessage
	done      chan struct{}
	transport Transport

	// Unix nanos of the last sign of life from the peer.
	lastSeen atomic.Int64

	// Guards everything below. The hub holds this while it decides whether
	// a join is still allowed, and Terminate flips state under it, which is
	// what makes disconnect cleanup run exactly once.
	mu       sync.Mutex
	state    State
	identity *identity.Identity
	tickets  map[string]struct{}

	// Set while identity was made up or claimed by the client rather than
	// resolved from a token. A resolved identity replaces it.
	provisional bool
}

func NewConnection(id ID, transport Transport, sendBuffer int, now time.Time) *Connection {
	c := &Connection{
		id:        id,
		send:      make(chan *msg.WsMessage, sendBuffer),
		done:      make(chan struct{}),
		transport: transport,
		state:     Connecting,
		tickets:   make(map[string]struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() ID {
	return c.id
}

// Send is drained by the transport writer.
func (c *Connection) Send() <-chan *msg.WsMessage {
	return c.send
}

// Done is closed once the connection is terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connecting {
		c.state = Active
	}
}

func (c *Connection) Identity() *identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Identify attaches a resolved identity to the connection. Attaching the
// same viewer again is a no-op, attaching a different one fails unless the
// current identity is provisional, in which case it is replaced and
// returned as previous.
func (c *Connection) Identify(id *identity.Identity) (previous *identity.Identity, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected {
		return nil, ErrDisconnected
	}
	if c.identity == nil {
		c.identity = id
		return nil, nil
	}
	if c.provisional {
		previous = c.identity
		c.identity = id
		c.provisional = false
		return previous, nil
	}
	if c.identity.ViewerID != id.ViewerID {
		return nil, ErrIdentityConflict
	}
	return nil, nil
}

// Assume attaches id as a provisional identity if the connection has none
// yet, and returns whichever identity is in effect afterwards.
func (c *Connection) Assume(id *identity.Identity) *identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.identity == nil {
		c.identity = id
		c.provisional = true
	}
	return c.identity
}

// Provisional reports whether the current identity was not resolved from
// a token.
func (c *Connection) Provisional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil && c.provisional
}

// Join records the ticket as one this connection is viewing. added is false
// if it already was.
func (c *Connection) Join(ticketId string) (added bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected {
		return false, ErrDisconnected
	}
	if _, ok := c.tickets[ticketId]; ok {
		return false, nil
	}
	c.tickets[ticketId] = struct{}{}
	return true, nil
}

// Leave forgets the ticket. removed is false if it was not being viewed.
func (c *Connection) Leave(ticketId string) (removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tickets[ticketId]; !ok {
		return false
	}
	delete(c.tickets, ticketId)
	return true
}

func (c *Connection) Tickets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedTickets()
}

// Terminate moves the connection to Disconnected and hands back the
// tickets it was viewing. Only the first call gets ok == true.
func (c *Connection) Terminate() (tickets []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected {
		return nil, false
	}
	c.state = Disconnected
	close(c.done)

	tickets = c.sortedTickets()
	c.tickets = make(map[string]struct{})
	return tickets, true
}

// TrySend queues a message without blocking. false means the message was
// not queued, either because the connection is gone or because its buffer
// is full.
func (c *Connection) TrySend(wsMessage *msg.WsMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected {
		return false
	}
	select {
	case c.send <- wsMessage:
		return true
	default:
		return false
	}
}

// Kick closes the transport, which makes its reader fail and report the
// disconnect.
func (c *Connection) Kick() {
	if c.transport != nil {
		c.transport.Close()
	}
}

func (c *Connection) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) sortedTickets() []string {
	tickets := make([]string, 0, len(c.tickets))
	for ticketId := range c.tickets {
		tickets = append(tickets, ticketId)
	}
	sort.Strings(tickets)
	return tickets
}
