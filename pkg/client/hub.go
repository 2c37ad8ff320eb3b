package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/broadcast"
	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/identity"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/msg"
	"wonder-craft/tickets/ticket-presence-server/pkg/presence"
	"wonder-craft/tickets/ticket-presence-server/pkg/room"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"
	"wonder-craft/tickets/ticket-presence-server/pkg/shard"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrUnidentified   = errors.New("connection has no identity")
	ErrViewerMismatch = errors.New("viewerId does not match connection identity")
)

// Disconnect reasons, for logs.
const (
	ReasonTransport     = "transport"
	ReasonTimeout       = "timeout"
	ReasonUndeliverable = "undeliverable"
	ReasonShutdown      = "shutdown"
)

// Hub owns live connections and drives every join, leave and disconnect.
//
// All presence and channel changes of one ticket run under that ticket's
// lock, and so does the viewer broadcast they trigger. Lock order is ticket
// lock first, then connection and shard locks.
type Hub struct {
	directory   *session.Directory
	multiplexer *room.Multiplexer
	registry    *presence.Registry
	dispatcher  *broadcast.Dispatcher
	provider    identity.Provider

	config *config.PresenceConfig

	ticketLocks [shard.Count]sync.Mutex

	now func() time.Time

	// Replaced in tests.
	broadcastViewers func(ticketId string)

	logger *zap.SugaredLogger
}

func ProvideHub(
	cfg *config.Config,
	directory *session.Directory,
	multiplexer *room.Multiplexer,
	registry *presence.Registry,
	dispatcher *broadcast.Dispatcher,
	provider identity.Provider,
	loggerFactory *infra.LoggerFactory,
) *Hub {
	h := &Hub{
		directory:   directory,
		multiplexer: multiplexer,
		registry:    registry,
		dispatcher:  dispatcher,
		provider:    provider,
		config:      &cfg.Presence,
		now:         time.Now,
		logger:      loggerFactory.Create("Hub").Sugar(),
	}
	h.broadcastViewers = dispatcher.BroadcastViewers
	return h
}

// Run sweeps silent connections and disconnects the ones the dispatcher
// could not deliver to, until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep(h.now())

		case connId := <-h.dispatcher.Undeliverable():
			h.Disconnect(connId, ReasonUndeliverable)

		case <-ctx.Done():
			return nil
		}
	}
}

// Accept registers a new connection. id may be nil and attached later.
func (h *Hub) Accept(transport session.Transport, id *identity.Identity) *session.Connection {
	conn := session.NewConnection(session.NewID(), transport, h.config.SendBuffer, h.now())
	if id != nil {
		conn.Identify(id)
	}
	h.directory.Add(conn)
	conn.Activate()

	viewerId := ""
	if id != nil {
		viewerId = id.ViewerID
	}
	h.logger.Debugf("accept connectionId[%v] viewerId[%v]", conn.ID(), viewerId)
	return conn
}

// Identify attaches a resolved identity to the connection. If the
// connection was viewing tickets under a provisional identity, those
// presence entries move over to the new one. A claim of the same viewer
// keeps its entry but takes the resolved profile.
func (h *Hub) Identify(conn *session.Connection, id *identity.Identity) error {
	previous, err := conn.Identify(id)
	if err != nil {
		return err
	}
	h.logger.Debugf("identify connectionId[%v] viewerId[%v]", conn.ID(), id.ViewerID)
	if previous == nil {
		return nil
	}

	for _, ticketId := range conn.Tickets() {
		h.withTicket(ticketId, func() {
			if !h.multiplexer.IsMember(conn.ID(), ticketId) {
				return
			}
			changed := false
			if previous.ViewerID != id.ViewerID {
				changed = h.registry.RemoveViewer(ticketId, previous, conn.ID())
			}
			if h.registry.AddViewer(ticketId, id, conn.ID(), true) || changed {
				h.broadcastViewers(ticketId)
			}
		})
	}
	return nil
}

// HandleEvent applies one inbound event. A returned error means the event
// was dropped; the connection stays.
func (h *Hub) HandleEvent(conn *session.Connection, event msg.ClientEvent) error {
	conn.Touch(h.now())

	switch e := event.(type) {
	case *msg.TicketOpenedEvent:
		return h.OpenTicket(conn, e.TicketId, e.ViewerId, e.AvatarRef)

	case *msg.TicketClosedEvent:
		return h.CloseTicket(conn, e.TicketId, e.ViewerId)

	case *msg.HeartbeatEvent:
		wsMessage, err := msg.NewWsMessage(msg.HeartbeatAckCode, &msg.HeartbeatAckServerEvent{
			ServerTime: h.now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		h.dispatcher.Send(conn, wsMessage)
		return nil

	case *msg.AuthenticateEvent:
		id, err := h.provider.Resolve(e.Token)
		if err != nil {
			return err
		}
		return h.Identify(conn, id)
	}
	return fmt.Errorf("%w: %T", msg.ErrUnknownEvent, event)
}

// OpenTicket makes the connection a viewer of the ticket and tells the
// ticket's channel. Opening an already open ticket changes nothing but
// still answers with the current viewers.
func (h *Hub) OpenTicket(conn *session.Connection, ticketId string, viewerId string, avatarRef string) error {
	viewer, err := h.viewerOf(conn, viewerId, avatarRef)
	if err != nil {
		return err
	}
	resolved := !conn.Provisional()

	h.withTicket(ticketId, func() {
		if _, err = conn.Join(ticketId); err != nil {
			return
		}
		h.multiplexer.Join(conn.ID(), ticketId)
		h.registry.AddViewer(ticketId, viewer, conn.ID(), resolved)
		h.broadcastViewers(ticketId)
	})
	if err != nil {
		return err
	}

	h.logger.Debugf("open ticket connectionId[%v] ticketId[%v] viewerId[%v]", conn.ID(), ticketId, viewer.ViewerID)
	return nil
}

// CloseTicket stops the connection viewing the ticket. The remaining
// channel members and the connection itself get the new viewer list.
// Closing a ticket that is not open is a no-op.
func (h *Hub) CloseTicket(conn *session.Connection, ticketId string, viewerId string) error {
	viewer := conn.Identity()
	if viewer == nil {
		return nil
	}
	if viewerId != "" && viewerId != viewer.ViewerID {
		return fmt.Errorf("%w: got[%v] want[%v]", ErrViewerMismatch, viewerId, viewer.ViewerID)
	}

	h.withTicket(ticketId, func() {
		if !conn.Leave(ticketId) {
			return
		}
		h.multiplexer.Leave(conn.ID(), ticketId)
		h.registry.RemoveViewer(ticketId, viewer, conn.ID())
		h.broadcastViewers(ticketId)

		wsMessage, err := broadcast.NewViewersMessage(ticketId, h.registry.ViewersOf(ticketId))
		if err != nil {
			h.logger.Errorf("cannot build UpdateTicketViewersServerEvent ticketId[%v] %v", ticketId, err)
			return
		}
		h.dispatcher.Send(conn, wsMessage)
	})

	h.logger.Debugf("close ticket connectionId[%v] ticketId[%v]", conn.ID(), ticketId)
	return nil
}

// Disconnect removes the connection from every ticket it was viewing and
// rebroadcasts each of those tickets' viewers. Safe to call any number of
// times from anywhere; only the first call does anything.
func (h *Hub) Disconnect(connId session.ID, reason string) {
	conn, ok := h.directory.Get(connId)
	if !ok {
		return
	}
	tickets, ok := conn.Terminate()
	if !ok {
		return
	}
	h.directory.Remove(connId)
	conn.Kick()

	var errs error
	for _, ticketId := range tickets {
		errs = multierr.Append(errs, h.cleanupTicket(connId, ticketId))
	}
	if errs != nil {
		h.logger.Errorf("disconnect cleanup failed connectionId[%v] %v", connId, errs)
	}

	h.logger.Infof("disconnect connectionId[%v] reason[%v] tickets[%v]", connId, reason, tickets)
}

// Shutdown disconnects every live connection.
func (h *Hub) Shutdown() {
	conns := h.directory.All()
	for _, conn := range conns {
		h.Disconnect(conn.ID(), ReasonShutdown)
	}
	h.logger.Infof("shutdown disconnected connections[%v]", len(conns))
}

// Stats is a point in time view of the hub.
type Stats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
	Tickets     int `json:"tickets"`
	Viewers     int `json:"viewers"`
}

func (h *Hub) Stats() Stats {
	presenceStats := h.registry.Stats()
	return Stats{
		Connections: h.directory.Len(),
		Channels:    h.multiplexer.ChannelCount(),
		Tickets:     presenceStats.Tickets,
		Viewers:     presenceStats.Viewers,
	}
}

// Viewers returns the current viewers of the ticket.
func (h *Hub) Viewers(ticketId string) []presence.Viewer {
	return h.registry.ViewersOf(ticketId)
}

func (h *Hub) sweep(now time.Time) {
	deadline := now.Add(-h.config.HeartbeatTimeout)
	for _, conn := range h.directory.All() {
		if conn.LastSeen().Before(deadline) {
			h.logger.Infof("heartbeat timeout connectionId[%v] lastSeen[%v]", conn.ID(), conn.LastSeen())
			h.Disconnect(conn.ID(), ReasonTimeout)
		}
	}
}

// cleanupTicket runs one ticket's part of a disconnect. A panic is turned
// into an error after the ticket is forced back into a consistent state,
// so it never stops the cleanup of other tickets.
func (h *Hub) cleanupTicket(connId session.ID, ticketId string) error {
	lock := h.ticketLock(ticketId)
	lock.Lock()
	defer lock.Unlock()

	var catcher panics.Catcher
	catcher.Try(func() {
		h.multiplexer.Leave(connId, ticketId)
		h.registry.Purge(ticketId, connId)
		h.broadcastViewers(ticketId)
	})
	recovered := catcher.Recovered()
	if recovered == nil {
		return nil
	}

	h.multiplexer.Leave(connId, ticketId)
	h.registry.Purge(ticketId, connId)
	return fmt.Errorf("ticketId[%v]: %w", ticketId, recovered.AsError())
}

// viewerOf decides as whom the connection views tickets. A resolved
// identity always wins and the client may not claim another one. Without
// one, and unless identity is required, the client's claim or else an
// anonymous identity is assumed for the rest of the connection.
func (h *Hub) viewerOf(conn *session.Connection, viewerId string, avatarRef string) (*identity.Identity, error) {
	if !conn.Provisional() {
		if id := conn.Identity(); id != nil {
			if viewerId != "" && viewerId != id.ViewerID {
				return nil, fmt.Errorf("%w: got[%v] want[%v]", ErrViewerMismatch, viewerId, id.ViewerID)
			}
			return id, nil
		}
	}
	if h.config.RequireIdentity {
		return nil, ErrUnidentified
	}

	claimed := identity.NewAnonymous(string(conn.ID()), avatarRef)
	if viewerId != "" {
		claimed = &identity.Identity{ViewerID: viewerId, AvatarRef: avatarRef}
	}
	id := conn.Assume(claimed)
	if viewerId != "" && viewerId != id.ViewerID {
		return nil, fmt.Errorf("%w: got[%v] want[%v]", ErrViewerMismatch, viewerId, id.ViewerID)
	}
	return id, nil
}

func (h *Hub) ticketLock(ticketId string) *sync.Mutex {
	return &h.ticketLocks[shard.Index(ticketId)]
}

func (h *Hub) withTicket(ticketId string, f func()) {
	lock := h.ticketLock(ticketId)
	lock.Lock()
	defer lock.Unlock()
	f()
}
