package broadcast

import (
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/msg"
	"wonder-craft/tickets/ticket-presence-server/pkg/presence"
	"wonder-craft/tickets/ticket-presence-server/pkg/room"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"

	"go.uber.org/zap"
)

// Dispatcher pushes snapshots to connections. It never blocks on a slow
// peer: a connection whose buffer is full is kicked and reported on
// Undeliverable, and the hub turns that into a regular disconnect.
type Dispatcher struct {
	registry    *presence.Registry
	multiplexer *room.Multiplexer
	directory   *session.Directory

	// Connections a message could not be queued for.
	undeliverable chan session.ID

	logger *zap.SugaredLogger
}

func ProvideDispatcher(registry *presence.Registry, multiplexer *room.Multiplexer, directory *session.Directory, loggerFactory *infra.LoggerFactory) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		multiplexer:   multiplexer,
		directory:     directory,
		undeliverable: make(chan session.ID, 1024),
		logger:        loggerFactory.Create("Dispatcher").Sugar(),
	}
}

func (d *Dispatcher) Undeliverable() <-chan session.ID {
	return d.undeliverable
}

// BroadcastTicketList sends the ticket list to every live connection.
func (d *Dispatcher) BroadcastTicketList(tickets []msg.TicketSummary) {
	wsMessage, err := newTicketsUpdated(tickets)
	if err != nil {
		d.logger.Errorf("cannot build TicketsUpdatedServerEvent %v", err)
		return
	}

	conns := d.directory.All()
	d.logger.Debugf("broadcast ticket list tickets[%v] connections[%v]", len(tickets), len(conns))
	for _, conn := range conns {
		d.deliver(conn, wsMessage)
	}
}

// SendTicketList sends the ticket list to one connection only.
func (d *Dispatcher) SendTicketList(connId session.ID, tickets []msg.TicketSummary) {
	conn, ok := d.directory.Get(connId)
	if !ok {
		return
	}

	wsMessage, err := newTicketsUpdated(tickets)
	if err != nil {
		d.logger.Errorf("cannot build TicketsUpdatedServerEvent %v", err)
		return
	}
	d.deliver(conn, wsMessage)
}

// BroadcastViewers sends the current viewers of the ticket to the members
// of its channel. Callers that need per ticket ordering must serialize
// calls for the same ticket.
func (d *Dispatcher) BroadcastViewers(ticketId string) {
	members := d.multiplexer.MembersOf(ticketId)
	if len(members) == 0 {
		return
	}

	wsMessage, err := NewViewersMessage(ticketId, d.registry.ViewersOf(ticketId))
	if err != nil {
		d.logger.Errorf("cannot build UpdateTicketViewersServerEvent ticketId[%v] %v", ticketId, err)
		return
	}

	d.logger.Debugf("broadcast viewers ticketId[%v] members[%v]", ticketId, len(members))
	for _, connId := range members {
		conn, ok := d.directory.Get(connId)
		if !ok {
			continue
		}
		d.deliver(conn, wsMessage)
	}
}

// Send queues an arbitrary message to one connection.
func (d *Dispatcher) Send(conn *session.Connection, wsMessage *msg.WsMessage) {
	d.deliver(conn, wsMessage)
}

func (d *Dispatcher) deliver(conn *session.Connection, wsMessage *msg.WsMessage) {
	if conn.TrySend(wsMessage) {
		return
	}
	if conn.State() == session.Disconnected {
		return
	}

	d.logger.Warnf("send buffer full, kicking connectionId[%v] eventCode[%v]", conn.ID(), wsMessage.EventCode)
	conn.Kick()
	select {
	case d.undeliverable <- conn.ID():
	default:
		// Kick alone still ends the connection through its reader.
		d.logger.Warnf("undeliverable queue full connectionId[%v]", conn.ID())
	}
}

// NewViewersMessage renders viewers into the wire payload: viewer ids in
// join order plus their avatars.
func NewViewersMessage(ticketId string, viewers []presence.Viewer) (*msg.WsMessage, error) {
	event := &msg.UpdateTicketViewersServerEvent{
		TicketId: ticketId,
		Viewers:  make([]string, 0, len(viewers)),
		Avatars:  make(map[string]string, len(viewers)),
	}
	for _, viewer := range viewers {
		event.Viewers = append(event.Viewers, viewer.ViewerID)
		if viewer.AvatarRef != "" {
			event.Avatars[viewer.ViewerID] = viewer.AvatarRef
		}
	}
	return msg.NewWsMessage(msg.UpdateTicketViewersCode, event)
}

func newTicketsUpdated(tickets []msg.TicketSummary) (*msg.WsMessage, error) {
	if tickets == nil {
		tickets = []msg.TicketSummary{}
	}
	return msg.NewWsMessage(msg.TicketsUpdatedCode, &msg.TicketsUpdatedServerEvent{Tickets: tickets})
}
