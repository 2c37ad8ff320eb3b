package ticket

import (
	"context"
	"sync"
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/msg"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"

	"go.uber.org/zap"
)

// Broadcaster delivers ticket lists to connections.
type Broadcaster interface {
	BroadcastTicketList(tickets []msg.TicketSummary)
	SendTicketList(connId session.ID, tickets []msg.TicketSummary)
}

// Watcher reads the ticket list from the store and broadcasts it to every
// connection, on a fixed interval and whenever a change is reported.
type Watcher struct {
	store       Store
	broadcaster Broadcaster

	refreshInterval time.Duration

	// Pending change report. Reports arriving while one is pending
	// collapse into it.
	notify chan string

	// Guards latest. Held while broadcasting so that a greeting never
	// overtakes a newer broadcast.
	mu     sync.Mutex
	latest []msg.TicketSummary
	loaded bool

	logger *zap.SugaredLogger
}

func ProvideWatcher(cfg *config.Config, store Store, broadcaster Broadcaster, loggerFactory *infra.LoggerFactory) *Watcher {
	return &Watcher{
		store:           store,
		broadcaster:     broadcaster,
		refreshInterval: cfg.Tickets.RefreshInterval,
		notify:          make(chan string, 1),
		logger:          loggerFactory.Create("Watcher").Sugar(),
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()

	for {
		w.refresh(ctx)

		select {
		case <-ticker.C:
		case source := <-w.notify:
			w.logger.Debugf("ticket change reported source[%v]", source)
		case <-ctx.Done():
			return nil
		}
	}
}

// Notify asks for a refresh as soon as possible.
func (w *Watcher) Notify(source string) {
	select {
	case w.notify <- source:
	default:
	}
}

// Greet sends the latest ticket list, if any, to a newly accepted
// connection.
func (w *Watcher) Greet(connId session.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.loaded {
		return
	}
	w.broadcaster.SendTicketList(connId, w.latest)
}

func (w *Watcher) Latest() ([]msg.TicketSummary, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest, w.loaded
}

func (w *Watcher) refresh(ctx context.Context) {
	// The store may be slow, never call it holding the lock.
	tickets, err := w.store.ListAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warnf("skip ticket list cycle %v", err)
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.latest = tickets
	w.loaded = true
	w.broadcaster.BroadcastTicketList(tickets)
	w.logger.Debugf("broadcast ticket list tickets[%v]", len(tickets))
}
