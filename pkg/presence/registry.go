package presence

import (
	"sync"

	"wonder-craft/tickets/ticket-presence-server/pkg/identity"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"
	"wonder-craft/tickets/ticket-presence-server/pkg/shard"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/hashset"
	"go.uber.org/zap"
)

// Viewer is one entry of a ticket's viewer list.
type Viewer struct {
	ViewerID      string `json:"viewerId"`
	DisplayHandle string `json:"displayHandle,omitempty"`
	AvatarRef     string `json:"avatarRef,omitempty"`
}

type viewerEntry struct {
	viewer Viewer

	// Connections through which this viewer is looking at the ticket. The
	// viewer stays present while this is non empty.
	conns *hashset.Set

	// Set once the profile came from a resolved identity. Claimed profiles
	// never overwrite it.
	resolved bool
}

type registryShard struct {
	mu sync.Mutex

	// Key value: ticketId -> linkedhashmap of viewerId -> *viewerEntry. A
	// linkedhashmap keeps viewers in the order they started viewing, so
	// repeated snapshots of an unchanged ticket are identical.
	tickets map[string]*linkedhashmap.Map
}

// Registry knows who is looking at which ticket. Tickets are spread over
// shards, each with its own lock; operations on different tickets only
// contend when they hash to the same shard.
type Registry struct {
	shards [shard.Count]registryShard

	logger *zap.SugaredLogger
}

func ProvideRegistry(loggerFactory *infra.LoggerFactory) *Registry {
	r := &Registry{
		logger: loggerFactory.Create("Registry").Sugar(),
	}
	for i := range r.shards {
		r.shards[i].tickets = make(map[string]*linkedhashmap.Map)
	}
	return r
}

func (r *Registry) shardOf(ticketId string) *registryShard {
	return &r.shards[shard.Index(ticketId)]
}

// AddViewer counts connId as one more connection through which the viewer
// looks at the ticket. Adding the same connection twice counts once.
// resolved tells whether viewer came from a verified token rather than a
// client claim; a resolved profile replaces a claimed one, never the other
// way round. changed reports whether the viewer list as seen by clients
// changed: a new viewer or a replaced profile.
func (r *Registry) AddViewer(ticketId string, viewer *identity.Identity, connId session.ID, resolved bool) (changed bool) {
	s := r.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	viewers, ok := s.tickets[ticketId]
	if !ok {
		viewers = linkedhashmap.New()
		s.tickets[ticketId] = viewers
	}

	profile := Viewer{
		ViewerID:      viewer.ViewerID,
		DisplayHandle: viewer.DisplayHandle,
		AvatarRef:     viewer.AvatarRef,
	}

	if value, ok := viewers.Get(viewer.ViewerID); ok {
		entry := value.(*viewerEntry)
		entry.conns.Add(connId)
		if !resolved || (entry.resolved && entry.viewer == profile) {
			return false
		}
		entry.viewer = profile
		entry.resolved = true
		r.logger.Debugf("viewer profile refreshed ticketId[%v] viewerId[%v] connectionId[%v]", ticketId, viewer.ViewerID, connId)
		return true
	}

	viewers.Put(viewer.ViewerID, &viewerEntry{
		viewer:   profile,
		conns:    hashset.New(connId),
		resolved: resolved,
	})
	r.logger.Debugf("viewer added ticketId[%v] viewerId[%v] connectionId[%v]", ticketId, viewer.ViewerID, connId)
	return true
}

// RemoveViewer drops connId from the viewer's connections. The viewer
// itself is removed only when that was its last connection, and the ticket
// entry is pruned when it was the last viewer. changed reports whether the
// viewer is gone.
func (r *Registry) RemoveViewer(ticketId string, viewer *identity.Identity, connId session.ID) (changed bool) {
	s := r.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	viewers, ok := s.tickets[ticketId]
	if !ok {
		return false
	}
	value, ok := viewers.Get(viewer.ViewerID)
	if !ok {
		return false
	}

	entry := value.(*viewerEntry)
	if !entry.conns.Contains(connId) {
		return false
	}
	entry.conns.Remove(connId)
	if !entry.conns.Empty() {
		return false
	}

	viewers.Remove(viewer.ViewerID)
	if viewers.Empty() {
		delete(s.tickets, ticketId)
	}
	r.logger.Debugf("viewer removed ticketId[%v] viewerId[%v] connectionId[%v]", ticketId, viewer.ViewerID, connId)
	return true
}

// Purge drops connId from every viewer of the ticket no matter which
// identity it was recorded under. Used to repair a ticket after a failed
// cleanup. changed reports whether any viewer disappeared.
func (r *Registry) Purge(ticketId string, connId session.ID) (changed bool) {
	s := r.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	viewers, ok := s.tickets[ticketId]
	if !ok {
		return false
	}

	for _, key := range viewers.Keys() {
		value, _ := viewers.Get(key)
		entry := value.(*viewerEntry)
		if !entry.conns.Contains(connId) {
			continue
		}
		entry.conns.Remove(connId)
		if entry.conns.Empty() {
			viewers.Remove(key)
			changed = true
		}
	}
	if viewers.Empty() {
		delete(s.tickets, ticketId)
	}
	return changed
}

// ViewersOf returns the ticket's viewers in the order they arrived.
func (r *Registry) ViewersOf(ticketId string) []Viewer {
	s := r.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	viewers, ok := s.tickets[ticketId]
	if !ok {
		return []Viewer{}
	}

	result := make([]Viewer, 0, viewers.Size())
	it := viewers.Iterator()
	for it.Begin(); it.Next(); {
		result = append(result, it.Value().(*viewerEntry).viewer)
	}
	return result
}

// Stats is a point in time count over all shards.
type Stats struct {
	Tickets int `json:"tickets"`
	Viewers int `json:"viewers"`
}

func (r *Registry) Stats() Stats {
	stats := Stats{}
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		stats.Tickets += len(s.tickets)
		for _, viewers := range s.tickets {
			stats.Viewers += viewers.Size()
		}
		s.mu.Unlock()
	}
	return stats
}
