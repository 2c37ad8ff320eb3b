package room

import (
	"sync"

	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"
	"wonder-craft/tickets/ticket-presence-server/pkg/shard"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"go.uber.org/zap"
)

type channelShard struct {
	mu sync.Mutex

	// Key value: ticketId -> set of session.ID in join order.
	channels map[string]*linkedhashset.Set
}

// Multiplexer groups connections into one channel per ticket. Membership
// changes of one ticket are linearized by its shard lock. Empty channels
// are removed right away.
type Multiplexer struct {
	shards [shard.Count]channelShard

	logger *zap.SugaredLogger
}

func ProvideMultiplexer(loggerFactory *infra.LoggerFactory) *Multiplexer {
	m := &Multiplexer{
		logger: loggerFactory.Create("Multiplexer").Sugar(),
	}
	for i := range m.shards {
		m.shards[i].channels = make(map[string]*linkedhashset.Set)
	}
	return m
}

func (m *Multiplexer) shardOf(ticketId string) *channelShard {
	return &m.shards[shard.Index(ticketId)]
}

// Join adds the connection to the ticket's channel, creating the channel
// if needed, and returns the members after the join. added is false if the
// connection already was a member.
func (m *Multiplexer) Join(connId session.ID, ticketId string) (members []session.ID, added bool) {
	s := m.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[ticketId]
	if !ok {
		channel = linkedhashset.New()
		s.channels[ticketId] = channel
		m.logger.Debugf("channel created ticketId[%v]", ticketId)
	}

	added = !channel.Contains(connId)
	if added {
		channel.Add(connId)
	}
	return toIds(channel), added
}

// Leave removes the connection from the ticket's channel. Leaving a
// channel one is not in is a no-op.
func (m *Multiplexer) Leave(connId session.ID, ticketId string) (removed bool) {
	s := m.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[ticketId]
	if !ok || !channel.Contains(connId) {
		return false
	}

	channel.Remove(connId)
	if channel.Empty() {
		delete(s.channels, ticketId)
		m.logger.Debugf("channel removed ticketId[%v]", ticketId)
	}
	return true
}

// MembersOf returns a snapshot of the channel's members in join order.
func (m *Multiplexer) MembersOf(ticketId string) []session.ID {
	s := m.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[ticketId]
	if !ok {
		return nil
	}
	return toIds(channel)
}

func (m *Multiplexer) IsMember(connId session.ID, ticketId string) bool {
	s := m.shardOf(ticketId)
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[ticketId]
	return ok && channel.Contains(connId)
}

func (m *Multiplexer) ChannelCount() int {
	count := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		count += len(s.channels)
		s.mu.Unlock()
	}
	return count
}

func toIds(channel *linkedhashset.Set) []session.ID {
	ids := make([]session.ID, 0, channel.Size())
	it := channel.Iterator()
	for it.Next() {
		ids = append(ids, it.Value().(session.ID))
	}
	return ids
}
