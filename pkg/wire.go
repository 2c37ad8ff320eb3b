//go:build wireinject
// +build wireinject

package main

import (
	"wonder-craft/tickets/ticket-presence-server/pkg/broadcast"
	"wonder-craft/tickets/ticket-presence-server/pkg/client"
	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/identity"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/presence"
	"wonder-craft/tickets/ticket-presence-server/pkg/room"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"
	"wonder-craft/tickets/ticket-presence-server/pkg/ticket"

	"github.com/google/wire"
)

func Setup() (*Server, error) {
	wire.Build(wire.NewSet(
		ProvideServer,
		ProvideApplication,
		config.ProvideConfig,
		infra.ProvideLoggerFactory,
		infra.ProvideRedisClient,
		infra.ProvideHttpClient,
		identity.ProvideJwtProvider,
		wire.Bind(new(identity.Provider), new(*identity.JwtProvider)),
		session.ProvideDirectory,
		presence.ProvideRegistry,
		room.ProvideMultiplexer,
		broadcast.ProvideDispatcher,
		wire.Bind(new(ticket.Broadcaster), new(*broadcast.Dispatcher)),
		client.ProvideHub,
		ticket.ProvideStore,
		ticket.ProvideWatcher,
		ticket.ProvideRedisNotifier,
		ticket.ProvideAmqpNotifier,
	))
	return nil, nil
}
