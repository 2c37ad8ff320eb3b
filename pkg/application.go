package main

import (
	"context"
	"net/http"

	"wonder-craft/tickets/ticket-presence-server/pkg/client"
	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/identity"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/presence"
	"wonder-craft/tickets/ticket-presence-server/pkg/ticket"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Application struct {
	config        *config.Config
	hub           *client.Hub
	watcher       *ticket.Watcher
	redisNotifier *ticket.RedisNotifier
	amqpNotifier  *ticket.AmqpNotifier
	provider      identity.Provider
	wsUpgrader    *websocket.Upgrader
	loggerFactory *infra.LoggerFactory
	logger        *zap.SugaredLogger
}

func ProvideApplication(
	config *config.Config,
	hub *client.Hub,
	watcher *ticket.Watcher,
	redisNotifier *ticket.RedisNotifier,
	amqpNotifier *ticket.AmqpNotifier,
	provider identity.Provider,
	loggerFactory *infra.LoggerFactory,
) *Application {
	return &Application{
		config:        config,
		hub:           hub,
		watcher:       watcher,
		redisNotifier: redisNotifier,
		amqpNotifier:  amqpNotifier,
		provider:      provider,
		wsUpgrader: &websocket.Upgrader{
			// The dashboard frontend is served from another origin.
			CheckOrigin: func(r *http.Request) bool {
				return config.Server.AllowsOrigin(r.Header.Get("Origin"))
			},
		},
		loggerFactory: loggerFactory,
		logger:        loggerFactory.Create("Application").Sugar(),
	}
}

// Run runs the background workers until ctx is done or one of them fails,
// then disconnects every client.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(ctx) })
	g.Go(func() error { return a.watcher.Run(ctx) })
	g.Go(func() error { return a.redisNotifier.Run(ctx) })
	g.Go(func() error { return a.amqpNotifier.Run(ctx) })

	err := g.Wait()
	a.hub.Shutdown()
	return err
}

func (a *Application) HandleWs(c echo.Context) error {
	var id *identity.Identity
	if token := identity.TokenFromRequest(c.Request()); token != "" {
		resolved, err := a.provider.Resolve(token)
		switch {
		case err == nil:
			id = resolved
		case a.config.Presence.RequireIdentity:
			a.logger.Infof("reject handshake ip[%v] %v", c.RealIP(), err)
			return c.NoContent(http.StatusUnauthorized)
		default:
			a.logger.Infof("ignore invalid token ip[%v] %v", c.RealIP(), err)
		}
	}

	conn, err := a.wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	wsClient := client.NewClient(conn, a.hub, a.config, a.loggerFactory)
	session := a.hub.Accept(wsClient, id)
	wsClient.Run(session)
	a.watcher.Greet(session.ID())

	return nil
}

// HandleTicketsChanged lets the dashboard backend or the bot report a
// ticket change without going through redis or amqp.
func (a *Application) HandleTicketsChanged(c echo.Context) error {
	a.watcher.Notify("http")
	return c.NoContent(http.StatusAccepted)
}

func (a *Application) HandleViewers(c echo.Context) error {
	ticketId := c.Param("ticketId")
	if ticketId == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing ticketId")
	}

	return c.JSON(http.StatusOK, &struct {
		TicketId string            `json:"ticketId"`
		Viewers  []presence.Viewer `json:"viewers"`
	}{
		TicketId: ticketId,
		Viewers:  a.hub.Viewers(ticketId),
	})
}

// HandleHealth answers load balancer and uptime checks.
func (a *Application) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, &struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}{
		Status:      "ok",
		Connections: a.hub.Stats().Connections,
	})
}

func (a *Application) HandleStats(c echo.Context) error {
	tickets, _ := a.watcher.Latest()
	return c.JSON(http.StatusOK, &struct {
		client.Stats
		TicketList int `json:"ticketList"`
	}{
		Stats:      a.hub.Stats(),
		TicketList: len(tickets),
	})
}
