package client

import (
	"encoding/json"
	"sync"
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/msg"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	// The websocket connection.
	conn *websocket.Conn

	// Server side state, set by Run.
	session *session.Connection

	hub    *Hub
	config *config.PresenceConfig

	closeOnce sync.Once

	logger *zap.SugaredLogger
}

func NewClient(conn *websocket.Conn, hub *Hub, cfg *config.Config, loggerFactory *infra.LoggerFactory) *Client {
	return &Client{
		conn:   conn,
		hub:    hub,
		config: &cfg.Presence,
		logger: loggerFactory.Create("Client").Sugar(),
	}
}

// Run starts the pumps for an accepted connection.
func (c *Client) Run(conn *session.Connection) {
	c.session = conn
	go c.writePump()
	go c.readPump()
}

// Close tears down the websocket. The read pump then fails and reports the
// disconnect to the hub.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.session.ID(), ReasonTransport)
		c.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)

	// Heartbeat. Close connection if client sends nothing, not even a pong,
	// for too long.
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.session.Touch(time.Now())
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait()))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("read failed connectionId[%v] %v", c.session.ID(), err)
			} else {
				c.logger.Debugf("read closing connectionId[%v] %v", c.session.ID(), err)
			}
			return
		}
		c.session.Touch(time.Now())
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait()))

		wsMessage := &msg.WsMessage{}
		if err := json.Unmarshal(raw, wsMessage); err != nil {
			c.logger.Warnf("drop malformed message connectionId[%v] %v", c.session.ID(), err)
			continue
		}

		event, err := msg.DecodeClientEvent(wsMessage)
		if err != nil {
			c.logger.Warnf("drop event connectionId[%v] %v", c.session.ID(), err)
			continue
		}

		if err := c.hub.HandleEvent(c.session, event); err != nil {
			c.logger.Warnf("reject event connectionId[%v] eventCode[%v] %v", c.session.ID(), event.Code(), err)
		}
	}
}

func (c *Client) writePump() {
	pingTicker := time.NewTicker(c.config.PingInterval)

	defer func() {
		pingTicker.Stop()
		c.Close()
	}()

	for {
		select {
		case wsMessage := <-c.session.Send():
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteJSON(wsMessage); err != nil {
				c.logger.Warnf("write failed connectionId[%v] %v", c.session.ID(), err)
				return
			}

		case <-c.session.Done():
			// The hub terminated the connection.
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warnf("ping failed connectionId[%v] %v", c.session.ID(), err)
				return
			}
		}
	}
}
