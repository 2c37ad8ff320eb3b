package msg

import (
	"errors"
	"time"
	"unicode/utf8"
)

type EventCode uint

// Server -> client.
const (
	TicketsUpdatedCode      EventCode = 1000
	UpdateTicketViewersCode EventCode = 1001
	HeartbeatAckCode        EventCode = 1002
)

// Client -> server.
const (
	TicketOpenedCode EventCode = 2000
	TicketClosedCode EventCode = 2001
	HeartbeatCode    EventCode = 2002
	AuthenticateCode EventCode = 2003
)

const maxTicketIdLength = 128

// ClientEvent is implemented only by the event types in this file.
type ClientEvent interface {
	Code() EventCode
	validate() error
}

type TicketOpenedEvent struct {
	TicketId  string `json:"ticketId"`
	ViewerId  string `json:"viewerId"`
	AvatarRef string `json:"avatarRef"`
}

type TicketClosedEvent struct {
	TicketId string `json:"ticketId"`
	ViewerId string `json:"viewerId"`
}

type HeartbeatEvent struct{}

type AuthenticateEvent struct {
	Token string `json:"token"`
}

func (e *TicketOpenedEvent) Code() EventCode { return TicketOpenedCode }
func (e *TicketClosedEvent) Code() EventCode { return TicketClosedCode }
func (e *HeartbeatEvent) Code() EventCode    { return HeartbeatCode }
func (e *AuthenticateEvent) Code() EventCode { return AuthenticateCode }

func (e *TicketOpenedEvent) validate() error { return validateTicketId(e.TicketId) }
func (e *TicketClosedEvent) validate() error { return validateTicketId(e.TicketId) }
func (e *HeartbeatEvent) validate() error    { return nil }

func (e *AuthenticateEvent) validate() error {
	if e.Token == "" {
		return errors.New("empty token")
	}
	return nil
}

func validateTicketId(ticketId string) error {
	if ticketId == "" {
		return errors.New("empty ticketId")
	}
	if len(ticketId) > maxTicketIdLength || !utf8.ValidString(ticketId) {
		return errors.New("malformed ticketId")
	}
	return nil
}

// TicketSummary is a read-only projection of a ticket record. The server
// relays it as is.
type TicketSummary struct {
	TicketId  string     `json:"ticketId"`
	Creator   string     `json:"creator"`
	CreatorId string     `json:"creatorId"`
	Category  string     `json:"category"`
	Status    string     `json:"status"`
	ClaimedBy string     `json:"claimedBy,omitempty"`
	ClosedBy  string     `json:"closedBy,omitempty"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type TicketsUpdatedServerEvent struct {
	Tickets []TicketSummary `json:"tickets"`
}

type UpdateTicketViewersServerEvent struct {
	TicketId string            `json:"ticketId"`
	Viewers  []string          `json:"viewers"`
	Avatars  map[string]string `json:"avatars"`
}

type HeartbeatAckServerEvent struct {
	ServerTime int64 `json:"serverTime"`
}
