package msg

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("unknown event code")
	ErrInvalidEvent = errors.New("invalid event")
)

// WsMessage is the envelope of every frame in both directions.
type WsMessage struct {
	EventCode EventCode       `json:"eventCode"`
	EventData json.RawMessage `json:"eventData"`
}

func NewWsMessage(code EventCode, event interface{}) (*WsMessage, error) {
	rawEvent, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal event code[%v]: %w", code, err)
	}

	return &WsMessage{
		EventCode: code,
		EventData: rawEvent,
	}, nil
}

// DecodeClientEvent turns an inbound envelope into one of the client event
// variants. Payload validation happens here so that the hub only ever sees
// well formed events.
func DecodeClientEvent(wsMessage *WsMessage) (ClientEvent, error) {
	var event ClientEvent
	switch wsMessage.EventCode {
	case TicketOpenedCode:
		event = &TicketOpenedEvent{}
	case TicketClosedCode:
		event = &TicketClosedEvent{}
	case HeartbeatCode:
		event = &HeartbeatEvent{}
	case AuthenticateCode:
		event = &AuthenticateEvent{}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownEvent, wsMessage.EventCode)
	}

	if len(wsMessage.EventData) > 0 && string(wsMessage.EventData) != "null" {
		if err := json.Unmarshal(wsMessage.EventData, event); err != nil {
			return nil, fmt.Errorf("%w: code[%v] %v", ErrInvalidEvent, wsMessage.EventCode, err)
		}
	}

	if err := event.validate(); err != nil {
		return nil, fmt.Errorf("%w: code[%v] %v", ErrInvalidEvent, wsMessage.EventCode, err)
	}
	return event, nil
}
