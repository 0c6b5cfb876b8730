package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSubscribe MessageType = "subscribe"
	TypeClientPing      MessageType = "ping"
	TypeClientTurn      MessageType = "turn"

	TypeReminderFired MessageType = "reminder_fired"
	TypeAgentReply    MessageType = "agent_reply"
	TypePong          MessageType = "pong"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientSubscribe asks the server to push deliveries for a conversation.
type ClientSubscribe struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

// ClientTurn carries free text to run as a turn over the socket.
type ClientTurn struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	AuthorID       string      `json:"author_id"`
	Text           string      `json:"text"`
}

type ReminderFired struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	ReminderID     string      `json:"reminder_id"`
	AuthorID       string      `json:"author_id,omitempty"`
	Text           string      `json:"text"`
	FireAt         time.Time   `json:"fire_at"`
}

type AgentReply struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	Text           string      `json:"text"`
	Markdown       bool        `json:"markdown"`
	Degraded       bool        `json:"degraded,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSubscribe:
		var msg ClientSubscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" {
			return nil, errors.New("invalid subscribe")
		}
		return msg, nil
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" || msg.Text == "" {
			return nil, errors.New("invalid turn")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
