package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType discriminates WebSocket frames in both directions.
type MessageType string

// Client to server.
const (
	TypeAuth        MessageType = "auth"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"
)

// Server to client.
const (
	TypeAuthSuccess   MessageType = "auth_success"
	TypeSubscribed    MessageType = "subscribed"
	TypeUnsubscribed  MessageType = "unsubscribed"
	TypeError         MessageType = "error"
	TypeNewEmail      MessageType = "new_email"
	TypeMailboxUpdate MessageType = "mailbox_update"
	TypePong          MessageType = "pong"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrMalformedFrame = errors.New("malformed message")
)

// Message is a server-to-client frame. Every frame carries a timestamp.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type AuthSuccessPayload struct {
	Email string `json:"email"`
	Token string `json:"token,omitempty"`
}

type MailboxPayload struct {
	Mailbox string `json:"mailbox"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEmailPayload announces messages that arrived in a mailbox.
type NewEmailPayload struct {
	Mailbox string `json:"mailbox"`
	Count   int    `json:"count"`
	Total   uint32 `json:"total,omitempty"`
}

// Mailbox update actions.
const (
	ActionRead    = "read"
	ActionUnread  = "unread"
	ActionFlagged = "flagged"
	ActionMoved   = "moved"
	ActionDeleted = "deleted"
	ActionAppend  = "appended"
	ActionExpunge = "expunged"
	ActionFlags   = "flags_changed"
)

// MailboxUpdatePayload announces a change to existing messages of a mailbox.
type MailboxUpdatePayload struct {
	Mailbox string   `json:"mailbox"`
	Action  string   `json:"action"`
	UIDs    []uint32 `json:"uids,omitempty"`
	Target  string   `json:"target,omitempty"`
}

func newMessage(t MessageType, payload any) Message {
	return Message{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

func AuthSuccess(email, token string) Message {
	return newMessage(TypeAuthSuccess, AuthSuccessPayload{Email: email, Token: token})
}

func Subscribed(mailbox string) Message {
	return newMessage(TypeSubscribed, MailboxPayload{Mailbox: mailbox})
}

func Unsubscribed(mailbox string) Message {
	return newMessage(TypeUnsubscribed, MailboxPayload{Mailbox: mailbox})
}

func Error(message string) Message {
	return newMessage(TypeError, ErrorPayload{Message: message})
}

func Pong() Message {
	return newMessage(TypePong, nil)
}

func NewEmail(p NewEmailPayload) Message {
	return newMessage(TypeNewEmail, p)
}

func MailboxUpdate(p MailboxUpdatePayload) Message {
	return newMessage(TypeMailboxUpdate, p)
}

// Inbound is a decoded client-to-server frame: one of *AuthRequest,
// *SubscribeRequest, *UnsubscribeRequest or *PingRequest.
type Inbound interface {
	inboundType() MessageType
}

// AuthRequest carries either raw credentials or a previously issued token.
type AuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

type SubscribeRequest struct {
	Mailbox string `json:"mailbox"`
}

type UnsubscribeRequest struct {
	Mailbox string `json:"mailbox"`
}

type PingRequest struct{}

func (*AuthRequest) inboundType() MessageType        { return TypeAuth }
func (*SubscribeRequest) inboundType() MessageType   { return TypeSubscribe }
func (*UnsubscribeRequest) inboundType() MessageType { return TypeUnsubscribe }
func (*PingRequest) inboundType() MessageType        { return TypePing }

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeInbound parses one client frame. Unknown types are rejected with
// ErrUnknownType; payloads that fail their shape check with ErrMalformedFrame.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var msg Inbound
	switch env.Type {
	case TypeAuth:
		msg = &AuthRequest{}
	case TypeSubscribe:
		msg = &SubscribeRequest{}
	case TypeUnsubscribe:
		msg = &UnsubscribeRequest{}
	case TypePing:
		return &PingRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrMalformedFrame, env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch m := msg.(type) {
	case *AuthRequest:
		if m.Token == "" && (m.Email == "" || m.Password == "") {
			return nil, fmt.Errorf("%w: auth requires a token or email and password", ErrMalformedFrame)
		}
	case *SubscribeRequest:
		if m.Mailbox == "" {
			return nil, fmt.Errorf("%w: mailbox is required", ErrMalformedFrame)
		}
	case *UnsubscribeRequest:
		if m.Mailbox == "" {
			return nil, fmt.Errorf("%w: mailbox is required", ErrMalformedFrame)
		}
	}
	return msg, nil
}
