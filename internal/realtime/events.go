// Package realtime defines the inbound event variants exchanged with the
// chat server and the transport contract the connection manager drives.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	EventMessageNotify = "message:notify"
	EventCallIncoming  = "call:incoming"
	EventCallDeclined  = "call:declined"
	EventCallEnded     = "call:ended"

	EventPresenceFocus = "presence:focus"
	EventCallAccept    = "call:accept"
	EventCallDecline   = "call:decline"
)

var (
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrUnknownEvent     = errors.New("unknown event")
)

// Event is one decoded inbound event. The concrete type is one of
// MessageNotify, CallIncoming, CallDeclined or CallEnded.
type Event interface {
	EventName() string
}

type Attachment struct {
	Type string `json:"type"`
}

type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type MessageBody struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Sender      *Sender      `json:"sender"`
}

type MessageNotify struct {
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	SenderID       string       `json:"senderId"`
	Message        *MessageBody `json:"message"`
}

func (MessageNotify) EventName() string { return EventMessageNotify }

type Caller struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

type CallIncoming struct {
	ConversationID string `json:"conversationId"`
	From           Caller `json:"from"`
	Video          bool   `json:"video"`
	AvatarURL      string `json:"avatarUrl"`
}

func (CallIncoming) EventName() string { return EventCallIncoming }

// AvatarRef prefers the caller's own avatar over the payload-level one.
func (c CallIncoming) AvatarRef() string {
	if ref := strings.TrimSpace(c.From.AvatarURL); ref != "" {
		return ref
	}
	return strings.TrimSpace(c.AvatarURL)
}

type Party struct {
	ID string `json:"id"`
}

type CallDeclined struct {
	ConversationID string `json:"conversationId"`
	By             Party  `json:"by"`
}

func (CallDeclined) EventName() string { return EventCallDeclined }

type CallEnded struct {
	ConversationID string `json:"conversationId"`
	By             Party  `json:"by"`
}

func (CallEnded) EventName() string { return EventCallEnded }

// Decode turns a raw event payload into its typed variant. Required fields
// missing or a payload of the wrong JSON shape yield ErrMalformedPayload.
func Decode(name string, raw json.RawMessage) (Event, error) {
	switch name {
	case EventMessageNotify:
		var ev MessageNotify
		if err := decodeObject(raw, &ev, false); err != nil {
			return nil, err
		}
		ev.ConversationID = strings.TrimSpace(ev.ConversationID)
		ev.MessageID = strings.TrimSpace(ev.MessageID)
		if ev.ConversationID == "" || ev.MessageID == "" {
			return nil, fmt.Errorf("%w: %s requires conversationId and messageId", ErrMalformedPayload, name)
		}
		return ev, nil
	case EventCallIncoming:
		var ev CallIncoming
		if err := decodeObject(raw, &ev, false); err != nil {
			return nil, err
		}
		ev.ConversationID = strings.TrimSpace(ev.ConversationID)
		if ev.ConversationID == "" {
			return nil, fmt.Errorf("%w: %s requires conversationId", ErrMalformedPayload, name)
		}
		return ev, nil
	case EventCallDeclined:
		var ev CallDeclined
		if err := decodeObject(raw, &ev, true); err != nil {
			return nil, err
		}
		ev.ConversationID = strings.TrimSpace(ev.ConversationID)
		return ev, nil
	case EventCallEnded:
		var ev CallEnded
		if err := decodeObject(raw, &ev, true); err != nil {
			return nil, err
		}
		ev.ConversationID = strings.TrimSpace(ev.ConversationID)
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
}

func decodeObject(raw json.RawMessage, out any, allowEmpty bool) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: payload is not an object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
