package ports

import (
	"context"
	"time"
)

// CredentialAPI accepts credentials pushed by the host after login or refresh.
type CredentialAPI interface {
	UpdateCredentials(ctx context.Context, update CredentialsUpdate) error
}

// PresenceAPI forwards the host's foreground state to the server.
type PresenceAPI interface {
	SetPresenceFocus(ctx context.Context, focused bool) error
}

// CallAPI is the incoming call surface driven by the host UI.
type CallAPI interface {
	ShowIncomingCall(ctx context.Context, call IncomingCall) (string, error)
	CloseIncomingCall(ctx context.Context) error
	AcceptCall(ctx context.Context, video bool) (CallSession, error)
	DeclineCall(ctx context.Context) (CallSession, error)
}

// NotificationAPI renders and clears message notifications on request.
type NotificationAPI interface {
	ShowMessage(ctx context.Context, msg MessageNotification) (int32, error)
	CancelNotifications(ctx context.Context, ids []int32) error
	ClearNotifications(ctx context.Context) error
}

// StatusAPI is the read side of the keeper.
type StatusAPI interface {
	Status(ctx context.Context) (KeeperStatus, error)
	HealthCheck(ctx context.Context) error
}

type KeeperService interface {
	CredentialAPI
	PresenceAPI
	CallAPI
	NotificationAPI
	StatusAPI
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SubscribeNotifications(cursor int64) ([]NotificationEvent, <-chan NotificationEvent, func())
}

type NotificationEvent struct {
	Seq       int64
	Method    string
	Payload   any
	Timestamp time.Time
}

type CredentialsUpdate struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type IncomingCall struct {
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId,omitempty"`
	CallerName     string `json:"callerName"`
	IsVideo        bool   `json:"isVideo"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
}

type CallSession struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	CallerName     string    `json:"callerName"`
	IsVideo        bool      `json:"isVideo"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	AcceptedVideo  bool      `json:"acceptedVideo,omitempty"`
}

type MessageNotification struct {
	ID             int32  `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	SenderName     string `json:"senderName"`
	Body           string `json:"body"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
}

type ConnectionStatus struct {
	State            string     `json:"state"`
	Connected        bool       `json:"connected"`
	Generation       uint64     `json:"generation"`
	Reconnects       uint64     `json:"reconnects"`
	LastTransitionAt time.Time  `json:"lastTransitionAt"`
	TokenExpiresAt   *time.Time `json:"tokenExpiresAt,omitempty"`
}

type LockStatus struct {
	WakeHeld    bool     `json:"wakeHeld"`
	NetworkHeld bool     `json:"networkHeld"`
	Holders     []string `json:"holders"`
	Denials     uint64   `json:"denials"`
}

type KeeperStatus struct {
	Connection          ConnectionStatus `json:"connection"`
	Call                *CallSession     `json:"call,omitempty"`
	LastCall            *CallSession     `json:"lastCall,omitempty"`
	Locks               LockStatus       `json:"locks"`
	ActiveNotifications []int32          `json:"activeNotifications"`
	KeepAliveTicks      uint64           `json:"keepAliveTicks"`
}
