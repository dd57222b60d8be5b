package app

import (
	"time"

	"eblusha/keeper/internal/callalert"
	"eblusha/keeper/internal/guard"
	"eblusha/keeper/internal/notify"
)

// HostBridge is the keeper's side of the host application. Every request it
// receives becomes one hub event; the host renders them.
type HostBridge struct {
	hub *NotificationHub
}

func NewHostBridge(hub *NotificationHub) *HostBridge {
	return &HostBridge{hub: hub}
}

type cancelPayload struct {
	ID int32 `json:"id"`
}

func (b *HostBridge) Notify(n notify.Notification) error {
	b.hub.Publish(EventNotificationShow, n)
	return nil
}

func (b *HostBridge) Cancel(id int32) error {
	b.hub.Publish(EventNotificationCancel, cancelPayload{ID: id})
	return nil
}

func (b *HostBridge) ShowIncoming(s callalert.Session) error {
	b.hub.Publish(EventCallShow, s)
	return nil
}

func (b *HostBridge) Dismiss(s callalert.Session) error {
	b.hub.Publish(EventCallDismiss, s)
	return nil
}

type ringerPayload struct {
	VibrationMS []int64 `json:"vibrationMs"`
}

func (b *HostBridge) Start(vibration []time.Duration) {
	ms := make([]int64, len(vibration))
	for i, d := range vibration {
		ms[i] = d.Milliseconds()
	}
	b.hub.Publish(EventRingerStart, ringerPayload{VibrationMS: ms})
}

func (b *HostBridge) Stop() {
	b.hub.Publish(EventRingerStop, nil)
}

type alivePayload struct {
	At     time.Time `json:"at"`
	SlotID int32     `json:"slotId,omitempty"`
}

func (b *HostBridge) Alive(at time.Time) {
	b.hub.Publish(EventKeeperAlive, alivePayload{At: at})
}

func (b *HostBridge) ServiceAlive(at time.Time) {
	b.hub.Publish(EventServiceAlive, alivePayload{At: at, SlotID: notify.ServiceSlotID})
}

type lockPayload struct {
	Tag  string `json:"tag"`
	Held bool   `json:"held"`
}

// WatchLocks mirrors lock state changes of p onto the hub.
func (b *HostBridge) WatchLocks(p *guard.MemoryProvider) {
	p.OnChange(func(tag string, held bool) {
		b.hub.Publish(EventLockChanged, lockPayload{Tag: tag, Held: held})
	})
}
