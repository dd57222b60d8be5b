package router

import (
	"strings"

	"eblusha/keeper/internal/notify"
	"eblusha/keeper/internal/realtime"
)

const (
	PreviewPhoto      = "📷 Photo"
	PreviewAttachment = "📎 Attachment"
)

// Preview is the notification body for a message: its text, or a
// placeholder describing the first attachment.
func Preview(m *realtime.MessageBody) string {
	if m == nil {
		return notify.DefaultTitle
	}
	if text := strings.TrimSpace(m.Content); text != "" {
		return text
	}
	if len(m.Attachments) > 0 {
		if strings.EqualFold(strings.TrimSpace(m.Attachments[0].Type), "IMAGE") {
			return PreviewPhoto
		}
		return PreviewAttachment
	}
	return notify.DefaultTitle
}

func SenderName(ev realtime.MessageNotify) string {
	if ev.Message == nil || ev.Message.Sender == nil {
		return notify.DefaultTitle
	}
	s := ev.Message.Sender
	if name := strings.TrimSpace(s.DisplayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(s.Username); name != "" {
		return name
	}
	return notify.DefaultTitle
}
