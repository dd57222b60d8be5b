package notify

import "github.com/cespare/xxhash/v2"

// Slot ids below reservedSlots are never produced by RecordID.
const (
	CallSlotID    int32 = 1
	ServiceSlotID int32 = 2
	reservedSlots int32 = 16
)

// RecordID maps a (conversation, message) pair onto a stable positive int32
// notification slot. Repeated delivery of the same message lands in the same
// slot.
func RecordID(conversationID, messageID string) int32 {
	d := xxhash.New()
	_, _ = d.WriteString(conversationID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(messageID)
	sum := d.Sum64()
	id := int32(uint32(sum^(sum>>32)) & 0x7fffffff)
	if id < reservedSlots {
		id += reservedSlots
	}
	return id
}

// Group is the notification group key for a conversation.
func Group(conversationID string) string {
	return "conversation_" + conversationID
}
