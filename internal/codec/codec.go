// Package codec maps chat payloads between canonical field names and the
// short keys used on the wire and in the realtime store.
package codec

import (
	"time"

	"github.com/loanconsult/crm/internal/store"
)

// Kind tags an encoded blob so readers do not have to guess its shape.
type Kind string

const (
	KindMessage      Kind = "m"
	KindConversation Kind = "c"
	// KindUnknown is reported by SmartDecode for blobs it passed through.
	KindUnknown Kind = ""
)

// KindKey carries the Kind in every blob this package encodes.
const KindKey = "k"

var messageKeys = map[string]string{
	"id":                "i",
	"line_user_id":      "u",
	"message_content":   "c",
	"message_timestamp": "t",
	"is_from_customer":  "f",
	"status":            "s",
	"version":           "v",
	"customer_name":     "n",
	"customer_phone":    "p",
	"unread_count":      "r",
	"message_type":      "mt",
	"attachments":       "at",
}

var conversationKeys = merge(messageKeys, map[string]string{
	"last_message":       "lm",
	"last_message_time":  "lt",
	"version_updated_at": "vt",
})

// defaults fill optional fields missing from a decoded blob.
var defaults = map[string]any{
	"unread_count": 0,
	"message_type": "text",
	"attachments":  nil,
}

var (
	messageShort      = invert(messageKeys)
	conversationShort = invert(conversationKeys)
)

func EncodeMessage(fields map[string]any) map[string]any {
	return encode(fields, messageKeys, KindMessage)
}

func DecodeMessage(blob map[string]any) map[string]any {
	return decode(blob, messageShort)
}

func EncodeConversation(fields map[string]any) map[string]any {
	return encode(fields, conversationKeys, KindConversation)
}

func DecodeConversation(blob map[string]any) map[string]any {
	return decode(blob, conversationShort)
}

// SmartDecode decodes a blob of either shape. Tagged blobs are trusted;
// untagged legacy blobs are sniffed by their keys. Blobs that match neither
// shape are returned unchanged with KindUnknown.
func SmartDecode(blob map[string]any) (map[string]any, Kind) {
	switch Kind(stringOf(blob[KindKey])) {
	case KindMessage:
		return DecodeMessage(blob), KindMessage
	case KindConversation:
		return DecodeConversation(blob), KindConversation
	}
	switch {
	case hasAny(blob, "lm", "lt", "vt", "n", "p", "r"):
		return DecodeConversation(blob), KindConversation
	case hasAny(blob, "c", "f", "t"):
		return DecodeMessage(blob), KindMessage
	default:
		return blob, KindUnknown
	}
}

// MessageFields is the canonical field set of m.
func MessageFields(m *store.ChatMessage) map[string]any {
	fields := map[string]any{
		"id":                m.ID,
		"line_user_id":      m.LineUserID,
		"message_content":   m.MessageContent,
		"message_timestamp": formatTime(m.MessageTimestamp),
		"is_from_customer":  m.IsFromCustomer,
		"status":            m.Status,
		"version":           m.Version,
		"message_type":      m.MessageType,
	}
	if at, ok := m.Metadata["attachments"]; ok {
		fields["attachments"] = at
	}
	return fields
}

// ConversationFields is the canonical field set of c.
func ConversationFields(c *store.Conversation) map[string]any {
	fields := map[string]any{
		"id":                c.LastMessageID,
		"line_user_id":      c.LineUserID,
		"customer_name":     c.CustomerName,
		"customer_phone":    c.CustomerPhone,
		"last_message":      c.LastMessage,
		"last_message_time": formatTime(c.LastMessageTime),
		"is_from_customer":  c.IsFromCustomer,
		"status":            c.Status,
		"unread_count":      c.UnreadCount,
		"message_type":      c.LastMessageType,
		"version":           c.Version,
	}
	if c.VersionUpdatedAt != nil {
		fields["version_updated_at"] = formatTime(*c.VersionUpdatedAt)
	}
	return fields
}

func CompactMessage(m *store.ChatMessage) map[string]any {
	return EncodeMessage(MessageFields(m))
}

func CompactConversation(c *store.Conversation) map[string]any {
	return EncodeConversation(ConversationFields(c))
}

func encode(fields map[string]any, keys map[string]string, kind Kind) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for name, v := range fields {
		if short, ok := keys[name]; ok {
			out[short] = v
		}
	}
	out[KindKey] = string(kind)
	return out
}

func decode(blob map[string]any, names map[string]string) map[string]any {
	out := make(map[string]any, len(blob)+len(defaults))
	for short, v := range blob {
		if name, ok := names[short]; ok {
			out[name] = v
		}
	}
	for name, v := range defaults {
		if _, ok := out[name]; !ok {
			out[name] = v
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func merge(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func hasAny(blob map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := blob[k]; ok {
			return true
		}
	}
	return false
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
