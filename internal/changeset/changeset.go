// Package changeset builds the incremental chat payload polled by clients:
// the items added, updated and removed since a client's last version, plus a
// checksum over that content.
package changeset

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/loanconsult/crm/internal/store"
)

// Item is the fixed shape of an added or updated chat message.
type Item struct {
	ID               int64          `json:"id"`
	LineUserID       string         `json:"line_user_id"`
	CustomerID       *int64         `json:"customer_id"`
	UserID           *int64         `json:"user_id"`
	MessageContent   string         `json:"message_content"`
	MessageTimestamp string         `json:"message_timestamp"`
	IsFromCustomer   bool           `json:"is_from_customer"`
	Status           string         `json:"status"`
	MessageType      string         `json:"message_type"`
	Metadata         map[string]any `json:"metadata"`
	Version          int64          `json:"version"`
	UnreadCount      int64          `json:"unread_count"`
}

type Changes struct {
	Added   []Item  `json:"added"`
	Updated []Item  `json:"updated"`
	Removed []int64 `json:"removed"`
}

type Metadata struct {
	TotalChanges int    `json:"total_changes"`
	Checksum     string `json:"checksum"`
	Partial      bool   `json:"partial"`
}

// ChangeSet is built per request and never persisted.
type ChangeSet struct {
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Changes   Changes   `json:"changes"`
	Metadata  Metadata  `json:"metadata"`
}

// Build assembles a ChangeSet at the given logical version.
func Build(version int64, added, updated []Item, removed []int64, partial bool) (*ChangeSet, error) {
	changes := Changes{Added: added, Updated: updated, Removed: removed}
	if changes.Added == nil {
		changes.Added = []Item{}
	}
	if changes.Updated == nil {
		changes.Updated = []Item{}
	}
	if changes.Removed == nil {
		changes.Removed = []int64{}
	}
	sum, err := Checksum(changes)
	if err != nil {
		return nil, err
	}
	return &ChangeSet{
		Version:   version,
		Timestamp: time.Now().UTC(),
		Changes:   changes,
		Metadata: Metadata{
			TotalChanges: len(changes.Added) + len(changes.Updated) + len(changes.Removed),
			Checksum:     sum,
			Partial:      partial,
		},
	}, nil
}

// Checksum hashes the canonical JSON of c (sorted object keys, no HTML or
// unicode escaping) with FNV-128a. It is stable, not cryptographic.
func Checksum(c Changes) (string, error) {
	canonical, err := canonicalJSON(c)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize changes: %w", err)
	}
	h := fnv.New128a()
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON round-trips v through a generic value so every object,
// struct or map, is written with sorted keys.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// FormatItem normalizes a chat message or a partial field map into an Item,
// filling defaults for absent optional fields.
func FormatItem(v any) Item {
	switch m := v.(type) {
	case *store.ChatMessage:
		return fromMessage(m)
	case store.ChatMessage:
		return fromMessage(&m)
	case map[string]any:
		return fromMap(m)
	default:
		return withDefaults(Item{})
	}
}

func fromMessage(m *store.ChatMessage) Item {
	item := Item{
		ID:             m.ID,
		LineUserID:     m.LineUserID,
		CustomerID:     m.CustomerID,
		UserID:         m.UserID,
		MessageContent: m.MessageContent,
		IsFromCustomer: m.IsFromCustomer,
		Status:         m.Status,
		MessageType:    m.MessageType,
		Metadata:       m.Metadata,
		Version:        m.Version,
	}
	if !m.MessageTimestamp.IsZero() {
		item.MessageTimestamp = m.MessageTimestamp.UTC().Format(time.RFC3339Nano)
	}
	return withDefaults(item)
}

func fromMap(m map[string]any) Item {
	item := Item{
		ID:               toInt64(m["id"]),
		LineUserID:       toString(m["line_user_id"]),
		CustomerID:       toInt64Ptr(m["customer_id"]),
		UserID:           toInt64Ptr(m["user_id"]),
		MessageContent:   toString(m["message_content"]),
		MessageTimestamp: toTimestamp(m["message_timestamp"]),
		IsFromCustomer:   toBool(m["is_from_customer"]),
		Status:           toString(m["status"]),
		MessageType:      toString(m["message_type"]),
		Version:          toInt64(m["version"]),
		UnreadCount:      toInt64(m["unread_count"]),
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		item.Metadata = meta
	}
	return withDefaults(item)
}

func withDefaults(item Item) Item {
	if item.Status == "" {
		item.Status = store.MessageUnread
	}
	if item.MessageType == "" {
		item.MessageType = "text"
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	return item
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func toInt64Ptr(v any) *int64 {
	if v == nil {
		return nil
	}
	i := toInt64(v)
	return &i
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int, int64, float64:
		return toInt64(b) != 0
	}
	return false
}

func toTimestamp(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t != nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	case string:
		return t
	}
	return ""
}
