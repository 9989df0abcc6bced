package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const chatColumns = "id, customer_id, user_id, line_user_id, message_content, message_timestamp, is_from_customer, status, message_type, metadata, version, version_updated_at, created_at, updated_at"

func scanChatMessage(row rowScanner) (*ChatMessage, error) {
	var m ChatMessage
	var customerID, userID sql.NullInt64
	var versionAt sql.NullTime
	var metadata string
	err := row.Scan(&m.ID, &customerID, &userID, &m.LineUserID, &m.MessageContent, &m.MessageTimestamp, &m.IsFromCustomer,
		&m.Status, &m.MessageType, &metadata, &m.Version, &versionAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.CustomerID = int64Ptr(customerID)
	m.UserID = int64Ptr(userID)
	m.VersionUpdatedAt = timePtr(versionAt)
	m.Metadata = map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of message %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

func (s *Store) CreateChatMessage(ctx context.Context, m *ChatMessage) error {
	now := s.now()
	if m.Status == "" {
		m.Status = MessageUnread
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if m.MessageTimestamp.IsZero() {
		m.MessageTimestamp = now
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	id, err := s.insert(ctx,
		`INSERT INTO chat_messages (customer_id, user_id, line_user_id, message_content, message_timestamp, is_from_customer,
         status, message_type, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.CustomerID, m.UserID, m.LineUserID, m.MessageContent, m.MessageTimestamp, m.IsFromCustomer,
		m.Status, m.MessageType, jsonText(m.Metadata), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	m.ID, m.CreatedAt, m.UpdatedAt = id, now, now
	s.fireCreate(ctx, m)
	return nil
}

func (s *Store) GetChatMessage(ctx context.Context, id int64) (*ChatMessage, error) {
	m, err := scanChatMessage(s.queryRow(ctx, "SELECT "+chatColumns+" FROM chat_messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat message: %w", err)
	}
	return m, nil
}

// GetChatMessages loads the given ids; missing ids are skipped.
func (s *Store) GetChatMessages(ctx context.Context, ids []int64) ([]ChatMessage, error) {
	if len(ids) == 0 {
		return []ChatMessage{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.query(ctx, "SELECT "+chatColumns+" FROM chat_messages WHERE id IN ("+placeholders+") ORDER BY id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	defer rows.Close()
	return collectChatMessages(rows)
}

func (s *Store) ListMessagesByLineUser(ctx context.Context, lineUserID string, limit, offset int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx,
		"SELECT "+chatColumns+" FROM chat_messages WHERE line_user_id = ? ORDER BY id ASC LIMIT ? OFFSET ?",
		lineUserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectChatMessages(rows)
}

// LastMessagesByLineUser returns the newest n messages, oldest first.
func (s *Store) LastMessagesByLineUser(ctx context.Context, lineUserID string, n int) ([]ChatMessage, error) {
	rows, err := s.query(ctx,
		"SELECT "+chatColumns+" FROM chat_messages WHERE line_user_id = ? ORDER BY id DESC LIMIT ?",
		lineUserID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	messages, err := collectChatMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func collectChatMessages(rows *sql.Rows) ([]ChatMessage, error) {
	messages := []ChatMessage{}
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *Store) UpdateChatMessage(ctx context.Context, m *ChatMessage) error {
	old, err := s.GetChatMessage(ctx, m.ID)
	if err != nil {
		return err
	}
	m.UpdatedAt = s.now()
	_, err = s.exec(ctx,
		`UPDATE chat_messages SET customer_id = ?, user_id = ?, message_content = ?, status = ?, message_type = ?,
         metadata = ?, updated_at = ? WHERE id = ?`,
		m.CustomerID, m.UserID, m.MessageContent, m.Status, m.MessageType, jsonText(m.Metadata), m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update chat message: %w", err)
	}
	m.LineUserID, m.MessageTimestamp, m.IsFromCustomer = old.LineUserID, old.MessageTimestamp, old.IsFromCustomer
	m.Version, m.VersionUpdatedAt, m.CreatedAt = old.Version, old.VersionUpdatedAt, old.CreatedAt
	s.fireUpdate(ctx, old, m)
	return nil
}

func (s *Store) DeleteChatMessage(ctx context.Context, id int64) error {
	old, err := s.GetChatMessage(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, "DELETE FROM chat_messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete chat message: %w", err)
	}
	s.fireDelete(ctx, old)
	return nil
}

// DeleteConversation removes every message of a LINE user, running hooks for
// the newest one only so a single delete reaches downstream listeners.
func (s *Store) DeleteConversation(ctx context.Context, lineUserID string) (int64, error) {
	last, err := s.LastMessagesByLineUser(ctx, lineUserID, 1)
	if err != nil {
		return 0, err
	}
	if len(last) == 0 {
		return 0, ErrNotFound
	}
	res, err := s.exec(ctx, "DELETE FROM chat_messages WHERE line_user_id = ?", lineUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	s.fireDelete(ctx, &last[0])
	return affected, nil
}

// MarkConversationRead flips unread customer messages to read.
func (s *Store) MarkConversationRead(ctx context.Context, lineUserID string) (int64, error) {
	n, err := s.setCustomerMessageStatus(ctx, lineUserID, MessageRead, MessageUnread)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return n, nil
}

func (s *Store) CountUnread(ctx context.Context, lineUserID string) (int64, error) {
	var n int64
	err := s.queryRow(ctx,
		"SELECT COUNT(*) FROM chat_messages WHERE line_user_id = ? AND is_from_customer = ? AND status = ?",
		lineUserID, true, MessageUnread).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}

// ConversationFilter narrows ListConversations. AssignedTo limits results to
// conversations whose customer is assigned to that user.
type ConversationFilter struct {
	AssignedTo *int64
	Limit      int
	Offset     int
}

// ListConversations pages LINE users by their most recent message.
func (s *Store) ListConversations(ctx context.Context, f ConversationFilter) ([]Conversation, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := "SELECT m.line_user_id, MAX(m.id) AS last_id FROM chat_messages m"
	var args []any
	if f.AssignedTo != nil {
		query += " JOIN customers c ON c.line_user_id = m.line_user_id WHERE c.assigned_to = ?"
		args = append(args, *f.AssignedTo)
	}
	query += " GROUP BY m.line_user_id ORDER BY last_id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	var lineUserIDs []string
	for rows.Next() {
		var lineUserID string
		var lastID int64
		if err := rows.Scan(&lineUserID, &lastID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		lineUserIDs = append(lineUserIDs, lineUserID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	conversations := make([]Conversation, 0, len(lineUserIDs))
	for _, lineUserID := range lineUserIDs {
		conv, err := s.GetConversation(ctx, lineUserID)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, nil
}

// GetConversation builds the summary for one LINE user.
func (s *Store) GetConversation(ctx context.Context, lineUserID string) (*Conversation, error) {
	last, err := s.LastMessagesByLineUser(ctx, lineUserID, 1)
	if err != nil {
		return nil, err
	}
	if len(last) == 0 {
		return nil, ErrNotFound
	}
	return s.conversationFor(ctx, &last[0])
}

// ConversationForMessage builds the summary of the conversation m belongs to.
func (s *Store) ConversationForMessage(ctx context.Context, messageID int64) (*Conversation, error) {
	m, err := s.GetChatMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, m.LineUserID)
}

func (s *Store) conversationFor(ctx context.Context, last *ChatMessage) (*Conversation, error) {
	unread, err := s.CountUnread(ctx, last.LineUserID)
	if err != nil {
		return nil, err
	}
	conv := &Conversation{
		LineUserID:       last.LineUserID,
		LastMessageID:    last.ID,
		CustomerID:       last.CustomerID,
		LastMessage:      last.MessageContent,
		LastMessageTime:  last.MessageTimestamp,
		LastMessageType:  last.MessageType,
		IsFromCustomer:   last.IsFromCustomer,
		Status:           last.Status,
		UnreadCount:      unread,
		Version:          last.Version,
		VersionUpdatedAt: last.VersionUpdatedAt,
	}
	customer, err := s.GetCustomerByLineUserID(ctx, last.LineUserID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		conv.CustomerID = &customer.ID
		conv.CustomerName = customer.Name
		conv.CustomerPhone = customer.Phone
		conv.AssignedTo = customer.AssignedTo
	}
	return conv, nil
}

func (s *Store) CountConversations(ctx context.Context) (int64, error) {
	var n int64
	if err := s.queryRow(ctx, "SELECT COUNT(DISTINCT line_user_id) FROM chat_messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}

// MarkConversationReplied flips the customer's pending messages to replied.
func (s *Store) MarkConversationReplied(ctx context.Context, lineUserID string) (int64, error) {
	n, err := s.setCustomerMessageStatus(ctx, lineUserID, MessageReplied, MessageUnread, MessageRead)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation replied: %w", err)
	}
	return n, nil
}

// setCustomerMessageStatus moves the LINE user's customer messages whose
// status is one of from to status. Rows are updated one at a time and each
// change runs the update hooks. A row whose status moved underneath is
// skipped.
func (s *Store) setCustomerMessageStatus(ctx context.Context, lineUserID, status string, from ...string) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{lineUserID, true}
	for _, st := range from {
		args = append(args, st)
	}
	rows, err := s.query(ctx,
		"SELECT "+chatColumns+" FROM chat_messages WHERE line_user_id = ? AND is_from_customer = ? AND status IN ("+placeholders+") ORDER BY id ASC",
		args...)
	if err != nil {
		return 0, err
	}
	pending, err := collectChatMessages(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	var changed int64
	for i := range pending {
		old := &pending[i]
		now := s.now()
		res, err := s.exec(ctx,
			"UPDATE chat_messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
			status, now, old.ID, old.Status)
		if err != nil {
			return changed, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		updated := *old
		updated.Status, updated.UpdatedAt = status, now
		s.fireUpdate(ctx, old, &updated)
		changed++
	}
	return changed, nil
}
