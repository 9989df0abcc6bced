package store

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

const (
	MessageUnread  = "unread"
	MessageRead    = "read"
	MessageReplied = "replied"
)

type User struct {
	ID               int64      `json:"id"`
	Username         string     `json:"username"`
	PasswordHash     string     `json:"-"` // Do not expose this in JSON responses
	Name             string     `json:"name"`
	Role             string     `json:"role"`
	IsActive         bool       `json:"is_active"`
	Version          int64      `json:"version"`
	VersionUpdatedAt *time.Time `json:"version_updated_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Customer struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Phone            string     `json:"phone"`
	Email            string     `json:"email"`
	LineUserID       *string    `json:"line_user_id"`
	Source           string     `json:"source"`
	Status           string     `json:"status"`
	AssignedTo       *int64     `json:"assigned_to"`
	LatestCaseAt     *time.Time `json:"latest_case_at"`
	Notes            string     `json:"notes"`
	Version          int64      `json:"version"`
	VersionUpdatedAt *time.Time `json:"version_updated_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type CustomerCase struct {
	ID          int64      `json:"id"`
	CustomerID  int64      `json:"customer_id"`
	CaseNumber  string     `json:"case_number"`
	LoanAmount  int64      `json:"loan_amount"`
	Status      string     `json:"status"`
	SubmittedAt *time.Time `json:"submitted_at"`
	ApprovedAt  *time.Time `json:"approved_at"`
	DisbursedAt *time.Time `json:"disbursed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type CustomerLead struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	Channel    string    `json:"channel"`
	AssignedTo *int64    `json:"assigned_to"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatMessage is one LINE message, inbound from a customer or a staff reply.
type ChatMessage struct {
	ID               int64          `json:"id"`
	CustomerID       *int64         `json:"customer_id"`
	UserID           *int64         `json:"user_id"`
	LineUserID       string         `json:"line_user_id"`
	MessageContent   string         `json:"message_content"`
	MessageTimestamp time.Time      `json:"message_timestamp"`
	IsFromCustomer   bool           `json:"is_from_customer"`
	Status           string         `json:"status"`
	MessageType      string         `json:"message_type"`
	Metadata         map[string]any `json:"metadata"`
	Version          int64          `json:"version"`
	VersionUpdatedAt *time.Time     `json:"version_updated_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Conversation is the per-LINE-user summary derived from chat_messages.
type Conversation struct {
	LineUserID       string     `json:"line_user_id"`
	LastMessageID    int64      `json:"id"`
	CustomerID       *int64     `json:"customer_id"`
	CustomerName     string     `json:"customer_name"`
	CustomerPhone    string     `json:"customer_phone"`
	AssignedTo       *int64     `json:"assigned_to"`
	LastMessage      string     `json:"last_message"`
	LastMessageTime  time.Time  `json:"last_message_time"`
	LastMessageType  string     `json:"message_type"`
	IsFromCustomer   bool       `json:"is_from_customer"`
	Status           string     `json:"status"`
	UnreadCount      int64      `json:"unread_count"`
	Version          int64      `json:"version"`
	VersionUpdatedAt *time.Time `json:"version_updated_at"`
}

// VersionEvent is one row of the version audit ledger.
type VersionEvent struct {
	Seq        int64          `json:"seq"`
	EventID    string         `json:"event_id"`
	EntityType string         `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	Version    int64          `json:"version"`
	Operation  string         `json:"operation"`
	Changes    map[string]any `json:"changes,omitempty"`
	UserID     *int64         `json:"user_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type FailedJob struct {
	ID             int64     `json:"id"`
	JobID          string    `json:"job_id"`
	Queue          string    `json:"queue"`
	Operation      string    `json:"operation"`
	ConversationID int64     `json:"conversation_id"`
	Payload        string    `json:"payload"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failed_at"`
}

func (u *User) EntityID() int64           { return u.ID }
func (u *User) VersionEntityType() string { return "user" }
func (u *User) SetVersion(v int64, at time.Time) {
	u.Version = v
	u.VersionUpdatedAt = &at
}
func (u *User) Snapshot() map[string]any {
	return map[string]any{
		"username":           u.Username,
		"password_hash":      passwordFingerprint(u.PasswordHash),
		"name":               u.Name,
		"role":               u.Role,
		"is_active":          u.IsActive,
		"version":            u.Version,
		"version_updated_at": timeValue(u.VersionUpdatedAt),
	}
}

func (c *Customer) EntityID() int64           { return c.ID }
func (c *Customer) VersionEntityType() string { return "customer" }
func (c *Customer) SetVersion(v int64, at time.Time) {
	c.Version = v
	c.VersionUpdatedAt = &at
}
func (c *Customer) Snapshot() map[string]any {
	return map[string]any{
		"name":               c.Name,
		"phone":              c.Phone,
		"email":              c.Email,
		"line_user_id":       stringValue(c.LineUserID),
		"source":             c.Source,
		"status":             c.Status,
		"assigned_to":        int64Value(c.AssignedTo),
		"latest_case_at":     timeValue(c.LatestCaseAt),
		"notes":              c.Notes,
		"version":            c.Version,
		"version_updated_at": timeValue(c.VersionUpdatedAt),
	}
}

func (c *CustomerCase) EntityID() int64 { return c.ID }
func (c *CustomerCase) Snapshot() map[string]any {
	return map[string]any{
		"customer_id":  c.CustomerID,
		"case_number":  c.CaseNumber,
		"loan_amount":  c.LoanAmount,
		"status":       c.Status,
		"submitted_at": timeValue(c.SubmittedAt),
		"approved_at":  timeValue(c.ApprovedAt),
		"disbursed_at": timeValue(c.DisbursedAt),
	}
}

// LatestActivity is the newest of the case's milestone timestamps.
func (c *CustomerCase) LatestActivity() time.Time {
	latest := c.CreatedAt
	for _, t := range []*time.Time{c.SubmittedAt, c.ApprovedAt, c.DisbursedAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

func (m *ChatMessage) EntityID() int64           { return m.ID }
func (m *ChatMessage) VersionEntityType() string { return "chat" }
func (m *ChatMessage) SetVersion(v int64, at time.Time) {
	m.Version = v
	m.VersionUpdatedAt = &at
}
func (m *ChatMessage) Snapshot() map[string]any {
	return map[string]any{
		"customer_id":        int64Value(m.CustomerID),
		"user_id":            int64Value(m.UserID),
		"line_user_id":       m.LineUserID,
		"message_content":    m.MessageContent,
		"message_timestamp":  m.MessageTimestamp.UTC().Format(time.RFC3339Nano),
		"is_from_customer":   m.IsFromCustomer,
		"status":             m.Status,
		"message_type":       m.MessageType,
		"metadata":           jsonText(m.Metadata),
		"version":            m.Version,
		"version_updated_at": timeValue(m.VersionUpdatedAt),
	}
}

// passwordFingerprint stands in for a password hash in snapshots. It changes
// whenever the hash does, so the audit trail records that the password was
// changed without storing either hash.
func passwordFingerprint(hash string) any {
	if hash == "" {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(hash))
	return fmt.Sprintf("redacted:%08x", h.Sum32())
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func int64Value(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func jsonText(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
