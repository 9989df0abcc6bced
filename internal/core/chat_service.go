package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/auth"
	"github.com/loanconsult/crm/internal/changeset"
	"github.com/loanconsult/crm/internal/codec"
	"github.com/loanconsult/crm/internal/jobs"
	"github.com/loanconsult/crm/internal/line"
	"github.com/loanconsult/crm/internal/store"
)

const (
	defaultIncrementalLimit = 100
	maxIncrementalLimit     = 500
	draftHistoryLimit       = 20
)

// JobEnqueuer schedules background sync work.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, op jobs.Operation, conversationID int64, data map[string]any) (*jobs.SyncJob, error)
}

// Drafter suggests a staff reply for a conversation.
type Drafter interface {
	DraftReply(ctx context.Context, history []store.ChatMessage) (string, error)
}

type ChatService struct {
	store     *store.Store
	messenger line.Messenger
	jobs      JobEnqueuer
	drafter   Drafter
}

// NewChatService wires the chat flows. messenger and drafter may be nil when
// LINE or reply drafting is not configured.
func NewChatService(s *store.Store, messenger line.Messenger, q JobEnqueuer, drafter Drafter) *ChatService {
	return &ChatService{store: s, messenger: messenger, jobs: q, drafter: drafter}
}

func (s *ChatService) Conversations(ctx context.Context, p *auth.Principal, limit, offset int) ([]store.Conversation, error) {
	f := store.ConversationFilter{Limit: limit, Offset: offset}
	if !p.SeesAll() {
		f.AssignedTo = &p.UserID
	}
	convs, err := s.store.ListConversations(ctx, f)
	if err != nil {
		return nil, storeError(err, "conversations")
	}
	return convs, nil
}

// CompactConversations is Conversations in the short-key wire form.
func (s *ChatService) CompactConversations(ctx context.Context, p *auth.Principal, limit, offset int) ([]map[string]any, error) {
	convs, err := s.Conversations(ctx, p, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(convs))
	for i := range convs {
		out[i] = codec.CompactConversation(&convs[i])
	}
	return out, nil
}

func (s *ChatService) Messages(ctx context.Context, p *auth.Principal, lineUserID string, limit, offset int) ([]store.ChatMessage, error) {
	if _, err := s.conversation(ctx, p, lineUserID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessagesByLineUser(ctx, lineUserID, limit, offset)
	if err != nil {
		return nil, storeError(err, "messages")
	}
	return msgs, nil
}

// Incremental returns the chat changes after ledger sequence since. The
// returned version is the sequence to poll from next; Partial is set when
// more changes are waiting.
func (s *ChatService) Incremental(ctx context.Context, p *auth.Principal, since int64, limit int) (*changeset.ChangeSet, error) {
	if since < 0 {
		return nil, apperr.New(apperr.Invalid, "since cannot be negative")
	}
	if limit <= 0 {
		limit = defaultIncrementalLimit
	}
	if limit > maxIncrementalLimit {
		limit = maxIncrementalLimit
	}

	events, err := s.store.EventsSince(ctx, "chat", since, limit+1)
	if err != nil {
		return nil, storeError(err, "version events")
	}
	partial := len(events) > limit
	if partial {
		events = events[:limit]
	}

	version := since
	if len(events) > 0 {
		version = events[len(events)-1].Seq
	} else if latest, err := s.store.LatestSeq(ctx, "chat"); err != nil {
		return nil, storeError(err, "version events")
	} else if latest < since {
		// The ledger was reset; hand back its head so the client resyncs.
		version = latest
	}

	delta := changeset.Classify(events)
	byID, err := s.visibleMessages(ctx, p, append(append([]int64{}, delta.Added...), delta.Updated...))
	if err != nil {
		return nil, err
	}

	items := func(ids []int64) []changeset.Item {
		out := []changeset.Item{}
		for _, id := range ids {
			if item, ok := byID[id]; ok {
				out = append(out, item)
			}
		}
		return out
	}

	cs, err := changeset.Build(version, items(delta.Added), items(delta.Updated), delta.Removed, partial)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to build change set", err)
	}
	return cs, nil
}

// visibleMessages loads ids, drops messages p may not see and fills each
// item's conversation unread count.
func (s *ChatService) visibleMessages(ctx context.Context, p *auth.Principal, ids []int64) (map[int64]changeset.Item, error) {
	msgs, err := s.store.GetChatMessages(ctx, ids)
	if err != nil {
		return nil, storeError(err, "messages")
	}

	visible := map[string]bool{}
	unread := map[string]int64{}
	out := make(map[int64]changeset.Item, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		ok, seen := visible[m.LineUserID]
		if !seen {
			ok = true
			if !p.SeesAll() {
				c, err := s.store.GetCustomerByLineUserID(ctx, m.LineUserID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, storeError(err, "customer")
				}
				ok = c != nil && canSee(p, c.AssignedTo)
			}
			visible[m.LineUserID] = ok
			if ok {
				n, err := s.store.CountUnread(ctx, m.LineUserID)
				if err != nil {
					return nil, storeError(err, "messages")
				}
				unread[m.LineUserID] = n
			}
		}
		if !ok {
			continue
		}
		item := changeset.FormatItem(m)
		item.UnreadCount = unread[m.LineUserID]
		out[m.ID] = item
	}
	return out, nil
}

// Reply pushes text to the LINE user and stores it as a staff message.
func (s *ChatService) Reply(ctx context.Context, p *auth.Principal, lineUserID, text string) (*store.ChatMessage, error) {
	conv, err := s.conversation(ctx, p, lineUserID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.New(apperr.Validation, "message is required")
	}
	if s.messenger == nil {
		return nil, apperr.New(apperr.Invalid, "LINE messaging is not configured")
	}
	if err := s.messenger.Push(ctx, lineUserID, text); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to send LINE message", err)
	}

	msg := &store.ChatMessage{
		CustomerID:     conv.CustomerID,
		UserID:         &p.UserID,
		LineUserID:     lineUserID,
		MessageContent: text,
		IsFromCustomer: false,
		Status:         store.MessageReplied,
		MessageType:    "text",
	}
	if err := s.store.CreateChatMessage(ctx, msg); err != nil {
		return nil, storeError(err, "message")
	}
	if _, err := s.store.MarkConversationReplied(ctx, lineUserID); err != nil {
		log.Error("Failed to mark conversation replied", "line_user_id", lineUserID, "err", err)
	}
	return msg, nil
}

// MarkRead marks the customer's messages as read by staff and schedules the
// read state for the realtime store.
func (s *ChatService) MarkRead(ctx context.Context, p *auth.Principal, lineUserID string) (int64, error) {
	conv, err := s.conversation(ctx, p, lineUserID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.MarkConversationRead(ctx, lineUserID)
	if err != nil {
		return 0, storeError(err, "messages")
	}
	s.jobs.Enqueue(ctx, jobs.OpMarkRead, conv.LastMessageID, map[string]any{
		"line_user_id": lineUserID,
		"is_customer":  false,
	})
	return n, nil
}

func (s *ChatService) DeleteConversation(ctx context.Context, p *auth.Principal, lineUserID string) (int64, error) {
	if err := requireRole(p, store.RoleManager); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteConversation(ctx, lineUserID)
	if err != nil {
		return 0, storeError(err, "conversation")
	}
	return n, nil
}

// RequestBatchSync schedules a full mirror of conversations.
func (s *ChatService) RequestBatchSync(ctx context.Context, limit, offset int) (*jobs.SyncJob, error) {
	data := map[string]any{"offset": offset}
	if limit > 0 {
		data["limit"] = limit
	}
	job, err := s.jobs.Enqueue(ctx, jobs.OpBatchSync, 0, data)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeOf(err), "failed to schedule batch sync", err)
	}
	return job, nil
}

func (s *ChatService) Draft(ctx context.Context, p *auth.Principal, lineUserID string) (string, error) {
	if _, err := s.conversation(ctx, p, lineUserID); err != nil {
		return "", err
	}
	if s.drafter == nil {
		return "", apperr.New(apperr.Invalid, "reply drafting is not configured")
	}
	history, err := s.store.LastMessagesByLineUser(ctx, lineUserID, draftHistoryLimit)
	if err != nil {
		return "", storeError(err, "messages")
	}
	draft, err := s.drafter.DraftReply(ctx, history)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOf(err), "failed to draft reply", err)
	}
	return draft, nil
}

// HandleWebhook verifies and stores a LINE webhook delivery. It returns the
// number of messages stored.
func (s *ChatService) HandleWebhook(ctx context.Context, r *http.Request) (int, error) {
	if s.messenger == nil {
		return 0, apperr.New(apperr.Invalid, "LINE messaging is not configured")
	}
	msgs, err := s.messenger.ParseWebhook(r)
	if errors.Is(err, line.ErrInvalidSignature) {
		return 0, apperr.Wrap(apperr.Unauthed, "invalid webhook signature", err)
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Invalid, "malformed webhook", err)
	}
	return s.HandleInbound(ctx, msgs)
}

// HandleInbound stores customer messages, creating a customer for LINE users
// seen for the first time.
func (s *ChatService) HandleInbound(ctx context.Context, msgs []line.InboundMessage) (int, error) {
	stored := 0
	for _, in := range msgs {
		customer, err := s.customerFor(ctx, in.LineUserID)
		if err != nil {
			return stored, err
		}
		msg := &store.ChatMessage{
			CustomerID:       &customer.ID,
			LineUserID:       in.LineUserID,
			MessageContent:   in.Text,
			MessageTimestamp: in.Timestamp,
			IsFromCustomer:   true,
			Status:           store.MessageUnread,
			MessageType:      in.Type,
			Metadata:         map[string]any{},
		}
		if in.MessageID != "" {
			msg.Metadata["line_message_id"] = in.MessageID
		}
		if err := s.store.CreateChatMessage(ctx, msg); err != nil {
			return stored, storeError(err, "message")
		}
		stored++
	}
	return stored, nil
}

func (s *ChatService) customerFor(ctx context.Context, lineUserID string) (*store.Customer, error) {
	c, err := s.store.GetCustomerByLineUserID(ctx, lineUserID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeError(err, "customer")
	}

	name := ""
	if s.messenger != nil {
		if name, err = s.messenger.DisplayName(ctx, lineUserID); err != nil {
			log.Warn("Failed to fetch LINE profile", "line_user_id", lineUserID, "err", err)
		}
	}
	if name == "" {
		name = fmt.Sprintf("LINE %s", tail(lineUserID, 6))
	}
	c = &store.Customer{Name: name, LineUserID: &lineUserID, Source: "line", Status: "new"}
	if err := s.store.CreateCustomer(ctx, c); err != nil {
		return nil, storeError(err, "customer")
	}
	log.Info("Created customer for new LINE user", "customer_id", c.ID, "line_user_id", lineUserID)
	return c, nil
}

// conversation loads a conversation summary and checks p may see it.
func (s *ChatService) conversation(ctx context.Context, p *auth.Principal, lineUserID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, lineUserID)
	if err != nil {
		return nil, storeError(err, "conversation")
	}
	if !canSee(p, conv.AssignedTo) {
		return nil, apperr.New(apperr.Permission, "conversation is not assigned to you")
	}
	return conv, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// FailedJobs lists sync jobs that exhausted their retries, newest first.
func (s *ChatService) FailedJobs(ctx context.Context, limit int) ([]store.FailedJob, error) {
	failed, err := s.store.ListFailedJobs(ctx, limit)
	if err != nil {
		return nil, storeError(err, "failed jobs")
	}
	return failed, nil
}
