package realtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/codec"
	"github.com/loanconsult/crm/internal/store"
)

// recentMessages is how many of a conversation's newest messages are
// mirrored on each sync.
const recentMessages = 50

// Source is the read side of the primary store the sync needs.
type Source interface {
	ListConversations(ctx context.Context, f store.ConversationFilter) ([]store.Conversation, error)
	GetConversation(ctx context.Context, lineUserID string) (*store.Conversation, error)
	ConversationForMessage(ctx context.Context, messageID int64) (*store.Conversation, error)
	LastMessagesByLineUser(ctx context.Context, lineUserID string, n int) ([]store.ChatMessage, error)
}

// BatchResult summarizes a BatchSync run.
type BatchResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// SyncService pushes conversations from the primary store to the realtime
// store. It never writes to the primary store.
type SyncService struct {
	source Source
	rt     Store
	now    func() time.Time
}

func NewSyncService(source Source, rt Store) *SyncService {
	return &SyncService{
		source: source,
		rt:     rt,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func ConversationPath(lineUserID string) string {
	return "conversations/" + lineUserID
}

func MessagesPath(lineUserID string) string {
	return "messages/" + lineUserID
}

func MessagePath(lineUserID string, messageID int64) string {
	return MessagesPath(lineUserID) + "/" + strconv.FormatInt(messageID, 10)
}

func ReadsPath(lineUserID string) string {
	return "reads/" + lineUserID
}

// SyncConversation writes the compact summary and the newest messages.
func (s *SyncService) SyncConversation(ctx context.Context, conv *store.Conversation) error {
	if conv == nil || conv.LineUserID == "" {
		return fmt.Errorf("conversation has no line_user_id")
	}
	if err := s.rt.Set(ctx, ConversationPath(conv.LineUserID), codec.CompactConversation(conv)); err != nil {
		return fmt.Errorf("failed to sync conversation %s: %w", conv.LineUserID, err)
	}

	messages, err := s.source.LastMessagesByLineUser(ctx, conv.LineUserID, recentMessages)
	if err != nil {
		return fmt.Errorf("failed to load messages of %s: %w", conv.LineUserID, err)
	}
	if len(messages) == 0 {
		return nil
	}
	fields := make(map[string]any, len(messages))
	for i := range messages {
		fields[strconv.FormatInt(messages[i].ID, 10)] = codec.CompactMessage(&messages[i])
	}
	if err := s.rt.Update(ctx, MessagesPath(conv.LineUserID), fields); err != nil {
		return fmt.Errorf("failed to sync messages of %s: %w", conv.LineUserID, err)
	}
	log.Debug("Conversation synced", "line_user_id", conv.LineUserID, "messages", len(messages), "version", conv.Version)
	return nil
}

// DeleteConversation removes the summary, messages and read markers.
func (s *SyncService) DeleteConversation(ctx context.Context, lineUserID string) error {
	for _, path := range []string{ConversationPath(lineUserID), MessagesPath(lineUserID), ReadsPath(lineUserID)} {
		if err := s.rt.Delete(ctx, path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}
	log.Debug("Conversation removed from realtime store", "line_user_id", lineUserID)
	return nil
}

func (s *SyncService) DeleteMessage(ctx context.Context, lineUserID string, messageID int64) error {
	if err := s.rt.Delete(ctx, MessagePath(lineUserID, messageID)); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}
	return nil
}

// MarkAsRead records who read the conversation. A staff read also clears the
// unread count on the summary.
func (s *SyncService) MarkAsRead(ctx context.Context, lineUserID string, isCustomer bool) error {
	actor := "staff"
	if isCustomer {
		actor = "customer"
	}
	if err := s.rt.Update(ctx, ReadsPath(lineUserID), map[string]any{actor: s.now().Format(time.RFC3339Nano)}); err != nil {
		return fmt.Errorf("failed to mark %s read by %s: %w", lineUserID, actor, err)
	}
	if isCustomer {
		return nil
	}
	summary := codec.EncodeConversation(map[string]any{"status": store.MessageRead, "unread_count": 0})
	if err := s.rt.Update(ctx, ConversationPath(lineUserID), summary); err != nil {
		return fmt.Errorf("failed to clear unread count of %s: %w", lineUserID, err)
	}
	return nil
}

// BatchSync syncs one page of conversations. Per-conversation failures are
// counted, not returned; the error is reserved for failing to list the page.
func (s *SyncService) BatchSync(ctx context.Context, limit, offset int) (BatchResult, error) {
	result := BatchResult{Errors: map[string]string{}}
	convs, err := s.source.ListConversations(ctx, store.ConversationFilter{Limit: limit, Offset: offset})
	if err != nil {
		return result, fmt.Errorf("failed to list conversations: %w", err)
	}
	for i := range convs {
		if err := s.SyncConversation(ctx, &convs[i]); err != nil {
			result.Failed++
			result.Errors[convs[i].LineUserID] = err.Error()
			continue
		}
		result.Succeeded++
	}
	log.Info("Batch sync finished", "limit", limit, "offset", offset, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}
