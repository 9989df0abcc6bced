package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/store"
)

const (
	defaultDraftModelName = "gemini-1.5-flash-latest"

	draftSystemInstruction = "You help loan consultants reply to customers on LINE. " +
		"Write one short, polite reply in the customer's language. " +
		"Never promise approval, rates or amounts. If details are missing, ask for them."
)

// ReplyDrafter suggests staff replies with Gemini.
type ReplyDrafter struct {
	client *genai.Client
	model  string
}

func NewReplyDrafter(ctx context.Context, apiKey string) (*ReplyDrafter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &ReplyDrafter{client: client, model: defaultDraftModelName}, nil
}

func (d *ReplyDrafter) Close() {
	if d.client != nil {
		if err := d.client.Close(); err != nil {
			log.Error("Error closing GenAI client", "err", err)
		} else {
			log.Info("GenAI client closed.")
		}
	}
}

// DraftReply sends the conversation as chat history and returns the model's
// suggestion for the next staff message.
func (d *ReplyDrafter) DraftReply(ctx context.Context, history []store.ChatMessage) (string, error) {
	contents := draftHistory(history)
	if len(contents) == 0 {
		return "", apperr.New(apperr.Invalid, "conversation has no text to reply to")
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return "", apperr.New(apperr.Invalid, "the last message is not from the customer")
	}

	model := d.client.GenerativeModel(d.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(draftSystemInstruction)},
	}
	temp := float32(0.4)
	maxTokens := int32(256)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	session := model.StartChat()
	session.History = contents[:len(contents)-1]

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini draft request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no draft")
	}

	var draft strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			draft.WriteString(string(txt))
		}
	}
	if draft.Len() == 0 {
		return "", fmt.Errorf("gemini returned an empty draft")
	}
	return strings.TrimSpace(draft.String()), nil
}

// draftHistory maps customer messages to the user role and staff messages to
// the model role, merging consecutive messages of the same side.
func draftHistory(history []store.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	for _, m := range history {
		if m.MessageType != "text" || strings.TrimSpace(m.MessageContent) == "" {
			continue
		}
		role := "model"
		if m.IsFromCustomer {
			role = "user"
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, genai.Text(m.MessageContent))
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.MessageContent)}})
	}
	return contents
}
