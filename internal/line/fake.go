package line

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Pushed is a message recorded by FakeMessenger.
type Pushed struct {
	LineUserID string
	Text       string
}

// FakeMessenger records pushes and decodes webhooks as a JSON array of
// InboundMessage. It is used when no channel credentials are configured and
// in tests.
type FakeMessenger struct {
	mu     sync.Mutex
	pushed []Pushed
	Names  map[string]string
	// PushErr, when set, is returned from every Push.
	PushErr error
}

func NewFakeMessenger() *FakeMessenger {
	return &FakeMessenger{Names: map[string]string{}}
}

func (f *FakeMessenger) Push(_ context.Context, lineUserID, text string) error {
	if f.PushErr != nil {
		return f.PushErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, Pushed{LineUserID: lineUserID, Text: text})
	return nil
}

func (f *FakeMessenger) DisplayName(_ context.Context, lineUserID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.Names[lineUserID]; ok {
		return name, nil
	}
	return "", fmt.Errorf("no profile for %s", lineUserID)
}

func (f *FakeMessenger) ParseWebhook(r *http.Request) ([]InboundMessage, error) {
	if r.Header.Get("X-Line-Signature") == "" {
		return nil, ErrInvalidSignature
	}
	var msgs []InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	return msgs, nil
}

func (f *FakeMessenger) Pushed() []Pushed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Pushed(nil), f.pushed...)
}
