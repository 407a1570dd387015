// Package negotiation maintains the append-only transcript attached to a funding request.
package negotiation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/models"

	"github.com/google/uuid"
)

// Sender delivers a message to the marketplace and returns the updated transcript.
type Sender interface {
	SendNegotiationMessage(ctx context.Context, requestID string, draft models.MessageDraft) ([]models.NegotiationMessage, error)
}

// ValidateDraft checks a draft before any network call is made.
func ValidateDraft(d models.MessageDraft) error {
	if strings.TrimSpace(d.Text) == "" && d.ProposedAmount == nil && d.ProposedEquity == nil {
		return apperrors.NewValidationError("text", "message text or a proposal is required")
	}
	if d.ProposedAmount != nil && *d.ProposedAmount <= 0 {
		return apperrors.NewValidationError("proposedAmount", "proposed amount must be greater than 0")
	}
	if d.ProposedEquity != nil && (*d.ProposedEquity < 0 || *d.ProposedEquity > 100) {
		return apperrors.NewValidationError("proposedEquity", "proposed equity must be between 0 and 100")
	}
	return nil
}

// NewMessage builds a conversational message from a validated draft. Proposal values
// are carried as given.
func NewMessage(author models.Author, d models.MessageDraft, at time.Time) models.NegotiationMessage {
	msg := models.NegotiationMessage{
		ID:        uuid.New().String(),
		Author:    author,
		Text:      d.Text,
		Timestamp: at,
		Kind:      models.KindConversational,
	}
	if d.ProposedAmount != nil {
		v := *d.ProposedAmount
		msg.ProposedAmount = &v
	}
	if d.ProposedEquity != nil {
		v := *d.ProposedEquity
		msg.ProposedEquity = &v
	}
	return msg
}

// NewSystemMessage builds a lifecycle announcement tagged with kind.
func NewSystemMessage(kind models.MessageKind, text string, at time.Time) models.NegotiationMessage {
	return models.NegotiationMessage{
		ID:        uuid.New().String(),
		Author:    models.AuthorSystem,
		Text:      text,
		Timestamp: at,
		Kind:      kind,
	}
}

// AcceptanceNotice is the system message recorded when a deal is accepted.
func AcceptanceNotice(terms models.AcceptanceTerms) models.NegotiationMessage {
	text := fmt.Sprintf("Deal accepted: %.2f for %.2f%% equity", terms.FinalAmount, terms.FinalEquity)
	if terms.Conditions != "" {
		text += ". Conditions: " + terms.Conditions
	}
	return NewSystemMessage(models.KindSystemAccept, text, terms.AcceptedAt)
}

// DeclineNotice is the system message recorded when a deal is declined.
func DeclineNotice(reason string, at time.Time) models.NegotiationMessage {
	text := "Deal declined"
	if strings.TrimSpace(reason) != "" {
		text += ": " + reason
	}
	return NewSystemMessage(models.KindSystemReject, text, at)
}

// Thread is the transcript of one funding request. Messages are only ever appended;
// order is insertion order and timestamps are trusted as given.
type Thread struct {
	requestID string
	now       func() time.Time

	mu       sync.RWMutex
	messages []models.NegotiationMessage
}

// NewThread seeds a thread with the history known for requestID.
func NewThread(requestID string, history []models.NegotiationMessage) *Thread {
	msgs := make([]models.NegotiationMessage, len(history))
	for i, m := range history {
		msgs[i] = m.Clone()
	}
	return &Thread{
		requestID: requestID,
		now:       time.Now,
		messages:  msgs,
	}
}

func (t *Thread) RequestID() string {
	return t.requestID
}

// Messages returns a copy of the transcript.
func (t *Thread) Messages() []models.NegotiationMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.NegotiationMessage, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Conversation returns only the non-system messages.
func (t *Thread) Conversation() []models.NegotiationMessage {
	var out []models.NegotiationMessage
	for _, m := range t.Messages() {
		if !m.IsSystem() {
			out = append(out, m)
		}
	}
	return out
}

// LatestProposal returns the most recent message carrying a counter-offer.
func (t *Thread) LatestProposal() (models.NegotiationMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].HasProposal() {
			return t.messages[i].Clone(), true
		}
	}
	return models.NegotiationMessage{}, false
}

// Append validates d and appends it locally as author at the current time.
func (t *Thread) Append(author models.Author, d models.MessageDraft) (models.NegotiationMessage, error) {
	if err := ValidateDraft(d); err != nil {
		return models.NegotiationMessage{}, err
	}
	if !author.Valid() || author == models.AuthorSystem {
		return models.NegotiationMessage{}, apperrors.NewValidationError("author", fmt.Sprintf("invalid author %q", author))
	}

	msg := NewMessage(author, d, t.now())

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	return msg.Clone(), nil
}

// AppendSystem records a tagged lifecycle message.
func (t *Thread) AppendSystem(msg models.NegotiationMessage) {
	t.mu.Lock()
	t.messages = append(t.messages, msg.Clone())
	t.mu.Unlock()
}

// Send validates d, delivers it through sender and extends the transcript. The
// server's history is adopted only when it extends the local one; otherwise the
// locally built message is appended.
func (t *Thread) Send(ctx context.Context, sender Sender, author models.Author, d models.MessageDraft) ([]models.NegotiationMessage, error) {
	if err := ValidateDraft(d); err != nil {
		return nil, err
	}
	if !author.Valid() || author == models.AuthorSystem {
		return nil, apperrors.NewValidationError("author", fmt.Sprintf("invalid author %q", author))
	}

	updated, err := sender.SendNegotiationMessage(ctx, t.requestID, d)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.extendedBy(updated) {
		t.messages = make([]models.NegotiationMessage, len(updated))
		for i, m := range updated {
			t.messages[i] = m.Clone()
		}
	} else {
		t.messages = append(t.messages, NewMessage(author, d, t.now()))
	}
	t.mu.Unlock()

	return t.Messages(), nil
}

// Adopt replaces the transcript with history when history extends it.
func (t *Thread) Adopt(history []models.NegotiationMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.extendedBy(history) {
		return false
	}
	t.messages = make([]models.NegotiationMessage, len(history))
	for i, m := range history {
		t.messages[i] = m.Clone()
	}
	return true
}

// extendedBy reports whether history is longer than the local transcript and agrees
// with it on every local position. Caller holds the lock.
func (t *Thread) extendedBy(history []models.NegotiationMessage) bool {
	if len(history) <= len(t.messages) {
		return false
	}
	for i, local := range t.messages {
		if !sameMessage(local, history[i]) {
			return false
		}
	}
	return true
}

func sameMessage(a, b models.NegotiationMessage) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Author == b.Author && a.Text == b.Text && a.Timestamp.Equal(b.Timestamp)
}
