package models

import (
	"encoding/json"
	"time"
)

// Author identifies who wrote a negotiation message.
type Author string

const (
	AuthorInvestor     Author = "investor"
	AuthorEntrepreneur Author = "entrepreneur"
	AuthorSystem       Author = "system"
)

func (a Author) Valid() bool {
	return a == AuthorInvestor || a == AuthorEntrepreneur || a == AuthorSystem
}

// MessageKind tags a message at creation time. Rendering decisions use the tag and
// never the message text.
type MessageKind string

const (
	KindConversational MessageKind = "conversational"
	KindSystemAccept   MessageKind = "system-accept"
	KindSystemReject   MessageKind = "system-reject"
)

// NegotiationMessage is one entry of a request's append-only transcript.
type NegotiationMessage struct {
	ID             string      `json:"id,omitempty"`
	Author         Author      `json:"author"`
	Text           string      `json:"text"`
	ProposedAmount *float64    `json:"proposedAmount,omitempty"`
	ProposedEquity *float64    `json:"proposedEquity,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Kind           MessageKind `json:"kind"`
}

// IsSystem reports whether the message announces a lifecycle outcome.
func (m NegotiationMessage) IsSystem() bool {
	return m.Kind == KindSystemAccept || m.Kind == KindSystemReject
}

// HasProposal reports whether the message carries a counter-offer.
func (m NegotiationMessage) HasProposal() bool {
	return m.ProposedAmount != nil || m.ProposedEquity != nil
}

func (m NegotiationMessage) Clone() NegotiationMessage {
	out := m
	if m.ProposedAmount != nil {
		v := *m.ProposedAmount
		out.ProposedAmount = &v
	}
	if m.ProposedEquity != nil {
		v := *m.ProposedEquity
		out.ProposedEquity = &v
	}
	return out
}

// UnmarshalJSON defaults a missing or unknown kind to conversational.
func (m *NegotiationMessage) UnmarshalJSON(data []byte) error {
	type plain NegotiationMessage
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	switch decoded.Kind {
	case KindConversational, KindSystemAccept, KindSystemReject:
	default:
		decoded.Kind = KindConversational
	}
	*m = NegotiationMessage(decoded)
	return nil
}

// MessageDraft is an outbound negotiation message before it is accepted by the server.
type MessageDraft struct {
	Text           string   `json:"text,omitempty"`
	ProposedAmount *float64 `json:"proposedAmount,omitempty"`
	ProposedEquity *float64 `json:"proposedEquity,omitempty"`
}
