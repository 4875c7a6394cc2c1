// Package signaling defines the messages exchanged between call clients over
// their pub/sub inboxes and the JSON codec used on the wire.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"callsignal/internal/domain"
)

// ErrMalformed is wrapped by every Encode/Decode validation failure
var ErrMalformed = errors.New("malformed signaling message")

// Type discriminates the signaling message union
type Type string

const (
	TypeCallOffer    Type = "call-offer"
	TypeCallAnswer   Type = "call-answer"
	TypeICECandidate Type = "ice-candidate"
	TypeCallEnded    Type = "call-ended"
	TypeCallDeclined Type = "call-declined"
)

// Valid reports whether t is a known message type
func (t Type) Valid() bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeICECandidate, TypeCallEnded, TypeCallDeclined:
		return true
	}
	return false
}

// Terminal reports whether t ends a call and carries no data
func (t Type) Terminal() bool {
	return t == TypeCallEnded || t == TypeCallDeclined
}

// Payload is implemented by the per-type data shapes
type Payload interface {
	payloadType() Type
}

// Caller describes who placed a call
type Caller struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// OfferPayload is the data of a call-offer
type OfferPayload struct {
	CallID   uuid.UUID       `json:"callId"`
	CallType domain.CallType `json:"callType"`
	Offer    json.RawMessage `json:"offer"`
	Caller   Caller          `json:"caller"`
}

func (*OfferPayload) payloadType() Type { return TypeCallOffer }

// AnswerPayload is the data of a call-answer
type AnswerPayload struct {
	CallID uuid.UUID       `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

func (*AnswerPayload) payloadType() Type { return TypeCallAnswer }

// CandidatePayload is the data of an ice-candidate. On the wire the data
// field is the candidate blob itself.
type CandidatePayload struct {
	Candidate json.RawMessage
}

func (*CandidatePayload) payloadType() Type { return TypeICECandidate }

func (p *CandidatePayload) MarshalJSON() ([]byte, error) {
	return p.Candidate, nil
}

func (p *CandidatePayload) UnmarshalJSON(data []byte) error {
	p.Candidate = append(json.RawMessage(nil), data...)
	return nil
}

// Message is one signaling unit. It is transmitted once and never stored.
type Message struct {
	Type   Type
	CallID uuid.UUID
	From   uuid.UUID
	// To is uuid.Nil when the message is not addressed to a single user.
	To   uuid.UUID
	Data Payload
}

// Offer returns the offer payload, or nil for other types
func (m *Message) Offer() *OfferPayload {
	p, _ := m.Data.(*OfferPayload)
	return p
}

// Answer returns the answer payload, or nil for other types
func (m *Message) Answer() *AnswerPayload {
	p, _ := m.Data.(*AnswerPayload)
	return p
}

// Candidate returns the candidate blob, or nil for other types
func (m *Message) Candidate() json.RawMessage {
	if p, ok := m.Data.(*CandidatePayload); ok {
		return p.Candidate
	}
	return nil
}

func NewOffer(from, to, callID uuid.UUID, callType domain.CallType, offer json.RawMessage, caller Caller) *Message {
	return &Message{
		Type:   TypeCallOffer,
		CallID: callID,
		From:   from,
		To:     to,
		Data:   &OfferPayload{CallID: callID, CallType: callType, Offer: offer, Caller: caller},
	}
}

func NewAnswer(from, to, callID uuid.UUID, answer json.RawMessage) *Message {
	return &Message{
		Type:   TypeCallAnswer,
		CallID: callID,
		From:   from,
		To:     to,
		Data:   &AnswerPayload{CallID: callID, Answer: answer},
	}
}

func NewCandidate(from, to, callID uuid.UUID, candidate json.RawMessage) *Message {
	return &Message{
		Type:   TypeICECandidate,
		CallID: callID,
		From:   from,
		To:     to,
		Data:   &CandidatePayload{Candidate: candidate},
	}
}

func NewEnded(from, to, callID uuid.UUID) *Message {
	return &Message{Type: TypeCallEnded, CallID: callID, From: from, To: to}
}

func NewDeclined(from, to, callID uuid.UUID) *Message {
	return &Message{Type: TypeCallDeclined, CallID: callID, From: from, To: to}
}

type wireMessage struct {
	Type   Type            `json:"type"`
	CallID string          `json:"callId"`
	From   string          `json:"from"`
	To     string          `json:"to,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Encode validates m and renders it in the wire shape
func Encode(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	w := wireMessage{
		Type:   m.Type,
		CallID: m.CallID.String(),
		From:   m.From.String(),
	}
	if m.To != uuid.Nil {
		w.To = m.To.String()
	}
	if m.Data != nil {
		data, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s data: %v", ErrMalformed, m.Type, err)
		}
		w.Data = data
	}

	return json.Marshal(w)
}

// Decode parses a wire payload into a typed Message
func Decode(raw []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Message{Type: w.Type}

	var err error
	if m.CallID, err = uuid.Parse(w.CallID); err != nil {
		return nil, fmt.Errorf("%w: callId: %v", ErrMalformed, err)
	}
	if m.From, err = uuid.Parse(w.From); err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrMalformed, err)
	}
	if w.To != "" {
		if m.To, err = uuid.Parse(w.To); err != nil {
			return nil, fmt.Errorf("%w: to: %v", ErrMalformed, err)
		}
	}

	switch w.Type {
	case TypeCallOffer:
		p := &OfferPayload{}
		if err := unmarshalData(w.Data, p); err != nil {
			return nil, err
		}
		m.Data = p
	case TypeCallAnswer:
		p := &AnswerPayload{}
		if err := unmarshalData(w.Data, p); err != nil {
			return nil, err
		}
		m.Data = p
	case TypeICECandidate:
		if isEmptyJSON(w.Data) {
			return nil, fmt.Errorf("%w: ice-candidate without data", ErrMalformed)
		}
		m.Data = &CandidatePayload{Candidate: append(json.RawMessage(nil), w.Data...)}
	case TypeCallEnded, TypeCallDeclined:
		// terminal signals carry no data; anything sent is ignored
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalData(data json.RawMessage, dst Payload) error {
	if isEmptyJSON(data) {
		return fmt.Errorf("%w: %s without data", ErrMalformed, dst.payloadType())
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, dst.payloadType(), err)
	}
	return nil
}

func (m *Message) validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	if m.CallID == uuid.Nil {
		return fmt.Errorf("%w: missing callId", ErrMalformed)
	}
	if m.From == uuid.Nil {
		return fmt.Errorf("%w: missing from", ErrMalformed)
	}

	if m.Type.Terminal() {
		if m.Data != nil {
			return fmt.Errorf("%w: %s carries no data", ErrMalformed, m.Type)
		}
		return nil
	}

	if m.Data == nil || m.Data.payloadType() != m.Type {
		return fmt.Errorf("%w: %s requires %s data", ErrMalformed, m.Type, m.Type)
	}

	switch p := m.Data.(type) {
	case *OfferPayload:
		if p.CallID != m.CallID {
			return fmt.Errorf("%w: offer callId does not match envelope", ErrMalformed)
		}
		if !p.CallType.Valid() {
			return fmt.Errorf("%w: unknown callType %q", ErrMalformed, p.CallType)
		}
		if isEmptyJSON(p.Offer) {
			return fmt.Errorf("%w: offer blob is empty", ErrMalformed)
		}
	case *AnswerPayload:
		if p.CallID != m.CallID {
			return fmt.Errorf("%w: answer callId does not match envelope", ErrMalformed)
		}
		if isEmptyJSON(p.Answer) {
			return fmt.Errorf("%w: answer blob is empty", ErrMalformed)
		}
	case *CandidatePayload:
		if isEmptyJSON(p.Candidate) {
			return fmt.Errorf("%w: candidate blob is empty", ErrMalformed)
		}
		if !json.Valid(p.Candidate) {
			return fmt.Errorf("%w: candidate blob is not JSON", ErrMalformed)
		}
	}

	return nil
}

func isEmptyJSON(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}
