package call

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/internal/signaling"
	"callsignal/pkg/constants"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// EventType names what happened to a call from the local user's point of view
type EventType string

const (
	EventIncomingCall EventType = "incoming-call"
	EventAnswer       EventType = "call-answer"
	EventCandidate    EventType = "ice-candidate"
	EventCallEnded    EventType = "call-ended"
	EventCallDeclined EventType = "call-declined"
	EventCallMissed   EventType = "call-missed"
)

// Event is pushed to the UI layer
type Event struct {
	Type   EventType         `json:"type"`
	CallID uuid.UUID         `json:"callId"`
	From   uuid.UUID         `json:"from"`
	Status domain.CallStatus `json:"status,omitempty"`

	Offer     *signaling.OfferPayload  `json:"offer,omitempty"`
	Answer    *signaling.AnswerPayload `json:"answer,omitempty"`
	Candidate json.RawMessage          `json:"candidate,omitempty"`

	At time.Time `json:"at"`
}

// Subscribe registers an event consumer. Events are dropped for a consumer
// whose buffer is full. The returned func unsubscribes and closes the channel.
func (s *Service) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, constants.EventBufferSize)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once bool
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if once {
			return
		}
		once = true
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Service) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			metrics.SignalingMessagesDroppedTotal.WithLabelValues("slow_consumer").Inc()
			logger.Warn("Dropping call event for slow consumer",
				zap.String("type", string(ev.Type)),
				zap.String("call_id", ev.CallID.String()))
		}
	}
}

func (s *Service) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
