package call

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/internal/signaling"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// Direction tells whether the local user placed or received a call
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// callState is the in-flight negotiation state of one call. It is never persisted.
type callState struct {
	peer              uuid.UUID
	direction         Direction
	callType          domain.CallType
	status            domain.CallStatus
	localDescription  json.RawMessage
	remoteDescription json.RawMessage
	candidates        *signaling.CandidateSet
	updatedAt         time.Time
}

// LocalState is a point-in-time copy of a call's negotiation state
type LocalState struct {
	CallID            uuid.UUID         `json:"callId"`
	Peer              uuid.UUID         `json:"peer"`
	Direction         Direction         `json:"direction,omitempty"`
	CallType          domain.CallType   `json:"callType,omitempty"`
	Status            domain.CallStatus `json:"status"`
	LocalDescription  json.RawMessage   `json:"localDescription,omitempty"`
	RemoteDescription json.RawMessage   `json:"remoteDescription,omitempty"`
	Candidates        []json.RawMessage `json:"candidates"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// stateLocked returns the state for callID, creating a ringing one for peer.
// Callers hold s.mu.
func (s *Service) stateLocked(callID, peer uuid.UUID) *callState {
	st, ok := s.calls[callID]
	if !ok {
		st = &callState{
			peer:       peer,
			status:     domain.CallStatusRinging,
			candidates: signaling.NewCandidateSet(),
		}
		s.calls[callID] = st
		metrics.CallsLocalActive.Set(float64(len(s.calls)))
	}
	st.updatedAt = time.Now().UTC()
	return st
}

// peerStateLocked returns the state an answer or candidate applies to, or
// the reason to drop it. Only an offer or a local operation creates state,
// so messages for unknown or released calls are never applied. Callers hold
// s.mu.
func (s *Service) peerStateLocked(msg *signaling.Message) (*callState, string) {
	st, ok := s.calls[msg.CallID]
	if !ok {
		return nil, "unknown_call"
	}
	if st.peer != msg.From {
		return nil, "foreign_peer"
	}
	st.updatedAt = time.Now().UTC()
	return st, ""
}

func (s *Service) dropInbound(msg *signaling.Message, reason string) {
	metrics.SignalingMessagesDroppedTotal.WithLabelValues(reason).Inc()
	logger.Debug("Inbound signaling message dropped",
		zap.String("type", string(msg.Type)),
		zap.String("call_id", msg.CallID.String()),
		zap.String("from", msg.From.String()),
		zap.String("reason", reason))
}

// releaseLocked drops the local state and watchdog of callID. Callers hold s.mu.
func (s *Service) releaseLocked(callID uuid.UUID) {
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
	if _, ok := s.calls[callID]; ok {
		delete(s.calls, callID)
		metrics.CallsLocalActive.Set(float64(len(s.calls)))
	}
}

func (s *Service) release(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(callID)
}

// LocalState returns a snapshot of callID's negotiation state
func (s *Service) LocalState(callID uuid.UUID) (LocalState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.calls[callID]
	if !ok {
		return LocalState{}, false
	}
	return LocalState{
		CallID:            callID,
		Peer:              st.peer,
		Direction:         st.direction,
		CallType:          st.callType,
		Status:            st.status,
		LocalDescription:  st.localDescription,
		RemoteDescription: st.remoteDescription,
		Candidates:        st.candidates.Candidates(),
		UpdatedAt:         st.updatedAt,
	}, true
}
