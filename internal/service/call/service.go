// Package call is the call orchestrator: it drives the session lifecycle in
// the store and exchanges signaling messages with the remote party.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"callsignal/internal/auth"
	"callsignal/internal/channel"
	"callsignal/internal/domain"
	"callsignal/internal/signaling"
	"callsignal/pkg/constants"
	apperrors "callsignal/pkg/errors"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
	"callsignal/pkg/pagination"
	"callsignal/pkg/tracing"
)

// SessionStore persists call sessions and their participants
type SessionStore interface {
	CreateSession(ctx context.Context, callType domain.CallType, participantIDs []uuid.UUID) (*domain.CallSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
	GetSessionByRoom(ctx context.Context, roomID string) (*domain.CallSession, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus) (*domain.CallSession, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) (*domain.CallParticipant, error)
	UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, settings domain.MediaSettings) (*domain.CallParticipant, error)
	ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error)
}

// Channel delivers signaling messages between inboxes
type Channel interface {
	OpenInbox(ctx context.Context, selfID uuid.UUID, onMessage func(*signaling.Message)) (*channel.Handle, error)
	Send(ctx context.Context, toID uuid.UUID, msg *signaling.Message) error
	Close() error
}

// Config tunes the orchestrator
type Config struct {
	// RingTimeout marks unanswered outgoing calls missed. Zero disables it.
	RingTimeout time.Duration
	// WatchdogTimeout bounds the store and channel calls made when the ring timer fires.
	WatchdogTimeout time.Duration
}

// Service orchestrates calls for one local user
type Service struct {
	store   SessionStore
	channel Channel
	cfg     Config

	mu     sync.Mutex
	calls  map[uuid.UUID]*callState
	timers map[uuid.UUID]*time.Timer
	closed bool

	subMu sync.RWMutex
	subs  map[chan Event]struct{}
}

// NewService creates a new call orchestrator
func NewService(store SessionStore, ch Channel, cfg Config) *Service {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = constants.DefaultTimeout
	}
	return &Service{
		store:   store,
		channel: ch,
		cfg:     cfg,
		calls:   make(map[uuid.UUID]*callState),
		timers:  make(map[uuid.UUID]*time.Timer),
		subs:    make(map[chan Event]struct{}),
	}
}

// Start opens the inbox of the identity in ctx and begins handling inbound
// signaling. Calling it again for the same identity is a no-op.
func (s *Service) Start(ctx context.Context) error {
	self, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	if _, err := s.channel.OpenInbox(ctx, self.ID, s.handleMessage); err != nil {
		return err
	}
	logger.Info("Call orchestrator started", zap.String("user_id", self.ID.String()))
	return nil
}

// InitiateCall creates a ringing session with recipientID invited and sends
// them the offer. The session is written before delivery is attempted, so
// the returned call ID is valid even when the send fails.
func (s *Service) InitiateCall(ctx context.Context, recipientID uuid.UUID, callType domain.CallType, offer json.RawMessage) (uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "call.InitiateCall",
		attribute.String("call.type", string(callType)),
		attribute.String("call.recipient", recipientID.String()))
	defer span.End()

	caller, err := auth.Require(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if recipientID == uuid.Nil || recipientID == caller.ID {
		return uuid.Nil, apperrors.ValidationError("a recipient other than the caller is required")
	}
	if len(offer) == 0 {
		return uuid.Nil, apperrors.ValidationError("offer is required")
	}

	session, err := s.store.CreateSession(ctx, callType, []uuid.UUID{recipientID})
	if err != nil {
		tracing.RecordError(ctx, err)
		return uuid.Nil, err
	}
	metrics.CallsTotal.WithLabelValues(string(callType)).Inc()

	log := logger.FromContext(logger.WithCallID(ctx, session.ID.String()))

	s.mu.Lock()
	st := s.stateLocked(session.ID, recipientID)
	st.direction = DirectionOutgoing
	st.callType = callType
	st.localDescription = offer
	s.mu.Unlock()
	s.armWatchdog(session.ID, caller.ID, recipientID)

	msg := signaling.NewOffer(caller.ID, recipientID, session.ID, callType, offer,
		signaling.Caller{ID: caller.ID, Name: caller.Name})
	if err := s.channel.Send(ctx, recipientID, msg); err != nil {
		tracing.RecordError(ctx, err)
		log.Warn("Call offer not delivered, session left ringing",
			zap.String("recipient", recipientID.String()),
			zap.Error(err))
		return session.ID, err
	}

	log.Info("Call initiated",
		zap.String("call_type", string(callType)),
		zap.String("recipient", recipientID.String()))
	return session.ID, nil
}

// AnswerCall joins the local user to callID, activates the session and
// sends the answer back to callerID.
func (s *Service) AnswerCall(ctx context.Context, callID, callerID uuid.UUID, answer json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "call.AnswerCall", attribute.String("call.id", callID.String()))
	defer span.End()

	self, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	if callerID == uuid.Nil {
		return apperrors.ValidationError("caller is required")
	}
	if len(answer) == 0 {
		return apperrors.ValidationError("answer is required")
	}

	// a cancelled, declined or missed call must not leave the callee joined
	current, err := s.store.GetSession(ctx, callID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if !current.Status.CanTransition(domain.CallStatusActive) {
		return apperrors.InvalidTransitionError(string(current.Status), string(domain.CallStatusActive))
	}

	if _, err := s.store.UpdateParticipantStatus(ctx, callID, self.ID, domain.ParticipantJoined); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	session, err := s.store.UpdateStatus(ctx, callID, domain.CallStatusActive)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	st := s.stateLocked(callID, callerID)
	if st.direction == "" {
		st.direction = DirectionIncoming
	}
	st.callType = session.CallType
	st.status = domain.CallStatusActive
	st.localDescription = answer
	s.mu.Unlock()

	if err := s.channel.Send(ctx, callerID, signaling.NewAnswer(self.ID, callerID, callID, answer)); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	logger.Info("Call answered", zap.String("call_id", callID.String()))
	return nil
}

// RelayICECandidate forwards a candidate to recipientID. No state changes.
func (s *Service) RelayICECandidate(ctx context.Context, recipientID, callID uuid.UUID, candidate json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "call.RelayICECandidate", attribute.String("call.id", callID.String()))
	defer span.End()

	self, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	if recipientID == uuid.Nil {
		return apperrors.ValidationError("recipient is required")
	}
	if len(candidate) == 0 {
		return apperrors.ValidationError("candidate is required")
	}

	if err := s.channel.Send(ctx, recipientID, signaling.NewCandidate(self.ID, recipientID, callID, candidate)); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// DeclineCall declines a ringing call and tells callerID
func (s *Service) DeclineCall(ctx context.Context, callID, callerID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "call.DeclineCall", attribute.String("call.id", callID.String()))
	defer span.End()

	self, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	if callerID == uuid.Nil {
		return apperrors.ValidationError("caller is required")
	}

	if _, err := s.store.UpdateStatus(ctx, callID, domain.CallStatusDeclined); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	metrics.CallsTerminalTotal.WithLabelValues(string(domain.CallStatusDeclined)).Inc()

	if _, err := s.store.UpdateParticipantStatus(ctx, callID, self.ID, domain.ParticipantRejected); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	s.release(callID)

	if err := s.channel.Send(ctx, callerID, signaling.NewDeclined(self.ID, callerID, callID)); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	logger.Info("Call declined", zap.String("call_id", callID.String()))
	return nil
}

// EndCall ends callID and, when recipientID is given, tells them. Ending a
// call that is already ended is a no-op so both sides may hang up at once.
func (s *Service) EndCall(ctx context.Context, callID uuid.UUID, recipientID *uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "call.EndCall", attribute.String("call.id", callID.String()))
	defer span.End()

	self, err := auth.Require(ctx)
	if err != nil {
		return err
	}

	if _, err := s.store.UpdateStatus(ctx, callID, domain.CallStatusEnded); err != nil {
		if apperrors.IsInvalidTransition(err) {
			current, getErr := s.store.GetSession(ctx, callID)
			if getErr == nil && current.Status == domain.CallStatusEnded {
				s.release(callID)
				logger.Debug("Call already ended", zap.String("call_id", callID.String()))
				return nil
			}
		}
		tracing.RecordError(ctx, err)
		return err
	}
	metrics.CallsTerminalTotal.WithLabelValues(string(domain.CallStatusEnded)).Inc()

	// the initiator has no participant row and an invited callee never joined
	_, err = s.store.UpdateParticipantStatus(ctx, callID, self.ID, domain.ParticipantLeft)
	if err != nil && !apperrors.IsNotFound(err) && !apperrors.IsInvalidTransition(err) {
		tracing.RecordError(ctx, err)
		return err
	}
	s.release(callID)

	if recipientID != nil {
		if err := s.channel.Send(ctx, *recipientID, signaling.NewEnded(self.ID, *recipientID, callID)); err != nil {
			tracing.RecordError(ctx, err)
			return err
		}
	}

	logger.Info("Call ended", zap.String("call_id", callID.String()))
	return nil
}

// GetCall returns a session with its participants. Only the initiator and
// invited users can see it.
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallDetails, error) {
	self, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}

	session, err := s.store.GetSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.GetParticipants(ctx, callID)
	if err != nil {
		return nil, err
	}

	visible := session.InitiatorID == self.ID
	for _, p := range participants {
		if p.UserID == self.ID {
			visible = true
		}
	}
	if !visible {
		return nil, apperrors.CallNotFoundError()
	}

	return &domain.CallDetails{Session: session, Participants: participants}, nil
}

// History lists the local user's calls, newest first
func (s *Service) History(ctx context.Context, limit int) ([]*domain.CallSession, error) {
	self, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, self.ID, pagination.ClampLimit(limit))
}

// UpdateMedia changes the local user's media flags in a joined call
func (s *Service) UpdateMedia(ctx context.Context, callID uuid.UUID, settings domain.MediaSettings) (*domain.CallParticipant, error) {
	self, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	if settings.Empty() {
		return nil, apperrors.ValidationError("no media settings given")
	}
	if q := settings.ConnectionQuality; q != nil && !q.Valid() {
		return nil, apperrors.ValidationError("unknown connection quality")
	}
	return s.store.UpdateParticipantMedia(ctx, callID, self.ID, settings)
}

// ReportQuality records the local user's self-assessed link quality
func (s *Service) ReportQuality(ctx context.Context, callID uuid.UUID, quality domain.ConnectionQuality) (*domain.CallParticipant, error) {
	return s.UpdateMedia(ctx, callID, domain.MediaSettings{ConnectionQuality: &quality})
}

// Close stops ring timers, releases the channel and ends event streams
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	err := s.channel.Close()
	s.closeSubscribers()
	return err
}

// handleMessage runs on the inbox reader goroutine
func (s *Service) handleMessage(msg *signaling.Message) {
	ev := Event{Type: EventType(msg.Type), CallID: msg.CallID, From: msg.From}

	s.mu.Lock()
	switch msg.Type {
	case signaling.TypeCallOffer:
		offer := msg.Offer()
		st := s.stateLocked(msg.CallID, msg.From)
		st.direction = DirectionIncoming
		st.callType = offer.CallType
		st.remoteDescription = offer.Offer
		ev.Type = EventIncomingCall
		ev.Status = st.status
		ev.Offer = offer

	case signaling.TypeCallAnswer:
		st, reason := s.peerStateLocked(msg)
		if st == nil {
			s.mu.Unlock()
			s.dropInbound(msg, reason)
			return
		}
		st.status = domain.CallStatusActive
		st.remoteDescription = msg.Answer().Answer
		if t, ok := s.timers[msg.CallID]; ok {
			t.Stop()
			delete(s.timers, msg.CallID)
		}
		ev.Status = st.status
		ev.Answer = msg.Answer()

	case signaling.TypeICECandidate:
		st, reason := s.peerStateLocked(msg)
		if st == nil {
			s.mu.Unlock()
			s.dropInbound(msg, reason)
			return
		}
		if !st.candidates.Add(msg.Candidate()) {
			s.mu.Unlock()
			logger.Debug("Duplicate ICE candidate ignored", zap.String("call_id", msg.CallID.String()))
			return
		}
		ev.Status = st.status
		ev.Candidate = msg.Candidate()

	case signaling.TypeCallEnded, signaling.TypeCallDeclined:
		if st, ok := s.calls[msg.CallID]; ok && st.peer != msg.From {
			s.mu.Unlock()
			s.dropInbound(msg, "foreign_peer")
			return
		}
		// the sender already wrote the session; only the local view changes
		ev.Status = domain.CallStatusEnded
		if msg.Type == signaling.TypeCallDeclined {
			ev.Status = domain.CallStatusDeclined
		}
		s.releaseLocked(msg.CallID)
	}
	s.mu.Unlock()

	s.emit(ev)
}
