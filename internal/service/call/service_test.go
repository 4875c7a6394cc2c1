package call

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsignal/internal/auth"
	"callsignal/internal/channel"
	"callsignal/internal/domain"
	"callsignal/internal/signaling"
	apperrors "callsignal/pkg/errors"
)

// MockSessionStore is a mock implementation of SessionStore
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) CreateSession(ctx context.Context, callType domain.CallType, participantIDs []uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callType, participantIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetSessionByRoom(ctx context.Context, roomID string) (*domain.CallSession, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus) (*domain.CallSession, error) {
	args := m.Called(ctx, id, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionStore) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallParticipant), args.Error(1)
}

func (m *MockSessionStore) UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) (*domain.CallParticipant, error) {
	args := m.Called(ctx, callID, userID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallParticipant), args.Error(1)
}

func (m *MockSessionStore) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, settings domain.MediaSettings) (*domain.CallParticipant, error) {
	args := m.Called(ctx, callID, userID, settings)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallParticipant), args.Error(1)
}

func (m *MockSessionStore) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

// MockChannel is a mock implementation of Channel
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) OpenInbox(ctx context.Context, selfID uuid.UUID, onMessage func(*signaling.Message)) (*channel.Handle, error) {
	args := m.Called(ctx, selfID, onMessage)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*channel.Handle), args.Error(1)
}

func (m *MockChannel) Send(ctx context.Context, toID uuid.UUID, msg *signaling.Message) error {
	args := m.Called(ctx, toID, msg)
	return args.Error(0)
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

var (
	testOffer  = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	testAnswer = json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
)

func withUser(id uuid.UUID, name string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{ID: id, Name: name})
}

func messageOfType(t signaling.Type) interface{} {
	return mock.MatchedBy(func(msg *signaling.Message) bool { return msg.Type == t })
}

func newTestService(cfg Config) (*Service, *MockSessionStore, *MockChannel) {
	store := new(MockSessionStore)
	ch := new(MockChannel)
	return NewService(store, ch, cfg), store, ch
}

func TestStart(t *testing.T) {
	service, _, ch := newTestService(Config{})
	self := uuid.New()

	ch.On("OpenInbox", mock.Anything, self, mock.Anything).Return(nil, nil).Once()
	require.NoError(t, service.Start(withUser(self, "Alice")))

	err := service.Start(context.Background())
	assert.True(t, apperrors.IsNotAuthenticated(err))
	ch.AssertExpectations(t)
}

func TestInitiateCall(t *testing.T) {
	service, store, ch := newTestService(Config{})
	alice, bob := uuid.New(), uuid.New()
	session := &domain.CallSession{ID: uuid.New(), CallType: domain.CallTypeAudio, InitiatorID: alice, Status: domain.CallStatusRinging}

	create := store.On("CreateSession", mock.Anything, domain.CallTypeAudio, []uuid.UUID{bob}).Return(session, nil)

	var sent *signaling.Message
	ch.On("Send", mock.Anything, bob, messageOfType(signaling.TypeCallOffer)).
		Run(func(args mock.Arguments) { sent = args.Get(2).(*signaling.Message) }).
		Return(nil).
		NotBefore(create)

	callID, err := service.InitiateCall(withUser(alice, "Alice"), bob, domain.CallTypeAudio, testOffer)

	require.NoError(t, err)
	assert.Equal(t, session.ID, callID)
	require.NotNil(t, sent)
	assert.Equal(t, alice, sent.From)
	assert.Equal(t, bob, sent.To)
	assert.Equal(t, &signaling.OfferPayload{
		CallID:   session.ID,
		CallType: domain.CallTypeAudio,
		Offer:    testOffer,
		Caller:   signaling.Caller{ID: alice, Name: "Alice"},
	}, sent.Offer())

	state, ok := service.LocalState(callID)
	require.True(t, ok)
	assert.Equal(t, DirectionOutgoing, state.Direction)
	assert.Equal(t, domain.CallStatusRinging, state.Status)
	assert.Equal(t, bob, state.Peer)

	store.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestInitiateCall_NotAuthenticated(t *testing.T) {
	service, store, ch := newTestService(Config{})

	_, err := service.InitiateCall(context.Background(), uuid.New(), domain.CallTypeAudio, testOffer)

	assert.True(t, apperrors.IsNotAuthenticated(err))
	store.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything, mock.Anything)
	ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateCall_Validation(t *testing.T) {
	service, store, _ := newTestService(Config{})
	alice := uuid.New()
	ctx := withUser(alice, "Alice")

	_, err := service.InitiateCall(ctx, alice, domain.CallTypeAudio, testOffer)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

	_, err = service.InitiateCall(ctx, uuid.New(), domain.CallTypeAudio, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

	store.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateCall_ChannelUnavailableLeavesSessionRinging(t *testing.T) {
	service, store, ch := newTestService(Config{})
	alice, bob := uuid.New(), uuid.New()
	session := &domain.CallSession{ID: uuid.New(), Status: domain.CallStatusRinging}
	unreachable := apperrors.ChannelUnavailableError(bob.String(), context.DeadlineExceeded)

	store.On("CreateSession", mock.Anything, domain.CallTypeVideo, []uuid.UUID{bob}).Return(session, nil)
	ch.On("Send", mock.Anything, bob, mock.Anything).Return(unreachable)

	callID, err := service.InitiateCall(withUser(alice, "Alice"), bob, domain.CallTypeVideo, testOffer)

	assert.Equal(t, session.ID, callID)
	assert.True(t, apperrors.IsChannelUnavailable(err))
	store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateCall_StoreErrorPropagatesUnchanged(t *testing.T) {
	service, store, ch := newTestService(Config{})
	ioErr := errors.New("connection refused")

	store.On("CreateSession", mock.Anything, mock.Anything, mock.Anything).Return(nil, ioErr)

	_, err := service.InitiateCall(withUser(uuid.New(), "Alice"), uuid.New(), domain.CallTypeAudio, testOffer)

	assert.Same(t, ioErr, err)
	ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswerCall(t *testing.T) {
	service, store, ch := newTestService(Config{})
	alice, bob := uuid.New(), uuid.New()
	callID := uuid.New()

	check := store.On("GetSession", mock.Anything, callID).
		Return(&domain.CallSession{ID: callID, Status: domain.CallStatusRinging}, nil)
	join := store.On("UpdateParticipantStatus", mock.Anything, callID, bob, domain.ParticipantJoined).
		Return(&domain.CallParticipant{Status: domain.ParticipantJoined}, nil).
		NotBefore(check)
	activate := store.On("UpdateStatus", mock.Anything, callID, domain.CallStatusActive).
		Return(&domain.CallSession{ID: callID, CallType: domain.CallTypeAudio, Status: domain.CallStatusActive}, nil).
		NotBefore(join)
	ch.On("Send", mock.Anything, alice, mock.MatchedBy(func(msg *signaling.Message) bool {
		return msg.Type == signaling.TypeCallAnswer && msg.Answer().CallID == callID && string(msg.Answer().Answer) == string(testAnswer)
	})).Return(nil).NotBefore(activate)

	require.NoError(t, service.AnswerCall(withUser(bob, "Bob"), callID, alice, testAnswer))

	state, ok := service.LocalState(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusActive, state.Status)
	assert.Equal(t, testAnswer, state.LocalDescription)

	store.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestAnswerCall_StoreFailureStopsBeforeSend(t *testing.T) {
	service, store, ch := newTestService(Config{})
	bob, callID := uuid.New(), uuid.New()

	store.On("GetSession", mock.Anything, callID).
		Return(&domain.CallSession{ID: callID, Status: domain.CallStatusRinging}, nil)
	store.On("UpdateParticipantStatus", mock.Anything, callID, bob, domain.ParticipantJoined).
		Return(nil, apperrors.ParticipantNotFoundError())

	err := service.AnswerCall(withUser(bob, "Bob"), callID, uuid.New(), testAnswer)

	assert.True(t, apperrors.IsNotFound(err))
	store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
	ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswerCall_UnknownCall(t *testing.T) {
	service, store, ch := newTestService(Config{})
	bob, callID := uuid.New(), uuid.New()

	store.On("GetSession", mock.Anything, callID).Return(nil, apperrors.CallNotFoundError())

	err := service.AnswerCall(withUser(bob, "Bob"), callID, uuid.New(), testAnswer)

	assert.True(t, apperrors.IsNotFound(err))
	store.AssertNotCalled(t, "UpdateParticipantStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswerCall_TerminalSessionWritesNothing(t *testing.T) {
	for _, status := range []domain.CallStatus{
		domain.CallStatusEnded,
		domain.CallStatusDeclined,
		domain.CallStatusMissed,
	} {
		t.Run(string(status), func(t *testing.T) {
			service, store, ch := newTestService(Config{})
			bob, callID := uuid.New(), uuid.New()

			store.On("GetSession", mock.Anything, callID).
				Return(&domain.CallSession{ID: callID, Status: status}, nil)

			err := service.AnswerCall(withUser(bob, "Bob"), callID, uuid.New(), testAnswer)

			assert.True(t, apperrors.IsInvalidTransition(err))
			store.AssertNotCalled(t, "UpdateParticipantStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
			ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)

			_, ok := service.LocalState(callID)
			assert.False(t, ok)
		})
	}
}

func TestDeclineCall(t *testing.T) {
	service, store, ch := newTestService(Config{})
	alice, bob, callID := uuid.New(), uuid.New(), uuid.New()

	decline := store.On("UpdateStatus", mock.Anything, callID, domain.CallStatusDeclined).
		Return(&domain.CallSession{ID: callID, Status: domain.CallStatusDeclined}, nil)
	reject := store.On("UpdateParticipantStatus", mock.Anything, callID, bob, domain.ParticipantRejected).
		Return(&domain.CallParticipant{Status: domain.ParticipantRejected}, nil).
		NotBefore(decline)
	ch.On("Send", mock.Anything, alice, messageOfType(signaling.TypeCallDeclined)).Return(nil).NotBefore(reject)

	require.NoError(t, service.DeclineCall(withUser(bob, "Bob"), callID, alice))

	store.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestDeclineCall_TerminalSessionRejected(t *testing.T) {
	service, store, ch := newTestService(Config{})
	callID := uuid.New()

	store.On("UpdateStatus", mock.Anything, callID, domain.CallStatusDeclined).
		Return(nil, apperrors.InvalidTransitionError("ended", "declined"))

	err := service.DeclineCall(withUser(uuid.New(), "Bob"), callID, uuid.New())

	assert.True(t, apperrors.IsInvalidTransition(err))
	ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestEndCall(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()

	t.Run("notifies recipient", func(t *testing.T) {
		service, store, ch := newTestService(Config{})
		callID := uuid.New()

		store.On("UpdateStatus", mock.Anything, callID, domain.CallStatusEnded).
			Return(&domain.CallSession{ID: callID, Status: domain.CallStatusEnded}, nil)
		store.On("UpdateParticipantStatus", mock.Anything, callID, alice, domain.ParticipantLeft).
			Return(nil, apperrors.ParticipantNotFoundError())
		ch.On("Send", mock.Anything, bob, messageOfType(signaling.TypeCallEnded)).Return(nil)

		require.NoError(t, service.EndCall(withUser(alice, "Alice"), callID, &bob))
		store.AssertExpectations(t)
		ch.AssertExpectations(t)
	})

	t.Run("without recipient sends nothing", func(t *testing.T) {
		service, store, ch := newTestService(Config{})
		callID := uuid.New()

		store.On("UpdateStatus", mock.Anything, callID, domain.CallStatusEnded).
			Return(&domain.CallSession{ID: callID, Status: domain.CallStatusEnded}, nil)
		store.On("UpdateParticipantStatus", mock.Anything, callID, bob, domain.ParticipantLeft).
			Return(&domain.CallParticipant{Status: domain.ParticipantLeft}, nil)

		require.NoError(t, service.EndCall(withUser(bob, "Bob"), callID, nil))
		ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("already ended is a no-op", func(t *testing.T) {
		service, store, ch := newTestService(Config{})
		callID := uuid.New()

		store.On("UpdateStatus", mock.Anything, callID, domain.CallStatusEnded).
			Return(nil, apperrors.InvalidTransitionError("ended", "ended"))
		store.On("GetSession", mock.Anything, callID).
			Return(&domain.CallSession{ID: callID, Status: domain.CallStatusEnded}, nil)

		require.NoError(t, service.EndCall(withUser(alice, "Alice"), callID, &bob))
		ch.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("declined call cannot be ended", func(t *testing.T) {
		service, store, _ := newTestService(Config{})
		callID := uuid.New()

		store.On("UpdateStatus", mock.Anything, callID, domain.CallStatusEnded).
			Return(nil, apperrors.InvalidTransitionError("declined", "ended"))
		store.On("GetSession", mock.Anything, callID).
			Return(&domain.CallSession{ID: callID, Status: domain.CallStatusDeclined}, nil)

		err := service.EndCall(withUser(alice, "Alice"), callID, &bob)
		assert.True(t, apperrors.IsInvalidTransition(err))
	})
}

func TestRelayICECandidate(t *testing.T) {
	service, store, ch := newTestService(Config{})
	alice, bob, callID := uuid.New(), uuid.New(), uuid.New()
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 10.0.0.1 5000 typ host"}`)

	ch.On("Send", mock.Anything, bob, mock.MatchedBy(func(msg *signaling.Message) bool {
		return msg.Type == signaling.TypeICECandidate && msg.CallID == callID && string(msg.Candidate()) == string(candidate)
	})).Return(nil).Twice()

	ctx := withUser(alice, "Alice")
	require.NoError(t, service.RelayICECandidate(ctx, bob, callID, candidate))
	require.NoError(t, service.RelayICECandidate(ctx, bob, callID, candidate))

	ch.AssertExpectations(t)
	assert.Empty(t, store.Calls, "relaying never touches the store")
}

func TestHandleMessage_Events(t *testing.T) {
	service, _, _ := newTestService(Config{})
	events, unsubscribe := service.Subscribe()
	defer unsubscribe()

	alice, bob, callID := uuid.New(), uuid.New(), uuid.New()
	offer := signaling.NewOffer(alice, bob, callID, domain.CallTypeVideo, testOffer, signaling.Caller{ID: alice, Name: "Alice"})

	service.handleMessage(offer)
	ev := <-events
	assert.Equal(t, EventIncomingCall, ev.Type)
	assert.Equal(t, alice, ev.From)
	assert.Equal(t, offer.Offer(), ev.Offer)

	state, ok := service.LocalState(callID)
	require.True(t, ok)
	assert.Equal(t, DirectionIncoming, state.Direction)
	assert.Equal(t, testOffer, state.RemoteDescription)

	candidate := json.RawMessage(`{"candidate":"candidate:7 1 UDP 1 10.0.0.7 5007 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	service.handleMessage(signaling.NewCandidate(alice, bob, callID, candidate))
	service.handleMessage(signaling.NewCandidate(alice, bob, callID, candidate))

	ev = <-events
	assert.Equal(t, EventCandidate, ev.Type)
	assert.Equal(t, candidate, ev.Candidate)

	service.handleMessage(signaling.NewEnded(alice, bob, callID))
	ev = <-events
	assert.Equal(t, EventCallEnded, ev.Type, "duplicate candidate produced no event")
	assert.Equal(t, domain.CallStatusEnded, ev.Status)

	_, ok = service.LocalState(callID)
	assert.False(t, ok, "terminal events release local state")
}

func TestHandleMessage_LateMessagesDoNotRestoreState(t *testing.T) {
	service, _, _ := newTestService(Config{})
	events, unsubscribe := service.Subscribe()
	defer unsubscribe()

	alice, bob, callID := uuid.New(), uuid.New(), uuid.New()
	candidate := json.RawMessage(`{"candidate":"candidate:9 1 UDP 1 10.0.0.9 5009 typ host","sdpMid":"0","sdpMLineIndex":0}`)

	service.handleMessage(signaling.NewOffer(alice, bob, callID, domain.CallTypeAudio, testOffer, signaling.Caller{ID: alice}))
	assert.Equal(t, EventIncomingCall, (<-events).Type)
	service.handleMessage(signaling.NewEnded(alice, bob, callID))
	assert.Equal(t, EventCallEnded, (<-events).Type)

	tests := []struct {
		name string
		msg  *signaling.Message
	}{
		{"candidate after ended", signaling.NewCandidate(alice, bob, callID, candidate)},
		{"answer after ended", signaling.NewAnswer(alice, bob, callID, testAnswer)},
		{"candidate for unknown call", signaling.NewCandidate(alice, bob, uuid.New(), candidate)},
		{"answer for unknown call", signaling.NewAnswer(alice, bob, uuid.New(), testAnswer)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service.handleMessage(tt.msg)

			_, ok := service.LocalState(tt.msg.CallID)
			assert.False(t, ok)
			select {
			case ev := <-events:
				t.Fatalf("unexpected %s event", ev.Type)
			case <-time.After(20 * time.Millisecond):
			}
		})
	}

	service.mu.Lock()
	tracked := len(service.calls)
	service.mu.Unlock()
	assert.Zero(t, tracked)
}

func TestHandleMessage_IgnoresForeignPeer(t *testing.T) {
	service, _, _ := newTestService(Config{})
	events, unsubscribe := service.Subscribe()
	defer unsubscribe()

	alice, bob, mallory, callID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	service.handleMessage(signaling.NewOffer(alice, bob, callID, domain.CallTypeAudio, testOffer, signaling.Caller{ID: alice}))
	<-events

	service.handleMessage(signaling.NewAnswer(mallory, bob, callID, testAnswer))
	service.handleMessage(signaling.NewEnded(mallory, bob, callID))

	state, ok := service.LocalState(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusRinging, state.Status)
	assert.Equal(t, testOffer, state.RemoteDescription)
	assert.Empty(t, events)
}

func TestHandleMessage_DeclinedNeverWritesStore(t *testing.T) {
	service, store, _ := newTestService(Config{})
	events, unsubscribe := service.Subscribe()
	defer unsubscribe()

	callID := uuid.New()
	service.handleMessage(signaling.NewDeclined(uuid.New(), uuid.New(), callID))

	ev := <-events
	assert.Equal(t, EventCallDeclined, ev.Type)
	assert.Equal(t, domain.CallStatusDeclined, ev.Status)
	assert.Empty(t, store.Calls)
}

func TestSubscribe_SlowConsumerDoesNotBlock(t *testing.T) {
	service, _, _ := newTestService(Config{})
	_, unsubscribe := service.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			service.handleMessage(signaling.NewEnded(uuid.New(), uuid.New(), uuid.New()))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full consumer")
	}
}

func TestRingWatchdog_MarksMissed(t *testing.T) {
	service, store, ch := newTestService(Config{RingTimeout: 20 * time.Millisecond})
	events, unsubscribe := service.Subscribe()
	defer unsubscribe()

	alice, bob := uuid.New(), uuid.New()
	session := &domain.CallSession{ID: uuid.New(), Status: domain.CallStatusRinging}

	store.On("CreateSession", mock.Anything, domain.CallTypeAudio, []uuid.UUID{bob}).Return(session, nil)
	store.On("UpdateStatus", mock.Anything, session.ID, domain.CallStatusMissed).
		Return(&domain.CallSession{ID: session.ID, Status: domain.CallStatusMissed}, nil)
	ch.On("Send", mock.Anything, bob, messageOfType(signaling.TypeCallOffer)).Return(nil)
	notified := make(chan struct{})
	ch.On("Send", mock.Anything, bob, mock.MatchedBy(func(msg *signaling.Message) bool {
		return msg.Type == signaling.TypeCallEnded && msg.From == alice && msg.CallID == session.ID
	})).Run(func(mock.Arguments) { close(notified) }).Return(nil).Once()

	_, err := service.InitiateCall(withUser(alice, "Alice"), bob, domain.CallTypeAudio, testOffer)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventCallMissed, ev.Type)
		assert.Equal(t, domain.CallStatusMissed, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("ring watchdog never fired")
	}

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("recipient was not told the call ended")
	}
	_, ok := service.LocalState(session.ID)
	assert.False(t, ok)
}

func TestRingWatchdog_AnsweredCallIsNotMissed(t *testing.T) {
	service, store, ch := newTestService(Config{RingTimeout: 30 * time.Millisecond})
	alice, bob := uuid.New(), uuid.New()
	session := &domain.CallSession{ID: uuid.New(), Status: domain.CallStatusRinging}

	store.On("CreateSession", mock.Anything, domain.CallTypeAudio, []uuid.UUID{bob}).Return(session, nil)
	ch.On("Send", mock.Anything, bob, mock.Anything).Return(nil)

	_, err := service.InitiateCall(withUser(alice, "Alice"), bob, domain.CallTypeAudio, testOffer)
	require.NoError(t, err)

	service.handleMessage(signaling.NewAnswer(bob, alice, session.ID, testAnswer))

	time.Sleep(100 * time.Millisecond)
	store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)

	state, ok := service.LocalState(session.ID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusActive, state.Status)
	assert.Equal(t, testAnswer, state.RemoteDescription)
}

func TestRingWatchdog_DisabledByDefault(t *testing.T) {
	service, store, ch := newTestService(Config{})
	bob := uuid.New()
	session := &domain.CallSession{ID: uuid.New(), Status: domain.CallStatusRinging}

	store.On("CreateSession", mock.Anything, mock.Anything, mock.Anything).Return(session, nil)
	ch.On("Send", mock.Anything, bob, mock.Anything).Return(nil)

	_, err := service.InitiateCall(withUser(uuid.New(), "Alice"), bob, domain.CallTypeAudio, testOffer)
	require.NoError(t, err)

	service.mu.Lock()
	assert.Empty(t, service.timers)
	service.mu.Unlock()
}

func TestHistory_ClampsLimit(t *testing.T) {
	service, store, _ := newTestService(Config{})
	alice := uuid.New()
	ctx := withUser(alice, "Alice")

	store.On("ListHistory", mock.Anything, alice, 20).Return([]*domain.CallSession{}, nil).Once()
	store.On("ListHistory", mock.Anything, alice, 100).Return([]*domain.CallSession{}, nil).Once()

	_, err := service.History(ctx, 0)
	require.NoError(t, err)
	_, err = service.History(ctx, 5000)
	require.NoError(t, err)

	store.AssertExpectations(t)
}

func TestGetCall_HiddenFromStrangers(t *testing.T) {
	service, store, _ := newTestService(Config{})
	alice, bob := uuid.New(), uuid.New()
	callID := uuid.New()

	store.On("GetSession", mock.Anything, callID).Return(&domain.CallSession{ID: callID, InitiatorID: alice}, nil)
	store.On("GetParticipants", mock.Anything, callID).Return([]*domain.CallParticipant{{CallID: callID, UserID: bob}}, nil)

	details, err := service.GetCall(withUser(bob, "Bob"), callID)
	require.NoError(t, err)
	assert.Len(t, details.Participants, 1)

	_, err = service.GetCall(withUser(uuid.New(), "Mallory"), callID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateMedia(t *testing.T) {
	service, store, _ := newTestService(Config{})
	bob, callID := uuid.New(), uuid.New()
	ctx := withUser(bob, "Bob")

	_, err := service.UpdateMedia(ctx, callID, domain.MediaSettings{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

	_, err = service.ReportQuality(ctx, callID, "superb")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

	good := domain.QualityGood
	store.On("UpdateParticipantMedia", mock.Anything, callID, bob, domain.MediaSettings{ConnectionQuality: &good}).
		Return(&domain.CallParticipant{ConnectionQuality: &good}, nil)

	p, err := service.ReportQuality(ctx, callID, domain.QualityGood)
	require.NoError(t, err)
	assert.Equal(t, domain.QualityGood, *p.ConnectionQuality)
}

func TestClose(t *testing.T) {
	service, _, ch := newTestService(Config{})
	events, _ := service.Subscribe()

	ch.On("Close").Return(nil).Once()

	require.NoError(t, service.Close())
	require.NoError(t, service.Close())

	_, open := <-events
	assert.False(t, open)
	ch.AssertExpectations(t)
}
