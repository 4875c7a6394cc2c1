package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var allSessionStatuses = []CallStatus{
	CallStatusRinging, CallStatusActive, CallStatusEnded, CallStatusMissed, CallStatusDeclined,
}

func TestCallStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to CallStatus
		allowed  bool
	}{
		{CallStatusRinging, CallStatusActive, true},
		{CallStatusRinging, CallStatusDeclined, true},
		{CallStatusRinging, CallStatusEnded, true},
		{CallStatusRinging, CallStatusMissed, true},
		{CallStatusActive, CallStatusEnded, true},
		{CallStatusActive, CallStatusDeclined, false},
		{CallStatusActive, CallStatusMissed, false},
		{CallStatusActive, CallStatusRinging, false},
		{CallStatusRinging, CallStatusRinging, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestCallStatus_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range allSessionStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allSessionStatuses {
			assert.False(t, from.CanTransition(to), "%s must not move to %s", from, to)
		}
	}
}

func TestParticipantStatus_CanTransition(t *testing.T) {
	assert.True(t, ParticipantInvited.CanTransition(ParticipantJoined))
	assert.True(t, ParticipantInvited.CanTransition(ParticipantRejected))
	assert.True(t, ParticipantJoined.CanTransition(ParticipantLeft))

	assert.False(t, ParticipantJoined.CanTransition(ParticipantJoined))
	assert.False(t, ParticipantInvited.CanTransition(ParticipantLeft))
	assert.False(t, ParticipantRejected.CanTransition(ParticipantJoined))
	assert.False(t, ParticipantLeft.CanTransition(ParticipantJoined))
}

func TestCallType_Valid(t *testing.T) {
	assert.True(t, CallTypeAudio.Valid())
	assert.True(t, CallTypeGroupVideo.Valid())
	assert.False(t, CallType("hologram").Valid())

	assert.True(t, CallTypeVideo.HasVideo())
	assert.False(t, CallTypeGroupAudio.HasVideo())
}

func TestMediaSettings_Empty(t *testing.T) {
	assert.True(t, MediaSettings{}.Empty())

	on := true
	assert.False(t, MediaSettings{VideoEnabled: &on}.Empty())
}

func TestRecipients(t *testing.T) {
	initiator, a, b := uuid.New(), uuid.New(), uuid.New()

	got := Recipients(initiator, []uuid.UUID{a, initiator, uuid.Nil, b, a})
	assert.Equal(t, []uuid.UUID{a, b}, got)
	assert.Empty(t, Recipients(initiator, []uuid.UUID{initiator}))
}
