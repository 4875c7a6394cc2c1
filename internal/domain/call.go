package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media shape of a call
type CallType string

const (
	CallTypeAudio      CallType = "audio"
	CallTypeVideo      CallType = "video"
	CallTypeGroupAudio CallType = "group_audio"
	CallTypeGroupVideo CallType = "group_video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	switch t {
	case CallTypeAudio, CallTypeVideo, CallTypeGroupAudio, CallTypeGroupVideo:
		return true
	}
	return false
}

// HasVideo reports whether participants start with video enabled
func (t CallType) HasVideo() bool {
	return t == CallTypeVideo || t == CallTypeGroupVideo
}

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusMissed   CallStatus = "missed"
	CallStatusDeclined CallStatus = "declined"
)

// IsTerminal reports whether no further transition is allowed out of s
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusMissed || s == CallStatusDeclined
}

// sessionTransitions lists, for each target status, the statuses it may be entered from.
var sessionTransitions = map[CallStatus][]CallStatus{
	CallStatusActive:   {CallStatusRinging},
	CallStatusEnded:    {CallStatusRinging, CallStatusActive},
	CallStatusDeclined: {CallStatusRinging},
	CallStatusMissed:   {CallStatusRinging},
}

// CanTransition reports whether a session may move from s to next
func (s CallStatus) CanTransition(next CallStatus) bool {
	for _, from := range sessionTransitions[next] {
		if from == s {
			return true
		}
	}
	return false
}

// SessionPredecessors returns the statuses from which next may be entered
func SessionPredecessors(next CallStatus) []CallStatus {
	return sessionTransitions[next]
}

// ParticipantStatus is the per-user state within a call
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantRejected ParticipantStatus = "rejected"
)

var participantTransitions = map[ParticipantStatus][]ParticipantStatus{
	ParticipantJoined:   {ParticipantInvited},
	ParticipantRejected: {ParticipantInvited},
	ParticipantLeft:     {ParticipantJoined},
}

// CanTransition reports whether a participant may move from s to next
func (s ParticipantStatus) CanTransition(next ParticipantStatus) bool {
	for _, from := range participantTransitions[next] {
		if from == s {
			return true
		}
	}
	return false
}

// ParticipantPredecessors returns the statuses from which next may be entered
func ParticipantPredecessors(next ParticipantStatus) []ParticipantStatus {
	return participantTransitions[next]
}

// ConnectionQuality is a self-reported, advisory link quality label
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

func (q ConnectionQuality) Valid() bool {
	switch q {
	case QualityExcellent, QualityGood, QualityFair, QualityPoor:
		return true
	}
	return false
}

// CallSession is the durable record of one call attempt
type CallSession struct {
	ID              uuid.UUID  `json:"id"`
	CallType        CallType   `json:"call_type"`
	RoomID          string     `json:"room_id"`
	InitiatorID     uuid.UUID  `json:"initiator_id"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CallParticipant is one invited user of a call session
type CallParticipant struct {
	ID                uuid.UUID          `json:"id"`
	CallID            uuid.UUID          `json:"call_id"`
	UserID            uuid.UUID          `json:"user_id"`
	Status            ParticipantStatus  `json:"status"`
	IsVideoEnabled    bool               `json:"is_video_enabled"`
	IsAudioEnabled    bool               `json:"is_audio_enabled"`
	IsScreenSharing   bool               `json:"is_screen_sharing"`
	InvitedAt         time.Time          `json:"invited_at"`
	JoinedAt          *time.Time         `json:"joined_at,omitempty"`
	LeftAt            *time.Time         `json:"left_at,omitempty"`
	ConnectionQuality *ConnectionQuality `json:"connection_quality,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// MediaSettings is a partial update of a joined participant's media state.
// Nil fields are left unchanged.
type MediaSettings struct {
	VideoEnabled      *bool              `json:"is_video_enabled,omitempty"`
	AudioEnabled      *bool              `json:"is_audio_enabled,omitempty"`
	ScreenSharing     *bool              `json:"is_screen_sharing,omitempty"`
	ConnectionQuality *ConnectionQuality `json:"connection_quality,omitempty"`
}

// Empty reports whether the update changes nothing
func (m MediaSettings) Empty() bool {
	return m.VideoEnabled == nil && m.AudioEnabled == nil && m.ScreenSharing == nil && m.ConnectionQuality == nil
}

// CallDetails bundles a session with its participant rows
type CallDetails struct {
	Session      *CallSession       `json:"session"`
	Participants []*CallParticipant `json:"participants"`
}

// Recipients returns the distinct non-nil ids in order, excluding the initiator
func Recipients(initiatorID uuid.UUID, ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || id == initiatorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
