// Package sqlite is the embedded session store used by single-user clients
// and by tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callsignal/internal/auth"
	"callsignal/internal/domain"
	apperrors "callsignal/pkg/errors"
)

// timestamps are fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id               TEXT PRIMARY KEY,
	call_type        TEXT NOT NULL,
	room_id          TEXT NOT NULL UNIQUE,
	initiator_id     TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	ended_at         TEXT,
	duration_seconds INTEGER,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_initiator ON call_sessions (initiator_id, started_at DESC);

CREATE TABLE IF NOT EXISTS call_participants (
	id                 TEXT PRIMARY KEY,
	call_id            TEXT NOT NULL REFERENCES call_sessions (id) ON DELETE CASCADE,
	user_id            TEXT NOT NULL,
	status             TEXT NOT NULL,
	is_video_enabled   INTEGER NOT NULL DEFAULT 0,
	is_audio_enabled   INTEGER NOT NULL DEFAULT 1,
	is_screen_sharing  INTEGER NOT NULL DEFAULT 0,
	invited_at         TEXT NOT NULL,
	joined_at          TEXT,
	left_at            TEXT,
	connection_quality TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	UNIQUE (call_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_call_participants_user ON call_participants (user_id);
`

const sessionColumns = `id, call_type, room_id, initiator_id, status, started_at,
	ended_at, duration_seconds, created_at, updated_at`

const participantColumns = `id, call_id, user_id, status, is_video_enabled, is_audio_enabled,
	is_screen_sharing, invited_at, joined_at, left_at, connection_quality, created_at, updated_at`

// CallRepository is the SQLite-backed session store. Status writes are
// compare-and-set on the status read just before.
type CallRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCallRepository(db *sql.DB) *CallRepository {
	return &CallRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Migrate creates the tables if they do not exist
func (r *CallRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate call tables: %w", err)
	}
	return nil
}

// CreateSession inserts a ringing session initiated by the caller in ctx
// plus one invited participant row per distinct recipient.
func (r *CallRepository) CreateSession(ctx context.Context, callType domain.CallType, participantIDs []uuid.UUID) (*domain.CallSession, error) {
	caller, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	if !callType.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown call type %q", callType))
	}
	recipients := domain.Recipients(caller.ID, participantIDs)
	if len(recipients) == 0 {
		return nil, apperrors.ValidationError("at least one recipient is required")
	}

	now := r.now()
	session := &domain.CallSession{
		ID:          uuid.New(),
		CallType:    callType,
		RoomID:      uuid.NewString(),
		InitiatorID: caller.ID,
		Status:      domain.CallStatusRinging,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts := formatTime(now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO call_sessions (id, call_type, room_id, initiator_id, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID.String(), string(callType), session.RoomID, caller.ID.String(),
		string(session.Status), ts, ts, ts,
	)
	if err != nil {
		return nil, err
	}

	for _, userID := range recipients {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO call_participants (id, call_id, user_id, status, is_video_enabled, is_audio_enabled,
				is_screen_sharing, invited_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?, ?)`,
			uuid.NewString(), session.ID.String(), userID.String(), string(domain.ParticipantInvited),
			callType.HasVideo(), ts, ts, ts,
		)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *CallRepository) GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = ?`, id.String())
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.CallNotFoundError()
	}
	return s, err
}

func (r *CallRepository) GetSessionByRoom(ctx context.Context, roomID string) (*domain.CallSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE room_id = ?`, roomID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.CallNotFoundError()
	}
	return s, err
}

// UpdateStatus moves a session to status, stamping ended_at and
// duration_seconds on terminal targets.
func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus) (*domain.CallSession, error) {
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(status) {
		return nil, apperrors.InvalidTransitionError(string(current.Status), string(status))
	}

	now := r.now()
	next := *current
	next.Status = status
	next.UpdatedAt = now

	var endedAt, duration any
	if status.IsTerminal() {
		d := int(now.Sub(current.StartedAt) / time.Second)
		if d < 0 {
			d = 0
		}
		next.EndedAt = &now
		next.DurationSeconds = &d
		endedAt, duration = formatTime(now), d
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET status = ?, updated_at = ?,
		    ended_at = COALESCE(?, ended_at),
		    duration_seconds = COALESCE(?, duration_seconds)
		WHERE id = ? AND status = ?`,
		string(status), formatTime(now), endedAt, duration, id.String(), string(current.Status),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		// lost a race with another writer
		latest, err := r.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.InvalidTransitionError(string(latest.Status), string(status))
	}

	return &next, nil
}

func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	participants, err := r.queryParticipants(ctx, callID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		if _, err := r.GetSession(ctx, callID); err != nil {
			return nil, err
		}
	}
	return participants, nil
}

func (r *CallRepository) queryParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM call_participants
		WHERE call_id = ?
		ORDER BY invited_at, user_id`, callID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *CallRepository) getParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+participantColumns+`
		FROM call_participants
		WHERE call_id = ? AND user_id = ?`, callID.String(), userID.String())
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := r.GetSession(ctx, callID); err != nil {
			return nil, err
		}
		return nil, apperrors.ParticipantNotFoundError()
	}
	return p, err
}

// UpdateParticipantStatus moves one participant row to status. joined_at is
// written once; left_at is stamped on leaving.
func (r *CallRepository) UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) (*domain.CallParticipant, error) {
	current, err := r.getParticipant(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(status) {
		return nil, apperrors.InvalidTransitionError(string(current.Status), string(status))
	}

	now := r.now()
	next := *current
	next.Status = status
	next.UpdatedAt = now
	switch status {
	case domain.ParticipantJoined:
		if next.JoinedAt == nil {
			next.JoinedAt = &now
		}
	case domain.ParticipantLeft:
		next.LeftAt = &now
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE call_participants
		SET status = ?, updated_at = ?, joined_at = ?, left_at = ?
		WHERE call_id = ? AND user_id = ? AND status = ?`,
		string(status), formatTime(now), nullTime(next.JoinedAt), nullTime(next.LeftAt),
		callID.String(), userID.String(), string(current.Status),
	)
	if err != nil {
		return nil, err
	}
	if err := r.checkParticipantWrite(ctx, res, callID, userID, string(status)); err != nil {
		return nil, err
	}

	return &next, nil
}

// UpdateParticipantMedia applies the non-nil fields of settings to a joined participant
func (r *CallRepository) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, settings domain.MediaSettings) (*domain.CallParticipant, error) {
	current, err := r.getParticipant(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.ParticipantJoined {
		return nil, apperrors.InvalidTransitionError(string(current.Status), "media-update")
	}

	next := *current
	if settings.VideoEnabled != nil {
		next.IsVideoEnabled = *settings.VideoEnabled
	}
	if settings.AudioEnabled != nil {
		next.IsAudioEnabled = *settings.AudioEnabled
	}
	if settings.ScreenSharing != nil {
		next.IsScreenSharing = *settings.ScreenSharing
	}
	if settings.ConnectionQuality != nil {
		q := *settings.ConnectionQuality
		next.ConnectionQuality = &q
	}
	next.UpdatedAt = r.now()

	var quality any
	if next.ConnectionQuality != nil {
		quality = string(*next.ConnectionQuality)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE call_participants
		SET is_video_enabled = ?, is_audio_enabled = ?, is_screen_sharing = ?,
		    connection_quality = ?, updated_at = ?
		WHERE call_id = ? AND user_id = ? AND status = ?`,
		next.IsVideoEnabled, next.IsAudioEnabled, next.IsScreenSharing, quality,
		formatTime(next.UpdatedAt), callID.String(), userID.String(), string(domain.ParticipantJoined),
	)
	if err != nil {
		return nil, err
	}
	if err := r.checkParticipantWrite(ctx, res, callID, userID, "media-update"); err != nil {
		return nil, err
	}

	return &next, nil
}

func (r *CallRepository) checkParticipantWrite(ctx context.Context, res sql.Result, callID, userID uuid.UUID, to string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	latest, err := r.getParticipant(ctx, callID, userID)
	if err != nil {
		return err
	}
	return apperrors.InvalidTransitionError(string(latest.Status), to)
}

// ListHistory returns the sessions userID initiated or was invited to, newest first
func (r *CallRepository) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions
		WHERE initiator_id = ?1
		   OR id IN (SELECT call_id FROM call_participants WHERE user_id = ?1)
		ORDER BY started_at DESC, id
		LIMIT ?2`, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.CallSession, error) {
	var (
		s                               domain.CallSession
		id, callType, initiator, status string
		startedAt, createdAt, updatedAt string
		endedAt                         sql.NullString
		duration                        sql.NullInt64
	)
	if err := row.Scan(&id, &callType, &s.RoomID, &initiator, &status, &startedAt,
		&endedAt, &duration, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("call_sessions.id: %w", err)
	}
	if s.InitiatorID, err = uuid.Parse(initiator); err != nil {
		return nil, fmt.Errorf("call_sessions.initiator_id: %w", err)
	}
	s.CallType = domain.CallType(callType)
	s.Status = domain.CallStatus(status)

	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if s.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.DurationSeconds = &d
	}
	return &s, nil
}

func scanParticipant(row scanner) (*domain.CallParticipant, error) {
	var (
		p                               domain.CallParticipant
		id, callID, userID, status      string
		invitedAt, createdAt, updatedAt string
		joinedAt, leftAt, quality       sql.NullString
	)
	if err := row.Scan(&id, &callID, &userID, &status, &p.IsVideoEnabled, &p.IsAudioEnabled,
		&p.IsScreenSharing, &invitedAt, &joinedAt, &leftAt, &quality, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("call_participants.id: %w", err)
	}
	if p.CallID, err = uuid.Parse(callID); err != nil {
		return nil, fmt.Errorf("call_participants.call_id: %w", err)
	}
	if p.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("call_participants.user_id: %w", err)
	}
	p.Status = domain.ParticipantStatus(status)

	if p.InvitedAt, err = parseTime(invitedAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if p.JoinedAt, err = parseNullTime(joinedAt); err != nil {
		return nil, err
	}
	if p.LeftAt, err = parseNullTime(leftAt); err != nil {
		return nil, err
	}
	if quality.Valid {
		q := domain.ConnectionQuality(quality.String)
		p.ConnectionQuality = &q
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
