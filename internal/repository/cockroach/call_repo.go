package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsignal/internal/auth"
	"callsignal/internal/domain"
	apperrors "callsignal/pkg/errors"
)

// Schema creates the session tables
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id               UUID PRIMARY KEY,
		call_type        STRING NOT NULL,
		room_id          STRING NOT NULL UNIQUE,
		initiator_id     UUID NOT NULL,
		status           STRING NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ,
		duration_seconds INT,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		INDEX idx_call_sessions_initiator (initiator_id, started_at DESC)
	)`,
	`CREATE TABLE IF NOT EXISTS call_participants (
		id                 UUID PRIMARY KEY,
		call_id            UUID NOT NULL REFERENCES call_sessions (id) ON DELETE CASCADE,
		user_id            UUID NOT NULL,
		status             STRING NOT NULL,
		is_video_enabled   BOOL NOT NULL DEFAULT false,
		is_audio_enabled   BOOL NOT NULL DEFAULT true,
		is_screen_sharing  BOOL NOT NULL DEFAULT false,
		invited_at         TIMESTAMPTZ NOT NULL,
		joined_at          TIMESTAMPTZ,
		left_at            TIMESTAMPTZ,
		connection_quality STRING,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		UNIQUE (call_id, user_id),
		INDEX idx_call_participants_user (user_id)
	)`,
}

const sessionColumns = `id, call_type, room_id, initiator_id, status, started_at,
	ended_at, duration_seconds, created_at, updated_at`

const participantColumns = `id, call_id, user_id, status, is_video_enabled, is_audio_enabled,
	is_screen_sharing, invited_at, joined_at, left_at, connection_quality, created_at, updated_at`

// CallRepository is the CockroachDB-backed session store
type CallRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables if they do not exist
func (r *CallRepository) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate call tables: %w", err)
		}
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

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO call_sessions (id, call_type, room_id, initiator_id, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, string(session.CallType), session.RoomID, session.InitiatorID,
		string(session.Status), session.StartedAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, userID := range recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO call_participants (id, call_id, user_id, status, is_video_enabled, is_audio_enabled,
				is_screen_sharing, invited_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, true, false, $6, $6, $6)`,
			uuid.New(), session.ID, userID, string(domain.ParticipantInvited), callType.HasVideo(), now,
		)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return session, nil
}

// GetSession retrieves a session by ID
func (r *CallRepository) GetSession(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.CallNotFoundError()
	}
	return session, err
}

// GetSessionByRoom retrieves a session by its room token
func (r *CallRepository) GetSessionByRoom(ctx context.Context, roomID string) (*domain.CallSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE room_id = $1`, roomID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.CallNotFoundError()
	}
	return session, err
}

// UpdateStatus moves a session to status. The write only applies while the
// row is in one of the allowed predecessor states; terminal targets also
// stamp ended_at and duration_seconds.
func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus) (*domain.CallSession, error) {
	from := domain.SessionPredecessors(status)
	if len(from) == 0 {
		return nil, r.sessionTransitionError(ctx, id, status)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE call_sessions
		SET status = $2,
		    updated_at = $3,
		    ended_at = CASE WHEN $4 THEN $3 ELSE ended_at END,
		    duration_seconds = CASE WHEN $4
		        THEN GREATEST(0, EXTRACT(EPOCH FROM ($3::TIMESTAMPTZ - started_at))::INT)
		        ELSE duration_seconds END
		WHERE id = $1 AND status = ANY($5::STRING[])
		RETURNING `+sessionColumns,
		id, string(status), r.now(), status.IsTerminal(), statusStrings(from),
	)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.sessionTransitionError(ctx, id, status)
	}
	return session, err
}

func (r *CallRepository) sessionTransitionError(ctx context.Context, id uuid.UUID, to domain.CallStatus) error {
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.InvalidTransitionError(string(current.Status), string(to))
}

// GetParticipants lists a session's participant rows in invitation order
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+participantColumns+`
		FROM call_participants
		WHERE call_id = $1
		ORDER BY invited_at, user_id`, callID)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(participants) == 0 {
		if _, err := r.GetSession(ctx, callID); err != nil {
			return nil, err
		}
	}

	return participants, nil
}

// UpdateParticipantStatus moves one participant row to status. joined_at is
// written once; left_at is stamped on leaving.
func (r *CallRepository) UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) (*domain.CallParticipant, error) {
	from := domain.ParticipantPredecessors(status)
	if len(from) == 0 {
		return nil, r.participantTransitionError(ctx, callID, userID, string(status))
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE call_participants
		SET status = $3,
		    updated_at = $4,
		    joined_at = CASE WHEN $5 THEN COALESCE(joined_at, $4) ELSE joined_at END,
		    left_at = CASE WHEN $6 THEN $4 ELSE left_at END
		WHERE call_id = $1 AND user_id = $2 AND status = ANY($7::STRING[])
		RETURNING `+participantColumns,
		callID, userID, string(status), r.now(),
		status == domain.ParticipantJoined, status == domain.ParticipantLeft,
		participantStrings(from),
	)

	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.participantTransitionError(ctx, callID, userID, string(status))
	}
	return p, err
}

// UpdateParticipantMedia applies the non-nil fields of settings to a joined participant
func (r *CallRepository) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, settings domain.MediaSettings) (*domain.CallParticipant, error) {
	var quality *string
	if settings.ConnectionQuality != nil {
		q := string(*settings.ConnectionQuality)
		quality = &q
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE call_participants
		SET is_video_enabled = COALESCE($3, is_video_enabled),
		    is_audio_enabled = COALESCE($4, is_audio_enabled),
		    is_screen_sharing = COALESCE($5, is_screen_sharing),
		    connection_quality = COALESCE($6, connection_quality),
		    updated_at = $7
		WHERE call_id = $1 AND user_id = $2 AND status = $8
		RETURNING `+participantColumns,
		callID, userID, settings.VideoEnabled, settings.AudioEnabled, settings.ScreenSharing,
		quality, r.now(), string(domain.ParticipantJoined),
	)

	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.participantTransitionError(ctx, callID, userID, "media-update")
	}
	return p, err
}

func (r *CallRepository) participantTransitionError(ctx context.Context, callID, userID uuid.UUID, to string) error {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM call_participants WHERE call_id = $1 AND user_id = $2`,
		callID, userID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := r.GetSession(ctx, callID); err != nil {
			return err
		}
		return apperrors.ParticipantNotFoundError()
	}
	if err != nil {
		return err
	}
	return apperrors.InvalidTransitionError(status, to)
}

// ListHistory returns the sessions userID initiated or was invited to, newest first
func (r *CallRepository) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions
		WHERE initiator_id = $1
		   OR id IN (SELECT call_id FROM call_participants WHERE user_id = $1)
		ORDER BY started_at DESC, id
		LIMIT $2`, userID, limit)
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

func scanSession(row pgx.Row) (*domain.CallSession, error) {
	var (
		s                domain.CallSession
		callType, status string
		duration         *int32
	)
	err := row.Scan(
		&s.ID,
		&callType,
		&s.RoomID,
		&s.InitiatorID,
		&status,
		&s.StartedAt,
		&s.EndedAt,
		&duration,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.CallType = domain.CallType(callType)
	s.Status = domain.CallStatus(status)
	if duration != nil {
		d := int(*duration)
		s.DurationSeconds = &d
	}
	return &s, nil
}

func scanParticipant(row pgx.Row) (*domain.CallParticipant, error) {
	var (
		p       domain.CallParticipant
		status  string
		quality *string
	)
	err := row.Scan(
		&p.ID,
		&p.CallID,
		&p.UserID,
		&status,
		&p.IsVideoEnabled,
		&p.IsAudioEnabled,
		&p.IsScreenSharing,
		&p.InvitedAt,
		&p.JoinedAt,
		&p.LeftAt,
		&quality,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.ParticipantStatus(status)
	if quality != nil {
		q := domain.ConnectionQuality(*quality)
		p.ConnectionQuality = &q
	}
	return &p, nil
}

func statusStrings(in []domain.CallStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func participantStrings(in []domain.ParticipantStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
