package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stream states.
const (
	StreamScheduled = "scheduled"
	StreamLive      = "live"
	StreamEnded     = "ended"
)

// Signaling enumerations.
const (
	RoleHost   = "host"
	RoleViewer = "viewer"

	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

const (
	// MaxStreamMessageLen bounds livestream chat messages.
	MaxStreamMessageLen = 500

	// signalKeep is how many signaling records survive pruning per stream.
	// The channel is transient; anything older is garbage.
	signalKeep = 100

	// streamChatWindow is how many recent chat messages a fetch returns.
	streamChatWindow = 100
)

type Stream struct {
	ID          int64
	PublicID    string
	HostID      int64
	Title       string
	Status      string
	ViewerCount int64
	PeakViewers int64
	TotalLikes  int64
	ScheduledAt *time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	CreatedAt   time.Time
}

func (st *Stream) IsLive() bool { return st.Status == StreamLive }

type StreamMessage struct {
	ID             int64
	StreamID       int64
	AuthorID       int64
	AuthorUsername string
	Content        string
	CreatedAt      time.Time
}

type Signal struct {
	ID        int64
	StreamID  int64
	Role      string
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

func (s *Store) CreateStream(ctx context.Context, hostID int64, title string, scheduledAt *time.Time) (*Stream, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyMessage
	}
	now := time.Now().UTC()
	publicID := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO livestreams (public_id, host_id, title, status, scheduled_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		publicID, hostID, title, StreamScheduled, nullTime(scheduledAt), now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Stream{
		ID:          id,
		PublicID:    publicID,
		HostID:      hostID,
		Title:       title,
		Status:      StreamScheduled,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
	}, nil
}

func (s *Store) StreamByID(ctx context.Context, id int64) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, public_id, host_id, title, status, viewer_count, peak_viewers, total_likes,
		       scheduled_at, started_at, ended_at, created_at
		FROM livestreams WHERE id=?`, id)
	return scanStream(row)
}

// Streams lists streams live-first, then scheduled, then everything else by
// recency.
func (s *Store) Streams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, public_id, host_id, title, status, viewer_count, peak_viewers, total_likes,
		       scheduled_at, started_at, ended_at, created_at
		FROM livestreams
		ORDER BY CASE status WHEN 'live' THEN 0 WHEN 'scheduled' THEN 1 ELSE 2 END,
		         viewer_count DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *st)
	}
	return list, rows.Err()
}

func (s *Store) StartStream(ctx context.Context, streamID, userID int64) (*Stream, error) {
	st, err := s.StreamByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.HostID != userID {
		return nil, ErrNotHost
	}
	switch st.Status {
	case StreamLive:
		return nil, ErrStreamLive
	case StreamEnded:
		return nil, ErrStreamEnded
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE livestreams SET status=?, started_at=? WHERE id=?`, StreamLive, now, streamID); err != nil {
		return nil, err
	}
	st.Status = StreamLive
	st.StartedAt = &now
	return st, nil
}

func (s *Store) EndStream(ctx context.Context, streamID, userID int64) (*Stream, error) {
	st, err := s.StreamByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.HostID != userID {
		return nil, ErrNotHost
	}
	if st.Status != StreamLive {
		return nil, ErrStreamNotLive
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE livestreams SET status=?, ended_at=? WHERE id=?`, StreamEnded, now, streamID); err != nil {
		return nil, err
	}
	st.Status = StreamEnded
	st.EndedAt = &now
	return st, nil
}

func (s *Store) JoinStream(ctx context.Context, streamID int64) (*Stream, error) {
	st, err := s.StreamByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.Status != StreamLive {
		return nil, ErrStreamNotLive
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE livestreams SET viewer_count = viewer_count + 1,
		       peak_viewers = MAX(peak_viewers, viewer_count + 1)
		WHERE id=?`, streamID); err != nil {
		return nil, err
	}
	return s.StreamByID(ctx, streamID)
}

func (s *Store) LeaveStream(ctx context.Context, streamID int64) (*Stream, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE livestreams SET viewer_count = MAX(viewer_count - 1, 0) WHERE id=?`, streamID); err != nil {
		return nil, err
	}
	return s.StreamByID(ctx, streamID)
}

func (s *Store) LikeStream(ctx context.Context, streamID int64) (int64, error) {
	st, err := s.StreamByID(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if st.Status != StreamLive {
		return 0, ErrStreamNotLive
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE livestreams SET total_likes = total_likes + 1 WHERE id=?`, streamID); err != nil {
		return 0, err
	}
	// re-read so concurrent likes all report the stored total
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT total_likes FROM livestreams WHERE id=?`, streamID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// CreateStreamMessage appends a chat message to a live stream. Posting while
// the stream is anything but live is rejected.
func (s *Store) CreateStreamMessage(ctx context.Context, streamID, authorID int64, content string) (*StreamMessage, error) {
	st, err := s.StreamByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.Status != StreamLive {
		return nil, ErrStreamNotLive
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > MaxStreamMessageLen {
		return nil, ErrMessageTooLong
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO livestream_messages (stream_id, author_id, content, created_at) VALUES (?, ?, ?, ?)`,
		streamID, authorID, content, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	username, err := s.Username(ctx, authorID)
	if err != nil {
		username = ""
	}
	return &StreamMessage{
		ID:             id,
		StreamID:       streamID,
		AuthorID:       authorID,
		AuthorUsername: username,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// RecentStreamMessages returns the newest messages of a stream in
// chronological order. The query walks newest-first to cut the window, then
// the slice is reversed before returning.
func (s *Store) RecentStreamMessages(ctx context.Context, streamID int64) ([]StreamMessage, error) {
	if _, err := s.StreamByID(ctx, streamID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.stream_id, m.author_id, u.username, m.content, m.created_at
		FROM livestream_messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.stream_id=?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, streamID, streamChatWindow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []StreamMessage
	for rows.Next() {
		var m StreamMessage
		if err := rows.Scan(&m.ID, &m.StreamID, &m.AuthorID, &m.AuthorUsername, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

// CreateSignal stores a WebRTC negotiation record and prunes the stream's
// buffer down to the most recent signalKeep records.
func (s *Store) CreateSignal(ctx context.Context, streamID int64, role, kind string, payload json.RawMessage) (*Signal, error) {
	if _, err := s.StreamByID(ctx, streamID); err != nil {
		return nil, err
	}
	if (role != RoleHost && role != RoleViewer) ||
		(kind != SignalOffer && kind != SignalAnswer && kind != SignalCandidate) {
		return nil, ErrInvalidSignal
	}
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return nil, ErrMissingPayload
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO livestream_signals (stream_id, role, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		streamID, role, kind, string(payload), now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	// hard-delete everything past the window
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM livestream_signals WHERE stream_id=? AND id NOT IN (
			SELECT id FROM livestream_signals WHERE stream_id=?
			ORDER BY created_at DESC, id DESC LIMIT ?)`,
		streamID, streamID, signalKeep); err != nil {
		return nil, err
	}

	return &Signal{
		ID:        id,
		StreamID:  streamID,
		Role:      role,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// SignalsSince returns a stream's signaling records in creation order,
// optionally only those created after since. Pass the zero time for all.
func (s *Store) SignalsSince(ctx context.Context, streamID int64, since time.Time) ([]Signal, error) {
	if _, err := s.StreamByID(ctx, streamID); err != nil {
		return nil, err
	}
	query := `SELECT id, stream_id, role, kind, payload, created_at
		FROM livestream_signals WHERE stream_id=?`
	args := []any{streamID}
	if !since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Signal
	for rows.Next() {
		var (
			sig     Signal
			payload string
		)
		if err := rows.Scan(&sig.ID, &sig.StreamID, &sig.Role, &sig.Kind, &payload, &sig.CreatedAt); err != nil {
			return nil, err
		}
		sig.Payload = json.RawMessage(payload)
		list = append(list, sig)
	}
	return list, rows.Err()
}

func scanStream(row interface{ Scan(...any) error }) (*Stream, error) {
	var (
		st                             Stream
		scheduledAt, startedAt, endedAt sql.NullTime
	)
	err := row.Scan(&st.ID, &st.PublicID, &st.HostID, &st.Title, &st.Status,
		&st.ViewerCount, &st.PeakViewers, &st.TotalLikes,
		&scheduledAt, &startedAt, &endedAt, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, err
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		st.ScheduledAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		st.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		st.EndedAt = &t
	}
	return &st, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
