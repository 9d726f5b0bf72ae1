// Package store is the system of record for conversations, messages and
// livestream state. The hub and the REST handlers go through it for every
// read and write; nothing in memory is authoritative for message content.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Content bounds. Encrypted payloads carry ciphertext and get a longer one.
const (
	MaxContentLen          = 2000
	MaxEncryptedContentLen = 20000
)

// Message types.
const (
	TypeText      = "text"
	TypeImage     = "image"
	TypePostShare = "post_share"
	TypeVoice     = "voice"
)

// Request states for conversations opened as message requests.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestDeclined = "declined"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type Conversation struct {
	ID            int64
	IsRequest     bool
	RequestStatus string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderUsername string
	Content        string
	Type           string
	Attachment     string
	SharedPostID   int64
	IsUnsent       bool
	IsEncrypted    bool
	CreatedAt      time.Time
	ReadAt         *time.Time
}

type ConversationSummary struct {
	ID            int64
	OtherUserID   int64
	OtherUsername string
	IsRequest     bool
	RequestStatus string
	UpdatedAt     time.Time
	UnreadCount   int64
}

// FindOrCreateConversation returns the private conversation between a and b,
// creating it when none exists. A pair of users never gets a second one.
// The bool result reports whether the conversation was created by this call.
func (s *Store) FindOrCreateConversation(ctx context.Context, a, b int64, asRequest bool) (*Conversation, bool, error) {
	if a == b {
		return nil, false, ErrSelfConversation
	}

	row := s.db.QueryRowContext(ctx, `SELECT c.id FROM conversations c
		JOIN participants p1 ON p1.conversation_id=c.id AND p1.user_id=?
		JOIN participants p2 ON p2.conversation_id=c.id AND p2.user_id=?
		LIMIT 1`, a, b)

	var id int64
	err := row.Scan(&id)
	if err == nil {
		conv, err := s.ConversationByID(ctx, id)
		return conv, false, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	status := RequestAccepted
	if asRequest {
		status = RequestPending
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (is_request, request_status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		asRequest, status, now, now)
	if err != nil {
		return nil, false, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, user_id) VALUES (?, ?), (?, ?)`,
		id, a, id, b); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return &Conversation{
		ID:            id,
		IsRequest:     asRequest,
		RequestStatus: status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true, nil
}

func (s *Store) ConversationByID(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, is_request, request_status, created_at, updated_at FROM conversations WHERE id=?`, id)

	var c Conversation
	if err := row.Scan(&c.ID, &c.IsRequest, &c.RequestStatus, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) IsParticipant(ctx context.Context, convID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM participants WHERE conversation_id=? AND user_id=?`, convID, userID).Scan(&n)
	return n > 0, err
}

// OtherParticipant resolves the second member of a private conversation.
// Returns 0 when there is nobody else to deliver to.
func (s *Store) OtherParticipant(ctx context.Context, convID, userID int64) (int64, error) {
	var other int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM participants WHERE conversation_id=? AND user_id<>? LIMIT 1`, convID, userID).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return other, err
}

// InitiatorID is the sender of the earliest message, or 0 when the
// conversation has no messages yet.
func (s *Store) InitiatorID(ctx context.Context, convID int64) (int64, error) {
	var sender int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id FROM messages WHERE conversation_id=? ORDER BY created_at ASC, id ASC LIMIT 1`, convID).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return sender, err
}

type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Type           string
	Attachment     string
	SharedPostID   int64
	Encrypted      bool
}

// CreateMessage validates and persists a message, bumping the conversation's
// updated_at. A message from anyone other than the requester into a pending
// request counts as the recipient's reply and accepts the request. The check
// excludes the current sender from prior messages, so the requester can keep
// sending without flipping the status.
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	conv, err := s.ConversationByID(ctx, nm.ConversationID)
	if err != nil {
		return nil, err
	}
	ok, err := s.IsParticipant(ctx, nm.ConversationID, nm.SenderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	if nm.Type == "" {
		nm.Type = TypeText
	}
	nm.Content = strings.TrimSpace(nm.Content)
	if nm.Type == TypeText && nm.Content == "" {
		return nil, ErrEmptyMessage
	}
	limit := MaxContentLen
	if nm.Encrypted {
		limit = MaxEncryptedContentLen
	}
	if len(nm.Content) > limit {
		return nil, ErrMessageTooLong
	}

	accept := false
	if conv.IsRequest && conv.RequestStatus == RequestPending {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM messages WHERE conversation_id=? AND sender_id<>?`,
			nm.ConversationID, nm.SenderID).Scan(&n); err != nil {
			return nil, err
		}
		accept = n > 0
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content, message_type, attachment, shared_post_id, is_encrypted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nm.ConversationID, nm.SenderID, nm.Content, nm.Type,
		nullStr(nm.Attachment), nullInt(nm.SharedPostID), nm.Encrypted, now)
	if err != nil {
		return nil, err
	}
	mid, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if accept {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET request_status=?, updated_at=? WHERE id=?`, RequestAccepted, now, conv.ID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at=? WHERE id=?`, now, conv.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	username, err := s.Username(ctx, nm.SenderID)
	if err != nil {
		username = ""
	}
	return &Message{
		ID:             mid,
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		SenderUsername: username,
		Content:        nm.Content,
		Type:           nm.Type,
		Attachment:     nm.Attachment,
		SharedPostID:   nm.SharedPostID,
		IsEncrypted:    nm.Encrypted,
		CreatedAt:      now,
	}, nil
}

// Messages returns a page of a conversation's messages in creation order,
// oldest first. The store assigns the order; callers must not re-sort.
func (s *Store) Messages(ctx context.Context, convID int64, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.message_type,
		       m.attachment, m.shared_post_id, m.is_unsent, m.is_encrypted, m.created_at, m.read_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id=?
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ? OFFSET ?`, convID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Message
	for rows.Next() {
		var (
			m          Message
			attachment sql.NullString
			sharedPost sql.NullInt64
			readAt     sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderUsername,
			&m.Content, &m.Type, &attachment, &sharedPost, &m.IsUnsent, &m.IsEncrypted,
			&m.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		m.Attachment = attachment.String
		m.SharedPostID = sharedPost.Int64
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// MarkRead stamps read_at on every unread message in the conversation not
// sent by the reader and reports how many were updated. Calling it again
// when everything is read is a no-op returning 0.
func (s *Store) MarkRead(ctx context.Context, convID, readerID int64) (int64, error) {
	ok, err := s.IsParticipant(ctx, convID, readerID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotParticipant
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at=? WHERE conversation_id=? AND sender_id<>? AND read_at IS NULL`,
		time.Now().UTC(), convID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Unsend clears a message's content and marks it unsent. Only the sender may
// do it, and repeating it changes nothing.
func (s *Store) Unsend(ctx context.Context, messageID, userID int64) error {
	var senderID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id FROM messages WHERE id=?`, messageID).Scan(&senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if senderID != userID {
		return ErrNotSender
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET is_unsent=1, content='' WHERE id=?`, messageID)
	return err
}

// SetRequestStatus lets the recipient of a pending message request accept or
// decline it. The requester cannot resolve their own request.
func (s *Store) SetRequestStatus(ctx context.Context, convID, userID int64, status string) error {
	conv, err := s.ConversationByID(ctx, convID)
	if err != nil {
		return err
	}
	ok, err := s.IsParticipant(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	if !conv.IsRequest || conv.RequestStatus != RequestPending {
		return ErrRequestNotPending
	}
	initiator, err := s.InitiatorID(ctx, convID)
	if err != nil {
		return err
	}
	if initiator == userID {
		return ErrNotParticipant
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET request_status=?, updated_at=? WHERE id=?`,
		status, time.Now().UTC(), convID)
	return err
}

// ConversationsFor lists a user's conversations, most recently active first,
// with the other participant and the caller's unread count.
func (s *Store) ConversationsFor(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.is_request, c.request_status, c.updated_at, p2.user_id, u.username,
		       (SELECT COUNT(1) FROM messages m
		        WHERE m.conversation_id=c.id AND m.sender_id<>? AND m.read_at IS NULL)
		FROM conversations c
		JOIN participants p1 ON p1.conversation_id=c.id AND p1.user_id=?
		JOIN participants p2 ON p2.conversation_id=c.id AND p2.user_id<>?
		JOIN users u ON u.id=p2.user_id
		ORDER BY c.updated_at DESC, c.id DESC`, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.IsRequest, &cs.RequestStatus, &cs.UpdatedAt,
			&cs.OtherUserID, &cs.OtherUsername, &cs.UnreadCount); err != nil {
			return nil, err
		}
		list = append(list, cs)
	}
	return list, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
