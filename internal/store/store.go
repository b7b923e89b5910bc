// Package store is the persistence layer: a single SQLite database holding
// mailboxes, emails, participants, attachments, webhook subscriptions and the
// event outbox. Uniqueness of emails.message_id is the pipeline's dedup
// safety net; every other component relies on it rather than locking.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the SQLite database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CreateMailbox registers a mailbox address. Creating an existing address
// returns the stored row unchanged.
func (s *Store) CreateMailbox(ctx context.Context, address string) (*Mailbox, error) {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO mailboxes (address, created_at) VALUES (?, ?)
	`, address, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox: %w", err)
	}
	return s.MailboxByAddress(ctx, address)
}

// GetMailbox loads a mailbox by id. Returns nil when it does not exist.
func (s *Store) GetMailbox(ctx context.Context, id int64) (*Mailbox, error) {
	return s.scanMailbox(s.DB.QueryRowContext(ctx, `
		SELECT id, address, delta_cursor, last_synced_at, created_at
		FROM mailboxes WHERE id = ?
	`, id))
}

// MailboxByAddress loads a mailbox by address. Returns nil when it does not
// exist.
func (s *Store) MailboxByAddress(ctx context.Context, address string) (*Mailbox, error) {
	return s.scanMailbox(s.DB.QueryRowContext(ctx, `
		SELECT id, address, delta_cursor, last_synced_at, created_at
		FROM mailboxes WHERE address = ?
	`, address))
}

// ListMailboxes returns all registered mailboxes.
func (s *Store) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, address, delta_cursor, last_synced_at, created_at
		FROM mailboxes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []Mailbox
	for rows.Next() {
		mb, err := scanMailboxRow(rows)
		if err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, *mb)
	}
	return mailboxes, rows.Err()
}

// UpdateCursor stores the new delta cursor and stamps the sync time.
func (s *Store) UpdateCursor(ctx context.Context, mailboxID int64, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE mailboxes SET delta_cursor = ?, last_synced_at = ? WHERE id = ?
	`, cursor, time.Now().Unix(), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

func (s *Store) scanMailbox(row *sql.Row) (*Mailbox, error) {
	mb, err := scanMailboxRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mb, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMailboxRow(row rowScanner) (*Mailbox, error) {
	var mb Mailbox
	var cursor sql.NullString
	var lastSynced sql.NullInt64
	var created int64

	if err := row.Scan(&mb.ID, &mb.Address, &cursor, &lastSynced, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mailbox: %w", err)
	}
	mb.DeltaCursor = cursor.String
	if lastSynced.Valid {
		mb.LastSyncedAt = time.Unix(lastSynced.Int64, 0)
	}
	mb.CreatedAt = time.Unix(created, 0)
	return &mb, nil
}

// EmailExists reports whether an email with this message id is stored.
func (s *Store) EmailExists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM emails WHERE message_id = ?
	`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return true, nil
}

// FindEmailByMessageID loads an email by message id. Returns nil when it is
// not stored.
func (s *Store) FindEmailByMessageID(ctx context.Context, messageID string) (*Email, error) {
	var e Email
	var inReplyTo, references, subject, bodyText, bodyHTML sql.NullString
	var sentAt, receivedAt sql.NullInt64
	var created int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT id, mailbox_id, message_id, thread_id, in_reply_to, references_header,
		       subject, body_text, body_html, raw_source, direction, sent_at, received_at, created_at
		FROM emails WHERE message_id = ?
	`, messageID).Scan(&e.ID, &e.MailboxID, &e.MessageID, &e.ThreadID, &inReplyTo, &references,
		&subject, &bodyText, &bodyHTML, &e.RawSource, &e.Direction, &sentAt, &receivedAt, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load email: %w", err)
	}

	e.InReplyTo = inReplyTo.String
	e.References = references.String
	e.Subject = subject.String
	e.BodyText = bodyText.String
	e.BodyHTML = bodyHTML.String
	if sentAt.Valid {
		e.SentAt = time.Unix(sentAt.Int64, 0)
	}
	if receivedAt.Valid {
		e.ReceivedAt = time.Unix(receivedAt.Int64, 0)
	}
	e.CreatedAt = time.Unix(created, 0)
	return &e, nil
}

// LookupThread returns the thread id of a stored email. Falls back to the
// message id itself for legacy rows persisted without one.
func (s *Store) LookupThread(ctx context.Context, messageID string) (string, bool, error) {
	var threadID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(NULLIF(thread_id, ''), message_id) FROM emails WHERE message_id = ?
	`, messageID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up thread: %w", err)
	}
	return threadID, true, nil
}

// CreateEmailTx inserts an email and its participants inside tx. A duplicate
// message id is an idempotent no-op: it returns the stored row's id with
// created=false and writes no participants.
func (s *Store) CreateEmailTx(ctx context.Context, tx *sql.Tx, e *Email, participants []Participant) (int64, bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO emails
		(mailbox_id, message_id, thread_id, in_reply_to, references_header,
		 subject, body_text, body_html, raw_source, direction, sent_at, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.MailboxID, e.MessageID, e.ThreadID, nullString(e.InReplyTo), nullString(e.References),
		nullString(e.Subject), nullString(e.BodyText), nullString(e.BodyHTML), e.RawSource,
		e.Direction, nullUnix(e.SentAt), nullUnix(e.ReceivedAt), time.Now().Unix())
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert email: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		var existing int64
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM emails WHERE message_id = ?
		`, e.MessageID).Scan(&existing); err != nil {
			return 0, false, fmt.Errorf("failed to load duplicate email id: %w", err)
		}
		return existing, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read email id: %w", err)
	}

	for _, p := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (email_id, address, display_name, role)
			VALUES (?, ?, ?, ?)
		`, id, p.Address, nullString(p.DisplayName), p.Role); err != nil {
			return 0, false, fmt.Errorf("failed to insert participant: %w", err)
		}
	}

	return id, true, nil
}

// ParticipantsByEmail returns the participants of an email.
func (s *Store) ParticipantsByEmail(ctx context.Context, emailID int64) ([]Participant, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT address, display_name, role FROM participants WHERE email_id = ? ORDER BY id
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var parts []Participant
	for rows.Next() {
		var p Participant
		var name sql.NullString
		if err := rows.Scan(&p.Address, &name, &p.Role); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.DisplayName = name.String
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// AddAttachment records one stored attachment blob. Attachments are written
// independently so a failed sibling never invalidates the email row.
func (s *Store) AddAttachment(ctx context.Context, a *Attachment) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO attachments (email_id, filename, mime_type, size, storage_url, is_inline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.EmailID, a.Filename, nullString(a.MimeType), a.Size, a.StorageURL, a.IsInline, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to insert attachment: %w", err)
	}
	return res.LastInsertId()
}

// AttachmentsByEmail returns the recorded attachments of an email.
func (s *Store) AttachmentsByEmail(ctx context.Context, emailID int64) ([]Attachment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, email_id, filename, mime_type, size, storage_url, is_inline, created_at
		FROM attachments WHERE email_id = ? ORDER BY id
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		var mime sql.NullString
		var created int64
		if err := rows.Scan(&a.ID, &a.EmailID, &a.Filename, &mime, &a.Size, &a.StorageURL, &a.IsInline, &created); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.MimeType = mime.String
		a.CreatedAt = time.Unix(created, 0)
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// SaveSubscription upserts a webhook subscription record.
func (s *Store) SaveSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (id, mailbox_id, resource, client_state, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource = excluded.resource,
			client_state = excluded.client_state,
			expires_at = excluded.expires_at
	`, sub.ID, sub.MailboxID, sub.Resource, sub.ClientState, sub.ExpiresAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// FindSubscription loads a subscription by its provider id. Returns nil when
// unknown.
func (s *Store) FindSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	var expires, created int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, mailbox_id, resource, client_state, expires_at, created_at
		FROM subscriptions WHERE id = ?
	`, id).Scan(&sub.ID, &sub.MailboxID, &sub.Resource, &sub.ClientState, &expires, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	sub.ExpiresAt = time.Unix(expires, 0)
	sub.CreatedAt = time.Unix(created, 0)
	return &sub, nil
}

// SubscriptionByMailbox returns the newest subscription registered for a
// mailbox, or nil.
func (s *Store) SubscriptionByMailbox(ctx context.Context, mailboxID int64) (*Subscription, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
		SELECT id FROM subscriptions WHERE mailbox_id = ? ORDER BY expires_at DESC LIMIT 1
	`, mailboxID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription by mailbox: %w", err)
	}
	return s.FindSubscription(ctx, id)
}

// ExpiringSubscriptions returns subscriptions expiring before the deadline.
func (s *Store) ExpiringSubscriptions(ctx context.Context, before time.Time) ([]Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, mailbox_id, resource, client_state, expires_at, created_at
		FROM subscriptions WHERE expires_at < ? ORDER BY expires_at
	`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var expires, created int64
		if err := rows.Scan(&sub.ID, &sub.MailboxID, &sub.Resource, &sub.ClientState, &expires, &created); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.ExpiresAt = time.Unix(expires, 0)
		sub.CreatedAt = time.Unix(created, 0)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes a subscription record.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// EnqueueOutboxTx appends an event to the outbox inside tx so it commits
// atomically with the email row it announces.
func (s *Store) EnqueueOutboxTx(ctx context.Context, tx *sql.Tx, natsSubject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished outbox messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and delays the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
