// Package ingest holds the shared per-message ingestion routine used by both
// the webhook queue worker and the delta sync engine, so the two paths
// produce identical outcomes.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/store"
	"github.com/Imedizin/mailroom/internal/thread"
)

// EventEmailReceived is emitted once per newly persisted email.
const EventEmailReceived = "email.received"

// Source is the provider surface the worker needs beyond the message payload
// it was handed.
type Source interface {
	GetMessageRaw(ctx context.Context, mailbox, providerMessageID string) ([]byte, error)
}

// Result reports what ingestion did. Created is false for the idempotent
// duplicate case; EmailID then points at the stored row.
type Result struct {
	Created bool
	EmailID int64
	Summary string
}

// Event is the payload published for downstream notification fan-out.
type Event struct {
	MailboxID  int64        `json:"mailbox_id"`
	EmailID    int64        `json:"email_id"`
	Subject    string       `json:"subject"`
	From       EventAddress `json:"from"`
	ReceivedAt time.Time    `json:"received_at"`
}

// EventAddress is the sender on an Event.
type EventAddress struct {
	EmailAddress string `json:"email_address"`
	DisplayName  string `json:"display_name"`
}

// Worker ingests one provider message: dedup, raw source fetch, participant
// extraction, thread resolution, persistence, attachments, event emission.
type Worker struct {
	store       *store.Store
	source      Source
	resolver    *thread.Resolver
	attachments *AttachmentFetcher
}

func NewWorker(st *store.Store, source Source, resolver *thread.Resolver, attachments *AttachmentFetcher) *Worker {
	return &Worker{
		store:       st,
		source:      source,
		resolver:    resolver,
		attachments: attachments,
	}
}

// Ingest runs the shared per-message routine. Failures before the email row
// commits propagate to the caller; raw-source and attachment fetches are
// best-effort and only degrade the result.
func (w *Worker) Ingest(ctx context.Context, mb *store.Mailbox, msg *graph.Message) (Result, error) {
	messageID := msg.InternetMessageID
	if messageID == "" {
		messageID = "provider:" + msg.ProviderID
	}

	existing, err := w.store.FindEmailByMessageID(ctx, messageID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{Created: false, EmailID: existing.ID}, nil
	}

	var raw []byte
	if msg.ProviderID != "" {
		raw, err = w.source.GetMessageRaw(ctx, mb.Address, msg.ProviderID)
		if err != nil {
			// Thread resolution degrades to the conversation-id and
			// message-id fallbacks without headers.
			log.Printf("raw source fetch failed for %s: %v", messageID, err)
			raw = nil
		}
	}

	resolution, err := w.resolver.Resolve(ctx, messageID, string(raw), msg.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve thread: %w", err)
	}

	email := &store.Email{
		MailboxID:  mb.ID,
		MessageID:  messageID,
		ThreadID:   resolution.ThreadID,
		InReplyTo:  resolution.InReplyTo,
		References: resolution.References,
		Subject:    msg.Subject,
		BodyText:   msg.BodyText,
		BodyHTML:   msg.BodyHTML,
		RawSource:  raw,
		Direction:  direction(mb, msg),
		SentAt:     msg.SentAt,
		ReceivedAt: msg.ReceivedAt,
	}

	tx, err := w.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	emailID, created, err := w.store.CreateEmailTx(ctx, tx, email, buildParticipants(msg))
	if err != nil {
		_ = tx.Rollback()
		return Result{}, err
	}

	if created {
		event := Event{
			MailboxID:  mb.ID,
			EmailID:    emailID,
			Subject:    msg.Subject,
			ReceivedAt: msg.ReceivedAt,
		}
		if msg.From != nil {
			event.From = EventAddress{EmailAddress: msg.From.Email, DisplayName: msg.From.Name}
		}
		payload, _ := json.Marshal(event)
		msgID := fmt.Sprintf("%s|%d|%s", EventEmailReceived, mb.ID, messageID)
		subject := fmt.Sprintf("mail.received.%d", mb.ID)

		if err := w.store.EnqueueOutboxTx(ctx, tx, subject, EventEmailReceived, payload, msgID); err != nil {
			_ = tx.Rollback()
			return Result{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if !created {
		// Lost the race to a concurrent write; treat as duplicate.
		return Result{Created: false, EmailID: emailID}, nil
	}

	if msg.HasAttachments && w.attachments != nil {
		if err := w.attachments.FetchAndStore(ctx, mb.Address, msg.ProviderID, emailID); err != nil {
			log.Printf("attachment fetch failed for email %d: %v", emailID, err)
		}
	}

	return Result{Created: true, EmailID: emailID, Summary: msg.Subject}, nil
}

func direction(mb *store.Mailbox, msg *graph.Message) string {
	if msg.From != nil && strings.EqualFold(msg.From.Email, mb.Address) {
		return store.DirectionOutgoing
	}
	return store.DirectionIncoming
}

// buildParticipants maps the provider's structured recipient fields, not raw
// headers, onto participant rows.
func buildParticipants(msg *graph.Message) []store.Participant {
	var parts []store.Participant
	if msg.From != nil {
		parts = append(parts, store.Participant{Address: msg.From.Email, DisplayName: msg.From.Name, Role: store.RoleFrom})
	}
	for role, addrs := range map[string][]graph.Address{
		store.RoleTo:      msg.To,
		store.RoleCc:      msg.Cc,
		store.RoleBcc:     msg.Bcc,
		store.RoleReplyTo: msg.ReplyTo,
	} {
		for _, a := range addrs {
			if a.Email == "" {
				continue
			}
			parts = append(parts, store.Participant{Address: a.Email, DisplayName: a.Name, Role: role})
		}
	}
	return parts
}
