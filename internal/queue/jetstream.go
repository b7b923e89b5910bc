// Package queue is the JetStream-backed job and event plumbing: idempotent
// ingest jobs enqueued by the webhook gate, a worker consuming them, and a
// dispatcher draining the store's outbox into the event stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// IngestStream holds pending ingest jobs. Its duplicates window is what
	// collapses webhook redeliveries onto one job.
	IngestStream   = "MAIL_INGEST"
	ingestSubjects = "mail.ingest.>"

	// EventStream holds emitted domain events for downstream consumers.
	EventStream   = "MAIL_EVENTS"
	eventSubjects = "mail.received.>"

	duplicateWindow = 10 * time.Minute
)

// Job is the payload of one ingest job.
type Job struct {
	MailboxID int64  `json:"mailbox_id"`
	MessageID string `json:"message_id"`
}

// IngestKey is the idempotency key collapsing duplicate deliveries of the
// same (mailbox, message) pair.
func IngestKey(mailboxID int64, messageID string) string {
	return fmt.Sprintf("%d_%s", mailboxID, messageID)
}

// Publisher wraps NATS JetStream for publishing jobs and events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and initializes a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStreams creates the job and event streams if they do not exist.
func (p *Publisher) EnsureStreams(ctx context.Context) error {
	streams := []*nats.StreamConfig{
		{
			Name:       IngestStream,
			Subjects:   []string{ingestSubjects},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Duplicates: duplicateWindow,
			MaxAge:     7 * 24 * time.Hour,
		},
		{
			Name:       EventStream,
			Subjects:   []string{eventSubjects},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Duplicates: duplicateWindow,
			MaxAge:     30 * 24 * time.Hour,
		},
	}

	for _, cfg := range streams {
		if info, err := p.js.StreamInfo(cfg.Name); err == nil && info != nil {
			continue
		}
		if _, err := p.js.AddStream(cfg); err != nil {
			if err == nats.ErrStreamNameAlreadyInUse {
				continue
			}
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// EnqueueIngest publishes an ingest job keyed so a redelivered notification
// for the same pair collapses to one job.
func (p *Publisher) EnqueueIngest(mailboxID int64, messageID string) error {
	payload, err := json.Marshal(Job{MailboxID: mailboxID, MessageID: messageID})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	subject := fmt.Sprintf("mail.ingest.%d", mailboxID)
	return p.Publish(subject, payload, IngestKey(mailboxID, messageID))
}

// Publish publishes a message with JetStream MsgId deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
