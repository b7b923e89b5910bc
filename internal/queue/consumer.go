package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/ingest"
	"github.com/Imedizin/mailroom/internal/retry"
	"github.com/Imedizin/mailroom/internal/store"
)

// MessageGetter fetches one full provider message.
type MessageGetter interface {
	GetMessage(ctx context.Context, mailbox, id string) (*graph.Message, error)
}

// Mailboxes loads mailbox rows for jobs.
type Mailboxes interface {
	GetMailbox(ctx context.Context, id int64) (*store.Mailbox, error)
}

// Ingestor is the shared per-message routine.
type Ingestor interface {
	Ingest(ctx context.Context, mb *store.Mailbox, msg *graph.Message) (ingest.Result, error)
}

// fetchRetry covers the gap between a change notification arriving and the
// message being readable: freshly sent mail can 404 for a moment.
var fetchRetry = retry.Policy{Attempts: 4, Delay: 2 * time.Second, Multiplier: 2}

// Consumer executes ingest jobs from the MAIL_INGEST stream.
type Consumer struct {
	js        nats.JetStreamContext
	mailboxes Mailboxes
	source    MessageGetter
	ingestor  Ingestor

	sub *nats.Subscription
}

// NewConsumer builds a consumer on the publisher's JetStream context.
func NewConsumer(p *Publisher, mailboxes Mailboxes, source MessageGetter, ingestor Ingestor) *Consumer {
	return &Consumer{
		js:        p.js,
		mailboxes: mailboxes,
		source:    source,
		ingestor:  ingestor,
	}
}

// Start subscribes to the ingest stream with a durable queue group so
// multiple processes share the work. Failed jobs are redelivered by
// JetStream up to the MaxDeliver budget.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.js.QueueSubscribe(ingestSubjects, "mailroom-ingest", func(m *nats.Msg) {
		c.handle(ctx, m)
	},
		nats.Durable("mailroom-ingest"),
		nats.ManualAck(),
		nats.AckWait(2*time.Minute),
		nats.MaxDeliver(5),
	)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop drains the subscription.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
}

func (c *Consumer) handle(ctx context.Context, m *nats.Msg) {
	var job Job
	if err := json.Unmarshal(m.Data, &job); err != nil {
		// Malformed payloads can never succeed; drop instead of redelivering.
		log.Printf("dropping malformed ingest job: %v", err)
		_ = m.Ack()
		return
	}

	mb, err := c.mailboxes.GetMailbox(ctx, job.MailboxID)
	if err != nil {
		log.Printf("ingest job %s: load mailbox: %v", IngestKey(job.MailboxID, job.MessageID), err)
		_ = m.Nak()
		return
	}
	if mb == nil {
		log.Printf("dropping ingest job for unknown mailbox %d", job.MailboxID)
		_ = m.Ack()
		return
	}

	var msg *graph.Message
	err = fetchRetry.Do(ctx, func() error {
		var ferr error
		msg, ferr = c.source.GetMessage(ctx, mb.Address, job.MessageID)
		return ferr
	}, func(err error) bool {
		return graph.IsNotFound(err) || graph.IsRateLimited(err)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) && graph.IsNotFound(exhausted.Last) {
			log.Printf("dropping ingest job %s: message never became readable", IngestKey(job.MailboxID, job.MessageID))
			_ = m.Ack()
			return
		}
		log.Printf("ingest job %s: fetch message: %v", IngestKey(job.MailboxID, job.MessageID), err)
		_ = m.Nak()
		return
	}

	if _, err := c.ingestor.Ingest(ctx, mb, msg); err != nil {
		log.Printf("ingest job %s: %v", IngestKey(job.MailboxID, job.MessageID), err)
		_ = m.Nak()
		return
	}

	_ = m.Ack()
}
