package queue

import (
	"context"
	"log"
	"time"

	"github.com/Imedizin/mailroom/internal/store"
)

// Dispatcher drains the transactional outbox into the event stream. Events
// are written to the outbox in the same transaction as the email row, so a
// crash between commit and publish only delays the event; MsgId dedup makes
// re-publishing after a crash harmless.
type Dispatcher struct {
	store *store.Store
	pub   *Publisher
}

func NewDispatcher(st *store.Store, pub *Publisher) *Dispatcher {
	return &Dispatcher{store: st, pub: pub}
}

// Run dispatches outbox messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("error dequeuing outbox: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("error publishing outbox message %d: %v", msg.ID, err)
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("error marking outbox message %d published: %v", msg.ID, err)
			}
		}
	}
}
