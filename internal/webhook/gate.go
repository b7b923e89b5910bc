// Package webhook is the push intake: the Graph change-notification endpoint
// and the subscription lifecycle behind it.
package webhook

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Imedizin/mailroom/internal/store"
)

// Subscriptions resolves notification subscription ids to stored records.
type Subscriptions interface {
	FindSubscription(ctx context.Context, id string) (*store.Subscription, error)
}

// Jobs enqueues idempotent ingest jobs.
type Jobs interface {
	EnqueueIngest(mailboxID int64, messageID string) error
}

// Notification is the Graph change-notification envelope.
type Notification struct {
	Value            []ChangeNotification `json:"value"`
	ValidationTokens []string             `json:"validationTokens"`
}

// ChangeNotification is one change entry.
type ChangeNotification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ChangeType     string       `json:"changeType"`
	ClientState    string       `json:"clientState"`
	Resource       string       `json:"resource"`
	ResourceData   ResourceData `json:"resourceData"`
}

// ResourceData carries the changed resource's id.
type ResourceData struct {
	ID string `json:"id"`
}

// Gate is the webhook endpoint. It answers handshakes and notifications
// immediately; entry processing and job enqueueing happen asynchronously so
// HTTP handling never blocks on ingestion.
type Gate struct {
	subs      Subscriptions
	jobs      Jobs
	validator *Validator
}

// NewGate creates the gate. validator may be nil to skip rich-notification
// token checks.
func NewGate(subs Subscriptions, jobs Jobs, validator *Validator) *Gate {
	return &Gate{subs: subs, jobs: jobs, validator: validator}
}

// Register mounts the webhook routes.
func (g *Gate) Register(r gin.IRouter) {
	r.GET("/webhooks/graph", g.handle)
	r.POST("/webhooks/graph", g.handle)
}

func (g *Gate) handle(c *gin.Context) {
	// Subscription verification: Graph expects the raw token echoed back,
	// and sends it on GET or POST.
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing validationToken"})
		return
	}

	var notif Notification
	if err := c.ShouldBindJSON(&notif); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Acknowledge before processing; Graph retries slow endpoints.
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "notification accepted"})

	go g.process(context.Background(), notif)
}

func (g *Gate) process(ctx context.Context, notif Notification) {
	if g.validator != nil {
		if err := g.validator.ValidateTokens(ctx, notif.ValidationTokens); err != nil {
			log.Printf("webhook: rejecting notification batch: %v", err)
			return
		}
	}

	for _, entry := range notif.Value {
		g.processEntry(ctx, entry)
	}
}

// processEntry turns one change entry into at most one ingest job. Every
// failure mode drops the entry with a warning; the provider redelivers and
// the pull path catches anything lost for good.
func (g *Gate) processEntry(ctx context.Context, entry ChangeNotification) {
	sub, err := g.subs.FindSubscription(ctx, entry.SubscriptionID)
	if err != nil {
		log.Printf("webhook: subscription lookup failed for %s: %v", entry.SubscriptionID, err)
		return
	}
	if sub == nil {
		log.Printf("webhook: dropping entry for unknown subscription %s", entry.SubscriptionID)
		return
	}
	if sub.ClientState != entry.ClientState {
		log.Printf("webhook: dropping entry for subscription %s: clientState mismatch", entry.SubscriptionID)
		return
	}
	if entry.ResourceData.ID == "" {
		log.Printf("webhook: dropping entry for subscription %s: no resource id", entry.SubscriptionID)
		return
	}

	if err := g.jobs.EnqueueIngest(sub.MailboxID, entry.ResourceData.ID); err != nil {
		log.Printf("webhook: enqueue failed for mailbox %d message %s: %v", sub.MailboxID, entry.ResourceData.ID, err)
	}
}
