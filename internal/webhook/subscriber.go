package webhook

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/store"
)

const (
	// Graph caps mail subscriptions at just over 2 days.
	subscriptionTTL = 47 * time.Hour
	// Subscriptions this close to expiry get renewed on the next sweep.
	renewWindow = 6 * time.Hour
)

// GraphSubscriptions is the provider-side subscription API.
type GraphSubscriptions interface {
	CreateSubscription(ctx context.Context, mailbox, notificationURL, clientState string, expires time.Time) (*graph.Subscription, error)
	RenewSubscription(ctx context.Context, id string, expires time.Time) (*graph.Subscription, error)
}

// SubscriptionStore persists subscription records next to their mailboxes.
type SubscriptionStore interface {
	GetMailbox(ctx context.Context, id int64) (*store.Mailbox, error)
	SaveSubscription(ctx context.Context, sub *store.Subscription) error
	SubscriptionByMailbox(ctx context.Context, mailboxID int64) (*store.Subscription, error)
	ExpiringSubscriptions(ctx context.Context, before time.Time) ([]store.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Subscriber keeps provider-side change-notification subscriptions alive for
// every registered mailbox.
type Subscriber struct {
	store           SubscriptionStore
	graph           GraphSubscriptions
	notificationURL string
	clientState     string
}

// NewSubscriber creates a subscriber that points notifications at
// notificationURL and stamps them with clientState.
func NewSubscriber(st SubscriptionStore, g GraphSubscriptions, notificationURL, clientState string) *Subscriber {
	return &Subscriber{store: st, graph: g, notificationURL: notificationURL, clientState: clientState}
}

// EnsureSubscription guarantees the mailbox has a live subscription: reuses a
// healthy one, renews one inside the renewal window, creates one otherwise.
func (s *Subscriber) EnsureSubscription(ctx context.Context, mb *store.Mailbox) error {
	existing, err := s.store.SubscriptionByMailbox(ctx, mb.ID)
	if err != nil {
		return fmt.Errorf("load subscription for mailbox %d: %w", mb.ID, err)
	}

	if existing != nil {
		if time.Until(existing.ExpiresAt) > renewWindow {
			return nil
		}
		if err := s.renew(ctx, existing); err == nil {
			return nil
		} else if !graph.IsNotFound(err) {
			return err
		}
		// Expired on the provider side; replace it.
		if err := s.store.DeleteSubscription(ctx, existing.ID); err != nil {
			return fmt.Errorf("drop stale subscription %s: %w", existing.ID, err)
		}
	}

	return s.create(ctx, mb)
}

func (s *Subscriber) create(ctx context.Context, mb *store.Mailbox) error {
	sub, err := s.graph.CreateSubscription(ctx, mb.Address, s.notificationURL, s.clientState, time.Now().Add(subscriptionTTL))
	if err != nil {
		return fmt.Errorf("create subscription for %s: %w", mb.Address, err)
	}

	record := &store.Subscription{
		ID:          sub.ID,
		MailboxID:   mb.ID,
		Resource:    sub.Resource,
		ClientState: s.clientState,
		ExpiresAt:   sub.ExpiresAt,
	}
	if err := s.store.SaveSubscription(ctx, record); err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.ID, err)
	}

	log.Printf("webhook: subscribed mailbox %s until %s", mb.Address, sub.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (s *Subscriber) renew(ctx context.Context, sub *store.Subscription) error {
	renewed, err := s.graph.RenewSubscription(ctx, sub.ID, time.Now().Add(subscriptionTTL))
	if err != nil {
		return fmt.Errorf("renew subscription %s: %w", sub.ID, err)
	}

	sub.ExpiresAt = renewed.ExpiresAt
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save renewed subscription %s: %w", sub.ID, err)
	}
	return nil
}

// RenewDue sweeps subscriptions expiring within the renewal window and
// renews each one, recreating those the provider has already dropped.
func (s *Subscriber) RenewDue(ctx context.Context) error {
	due, err := s.store.ExpiringSubscriptions(ctx, time.Now().Add(renewWindow))
	if err != nil {
		return fmt.Errorf("list expiring subscriptions: %w", err)
	}

	for i := range due {
		sub := due[i]
		if err := s.renew(ctx, &sub); err == nil {
			continue
		} else if !graph.IsNotFound(err) {
			log.Printf("webhook: renew failed for subscription %s: %v", sub.ID, err)
			continue
		}

		mb, err := s.store.GetMailbox(ctx, sub.MailboxID)
		if err != nil || mb == nil {
			log.Printf("webhook: cannot recreate subscription %s: mailbox %d unavailable", sub.ID, sub.MailboxID)
			continue
		}
		if err := s.store.DeleteSubscription(ctx, sub.ID); err != nil {
			log.Printf("webhook: drop stale subscription %s: %v", sub.ID, err)
			continue
		}
		if err := s.create(ctx, mb); err != nil {
			log.Printf("webhook: recreate subscription for mailbox %d: %v", mb.ID, err)
		}
	}
	return nil
}

// RunPeriodic renews due subscriptions on a fixed interval until ctx ends.
func (s *Subscriber) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RenewDue(ctx); err != nil {
				log.Printf("webhook: renewal sweep failed: %v", err)
			}
		}
	}
}
