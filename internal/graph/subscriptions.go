package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

// CreateSubscription registers a change-notification subscription for new
// messages in the mailbox inbox.
func (c *Client) CreateSubscription(ctx context.Context, mailbox, notificationURL, clientState string, expires time.Time) (*Subscription, error) {
	changeType := "created"
	resource := fmt.Sprintf("/users/%s/mailFolders('inbox')/messages", mailbox)

	sub := models.NewSubscription()
	sub.SetChangeType(&changeType)
	sub.SetResource(&resource)
	sub.SetNotificationUrl(&notificationURL)
	sub.SetClientState(&clientState)
	sub.SetExpirationDateTime(&expires)

	created, err := c.sdk.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return normalizeSubscription(created), nil
}

// RenewSubscription pushes a subscription's expiry forward.
func (c *Client) RenewSubscription(ctx context.Context, id string, expires time.Time) (*Subscription, error) {
	patch := models.NewSubscription()
	patch.SetExpirationDateTime(&expires)

	updated, err := c.sdk.Subscriptions().BySubscriptionId(id).Patch(ctx, patch, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return normalizeSubscription(updated), nil
}

// DeleteSubscription removes a subscription on the provider side.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	if err := c.sdk.Subscriptions().BySubscriptionId(id).Delete(ctx, nil); err != nil {
		return Classify(err)
	}
	return nil
}

// ListSubscriptions returns all subscriptions owned by this app registration.
func (c *Client) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	resp, err := c.sdk.Subscriptions().Get(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}

	var subs []*Subscription
	for _, s := range resp.GetValue() {
		if s == nil {
			continue
		}
		subs = append(subs, normalizeSubscription(s))
	}
	return subs, nil
}
