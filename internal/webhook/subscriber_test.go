package webhook

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/store"
)

type fakeGraphSubscriptions struct {
	created     int
	renewed     []string
	renewErrors map[string]error
}

func (g *fakeGraphSubscriptions) CreateSubscription(_ context.Context, mailbox, _, clientState string, expires time.Time) (*graph.Subscription, error) {
	g.created++
	return &graph.Subscription{
		ID:          uuid.NewString(),
		Resource:    "/users/" + mailbox + "/mailFolders('inbox')/messages",
		ClientState: clientState,
		ExpiresAt:   expires,
	}, nil
}

func (g *fakeGraphSubscriptions) RenewSubscription(_ context.Context, id string, expires time.Time) (*graph.Subscription, error) {
	if err := g.renewErrors[id]; err != nil {
		return nil, err
	}
	g.renewed = append(g.renewed, id)
	return &graph.Subscription{ID: id, ExpiresAt: expires}, nil
}

func newSubscriberFixture(t *testing.T) (*Subscriber, *fakeGraphSubscriptions, *store.Store, *store.Mailbox) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mb, err := st.CreateMailbox(context.Background(), "support@example.com")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	g := &fakeGraphSubscriptions{renewErrors: map[string]error{}}
	return NewSubscriber(st, g, "https://hooks.example.com/webhooks/graph", "secret"), g, st, mb
}

func TestEnsureSubscriptionCreates(t *testing.T) {
	sub, g, st, mb := newSubscriberFixture(t)
	ctx := context.Background()

	if err := sub.EnsureSubscription(ctx, mb); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if g.created != 1 {
		t.Fatalf("created = %d, want 1", g.created)
	}

	stored, err := st.SubscriptionByMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("SubscriptionByMailbox: %v", err)
	}
	if stored == nil || stored.ClientState != "secret" {
		t.Fatalf("unexpected stored subscription: %+v", stored)
	}
}

func TestEnsureSubscriptionReusesHealthy(t *testing.T) {
	sub, g, st, mb := newSubscriberFixture(t)
	ctx := context.Background()

	if err := st.SaveSubscription(ctx, &store.Subscription{
		ID:          "sub-live",
		MailboxID:   mb.ID,
		ClientState: "secret",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	if err := sub.EnsureSubscription(ctx, mb); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if g.created != 0 || len(g.renewed) != 0 {
		t.Fatalf("healthy subscription touched: created=%d renewed=%v", g.created, g.renewed)
	}
}

func TestEnsureSubscriptionRenewsExpiring(t *testing.T) {
	sub, g, st, mb := newSubscriberFixture(t)
	ctx := context.Background()

	if err := st.SaveSubscription(ctx, &store.Subscription{
		ID:          "sub-old",
		MailboxID:   mb.ID,
		ClientState: "secret",
		ExpiresAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	if err := sub.EnsureSubscription(ctx, mb); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if len(g.renewed) != 1 || g.renewed[0] != "sub-old" {
		t.Fatalf("renewed = %v, want [sub-old]", g.renewed)
	}

	stored, _ := st.FindSubscription(ctx, "sub-old")
	if time.Until(stored.ExpiresAt) < 24*time.Hour {
		t.Fatalf("expiry not pushed forward: %v", stored.ExpiresAt)
	}
}

func TestRenewDueRecreatesDroppedSubscription(t *testing.T) {
	sub, g, st, mb := newSubscriberFixture(t)
	ctx := context.Background()

	if err := st.SaveSubscription(ctx, &store.Subscription{
		ID:          "sub-gone",
		MailboxID:   mb.ID,
		ClientState: "secret",
		ExpiresAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	// Provider already dropped it.
	g.renewErrors["sub-gone"] = &graph.Error{Kind: graph.KindNotFound, Status: 404}

	if err := sub.RenewDue(ctx); err != nil {
		t.Fatalf("RenewDue: %v", err)
	}
	if g.created != 1 {
		t.Fatalf("created = %d, want 1 (replacement)", g.created)
	}

	stale, _ := st.FindSubscription(ctx, "sub-gone")
	if stale != nil {
		t.Fatalf("stale record survived: %+v", stale)
	}
	replacement, _ := st.SubscriptionByMailbox(ctx, mb.ID)
	if replacement == nil {
		t.Fatal("replacement not recorded")
	}
}
