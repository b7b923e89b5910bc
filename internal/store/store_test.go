package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertEmail(t *testing.T, st *Store, e *Email, parts []Participant) (int64, bool) {
	t.Helper()
	ctx := context.Background()

	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	id, created, err := st.CreateEmailTx(ctx, tx, e, parts)
	if err != nil {
		tx.Rollback()
		t.Fatalf("CreateEmailTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id, created
}

func TestCreateMailboxIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, err := st.CreateMailbox(ctx, "support@example.com")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	second, err := st.CreateMailbox(ctx, "support@example.com")
	if err != nil {
		t.Fatalf("CreateMailbox again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %d vs %d", first.ID, second.ID)
	}
}

func TestGetMailboxMissingReturnsNil(t *testing.T) {
	st := openTestStore(t)

	mb, err := st.GetMailbox(context.Background(), 999)
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}
	if mb != nil {
		t.Fatalf("expected nil, got %+v", mb)
	}
}

func TestUpdateCursor(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mb, err := st.CreateMailbox(ctx, "support@example.com")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if mb.DeltaCursor != "" {
		t.Fatalf("fresh mailbox has cursor %q", mb.DeltaCursor)
	}

	if err := st.UpdateCursor(ctx, mb.ID, "delta-link-1"); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}

	mb, err = st.GetMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}
	if mb.DeltaCursor != "delta-link-1" {
		t.Fatalf("cursor = %q, want delta-link-1", mb.DeltaCursor)
	}
	if mb.LastSyncedAt.IsZero() {
		t.Fatal("last synced time not stamped")
	}
}

func TestCreateEmailTxDuplicateIsNoOp(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mb, err := st.CreateMailbox(ctx, "support@example.com")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	email := &Email{
		MailboxID: mb.ID,
		MessageID: "msg-1@example.com",
		ThreadID:  "msg-1@example.com",
		Subject:   "hello",
		Direction: DirectionIncoming,
	}
	parts := []Participant{
		{Address: "alice@example.com", DisplayName: "Alice", Role: RoleFrom},
		{Address: "support@example.com", Role: RoleTo},
	}

	firstID, created := insertEmail(t, st, email, parts)
	if !created {
		t.Fatal("first insert reported duplicate")
	}

	secondID, created := insertEmail(t, st, email, parts)
	if created {
		t.Fatal("second insert reported created")
	}
	if secondID != firstID {
		t.Fatalf("duplicate returned id %d, want %d", secondID, firstID)
	}

	got, err := st.ParticipantsByEmail(ctx, firstID)
	if err != nil {
		t.Fatalf("ParticipantsByEmail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("participants = %d, want 2 (duplicate must not double them)", len(got))
	}
	if got[0].Role != RoleFrom || got[0].Address != "alice@example.com" {
		t.Fatalf("unexpected first participant: %+v", got[0])
	}
}

func TestEmailExists(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mb, _ := st.CreateMailbox(ctx, "support@example.com")
	insertEmail(t, st, &Email{
		MailboxID: mb.ID,
		MessageID: "known@example.com",
		ThreadID:  "known@example.com",
		Direction: DirectionIncoming,
	}, nil)

	exists, err := st.EmailExists(ctx, "known@example.com")
	if err != nil {
		t.Fatalf("EmailExists: %v", err)
	}
	if !exists {
		t.Fatal("stored email reported missing")
	}

	exists, err = st.EmailExists(ctx, "unknown@example.com")
	if err != nil {
		t.Fatalf("EmailExists: %v", err)
	}
	if exists {
		t.Fatal("missing email reported stored")
	}
}

func TestLookupThread(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mb, _ := st.CreateMailbox(ctx, "support@example.com")
	insertEmail(t, st, &Email{
		MailboxID: mb.ID,
		MessageID: "root@example.com",
		ThreadID:  "thread-7",
		Direction: DirectionIncoming,
	}, nil)

	threadID, ok, err := st.LookupThread(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("LookupThread: %v", err)
	}
	if !ok || threadID != "thread-7" {
		t.Fatalf("got (%q, %v), want (thread-7, true)", threadID, ok)
	}

	_, ok, err = st.LookupThread(ctx, "missing@example.com")
	if err != nil {
		t.Fatalf("LookupThread missing: %v", err)
	}
	if ok {
		t.Fatal("lookup of unknown message reported ok")
	}
}

func TestFindEmailByMessageID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mb, _ := st.CreateMailbox(ctx, "support@example.com")
	insertEmail(t, st, &Email{
		MailboxID:  mb.ID,
		MessageID:  "msg-9@example.com",
		ThreadID:   "msg-9@example.com",
		InReplyTo:  "parent@example.com",
		References: "root@example.com parent@example.com",
		Subject:    "re: hello",
		BodyText:   "plain",
		BodyHTML:   "<p>plain</p>",
		Direction:  DirectionIncoming,
		SentAt:     time.Unix(1700000000, 0),
		ReceivedAt: time.Unix(1700000060, 0),
	}, nil)

	e, err := st.FindEmailByMessageID(ctx, "msg-9@example.com")
	if err != nil {
		t.Fatalf("FindEmailByMessageID: %v", err)
	}
	if e == nil {
		t.Fatal("email not found")
	}
	if e.InReplyTo != "parent@example.com" || e.References != "root@example.com parent@example.com" {
		t.Fatalf("threading headers not round-tripped: %+v", e)
	}
	if e.ReceivedAt.Unix() != 1700000060 {
		t.Fatalf("received at = %v", e.ReceivedAt)
	}

	missing, err := st.FindEmailByMessageID(ctx, "nope@example.com")
	if err != nil {
		t.Fatalf("FindEmailByMessageID missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil, got %+v", missing)
	}
}

func TestAttachments(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mb, _ := st.CreateMailbox(ctx, "support@example.com")
	emailID, _ := insertEmail(t, st, &Email{
		MailboxID: mb.ID,
		MessageID: "att@example.com",
		ThreadID:  "att@example.com",
		Direction: DirectionIncoming,
	}, nil)

	if _, err := st.AddAttachment(ctx, &Attachment{
		EmailID:    emailID,
		Filename:   "report.pdf",
		MimeType:   "application/pdf",
		Size:       1234,
		StorageURL: "file:///tmp/1/report.pdf",
	}); err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}

	atts, err := st.AttachmentsByEmail(ctx, emailID)
	if err != nil {
		t.Fatalf("AttachmentsByEmail: %v", err)
	}
	if len(atts) != 1 || atts[0].Filename != "report.pdf" || atts[0].Size != 1234 {
		t.Fatalf("unexpected attachments: %+v", atts)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mb, _ := st.CreateMailbox(ctx, "support@example.com")

	sub := &Subscription{
		ID:          "sub-1",
		MailboxID:   mb.ID,
		Resource:    "/users/support@example.com/mailFolders('inbox')/messages",
		ClientState: "secret",
		ExpiresAt:   time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := st.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	got, err := st.FindSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("FindSubscription: %v", err)
	}
	if got == nil || got.MailboxID != mb.ID || got.ClientState != "secret" {
		t.Fatalf("unexpected subscription: %+v", got)
	}

	byMailbox, err := st.SubscriptionByMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("SubscriptionByMailbox: %v", err)
	}
	if byMailbox == nil || byMailbox.ID != "sub-1" {
		t.Fatalf("unexpected subscription by mailbox: %+v", byMailbox)
	}

	// Upsert pushes expiry forward under the same id.
	sub.ExpiresAt = sub.ExpiresAt.Add(time.Hour)
	if err := st.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription upsert: %v", err)
	}
	got, _ = st.FindSubscription(ctx, "sub-1")
	if got.ExpiresAt.Unix() != sub.ExpiresAt.Unix() {
		t.Fatalf("expiry not updated: %v", got.ExpiresAt)
	}

	expiring, err := st.ExpiringSubscriptions(ctx, time.Now().Add(3*time.Hour))
	if err != nil {
		t.Fatalf("ExpiringSubscriptions: %v", err)
	}
	if len(expiring) != 1 {
		t.Fatalf("expiring = %d, want 1", len(expiring))
	}

	expiring, err = st.ExpiringSubscriptions(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiringSubscriptions: %v", err)
	}
	if len(expiring) != 0 {
		t.Fatalf("expiring before now = %d, want 0", len(expiring))
	}

	if err := st.DeleteSubscription(ctx, "sub-1"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	got, _ = st.FindSubscription(ctx, "sub-1")
	if got != nil {
		t.Fatalf("subscription survived delete: %+v", got)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tx, err := st.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := st.EnqueueOutboxTx(ctx, tx, "mail.received.1", "email.received", []byte(`{"email_id":1}`), "email.received|1|msg-1"); err != nil {
		tx.Rollback()
		t.Fatalf("EnqueueOutboxTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	pending, err := st.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	msg := pending[0]
	if msg.Subject != "mail.received.1" || msg.MsgID != "email.received|1|msg-1" {
		t.Fatalf("unexpected outbox message: %+v", msg)
	}

	// A retry pushes the message out of the due window.
	if err := st.MarkOutboxRetry(ctx, msg.ID, time.Minute); err != nil {
		t.Fatalf("MarkOutboxRetry: %v", err)
	}
	pending, _ = st.DequeueOutbox(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("retried message still due: %d", len(pending))
	}

	if err := st.MarkPublished(ctx, msg.ID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	pending, _ = st.DequeueOutbox(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("published message still pending: %d", len(pending))
	}
}
