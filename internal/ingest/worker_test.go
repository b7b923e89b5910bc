package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/store"
	"github.com/Imedizin/mailroom/internal/thread"
)

// fakeRawSource hands out canned raw MIME sources keyed by provider id.
type fakeRawSource struct {
	raw map[string][]byte
	err error
}

func (s *fakeRawSource) GetMessageRaw(_ context.Context, _, providerMessageID string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.raw[providerMessageID], nil
}

func newTestWorker(t *testing.T, source Source) (*Worker, *store.Store, *store.Mailbox) {
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

	return NewWorker(st, source, thread.NewResolver(st), nil), st, mb
}

func testMessage() *graph.Message {
	return &graph.Message{
		ProviderID:        "prov-1",
		InternetMessageID: "msg-1@example.com",
		ConversationID:    "conv-1",
		Subject:           "hello",
		BodyText:          "hi there",
		From:              &graph.Address{Email: "alice@example.com", Name: "Alice"},
		To:                []graph.Address{{Email: "support@example.com"}},
		ReceivedAt:        time.Unix(1700000000, 0),
	}
}

func TestIngestPersistsEmailAndEmitsEvent(t *testing.T) {
	source := &fakeRawSource{raw: map[string][]byte{
		"prov-1": []byte("Message-ID: <msg-1@example.com>\r\n\r\nhi"),
	}}
	w, st, mb := newTestWorker(t, source)
	ctx := context.Background()

	res, err := w.Ingest(ctx, mb, testMessage())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Created {
		t.Fatal("first ingest did not create")
	}

	email, err := st.FindEmailByMessageID(ctx, "msg-1@example.com")
	if err != nil {
		t.Fatalf("FindEmailByMessageID: %v", err)
	}
	if email == nil {
		t.Fatal("email not persisted")
	}
	if email.Direction != store.DirectionIncoming {
		t.Fatalf("direction = %q, want incoming", email.Direction)
	}
	if len(email.RawSource) == 0 {
		t.Fatal("raw source not persisted")
	}

	parts, err := st.ParticipantsByEmail(ctx, email.ID)
	if err != nil {
		t.Fatalf("ParticipantsByEmail: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("participants = %d, want 2", len(parts))
	}

	pending, err := st.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("outbox = %d, want 1", len(pending))
	}

	var event Event
	if err := json.Unmarshal(pending[0].Payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.EmailID != email.ID || event.From.EmailAddress != "alice@example.com" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestIngestDuplicateIsNoOp(t *testing.T) {
	source := &fakeRawSource{}
	w, st, mb := newTestWorker(t, source)
	ctx := context.Background()

	first, err := w.Ingest(ctx, mb, testMessage())
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	second, err := w.Ingest(ctx, mb, testMessage())
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Created {
		t.Fatal("duplicate reported created")
	}
	if second.EmailID != first.EmailID {
		t.Fatalf("duplicate id = %d, want %d", second.EmailID, first.EmailID)
	}

	pending, _ := st.DequeueOutbox(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("outbox = %d, want 1 (no duplicate event)", len(pending))
	}
}

func TestIngestDegradesWhenRawFetchFails(t *testing.T) {
	source := &fakeRawSource{err: errors.New("network down")}
	w, st, mb := newTestWorker(t, source)
	ctx := context.Background()

	res, err := w.Ingest(ctx, mb, testMessage())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Created {
		t.Fatal("email not created despite degraded raw fetch")
	}

	// Without headers, threading falls back to the conversation id.
	email, _ := st.FindEmailByMessageID(ctx, "msg-1@example.com")
	if email.ThreadID != "conv-1" {
		t.Fatalf("thread id = %q, want conv-1", email.ThreadID)
	}
	if len(email.RawSource) != 0 {
		t.Fatal("raw source unexpectedly persisted")
	}
}

func TestIngestSynthesizesMessageID(t *testing.T) {
	source := &fakeRawSource{}
	w, st, mb := newTestWorker(t, source)
	ctx := context.Background()

	msg := testMessage()
	msg.InternetMessageID = ""

	if _, err := w.Ingest(ctx, mb, msg); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	email, err := st.FindEmailByMessageID(ctx, "provider:prov-1")
	if err != nil {
		t.Fatalf("FindEmailByMessageID: %v", err)
	}
	if email == nil {
		t.Fatal("email with synthesized message id not found")
	}
}

func TestIngestReplyInheritsThread(t *testing.T) {
	source := &fakeRawSource{raw: map[string][]byte{
		"prov-1": []byte("Message-ID: <msg-1@example.com>\r\n\r\n"),
		"prov-2": []byte("Message-ID: <msg-2@example.com>\r\nIn-Reply-To: <msg-1@example.com>\r\n\r\n"),
	}}
	w, st, mb := newTestWorker(t, source)
	ctx := context.Background()

	if _, err := w.Ingest(ctx, mb, testMessage()); err != nil {
		t.Fatalf("ingest parent: %v", err)
	}

	reply := testMessage()
	reply.ProviderID = "prov-2"
	reply.InternetMessageID = "msg-2@example.com"
	reply.ConversationID = "conv-other"
	reply.Subject = "re: hello"

	if _, err := w.Ingest(ctx, mb, reply); err != nil {
		t.Fatalf("ingest reply: %v", err)
	}

	parent, _ := st.FindEmailByMessageID(ctx, "msg-1@example.com")
	child, _ := st.FindEmailByMessageID(ctx, "msg-2@example.com")
	if child.ThreadID != parent.ThreadID {
		t.Fatalf("reply thread %q != parent thread %q", child.ThreadID, parent.ThreadID)
	}
	if child.InReplyTo != "msg-1@example.com" {
		t.Fatalf("in-reply-to = %q", child.InReplyTo)
	}
}

func TestIngestMarksOutgoingDirection(t *testing.T) {
	source := &fakeRawSource{}
	w, st, mb := newTestWorker(t, source)
	ctx := context.Background()

	msg := testMessage()
	msg.From = &graph.Address{Email: "Support@Example.com"}

	if _, err := w.Ingest(ctx, mb, msg); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	email, _ := st.FindEmailByMessageID(ctx, "msg-1@example.com")
	if email.Direction != store.DirectionOutgoing {
		t.Fatalf("direction = %q, want outgoing", email.Direction)
	}
}
