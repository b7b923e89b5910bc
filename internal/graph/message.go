package graph

import "time"

// Address is one mail participant.
type Address struct {
	Email string
	Name  string
}

// Message is a provider message normalized to the fields the ingestion
// pipeline consumes.
type Message struct {
	ProviderID        string
	InternetMessageID string
	ConversationID    string
	Subject           string
	BodyText          string
	BodyHTML          string
	Preview           string
	From              *Address
	To                []Address
	Cc                []Address
	Bcc               []Address
	ReplyTo           []Address
	SentAt            time.Time
	ReceivedAt        time.Time
	HasAttachments    bool
}

// NeedsHydration reports whether a delta payload is too sparse to ingest and
// needs one full message fetch: no internet message id, no sender, or neither
// subject nor any body content.
func (m *Message) NeedsHydration() bool {
	if m.InternetMessageID == "" || m.From == nil {
		return true
	}
	return m.Subject == "" && m.BodyText == "" && m.BodyHTML == "" && m.Preview == ""
}

// DeltaPage is one page of a delta query. Exactly one of NextLink and
// DeltaLink is set on a well-formed response; DeltaLink marks the terminal
// page.
type DeltaPage struct {
	Messages  []*Message
	NextLink  string
	DeltaLink string
}

// AttachmentMeta describes one attachment without its content.
type AttachmentMeta struct {
	ID          string
	Name        string
	ContentType string
	Size        int32
	Inline      bool
	IsFile      bool
}

// Subscription is a Graph change-notification subscription.
type Subscription struct {
	ID          string
	Resource    string
	ClientState string
	ExpiresAt   time.Time
}
