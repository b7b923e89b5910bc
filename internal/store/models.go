package store

import "time"

// Direction of an email relative to its mailbox.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Participant roles.
const (
	RoleFrom    = "from"
	RoleTo      = "to"
	RoleCc      = "cc"
	RoleBcc     = "bcc"
	RoleReplyTo = "reply-to"
)

// Mailbox is a synced account. DeltaCursor is opaque provider state; empty
// means the mailbox has never been synced.
type Mailbox struct {
	ID           int64
	Address      string
	DeltaCursor  string
	LastSyncedAt time.Time
	CreatedAt    time.Time
}

// Email is one persisted message. MessageID is globally unique; ThreadID is
// always set once the row exists.
type Email struct {
	ID         int64
	MailboxID  int64
	MessageID  string
	ThreadID   string
	InReplyTo  string
	References string
	Subject    string
	BodyText   string
	BodyHTML   string
	RawSource  []byte
	Direction  string
	SentAt     time.Time
	ReceivedAt time.Time
	CreatedAt  time.Time
}

// Participant is one address on an email, created atomically with it.
type Participant struct {
	Address     string
	DisplayName string
	Role        string
}

// Attachment is stored metadata for one downloaded attachment blob.
type Attachment struct {
	ID         int64
	EmailID    int64
	Filename   string
	MimeType   string
	Size       int64
	StorageURL string
	IsInline   bool
	CreatedAt  time.Time
}

// Subscription maps a provider webhook subscription to a mailbox.
type Subscription struct {
	ID          string
	MailboxID   int64
	Resource    string
	ClientState string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// OutboxMessage is one pending event in the transactional outbox.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}
