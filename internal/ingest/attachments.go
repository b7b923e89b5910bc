package ingest

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/Imedizin/mailroom/internal/content"
	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/store"
)

// AttachmentSource lists and downloads provider attachments.
type AttachmentSource interface {
	ListAttachments(ctx context.Context, mailbox, providerMessageID string) ([]graph.AttachmentMeta, error)
	GetAttachmentContent(ctx context.Context, mailbox, providerMessageID, attachmentID string) ([]byte, error)
}

// AttachmentFetcher downloads a message's file attachments into the content
// store and records their metadata. Each attachment is handled independently;
// a failed download never aborts its siblings or the parent email.
type AttachmentFetcher struct {
	store  *store.Store
	source AttachmentSource
	blobs  content.Store
}

func NewAttachmentFetcher(st *store.Store, source AttachmentSource, blobs content.Store) *AttachmentFetcher {
	return &AttachmentFetcher{store: st, source: source, blobs: blobs}
}

// FetchAndStore pulls every file attachment of the message. Listing failure
// propagates (nothing to iterate); per-attachment failures are logged and
// skipped.
func (f *AttachmentFetcher) FetchAndStore(ctx context.Context, mailboxAddress, providerMessageID string, emailID int64) error {
	metas, err := f.source.ListAttachments(ctx, mailboxAddress, providerMessageID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}

	for _, meta := range metas {
		if !meta.IsFile {
			continue
		}
		// Inline image references (cid: embeds) are part of the HTML body,
		// not documents worth storing.
		if meta.Inline && strings.HasPrefix(meta.ContentType, "image/") {
			continue
		}

		data, err := f.source.GetAttachmentContent(ctx, mailboxAddress, providerMessageID, meta.ID)
		if err != nil {
			log.Printf("attachment download failed (email %d, %q): %v", emailID, meta.Name, err)
			continue
		}

		name := path.Base(meta.Name)
		if name == "" || name == "." || name == "/" {
			name = uuid.NewString()
		}

		url, err := f.blobs.Put(ctx, fmt.Sprintf("%d/%s", emailID, name), data, meta.ContentType)
		if err != nil {
			log.Printf("attachment store failed (email %d, %q): %v", emailID, name, err)
			continue
		}

		att := &store.Attachment{
			EmailID:    emailID,
			Filename:   name,
			MimeType:   meta.ContentType,
			Size:       int64(len(data)),
			StorageURL: url,
			IsInline:   meta.Inline,
		}
		if _, err := f.store.AddAttachment(ctx, att); err != nil {
			log.Printf("attachment record failed (email %d, %q): %v", emailID, name, err)
		}
	}

	return nil
}
