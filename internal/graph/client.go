package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
)

// messageSelect is the field set requested for full message reads and delta
// pages.
var messageSelect = []string{
	"id", "conversationId", "internetMessageId", "subject", "body", "bodyPreview",
	"from", "toRecipients", "ccRecipients", "bccRecipients", "replyTo",
	"sentDateTime", "receivedDateTime", "hasAttachments",
}

// Client wraps the Graph SDK with the small operation surface the ingestion
// pipeline needs.
type Client struct {
	sdk *msgraphsdk.GraphServiceClient
}

// NewClient creates a Graph client authenticated by cred (normally a
// *TokenCache).
func NewClient(cred azcore.TokenCredential) (*Client, error) {
	sdk, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	return &Client{sdk: sdk}, nil
}

// GetMessage fetches one message with the full ingestion field set.
func (c *Client) GetMessage(ctx context.Context, mailbox, id string) (*Message, error) {
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageSelect,
		},
	}

	msg, err := c.sdk.Users().ByUserId(mailbox).Messages().ByMessageId(id).Get(ctx, cfg)
	if err != nil {
		return nil, Classify(err)
	}
	return normalizeMessage(msg), nil
}

// GetMessageRaw fetches the raw RFC 5322 MIME source of a message.
func (c *Client) GetMessageRaw(ctx context.Context, mailbox, id string) ([]byte, error) {
	raw, err := c.sdk.Users().ByUserId(mailbox).Messages().ByMessageId(id).Content().Get(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return raw, nil
}

// ListAttachments returns attachment metadata for a message, without content.
func (c *Client) ListAttachments(ctx context.Context, mailbox, messageID string) ([]AttachmentMeta, error) {
	cfg := &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name", "contentType", "size", "isInline"},
		},
	}

	resp, err := c.sdk.Users().ByUserId(mailbox).Messages().ByMessageId(messageID).Attachments().Get(ctx, cfg)
	if err != nil {
		return nil, Classify(err)
	}

	var metas []AttachmentMeta
	for _, att := range resp.GetValue() {
		if att == nil {
			continue
		}
		meta := AttachmentMeta{}
		if v := att.GetId(); v != nil {
			meta.ID = *v
		}
		if v := att.GetName(); v != nil {
			meta.Name = *v
		}
		if v := att.GetContentType(); v != nil {
			meta.ContentType = *v
		}
		if v := att.GetSize(); v != nil {
			meta.Size = *v
		}
		if v := att.GetIsInline(); v != nil {
			meta.Inline = *v
		}
		if v := att.GetOdataType(); v != nil {
			meta.IsFile = *v == "#microsoft.graph.fileAttachment"
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// GetAttachmentContent downloads the bytes of one file attachment.
func (c *Client) GetAttachmentContent(ctx context.Context, mailbox, messageID, attachmentID string) ([]byte, error) {
	att, err := c.sdk.Users().ByUserId(mailbox).Messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}

	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, fmt.Errorf("attachment %s is not a file attachment", attachmentID)
	}
	return file.GetContentBytes(), nil
}

// DeltaFrom starts a fresh delta query over the mailbox inbox, restricted to
// messages received at or after since.
func (c *Client) DeltaFrom(ctx context.Context, mailbox string, since time.Time, pageSize int32) (*DeltaPage, error) {
	filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
	cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Top:    &pageSize,
			Filter: &filter,
			Select: messageSelect,
		},
	}

	resp, err := c.sdk.Users().ByUserId(mailbox).MailFolders().ByMailFolderId("inbox").Messages().Delta().GetAsDeltaGetResponse(ctx, cfg)
	if err != nil {
		return nil, Classify(err)
	}
	return newDeltaPage(resp), nil
}

// Delta replays a stored nextLink or deltaLink. The link is opaque; it is
// issued by Graph and already encodes mailbox, folder and state.
func (c *Client) Delta(ctx context.Context, mailbox, link string) (*DeltaPage, error) {
	builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(link, c.sdk.GetAdapter())
	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return newDeltaPage(resp), nil
}

func newDeltaPage(resp users.ItemMailFoldersItemMessagesDeltaGetResponseable) *DeltaPage {
	page := &DeltaPage{}
	for _, msg := range resp.GetValue() {
		if msg == nil || msg.GetId() == nil {
			continue
		}
		// Tombstones carry nothing but the id; deletion is not propagated.
		if data := msg.GetAdditionalData(); data != nil {
			if _, removed := data["@removed"]; removed {
				continue
			}
		}
		page.Messages = append(page.Messages, normalizeMessage(msg))
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextLink = *next
	}
	if delta := resp.GetOdataDeltaLink(); delta != nil {
		page.DeltaLink = *delta
	}
	return page
}
