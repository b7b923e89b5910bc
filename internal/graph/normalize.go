package graph

import (
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

// normalizeMessage converts a Graph message to the pipeline's Message shape.
func normalizeMessage(m models.Messageable) *Message {
	msg := &Message{}

	if id := m.GetId(); id != nil {
		msg.ProviderID = *id
	}
	if imID := m.GetInternetMessageId(); imID != nil {
		// Graph reports the id with RFC 5322 angle brackets; stored ids are
		// bare so they match ids parsed out of In-Reply-To and References.
		msg.InternetMessageID = strings.TrimSuffix(strings.TrimPrefix(*imID, "<"), ">")
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ConversationID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Preview = *preview
	}

	if body := m.GetBody(); body != nil {
		content := ""
		if c := body.GetContent(); c != nil {
			content = *c
		}
		if t := body.GetContentType(); t != nil && *t == models.HTML_BODYTYPE {
			msg.BodyHTML = content
		} else {
			msg.BodyText = content
		}
	}

	if from := m.GetFrom(); from != nil {
		if addr := extractAddress(from.GetEmailAddress()); addr != nil {
			msg.From = addr
		}
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())
	msg.ReplyTo = extractAddresses(m.GetReplyTo())

	if sent := m.GetSentDateTime(); sent != nil {
		msg.SentAt = *sent
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if has := m.GetHasAttachments(); has != nil {
		msg.HasAttachments = *has
	}

	return msg
}

func extractAddress(ea models.EmailAddressable) *Address {
	if ea == nil {
		return nil
	}
	addr := &Address{}
	if v := ea.GetAddress(); v != nil {
		addr.Email = *v
	}
	if v := ea.GetName(); v != nil {
		addr.Name = *v
	}
	if addr.Email == "" && addr.Name == "" {
		return nil
	}
	return addr
}

func extractAddresses(recipients []models.Recipientable) []Address {
	var addrs []Address
	for _, r := range recipients {
		if r == nil {
			continue
		}
		if addr := extractAddress(r.GetEmailAddress()); addr != nil {
			addrs = append(addrs, *addr)
		}
	}
	return addrs
}

func normalizeSubscription(s models.Subscriptionable) *Subscription {
	sub := &Subscription{}
	if v := s.GetId(); v != nil {
		sub.ID = *v
	}
	if v := s.GetResource(); v != nil {
		sub.Resource = *v
	}
	if v := s.GetClientState(); v != nil {
		sub.ClientState = *v
	}
	if v := s.GetExpirationDateTime(); v != nil {
		sub.ExpiresAt = *v
	}
	return sub
}
