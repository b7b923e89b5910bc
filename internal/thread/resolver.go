// Package thread computes stable conversation identifiers from RFC 5322
// header chains, falling back to the provider conversation id and finally to
// the message's own id.
package thread

import (
	"context"
	"fmt"
	"strings"
)

// Directory looks up the thread id of an already-stored email by its message
// id. ok is false when no email with that id is stored.
type Directory interface {
	LookupThread(ctx context.Context, messageID string) (threadID string, ok bool, err error)
}

// Resolution is the outcome of thread resolution. ThreadID is never empty;
// InReplyTo and References carry the parsed header values verbatim for
// persistence.
type Resolution struct {
	ThreadID   string
	InReplyTo  string
	References string
}

// Resolver resolves thread ids against stored mail.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve computes the thread id for a message. Strategies, first match wins:
//
//  1. In-Reply-To names a stored email: inherit its thread.
//  2. References, searched nearest-ancestor-first, names a stored email:
//     inherit its thread.
//  3. A provider conversation id was supplied: use it directly.
//  4. Otherwise the message starts a new thread under its own effective id
//     (parsed Message-ID when present, else the storage message id).
func (r *Resolver) Resolve(ctx context.Context, storageMessageID, rawSource, conversationID string) (Resolution, error) {
	hdr := parseHeaders(rawSource)
	res := Resolution{
		InReplyTo:  hdr.inReplyTo,
		References: hdr.references,
	}

	if hdr.inReplyTo != "" {
		threadID, ok, err := r.dir.LookupThread(ctx, hdr.inReplyTo)
		if err != nil {
			return Resolution{}, fmt.Errorf("lookup in-reply-to %q: %w", hdr.inReplyTo, err)
		}
		if ok {
			res.ThreadID = threadID
			return res, nil
		}
	}

	if hdr.references != "" {
		refs := strings.Fields(hdr.references)
		for i := len(refs) - 1; i >= 0; i-- {
			ref := refs[i]
			threadID, ok, err := r.dir.LookupThread(ctx, ref)
			if err != nil {
				return Resolution{}, fmt.Errorf("lookup reference %q: %w", ref, err)
			}
			if ok {
				res.ThreadID = threadID
				return res, nil
			}
		}
	}

	if conversationID != "" {
		res.ThreadID = conversationID
		return res, nil
	}

	if hdr.messageID != "" {
		res.ThreadID = hdr.messageID
	} else {
		res.ThreadID = storageMessageID
	}
	return res, nil
}

type headerFields struct {
	messageID  string
	inReplyTo  string
	references string
}

// parseHeaders extracts the threading headers from a raw MIME source: the
// header block ends at the first blank line, folded continuation lines
// collapse to a single space, names match case-insensitively.
func parseHeaders(raw string) headerFields {
	var fields headerFields
	if raw == "" {
		return fields
	}

	block := raw
	if idx := strings.Index(block, "\r\n\r\n"); idx >= 0 {
		block = block[:idx]
	} else if idx := strings.Index(block, "\n\n"); idx >= 0 {
		block = block[:idx]
	}

	var lines []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		// Continuation lines start with space or tab and belong to the
		// previous header.
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		lines = append(lines, line)
	}

	for _, line := range lines {
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])

		switch name {
		case "message-id":
			if fields.messageID == "" {
				fields.messageID = stripAngles(value)
			}
		case "in-reply-to":
			if fields.inReplyTo == "" {
				// Rarely carries several ids; the first is the direct parent.
				if first := strings.Fields(value); len(first) > 0 {
					fields.inReplyTo = stripAngles(first[0])
				}
			}
		case "references":
			if fields.references == "" {
				// Normalized to a space-separated list of bare ids.
				var ids []string
				for _, ref := range strings.Fields(value) {
					if id := stripAngles(ref); id != "" {
						ids = append(ids, id)
					}
				}
				fields.references = strings.Join(ids, " ")
			}
		}
	}

	return fields
}

func stripAngles(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "<"), ">")
}
