// Package sync pulls mailbox changes incrementally through the provider's
// delta query and feeds them into the shared ingestion routine.
package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Imedizin/mailroom/internal/graph"
	"github.com/Imedizin/mailroom/internal/ingest"
	"github.com/Imedizin/mailroom/internal/store"
)

// bootstrapWindow bounds the first delta query of a new mailbox: only mail
// received within this window of "now" can appear, so a fresh mailbox never
// backfills history.
const bootstrapWindow = time.Minute

const defaultPageSize = 10

// Source is the provider delta surface.
type Source interface {
	DeltaFrom(ctx context.Context, mailbox string, since time.Time, pageSize int32) (*graph.DeltaPage, error)
	Delta(ctx context.Context, mailbox, link string) (*graph.DeltaPage, error)
	GetMessage(ctx context.Context, mailbox, id string) (*graph.Message, error)
}

// Ingestor is the shared per-message routine.
type Ingestor interface {
	Ingest(ctx context.Context, mb *store.Mailbox, msg *graph.Message) (ingest.Result, error)
}

// Cursors persists the mailbox delta cursor.
type Cursors interface {
	UpdateCursor(ctx context.Context, mailboxID int64, cursor string) error
}

// Result summarizes one sync pass.
type Result struct {
	Processed int
	Created   int
	Skipped   int
	DeltaLink string
}

// Engine runs delta syncs for one mailbox at a time.
type Engine struct {
	source   Source
	ingestor Ingestor
	cursors  Cursors
	pageSize int32
}

func NewEngine(source Source, ingestor Ingestor, cursors Cursors, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Engine{
		source:   source,
		ingestor: ingestor,
		cursors:  cursors,
		pageSize: int32(pageSize),
	}
}

// Sync bootstraps a cursor for a never-synced mailbox, or pulls and ingests
// everything behind the stored one. A delta query failure aborts the pass
// without advancing the cursor; per-message failures are counted as skipped
// and never abort the batch.
func (e *Engine) Sync(ctx context.Context, mb *store.Mailbox) (Result, error) {
	if mb.DeltaCursor == "" {
		return e.bootstrap(ctx, mb)
	}
	return e.incremental(ctx, mb)
}

// bootstrap establishes a "from now" cursor without ingesting anything, so a
// newly added mailbox starts clean instead of importing history.
func (e *Engine) bootstrap(ctx context.Context, mb *store.Mailbox) (Result, error) {
	page, err := e.source.DeltaFrom(ctx, mb.Address, time.Now().Add(-bootstrapWindow), e.pageSize)
	if err != nil {
		return Result{}, fmt.Errorf("bootstrap delta query: %w", err)
	}

	for page.DeltaLink == "" {
		if page.NextLink == "" {
			return Result{}, fmt.Errorf("delta response for %s carries neither nextLink nor deltaLink", mb.Address)
		}
		page, err = e.source.Delta(ctx, mb.Address, page.NextLink)
		if err != nil {
			return Result{}, fmt.Errorf("bootstrap delta page: %w", err)
		}
	}

	if err := e.cursors.UpdateCursor(ctx, mb.ID, page.DeltaLink); err != nil {
		return Result{}, err
	}

	log.Printf("bootstrapped cursor for mailbox %s", mb.Address)
	return Result{DeltaLink: page.DeltaLink}, nil
}

func (e *Engine) incremental(ctx context.Context, mb *store.Mailbox) (Result, error) {
	var messages []*graph.Message
	link := mb.DeltaCursor
	deltaLink := ""

	for {
		page, err := e.source.Delta(ctx, mb.Address, link)
		if err != nil {
			return Result{}, fmt.Errorf("delta query: %w", err)
		}
		messages = append(messages, page.Messages...)

		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
			break
		}
		if page.NextLink == "" {
			return Result{}, fmt.Errorf("delta response for %s carries neither nextLink nor deltaLink", mb.Address)
		}
		link = page.NextLink
	}

	result := Result{DeltaLink: deltaLink}
	for _, msg := range messages {
		if msg.NeedsHydration() {
			full, err := e.source.GetMessage(ctx, mb.Address, msg.ProviderID)
			if err != nil {
				log.Printf("skipping %s/%s: hydration failed: %v", mb.Address, msg.ProviderID, err)
				result.Skipped++
				continue
			}
			msg = full
		}

		res, err := e.ingestor.Ingest(ctx, mb, msg)
		if err != nil {
			log.Printf("skipping %s/%s: ingest failed: %v", mb.Address, msg.ProviderID, err)
			result.Skipped++
			continue
		}

		result.Processed++
		if res.Created {
			result.Created++
		}
	}

	// Skipped messages will not reappear under the new cursor; the pull path
	// is best-effort by contract.
	if err := e.cursors.UpdateCursor(ctx, mb.ID, deltaLink); err != nil {
		return result, err
	}

	return result, nil
}
