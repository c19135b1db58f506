// Package sync pulls a chat's history from the backend into the local store.
package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// PageFetcher fetches one page of history.
type PageFetcher interface {
	FetchPage(ctx context.Context, chatID, tag string) (*remote.Page, error)
}

// Store is the part of the message store the engine writes to.
type Store interface {
	Metadata(chatID string) (*store.SyncMetadata, error)
	UpsertMetadata(md *store.SyncMetadata) error
	SaveMessages(chatID string, msgs []store.Message) error
	ListMessages(chatID string) ([]store.Message, error)
}

// Engine drives the tag-based incremental fetch loop.
type Engine struct {
	remote  PageFetcher
	db      Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEngine creates a new sync engine.
func NewEngine(r PageFetcher, db Store, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{remote: r, db: db, metrics: m, logger: logger}
}

// Sync fetches every page after the stored tag, persisting each page as it
// arrives. Sync metadata is written only once the sequence drains. It returns
// the full stored message set for the chat.
func (e *Engine) Sync(ctx context.Context, chatID string) ([]store.Message, error) {
	md, err := e.db.Metadata(chatID)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if md == nil {
		md = &store.SyncMetadata{ChatID: chatID}
	}

	cur := newCursor(md)
	tag := md.LastTag
	for {
		if err := ctx.Err(); err != nil {
			return nil, e.abort(chatID, cur, err)
		}

		page, err := e.remote.FetchPage(ctx, chatID, tag)
		if err != nil {
			return nil, e.abort(chatID, cur, err)
		}
		msgs := toMessages(chatID, page)
		if err := e.db.SaveMessages(chatID, msgs); err != nil {
			return nil, e.abort(chatID, cur, err)
		}
		cur.advance(page, msgs)
		e.metrics.SyncPage()

		if !page.HasMoreItems || page.NextTag == "" {
			break
		}
		if page.NextTag == tag {
			e.logger.Warn("pagination tag did not advance, stopping",
				zap.String("chat_id", chatID), zap.String("tag", tag))
			break
		}
		tag = page.NextTag
	}

	if err := e.db.UpsertMetadata(cur.metadata(chatID, md)); err != nil {
		return nil, fmt.Errorf("save metadata: %w", err)
	}
	e.logger.Debug("sync drained",
		zap.String("chat_id", chatID),
		zap.Int("pages", cur.pages),
		zap.String("tag", cur.tag))

	msgs, err := e.db.ListMessages(chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (e *Engine) abort(chatID string, cur *cursor, err error) error {
	e.metrics.SyncFailed()
	e.logger.Warn("sync aborted",
		zap.String("chat_id", chatID),
		zap.Int("pages_persisted", cur.pages),
		zap.Error(err))
	return &PartialSyncError{ChatID: chatID, PagesPersisted: cur.pages, Err: err}
}
