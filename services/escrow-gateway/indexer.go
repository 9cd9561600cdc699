package escrowgateway

import (
	"context"
	"log/slog"
	"time"

	"valyra/core/events"
	"valyra/observability"
)

// Indexer persists every engine notification into the event index. It is
// installed as the engine's emitter, so writes happen in emission order.
type Indexer struct {
	store   *SQLiteStore
	logger  *slog.Logger
	nowFn   func() time.Time
	timeout time.Duration
}

func NewIndexer(store *SQLiteStore, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, logger: logger.With("component", "indexer"), nowFn: time.Now, timeout: 5 * time.Second}
}

// Emit implements events.Emitter. Failures are logged and counted; the
// engine has already committed the transition by the time it emits.
func (ix *Indexer) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()
	seq, err := ix.store.AppendEvent(ctx, rendered, ix.nowFn())
	if err != nil {
		observability.Events().RecordFailure(rendered.Type)
		ix.logger.Error("index event", "type", rendered.Type, "escrowId", rendered.Attr("escrowId"), "error", err)
		return
	}
	observability.Events().RecordIndexed(rendered.Type)
	ix.logger.Debug("event indexed", "type", rendered.Type, "sequence", seq)
}
