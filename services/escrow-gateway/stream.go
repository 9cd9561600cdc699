package escrowgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"valyra/gateway/middleware"
)

const wsWriteTimeout = 10 * time.Second

// handleEventStream upgrades to a websocket and pushes indexed events as they
// are committed, starting after the requested sequence.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	query, err := parseEventQuery(r)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, query); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", "error", err, "requestId", middleware.RequestIDFromContext(r.Context()))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, query EventQuery) error {
	for {
		// Take the signal before reading so an append between the read and
		// the wait is not missed.
		changed := s.store.EventsChanged()
		batch, err := s.store.Events(ctx, query)
		if err != nil {
			return err
		}
		for _, evt := range batch {
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return err
			}
			query.After = evt.Sequence
		}
		if len(batch) == query.Limit {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt IndexedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
