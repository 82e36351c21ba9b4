package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/user/agentchat/internal/signal"
	"github.com/user/agentchat/internal/types"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// The API binds to loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is one signal event as sent over the websocket.
type streamFrame struct {
	Type    signal.EventType `json:"type"`
	Signal  signal.Snapshot  `json:"signal"`
	Delta   string           `json:"delta,omitempty"`
	Message *types.Message   `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func frameFor(ev signal.Event) streamFrame {
	f := streamFrame{
		Type:    ev.Type,
		Signal:  ev.Signal,
		Delta:   ev.Delta,
		Message: ev.Message,
	}
	if ev.Err != nil {
		f.Error = ev.Err.Error()
	}
	return f
}

// handleStream upgrades to a websocket and pushes every signal event for
// the chat until the client goes away. Frames are dropped when the client
// cannot keep up; the final message is always available from /messages.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, ok := s.chats.Chat(chatID); !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	frames := make(chan streamFrame, streamBuffer)
	unsubscribe := s.signals.Subscribe(func(ev signal.Event) {
		if ev.Signal.ChatID != chatID {
			return
		}
		select {
		case frames <- frameFor(ev):
		default:
			slog.Warn("stream client lagging, dropping frame", "chat_id", chatID, "type", ev.Type)
		}
	})
	defer unsubscribe()

	// Subscribed before the handshake completes so a client that sends
	// right after dialing sees every event.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "chat_id", chatID, "error", err)
		return
	}
	defer conn.Close()

	// Reads only serve to notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("stream read failed", "chat_id", chatID, "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case f := <-frames:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				slog.Debug("stream write failed", "chat_id", chatID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
