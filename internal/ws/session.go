// Package ws drives one websocket connection through its lifecycle:
// accept, presence announcement, history replay, message loop, teardown.
// Sessions never write to other connections directly; everything goes
// through the exchange.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chat_gateway/internal/domain"
	"chat_gateway/internal/history"
	"chat_gateway/internal/presence"
	"chat_gateway/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ErrSlowConsumer is returned by Send when the outbound buffer is full. The
// registry treats it as a dead connection.
var ErrSlowConsumer = errors.New("send buffer full")

// Publisher is the session's write side of the broker bridge.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Session owns one client connection. Identity is connection-scoped: the
// user_id is generated at accept time and never reused, the username defaults
// to Anonymous until the first join frame.
type Session struct {
	conn      *websocket.Conn
	registry  *registry.Registry
	publisher Publisher
	presence  presence.Counter
	history   history.Store

	historyLimit int64
	log          zerolog.Logger

	userID   string
	username string
	send     chan []byte
}

func NewSession(
	conn *websocket.Conn,
	reg *registry.Registry,
	publisher Publisher,
	counter presence.Counter,
	store history.Store,
	historyLimit int64,
	log zerolog.Logger,
) *Session {
	userID := uuid.New().String()
	return &Session{
		conn:         conn,
		registry:     reg,
		publisher:    publisher,
		presence:     counter,
		history:      store,
		historyLimit: historyLimit,
		log:          log.With().Str("user_id", userID).Logger(),
		userID:       userID,
		username:     "Anonymous",
		send:         make(chan []byte, sendBuffer),
	}
}

// UserID returns the connection-scoped identity.
func (s *Session) UserID() string {
	return s.userID
}

// Send queues a payload for the write pump without blocking. Implements
// registry.Handle.
func (s *Session) Send(payload []byte) error {
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close tears down the transport. Implements registry.Handle; called by the
// registry when a broadcast delivery fails, which unblocks the read pump.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run blocks until the transport closes. The handshake is already done by the
// upgrader, so the session is immediately registered and visible to
// broadcast.
func (s *Session) Run(ctx context.Context) {
	s.registry.Register(s.userID, s)
	s.announcePresence(ctx)
	s.replayHistory(ctx)

	go s.writePump()
	s.readPump(ctx)
	s.finish(ctx)
}

// announcePresence bumps the shared counter and publishes the new count so
// every replica, not just this one, sees it. A counter failure is fatal to
// this operation only; the session stays up.
func (s *Session) announcePresence(ctx context.Context) {
	count, err := s.presence.Increment(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to increment presence")
		return
	}
	s.publish(ctx, domain.NewActiveUsersUpdate(count))
}

// replayHistory sends the most recent stored messages to this connection
// only, as a one-shot frame.
func (s *Session) replayHistory(ctx context.Context) {
	messages, err := s.history.Recent(ctx, s.historyLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load history")
		return
	}

	payload, err := json.Marshal(domain.NewHistoryFrame(messages))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal history frame")
		return
	}
	if err := s.Send(payload); err != nil {
		s.log.Warn().Err(err).Msg("failed to queue history frame")
	}
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		s.handleFrame(ctx, data)
	}
}

// handleFrame dispatches one inbound client frame. Frames that do not decode
// get a local error response and the loop keeps going; nothing malformed
// reaches the broker.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	frame, err := domain.DecodeInbound(data)
	if err != nil {
		s.sendLocalError("message must be a JSON object")
		return
	}

	switch domain.EventType(frame.Type) {
	case domain.EventJoin:
		if frame.Username != "" {
			s.username = frame.Username
		}
		s.publish(ctx, domain.NewUserJoined(s.userID, s.username))

	case domain.EventMessage:
		s.publish(ctx, domain.NewChatMessage(s.userID, s.username, frame.Message))

	default:
		s.publish(ctx, domain.NewErrorEvent(fmt.Sprintf("invalid message type %q", frame.Type)))
	}
}

// publish forwards an event to the exchange. A broker failure here is soft:
// the sender is told, the session stays active.
func (s *Session) publish(ctx context.Context, ev domain.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("publish failed")
		s.sendLocalError("failed to publish event")
	}
}

// sendLocalError answers this connection only; local protocol feedback is
// never broadcast.
func (s *Session) sendLocalError(text string) {
	payload, err := json.Marshal(domain.NewErrorEvent(text))
	if err != nil {
		return
	}
	if err := s.Send(payload); err != nil {
		s.log.Warn().Err(err).Msg("failed to queue error frame")
	}
}

// finish runs the Active → Closed transition. Remove's boolean guards the
// presence decrement against double-close: only the caller that actually
// removed the entry publishes the departure.
func (s *Session) finish(ctx context.Context) {
	removed := s.registry.Remove(s.userID)

	// No registry send can target this session once Remove returned, so the
	// write pump can be released.
	close(s.send)

	if !removed {
		return
	}

	count, err := s.presence.Decrement(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to decrement presence")
	} else {
		s.publish(ctx, domain.NewActiveUsersUpdate(count))
	}
	s.publish(ctx, domain.NewUserLeft(s.userID, s.username))
	s.log.Info().Str("username", s.username).Msg("session closed")
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					s.log.Warn().Err(err).Msg("websocket write failed")
				}
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	text := err.Error()
	return strings.Contains(text, "use of closed network connection") ||
		strings.Contains(text, "websocket: close sent") ||
		strings.Contains(text, "broken pipe")
}
