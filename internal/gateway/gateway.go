// Package gateway runs the websocket server and speaks the connection
// protocol: authenticate, heartbeat, message send, and opaque relays.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/fanout"
	"github.com/tinywideclouds/go-presence-service/internal/middleware"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const (
	writeDeadline      = 10 * time.Second
	disconnectTimeout  = 5 * time.Second
	maxInboundFrameLen = 64 * 1024
)

// presenceWriter is the slice of the presence store the gateway drives.
type presenceWriter interface {
	MarkOnline(ctx context.Context, userID, source string, meta map[string]string) error
	MarkOffline(ctx context.Context, userID, source string, meta map[string]string) error
}

// messageSender is the slice of the delivery pipeline the gateway drives.
type messageSender interface {
	Send(ctx context.Context, senderID, receiverID, content, tempID string) (*presence.Receipt, error)
}

type sessionToucher interface {
	UpdateLastActivity(ctx context.Context, userID string) error
}

type loadReporter interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionCount() int64
	Classification() presence.LoadClass
}

// Gateway manages all active websocket connections. It runs its own
// dedicated HTTP server.
type Gateway struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	hub        *fanout.Hub
	presence   presenceWriter
	pipeline   messageSender
	sessions   sessionToucher
	monitor    loadReporter
	logger     zerolog.Logger
	instanceID string
}

// New wires up the websocket gateway on the given port.
func New(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	hub *fanout.Hub,
	presenceStore presenceWriter,
	pipeline messageSender,
	sessions sessionToucher,
	monitor loadReporter,
	logger zerolog.Logger,
) (*Gateway, error) {
	if hub == nil || presenceStore == nil || pipeline == nil || monitor == nil {
		return nil, fmt.Errorf("hub, presence store, pipeline and monitor are required")
	}

	instanceID := uuid.NewString()
	g := &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Implement a real origin check
				return true
			},
		},
		hub:        hub,
		presence:   presenceStore,
		pipeline:   pipeline,
		sessions:   sessions,
		monitor:    monitor,
		logger:     logger.With().Str("component", "Gateway").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(g.connectHandler)))
	g.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return g, nil
}

// Start runs the HTTP server for websocket connections.
func (g *Gateway) Start(_ context.Context) error {
	g.logger.Info().Str("addr", g.server.Addr).Msg("WebSocket server starting...")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("Shutting down WebSocket service...")
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	g.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

type authenticatePayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type sendMessagePayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
	TempID  string `json:"tempId"`
}

type relayPayload struct {
	To   string          `json:"to"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// session is the per-connection protocol state.
type session struct {
	conn   *fanout.Connection
	userID string
}

func (s *session) authenticated() bool { return s.userID != "" }

// connectHandler upgrades the request and runs the read loop until the
// client disconnects.
func (g *Gateway) connectHandler(w http.ResponseWriter, r *http.Request) {
	tokenUserID, _ := middleware.GetUserIDFromContext(r.Context())

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	ws.SetReadLimit(maxInboundFrameLen)

	sess := &session{conn: fanout.NewConnection(uuid.NewString())}
	g.hub.Add(sess.conn)
	g.monitor.ConnectionOpened()

	done := make(chan struct{})
	go g.writePump(ws, sess.conn, done)

	g.logger.Info().Str("conn", sess.conn.ID).Msg("Client connected.")

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var frame presence.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			g.logger.Warn().Str("conn", sess.conn.ID).Msg("Discarding malformed frame.")
			continue
		}
		g.dispatch(r.Context(), sess, tokenUserID, frame)
	}

	close(done)
	g.disconnect(sess)
	if err := ws.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("error closing connection")
	}
}

// writePump drains the hub's outbound buffer onto the wire.
func (g *Gateway) writePump(ws *websocket.Conn, conn *fanout.Connection, done <-chan struct{}) {
	for {
		select {
		case payload := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, sess *session, tokenUserID string, frame presence.Frame) {
	switch frame.Event {
	case presence.EventAuthenticate:
		g.handleAuthenticate(ctx, sess, tokenUserID, frame.Data)
	case presence.EventHeartbeat:
		g.handleHeartbeat(ctx, sess)
	case presence.EventSendMessage:
		g.handleSendMessage(ctx, sess, frame.Data)
	case presence.EventTyping, presence.EventSignal:
		g.handleRelay(sess, frame)
	default:
		g.logger.Warn().Str("event", frame.Event).Msg("Discarding unknown event.")
	}
}

// handleAuthenticate joins the user room. The first connection for a user
// flips them online.
func (g *Gateway) handleAuthenticate(ctx context.Context, sess *session, tokenUserID string, data json.RawMessage) {
	var payload authenticatePayload
	if data != nil {
		if err := json.Unmarshal(data, &payload); err != nil {
			g.authError(sess, "malformed authenticate payload")
			return
		}
	}
	if payload.UserID == "" {
		g.authError(sess, presence.ErrAuthenticationMissing.Error())
		return
	}
	if tokenUserID != "" && tokenUserID != payload.UserID {
		g.authError(sess, "identity mismatch")
		return
	}
	if sess.authenticated() {
		g.ackAuth(sess)
		return
	}

	sess.userID = payload.UserID
	g.hub.Join(sess.conn, sess.userID)

	if g.hub.RoomSize(sess.userID) == 1 {
		meta := map[string]string{}
		if payload.DisplayName != "" {
			meta["displayName"] = payload.DisplayName
		}
		if err := g.presence.MarkOnline(ctx, sess.userID, "websocket", meta); err != nil {
			g.logger.Error().Err(err).Str("user", sess.userID).Msg("Failed to mark user online.")
		}
	}
	g.logger.Info().Str("user", sess.userID).Str("conn", sess.conn.ID).Msg("User authenticated.")
	g.ackAuth(sess)
}

func (g *Gateway) ackAuth(sess *session) {
	frame, err := presence.NewFrame(presence.EventAuthOK, map[string]any{
		"userId":      sess.userID,
		"load":        g.monitor.Classification(),
		"connections": g.monitor.ConnectionCount(),
	})
	if err != nil {
		return
	}
	sess.conn.Enqueue(frame)
}

func (g *Gateway) authError(sess *session, reason string) {
	frame, err := presence.NewFrame(presence.EventAuthError, map[string]string{"reason": reason})
	if err != nil {
		return
	}
	sess.conn.Enqueue(frame)
}

// handleHeartbeat renews the presence record and bumps last activity.
func (g *Gateway) handleHeartbeat(ctx context.Context, sess *session) {
	if !sess.authenticated() {
		return
	}
	if err := g.presence.MarkOnline(ctx, sess.userID, "heartbeat", nil); err != nil {
		g.logger.Warn().Err(err).Str("user", sess.userID).Msg("Heartbeat presence renewal failed.")
	}
	if g.sessions != nil {
		if err := g.sessions.UpdateLastActivity(ctx, sess.userID); err != nil {
			g.logger.Warn().Err(err).Str("user", sess.userID).Msg("Last-activity bump failed.")
		}
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, sess *session, data json.RawMessage) {
	if !sess.authenticated() {
		g.authError(sess, "authenticate first")
		return
	}
	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.logger.Warn().Str("conn", sess.conn.ID).Msg("Discarding malformed send_message payload.")
		return
	}

	_, err := g.pipeline.Send(ctx, sess.userID, payload.To, payload.Content, payload.TempID)
	if err == nil {
		return
	}

	var admission *presence.AdmissionError
	switch {
	case errors.As(err, &admission):
		frame, ferr := presence.NewFrame(presence.EventMessageRateLimited, map[string]any{
			"tempId": payload.TempID,
			"limit":  admission.Limit,
			"count":  admission.Count,
			"load":   admission.LoadClass,
		})
		if ferr == nil {
			sess.conn.Enqueue(frame)
		}
	case errors.Is(err, presence.ErrSelfMessage):
		frame, ferr := presence.NewFrame(presence.EventMessageFailed, map[string]string{
			"tempId": payload.TempID,
			"state":  string(presence.DeliveryFailed),
			"reason": "self message",
		})
		if ferr == nil {
			sess.conn.Enqueue(frame)
		}
	default:
		g.logger.Error().Err(err).Str("user", sess.userID).Msg("Message send failed before admission.")
	}
}

// handleRelay forwards typing and signalling frames to the target user room
// without interpreting the payload.
func (g *Gateway) handleRelay(sess *session, frame presence.Frame) {
	if !sess.authenticated() {
		return
	}
	var payload relayPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.To == "" {
		g.logger.Warn().Str("conn", sess.conn.ID).Str("event", frame.Event).Msg("Discarding malformed relay payload.")
		return
	}
	payload.From = sess.userID
	out, err := presence.NewFrame(frame.Event, payload)
	if err != nil {
		return
	}
	g.hub.ToUser(payload.To, out)
}

// disconnect tears the connection down. The user's last device flips them
// offline; persistence never blocks the close path.
func (g *Gateway) disconnect(sess *session) {
	userID, remaining := g.hub.Remove(sess.conn)
	g.monitor.ConnectionClosed()

	if userID == "" {
		g.logger.Info().Str("conn", sess.conn.ID).Msg("Unauthenticated client disconnected.")
		return
	}
	g.logger.Info().Str("user", userID).Str("conn", sess.conn.ID).Int("remaining", remaining).Msg("User disconnected.")
	if remaining > 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := g.presence.MarkOffline(ctx, userID, "disconnect", nil); err != nil {
			g.logger.Error().Err(err).Str("user", userID).Msg("Failed to mark user offline.")
		}
		if g.sessions != nil {
			if err := g.sessions.UpdateLastActivity(ctx, userID); err != nil {
				g.logger.Warn().Err(err).Str("user", userID).Msg("Last-activity fallback write failed.")
			}
		}
	}()
}
