package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voicegate/voicegate/internal/presence"
	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/providers/agent"
	"github.com/voicegate/voicegate/internal/providers/speech"
	"github.com/voicegate/voicegate/internal/providers/transcription"
	"github.com/voicegate/voicegate/internal/session"
)

const writeTimeout = 10 * time.Second

// Providers bundles the three pluggable collaborators a session needs.
type Providers struct {
	Transcription transcription.Provider
	Agent         agent.Processor
	Speech        speech.Provider
}

type WSHandler struct {
	registry    *session.Registry
	guard       presence.Guard
	providers   Providers
	idleTimeout time.Duration
	instanceID  string
	log         *logrus.Logger
	upgrader    websocket.Upgrader
}

func NewWSHandler(registry *session.Registry, guard presence.Guard, providers Providers, idleTimeout time.Duration, instanceID string, log *logrus.Logger) *WSHandler {
	return &WSHandler{
		registry:    registry,
		guard:       guard,
		providers:   providers,
		idleTimeout: idleTimeout,
		instanceID:  instanceID,
		log:         log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

// wsConn serializes writes; gorilla/websocket allows one writer at a time
// while the session layer sends from several goroutines.
type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.c.WriteMessage(messageType, data)
}

func (w *wsConn) close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return w.c.Close()
}

// socketSink adapts wsConn to the session's transport contract.
type socketSink struct {
	conn *wsConn
}

func (s *socketSink) SendJSON(ev protocol.ServerEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.write(websocket.TextMessage, b)
}

func (s *socketSink) SendBinary(chunk []byte) error {
	return s.conn.write(websocket.BinaryMessage, chunk)
}

func (s *socketSink) Close(code int, reason string) error {
	return s.conn.close(code, reason)
}

// VoiceWS upgrades the request and runs the session read pump until the
// socket goes away.
func (h *WSHandler) VoiceWS(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}

	wc := &wsConn{c: conn}
	sess := session.New(session.Options{
		UserID:        userID,
		Transcription: h.providers.Transcription,
		Agent:         h.providers.Agent,
		Speech:        h.providers.Speech,
		Sink:          &socketSink{conn: wc},
		IdleTimeout:   h.idleTimeout,
		Logger:        h.log,
	})

	log := h.log.WithField("user_id", userID)

	// Evict any previous connection for this user, then claim ownership
	// across instances. A claim held elsewhere is advisory: the other
	// instance's claim lapses when its socket dies.
	h.registry.Replace(userID, sess)
	ctx := c.Request.Context()
	if ok, prev, gerr := h.guard.Acquire(ctx, userID, h.instanceID, h.idleTimeout); gerr != nil {
		log.WithError(gerr).Warn("presence acquire")
	} else if !ok {
		log.WithField("instance", prev).Info("user session live on another instance")
	}

	// Keep the claim alive for the lifetime of the socket.
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(h.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				if err := h.guard.Refresh(refreshCtx, userID, h.instanceID, h.idleTimeout); err != nil {
					log.WithError(err).Debug("presence refresh")
				}
			}
		}
	}()

	sess.HandleOpen()
	code, reason := h.readPump(conn, sess)
	sess.HandleClose(code, reason)

	stopRefresh()
	h.registry.Remove(userID, sess)
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.guard.Release(releaseCtx, userID, h.instanceID); err != nil {
		log.WithError(err).Warn("presence release")
	}
	_ = conn.Close()
}

func (h *WSHandler) readPump(conn *websocket.Conn, sess *session.Session) (code int, reason string) {
	deadline := h.idleTimeout + 30*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(deadline))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code, ce.Text
			}
			return websocket.CloseAbnormalClosure, err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		switch msgType {
		case websocket.TextMessage:
			sess.HandleText(data)
		case websocket.BinaryMessage:
			sess.HandleBinary(data)
		}
	}
}
