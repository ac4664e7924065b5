// Package httpapi wires the two WebSocket surfaces (§6.1, §6.2) onto gin
// routes, in the teacher's internal/http/handler + internal/http/router
// split. EngagementHandler upgrades a client connection, reads its opening
// start/resume frame, and drives the ReAct Engine loop over it; SyncHandler
// hands an upgraded connection straight to the Collaborative Sync Hub.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/engine"
	"github.com/basegraph-relay/reactor/internal/store"
	"github.com/basegraph-relay/reactor/internal/wsbus"
)

// startMessage is the first client-bound frame on an engagement socket
// (§6.1): either a fresh "start" or a "resume" of a previously paused
// session.
type startMessage struct {
	Type           string   `json:"type"`
	Goal           string   `json:"goal"`
	SessionID      string   `json:"session_id"`
	ChatID         string   `json:"chat_id,omitempty"`
	Files          []string `json:"files,omitempty"`
	HistorySummary string   `json:"history_summary,omitempty"`
	FileFocus      string   `json:"file_focus,omitempty"`
	IntentRoute    string   `json:"intent_route,omitempty"`
}

// controlMessage is a subsequent client frame (§6.1): {type:"cancel"}.
// "resume" only ever arrives as the opening frame of a new connection,
// since the socket closes once Execute returns (§1 "a session is pinned to
// one process", no mid-stream resume).
type controlMessage struct {
	Type string `json:"type"`
}

// EngagementHandler upgrades and drives one ReAct session per connection.
type EngagementHandler struct {
	engine       *engine.Engine
	sessions     *store.SessionStore
	writeTimeout time.Duration
}

// NewEngagementHandler builds an EngagementHandler.
func NewEngagementHandler(eng *engine.Engine, sessions *store.SessionStore, writeTimeout time.Duration) *EngagementHandler {
	return &EngagementHandler{engine: eng, sessions: sessions, writeTimeout: writeTimeout}
}

// Serve upgrades the request and blocks until the ReAct loop it drives
// reaches a terminal or paused state.
func (h *EngagementHandler) Serve(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist sourced from
		// config once the dashboard's deploy origins are finalized.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	bus := wsbus.New(conn, h.writeTimeout)
	ctx := c.Request.Context()

	var start startMessage
	if err := bus.ReadClientMessage(ctx, &start); err != nil {
		_ = bus.Close(wsbus.StatusError, "no opening frame")
		return
	}

	pc := domain.ProjectContext{
		Client:  c.Param("client"),
		App:     c.Param("app"),
		Project: c.Param("project"),
	}
	mode := domain.Mode(c.DefaultQuery("mode", string(domain.ModeLaboratory)))

	var sess *domain.Session
	switch start.Type {
	case "start":
		if start.SessionID == "" || start.Goal == "" {
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindError, Payload: map[string]any{"message": "start requires session_id and goal"}})
			_ = bus.Close(wsbus.StatusError, "invalid start frame")
			return
		}
		sess = domain.NewSession(start.SessionID, start.Goal, pc, mode, start.Files)
	case "resume":
		if start.SessionID == "" {
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindError, Payload: map[string]any{"message": "resume requires session_id"}})
			_ = bus.Close(wsbus.StatusError, "invalid resume frame")
			return
		}
		resumed, rerr := h.sessions.Resume(ctx, start.SessionID)
		if rerr != nil {
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindError, Payload: map[string]any{"message": "no paused session to resume"}})
			_ = bus.Close(wsbus.StatusError, "unknown session")
			return
		}
		sess = resumed
	default:
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindError, Payload: map[string]any{"message": "expected start or resume"}})
		_ = bus.Close(wsbus.StatusError, "unexpected opening frame")
		return
	}

	_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindConnected, Payload: map[string]any{"session_id": sess.SessionID}})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go h.watchForCancel(watchCtx, bus, sess.SessionID)

	status, err := h.engine.Execute(ctx, sess, bus)
	if err != nil {
		slog.ErrorContext(ctx, "engagement run ended in error", "session_id", sess.SessionID, "error", err)
		_ = bus.Close(wsbus.StatusError, "workflow error")
		return
	}

	_ = bus.Close(closeCodeFor(status), string(status))
}

// watchForCancel reads subsequent client frames looking for {type:"cancel"}
// and forwards it to the engine; any read error (including the socket
// closing once Execute returns) ends the goroutine.
func (h *EngagementHandler) watchForCancel(ctx context.Context, bus *wsbus.Bus, sessionID string) {
	for {
		var msg controlMessage
		if err := bus.ReadClientMessage(ctx, &msg); err != nil {
			return
		}
		if msg.Type == "cancel" {
			h.engine.Cancel(sessionID)
			return
		}
	}
}

func closeCodeFor(status engine.Status) websocket.StatusCode {
	switch status {
	case engine.StatusCompleted, engine.StatusStopped, engine.StatusPausedGeneration:
		return wsbus.StatusNormal
	default:
		return wsbus.StatusError
	}
}
