// Package relay implements the WebSocket harness transport: a long-lived
// connection per remote agent harness, carrying session lifecycle and
// review-comment frames into the same internal/workflow.Engine the HTTP
// transport calls.
//
// The frame shape is a typed envelope decoded with ReadJSON/WriteJSON
// over a gorilla/websocket.Conn, with a token presented before any other
// frame is accepted.
package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/logging"
	"overseer/internal/workflow"
)

// dedupeWindow bounds the ring buffer of recently-seen message ids, per
// spec §6's "within the last ≈10k" duplicate-suppression rule.
const dedupeWindow = 10_000

// Frame is one envelope exchanged over the relay connection. Kind
// dispatches to the matching Session/Payload field; unused fields are
// left zero.
type Frame struct {
	Kind      string          `json:"kind"`
	MessageID string          `json:"message_id"`
	Token     string          `json:"token,omitempty"`
	HarnessID string          `json:"harness_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	ReviewID  string          `json:"review_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Comment   *CommentPayload `json:"comment,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// CommentPayload carries a review_comment frame's comment body.
type CommentPayload struct {
	FilePath  string `json:"file_path"`
	LineStart *int   `json:"line_start"`
	LineEnd   *int   `json:"line_end"`
	Side      string `json:"side"`
	Body      string `json:"body"`
}

// Ack is the response the relay writes back for every frame it accepts
// or rejects.
type Ack struct {
	MessageID string `json:"message_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts harness WebSocket connections and drives the workflow
// engine on their behalf.
type Server struct {
	engine *workflow.Engine
	token  string
	logger logging.Logger
}

// New builds a Server. token is the shared secret an auth frame must
// present first; an empty token disables the check.
func New(engine *workflow.Engine, token string) *Server {
	return &Server{engine: engine, token: token, logger: logging.NewComponentLogger("transport.relay")}
}

// ServeHTTP upgrades the connection and runs its read loop until the
// client disconnects or sends a frame the protocol rejects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := &connHandler{
		server: s,
		conn:   conn,
		seen:   newDedupeRing(dedupeWindow),
	}
	c.run(r.Context())
}

type connHandler struct {
	server       *Server
	conn         *websocket.Conn
	seen         *dedupeRing
	mu           sync.Mutex
	authed       bool
	harnessID    string
}

func (c *connHandler) run(ctx context.Context) {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if c.harnessID != "" {
				_, _ = c.server.engine.SetHarnessConnected(ctx, domain.RequestContext{Source: domain.SourceRelay}, c.harnessID, false)
			}
			return
		}

		if c.server.token != "" && !c.authed {
			if frame.Kind != "auth" {
				c.writeAck(frame.MessageID, errkind.Internal("auth frame must come first"))
				continue
			}
			if frame.Token != c.server.token {
				c.writeAck(frame.MessageID, errkind.Internal("invalid relay token"))
				return
			}
			c.authed = true
			c.writeAck(frame.MessageID, nil)
			continue
		}

		if frame.MessageID != "" && c.seen.seenBefore(frame.MessageID) {
			c.writeAck(frame.MessageID, nil)
			continue
		}

		err := c.dispatch(ctx, frame)
		c.writeAck(frame.MessageID, err)
	}
}

func (c *connHandler) dispatch(ctx context.Context, frame Frame) error {
	reqCtx := domain.RequestContext{Source: domain.SourceRelay}

	switch frame.Kind {
	case "auth":
		return nil // already authed, or no token configured; treat as no-op
	case "register_harness":
		if _, err := c.server.engine.RegisterHarness(ctx, reqCtx, workflow.RegisterHarnessInput{HarnessID: frame.HarnessID}); err != nil {
			return err
		}
		if _, err := c.server.engine.SetHarnessConnected(ctx, reqCtx, frame.HarnessID, true); err != nil {
			return err
		}
		c.harnessID = frame.HarnessID
		return nil

	case "session_start":
		taskID, err := id.Parse(frame.TaskID, id.KindTask, id.KindSubtask)
		if err != nil {
			return errkind.Internal("invalid task_id: %v", err)
		}
		_, err = c.server.engine.StartSession(ctx, reqCtx, workflow.StartSessionInput{TaskID: taskID, HarnessID: frame.HarnessID})
		return err

	case "session_heartbeat":
		sessionID, err := id.Parse(frame.SessionID, id.KindSession)
		if err != nil {
			return errkind.Internal("invalid session_id: %v", err)
		}
		_, err = c.server.engine.HeartbeatSession(ctx, reqCtx, sessionID)
		return err

	case "session_complete":
		sessionID, err := id.Parse(frame.SessionID, id.KindSession)
		if err != nil {
			return errkind.Internal("invalid session_id: %v", err)
		}
		_, err = c.server.engine.CompleteSession(ctx, reqCtx, sessionID, workflow.CompleteSessionStatus(frame.Status), frame.Error)
		return err

	case "session_cancel":
		sessionID, err := id.Parse(frame.SessionID, id.KindSession)
		if err != nil {
			return errkind.Internal("invalid session_id: %v", err)
		}
		_, err = c.server.engine.CompleteSession(ctx, reqCtx, sessionID, workflow.CompleteCancelled, "")
		return err

	case "review_comment":
		reviewID, err := id.Parse(frame.ReviewID, id.KindReview)
		if err != nil {
			return errkind.Internal("invalid review_id: %v", err)
		}
		if frame.Comment == nil {
			return errkind.ReviewInvalidInput("review_comment frame missing comment payload")
		}
		_, err = c.server.engine.AddComment(ctx, reqCtx, reviewID, workflow.CommentInput{
			Author:    domain.AuthorAgent,
			FilePath:  frame.Comment.FilePath,
			LineStart: frame.Comment.LineStart,
			LineEnd:   frame.Comment.LineEnd,
			Side:      domain.CommentSide(frame.Comment.Side),
			Body:      frame.Comment.Body,
		})
		return err

	case "session_progress", "session_log":
		// Observability-only frames: no engine state transition, just
		// surfaced to whoever is watching the harness's logs.
		c.server.logger.Info("relay %s harness=%s session=%s: %s", frame.Kind, c.harnessID, frame.SessionID, frame.Message)
		return nil

	default:
		return errkind.Internal("unknown relay frame kind %q", frame.Kind)
	}
}

func (c *connHandler) writeAck(messageID string, err error) {
	ack := Ack{MessageID: messageID, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(ack)
}

// dedupeRing tracks the last n message ids seen, dropping repeats, per
// spec §6.
type dedupeRing struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newDedupeRing(cap int) *dedupeRing {
	return &dedupeRing{ids: make(map[string]struct{}, cap), cap: cap}
}

func (d *dedupeRing) seenBefore(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return true
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.ids, oldest)
	}
	return false
}
