package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sakif/script-playground/internal/apperror"
	"github.com/sakif/script-playground/internal/auth"
	"github.com/sakif/script-playground/internal/render"
	"github.com/sakif/script-playground/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Gauge is the part of a metric the stream handler moves. prometheus.Gauge
// satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// SessionHandler exposes the dispatcher over HTTP and a websocket stream.
type SessionHandler struct {
	sessions      *session.Manager
	tokens        *auth.TokenService
	maxCodeLength int
	streams       Gauge
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

// NewSessionHandler creates a SessionHandler. tokens may be nil, in which
// case sessions are created without a token. streams may be nil.
func NewSessionHandler(sessions *session.Manager, tokens *auth.TokenService, maxCodeLength int, streams Gauge, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:      sessions,
		tokens:        tokens,
		maxCodeLength: maxCodeLength,
		streams:       streams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

type createSessionResponse struct {
	ID    string        `json:"id"`
	Token string        `json:"token,omitempty"`
	State session.State `json:"state"`
}

type runRequest struct {
	Code string `json:"code"`
}

type runResponse struct {
	ID    string        `json:"id"`
	State session.State `json:"state"`
}

type linesResponse struct {
	ID    string        `json:"id"`
	State session.State `json:"state"`
	Lines []render.Line `json:"lines"`
}

// streamMessage is one websocket frame sent to the browser.
type streamMessage struct {
	Type    string        `json:"type"`
	State   session.State `json:"state"`
	Lines   []render.Line `json:"lines,omitempty"`
	Line    *render.Line  `json:"line,omitempty"`
	Message string        `json:"message,omitempty"`
}

// clientMessage is one websocket frame sent by the browser.
type clientMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// HandleCreate serves POST /api/sessions.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Create()
	if err != nil {
		writeError(w, err)
		return
	}

	resp := createSessionResponse{ID: s.ID(), State: s.State()}
	if h.tokens != nil {
		token, err := h.tokens.Issue(s.ID())
		if err != nil {
			h.logger.Error("failed to issue session token", slog.String("error", err.Error()))
			_ = h.sessions.Delete(s.ID())
			writeError(w, err)
			return
		}
		resp.Token = token
	}

	writeJSON(w, http.StatusCreated, resp)
}

// HandleDelete serves DELETE /api/sessions/{id}.
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRun serves POST /api/sessions/{id}/run. Empty code is a valid run.
func (h *SessionHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.validateCode(req.Code); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Run(req.Code); err != nil {
		writeError(w, sessionError(s.ID(), err))
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{ID: s.ID(), State: s.State()})
}

// HandleLines serves GET /api/sessions/{id}/lines.
func (h *SessionHandler) HandleLines(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	lines, err := s.Lines()
	if err != nil {
		writeError(w, sessionError(s.ID(), err))
		return
	}
	if lines == nil {
		lines = []render.Line{}
	}
	writeJSON(w, http.StatusOK, linesResponse{ID: s.ID(), State: s.State(), Lines: lines})
}

// HandleStream serves GET /api/sessions/{id}/stream. After the upgrade the
// client receives a snapshot of the display and then every update. It may
// send {"type":"run","code":...} to start a run.
func (h *SessionHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if h.streams != nil {
		h.streams.Inc()
		defer h.streams.Dec()
	}

	lines, updates, cancel, err := s.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), time.Now().Add(writeWait))
		return
	}
	defer cancel()

	logger := h.logger.With(slog.String("session", s.ID()))
	replies := make(chan streamMessage, 8)
	readDone := make(chan struct{})
	go h.readPump(conn, s, replies, readDone, logger)

	if err := h.write(conn, streamMessage{Type: "snapshot", State: s.State(), Lines: lines}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(writeWait))
				return
			}
			if err := h.write(conn, toStreamMessage(u, s.State())); err != nil {
				return
			}
		case msg := <-replies:
			if err := h.write(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}

// readPump is the only reader of conn. Replies go to the writer through
// replies since a websocket allows one concurrent writer.
func (h *SessionHandler) readPump(conn *websocket.Conn, s *session.Session, replies chan<- streamMessage, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(int64(h.maxCodeLength) + 4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var reply *streamMessage
		switch msg.Type {
		case "run":
			if err := h.validateCode(msg.Code); err != nil {
				reply = &streamMessage{Type: "error", Message: err.Error()}
			} else if err := s.Run(msg.Code); err != nil {
				reply = &streamMessage{Type: "error", Message: "session closed"}
			}
		case "ping":
			reply = &streamMessage{Type: "pong", State: s.State()}
		default:
			reply = &streamMessage{Type: "error", Message: fmt.Sprintf("unknown message type %q", msg.Type)}
		}

		if reply != nil {
			select {
			case replies <- *reply:
			default:
				logger.Warn("dropping websocket reply", slog.String("type", reply.Type))
			}
		}
	}
}

func (h *SessionHandler) write(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (h *SessionHandler) validateCode(code string) error {
	if h.maxCodeLength > 0 && len(code) > h.maxCodeLength {
		return apperror.ValidationFailed("code", fmt.Sprintf("code must be %d bytes or less", h.maxCodeLength))
	}
	return nil
}

func toStreamMessage(u session.Update, state session.State) streamMessage {
	if u.Reset {
		return streamMessage{Type: "reset", State: state}
	}
	return streamMessage{Type: "line", State: state, Line: u.Line}
}

// sessionError turns a session that ended between lookup and use into a
// not-found.
func sessionError(id string, err error) error {
	if errors.Is(err, session.ErrClosed) {
		return apperror.NotFound("session", id)
	}
	return err
}
