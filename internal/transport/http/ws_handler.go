package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"daily-atlas-service/internal/app"
	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/identity"
	"daily-atlas-service/internal/logger"
)

// WSHandler runs the play protocol over a websocket: one connection is one play session.
type WSHandler struct {
	service  *app.Service
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewWSHandler(service *app.Service, log *logger.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.OrNop(log),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Ordinal int  `json:"ordinal"`
	Choice  *int `json:"choice"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ServeWS upgrades the request and opens today's session for the caller. Session events are
// forwarded as they happen; inbound messages drive the session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, domain.ErrUnauthenticated)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	session, err := h.service.Open(ctx, who)
	if err != nil {
		_ = conn.WriteJSON(errorMessage(err))
		return
	}
	defer h.service.Close(session.ID())

	events, cancel := session.Subscribe()
	defer cancel()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	// Single writer: gorilla connections do not support concurrent writes.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write error", "session_id", session.ID(), "err", err)
				return
			}
		}
	}()

	go func() {
		defer close(eventsDone)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: string(ev.Type), Payload: ev}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if err := h.dispatch(r, session.ID(), inbound); err != nil {
			// already_played arrives as a session event
			if errors.Is(err, domain.ErrDuplicateAttempt) {
				continue
			}
			if status, _ := classify(err); status == http.StatusInternalServerError {
				h.log.Error("ws command failed", "session_id", session.ID(), "type", inbound.Type, "err", err)
			}
			select {
			case send <- errorMessage(err):
			case <-writerDone:
			}
		}
	}

	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(r *http.Request, sessionID string, msg inboundMessage) error {
	ctx := r.Context()
	switch msg.Type {
	case "start":
		_, err := h.service.Start(ctx, sessionID)
		return err
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return errBadPayload
		}
		choice := domain.NoAnswer
		if payload.Choice != nil {
			choice = *payload.Choice
		}
		_, err := h.service.Submit(ctx, sessionID, payload.Ordinal, choice)
		return err
	case "advance":
		_, _, err := h.service.Advance(ctx, sessionID)
		return err
	case "finish":
		_, err := h.service.Finish(ctx, sessionID)
		return err
	default:
		return errUnsupported
	}
}

var (
	errBadPayload  = errors.New("invalid payload")
	errUnsupported = errors.New("unsupported message type")
)

func errorMessage(err error) outboundMessage {
	_, payload := classify(err)
	switch {
	case errors.Is(err, errBadPayload):
		payload = errorPayload{Code: "bad_request", Message: err.Error()}
	case errors.Is(err, errUnsupported):
		payload = errorPayload{Code: "unsupported", Message: err.Error()}
	}
	return outboundMessage{Type: "error", Payload: payload}
}
