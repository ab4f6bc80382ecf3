package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/rpc"
	"github.com/coder/websocket"
	"github.com/elnormous/contenttype"
)

// SessionIDHeader carries the session id on the stream response and on
// follow-up requests.
const SessionIDHeader = "Mcp-Session-Id"

const (
	sessionIDQuery = "session_id"

	// maxMessageBytes caps one follow-up body or WebSocket message.
	maxMessageBytes = 1 << 20

	// maxInlineBody caps the body of the POST that opens a stream.
	maxInlineBody = 8 << 20
)

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}

	inboundMediaTypes = []contenttype.MediaType{
		contenttype.NewMediaType("application/json"),
		contenttype.NewMediaType("application/x-ndjson"),
	}
)

// Authenticator resolves the bearer token of a request and answers
// failures with a challenge. *auth.Provider implements it.
type Authenticator interface {
	Authenticate(r *http.Request) (*models.AccessToken, error)
	WriteChallenge(w http.ResponseWriter, r *http.Request, err error)
}

// HTTPHandler serves the stream endpoint and its WebSocket variant.
type HTTPHandler struct {
	manager *Manager
	auth    Authenticator
	logger  *slog.Logger

	// OriginPatterns lists hosts allowed to open WebSocket sessions from
	// a browser. Requests without an Origin header are always allowed.
	OriginPatterns []string
}

// NewHandler creates the stream handler.
func NewHandler(m *Manager, a Authenticator, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{manager: m, auth: a, logger: logger}
}

// ServeHTTP handles GET (open a stream), POST (open a stream fed by the
// request body, or deliver follow-up requests to an existing session)
// and DELETE (close a session).
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	at, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.openStream(w, r, at, nil)
	case http.MethodPost:
		if id := sessionID(r); id != "" {
			h.followUp(w, r, at, id)
			return
		}

		if !acceptableContentType(r) {
			http.Error(w, "content type must be application/json or application/x-ndjson", http.StatusUnsupportedMediaType)
			return
		}

		h.openStream(w, r, at, http.MaxBytesReader(w, r.Body, maxInlineBody))
	case http.MethodDelete:
		h.deleteSession(w, r, at)
	}
}

func (h *HTTPHandler) openStream(w http.ResponseWriter, r *http.Request, at *models.AccessToken, body io.Reader) {
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("stream: response writer does not support flushing")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	s, err := h.manager.Open(at, TransportSSE)
	if err != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.Close(ReasonDisconnect)

	if body != nil {
		// Reads of the inline body interleave with stream writes.
		if err := http.NewResponseController(w).EnableFullDuplex(); err != nil {
			s.logger.Debug("full duplex unavailable", slog.String("error", err.Error()))
		}
	}

	hdr := w.Header()
	hdr.Set("Content-Type", eventStreamMediaType.String())
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set(SessionIDHeader, s.ID())
	w.WriteHeader(http.StatusOK)

	var fed chan struct{}

	if body != nil {
		fed = make(chan struct{})

		go func() {
			defer close(fed)

			if err := feed(s, body); err != nil {
				s.logger.Debug("inline body ended", slog.String("error", err.Error()))
			}
		}()
	}

	ctx := r.Context()

	if err := s.Run(ctx, newSSETransport(ctx, w, f)); err != nil {
		s.logger.Warn("stream ended", slog.String("error", err.Error()))
	}

	if fed != nil {
		stopFeed(w, s, fed)
	}
}

// stopFeed interrupts a pending read of the inline body and waits for
// the feeder, so the body is never read after the handler returns.
func stopFeed(w http.ResponseWriter, s *Session, fed <-chan struct{}) {
	select {
	case <-fed:
		return
	default:
	}

	if err := http.NewResponseController(w).SetReadDeadline(time.Now()); err != nil {
		s.logger.Debug("inline body read cannot be interrupted", slog.String("error", err.Error()))
		return
	}

	<-fed
}

func (h *HTTPHandler) followUp(w http.ResponseWriter, r *http.Request, at *models.AccessToken, id string) {
	s, err := h.manager.Get(id, at.ClientID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if !acceptableContentType(r) {
		http.Error(w, "content type must be application/json or application/x-ndjson", http.StatusUnsupportedMediaType)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		http.Error(w, "reading request body", http.StatusBadRequest)

		return
	}

	if len(bytes.TrimSpace(data)) == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	if err := feed(s, bytes.NewReader(data)); err != nil && s.State() == StateClosed {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set(SessionIDHeader, s.ID())
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) deleteSession(w http.ResponseWriter, r *http.Request, at *models.AccessToken) {
	id := sessionID(r)
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	if err := h.manager.Close(id, at.ClientID, ReasonDeleted); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ServeWebSocket runs a session over a WebSocket. Each text message is
// one request, notification or batch. It is normally mounted behind
// auth middleware.
func (h *HTTPHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	at, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	s, err := h.manager.Open(at, TransportWebSocket)
	if err != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.Close(ReasonDisconnect)

	w.Header().Set(SessionIDHeader, s.ID())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	conn.SetReadLimit(maxMessageBytes)
	s.logger.Debug("websocket accepted", slog.String("ip", auth.RequestRemoteIP(r.Context())))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}

			if typ != websocket.MessageText {
				continue
			}

			if err := s.Submit(data); err != nil {
				return
			}
		}
	}()

	if err := s.Run(ctx, &wsTransport{conn: conn}); err != nil {
		s.logger.Warn("websocket stream ended", slog.String("error", err.Error()))
		_ = conn.CloseNow()

		return
	}

	_ = conn.Close(websocket.StatusNormalClosure, s.CloseReason())
}

// authenticate returns the token already resolved by auth middleware,
// or validates the request itself. On failure the challenge has been
// written.
func (h *HTTPHandler) authenticate(w http.ResponseWriter, r *http.Request) (*models.AccessToken, bool) {
	if at := auth.RequestToken(r.Context()); at != nil {
		return at, true
	}

	at, err := h.auth.Authenticate(r)
	if err != nil {
		h.auth.WriteChallenge(w, r, err)
		return nil, false
	}

	return at, true
}

// feed decodes consecutive JSON values from r (NDJSON, a single object
// or a batch array) and submits each to s. A syntax error is answered
// with a parse error and ends the input.
func feed(s *Session, r io.Reader) error {
	dec := json.NewDecoder(r)

	for {
		var raw json.RawMessage

		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.reject(rpc.NewError(nil, rpc.ErrParse()))
			}

			return err
		}

		if err := s.Submit(raw); err != nil {
			return err
		}
	}
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(SessionIDHeader); id != "" {
		return id
	}

	return r.URL.Query().Get(sessionIDQuery)
}

func acceptableContentType(r *http.Request) bool {
	if r.Header.Get("Content-Type") == "" {
		return true
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil {
		return false
	}

	for _, mt := range inboundMediaTypes {
		if ctype.Matches(mt) {
			return true
		}
	}

	return false
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, Mcp-Session-Id, Mcp-Protocol-Version")
	h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id, WWW-Authenticate")
}
