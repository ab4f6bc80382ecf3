package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Transport names.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// SSE comment frames. Parsers ignore comments, so neither reaches the
// application layer.
var (
	primingFrame   = []byte(": connected\n\n")
	keepaliveFrame = []byte(": keepalive\n\n")
)

// sseTransport writes server-sent events to an HTTP response. Writes
// and flushes are serialized and refused once the request context ends.
type sseTransport struct {
	mu  sync.Mutex
	w   io.Writer
	f   http.Flusher
	ctx context.Context
}

func newSSETransport(ctx context.Context, w io.Writer, f http.Flusher) *sseTransport {
	return &sseTransport{w: w, f: f, ctx: ctx}
}

func (t *sseTransport) Name() string { return TransportSSE }

func (t *sseTransport) Prime(context.Context) error {
	return t.write(primingFrame)
}

func (t *sseTransport) Keepalive(context.Context) error {
	return t.write(keepaliveFrame)
}

// Send writes msg as one event. Every line of msg becomes a data field.
func (t *sseTransport) Send(_ context.Context, msg []byte) error {
	var buf bytes.Buffer

	for _, line := range bytes.Split(bytes.TrimRight(msg, "\n"), []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')

	return t.write(buf.Bytes())
}

func (t *sseTransport) write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ctx.Err(); err != nil {
		return err
	}

	if _, err := t.w.Write(frame); err != nil {
		return err
	}

	t.f.Flush()

	return nil
}

// pingTimeout bounds a WebSocket keepalive round trip.
const pingTimeout = 10 * time.Second

// wsTransport sends each message as one text frame and keeps the
// connection alive with protocol pings. Ping needs a concurrent reader,
// which the handler always runs.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Name() string { return TransportWebSocket }

func (t *wsTransport) Prime(context.Context) error { return nil }

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, msg)
}

func (t *wsTransport) Keepalive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return t.conn.Ping(ctx)
}
