// Package dispatch maps JSON-RPC method names to handlers. It is the
// boundary between the stream transport and the tool collaborators:
// unknown methods become "method not found", and any failure inside a
// handler becomes a generic internal error whose detail is only logged.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/toolgate/internal/audit"
	"github.com/alexjbarnes/toolgate/internal/instrumentation"
	"github.com/alexjbarnes/toolgate/internal/rpc"
	"github.com/tidwall/gjson"
)

// Error is a handler error carrying a specific JSON-RPC code. Handlers
// return it to surface a precise error such as invalid params; any other
// error type is reported to the client as an internal error.
type Error = rpc.Error

// HandlerFunc handles one method. The returned value is marshaled as the
// JSON-RPC result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Recorder persists an audit entry per dispatched request.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher is a method registry. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	logger   *slog.Logger
	recorder Recorder
	metrics  *instrumentation.Metrics
	now      func() time.Time
}

// New creates an empty dispatcher.
func New(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
		metrics:  instrumentation.Noop(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Register adds a handler for method, replacing any existing one.
func (d *Dispatcher) Register(method string, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[method] = h
	d.mu.Unlock()
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}

	sort.Strings(out)

	return out
}

// Dispatch invokes the handler for method. On failure the returned
// *rpc.Error is safe to send to the client.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpc.Error) {
	start := d.now()
	result, rpcErr := d.invoke(ctx, method, params)
	elapsed := d.now().Sub(start)

	status := audit.StatusOK
	code := 0

	if rpcErr != nil {
		status = audit.StatusError
		code = rpcErr.Code
	}

	d.metrics.RecordDispatch(ctx, method, status, elapsed)
	d.record(ctx, method, params, status, code, elapsed)

	return result, rpcErr
}

// Handle dispatches a decoded request and builds its response. It
// returns nil for notifications, which are never answered.
func (d *Dispatcher) Handle(ctx context.Context, req *rpc.Request) *rpc.Response {
	result, rpcErr := d.Dispatch(ctx, req.Method, req.Params)

	if req.IsNotification() {
		if rpcErr != nil {
			d.logger.Debug("notification dropped",
				slog.String("method", req.Method),
				slog.Int("code", rpcErr.Code),
			)
		}

		return nil
	}

	if rpcErr != nil {
		return rpc.NewError(req.ID, rpcErr)
	}

	return rpc.NewResult(req.ID, result)
}

func (d *Dispatcher) invoke(ctx context.Context, method string, params json.RawMessage) (result json.RawMessage, rpcErr *rpc.Error) {
	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()

	if !ok {
		return nil, rpc.ErrMethodNotFound(method)
	}

	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("handler panic",
				slog.String("method", method),
				slog.String("panic", fmt.Sprint(p)),
				slog.String("stack", string(debug.Stack())),
			)

			result, rpcErr = nil, rpc.ErrInternal()
		}
	}()

	v, err := h(ctx, params)
	if err != nil {
		var coded *rpc.Error
		if errors.As(err, &coded) {
			return nil, coded
		}

		d.logger.Error("handler failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)

		return nil, rpc.ErrInternal()
	}

	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("marshaling handler result",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)

		return nil, rpc.ErrInternal()
	}

	return data, nil
}

func (d *Dispatcher) record(ctx context.Context, method string, params json.RawMessage, status string, code int, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}

	caller := CallerFrom(ctx)

	e := audit.Entry{
		Time:      d.now().UTC(),
		Method:    method,
		SessionID: caller.SessionID,
		ClientID:  caller.ClientID,
		Status:    status,
		ErrorCode: code,
		Duration:  elapsed,
	}

	if method == "tools/call" && len(params) > 0 {
		e.Tool = gjson.GetBytes(params, "name").String()
	}

	if err := d.recorder.Record(ctx, e); err != nil {
		d.logger.Warn("audit record failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
	}
}
