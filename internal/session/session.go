// Package session runs authenticated streaming sessions. Each session
// owns a bounded outbound queue drained by a single writer, so frames
// never interleave, while requests are dispatched concurrently and their
// results are delivered in completion order.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/toolgate/internal/dispatch"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/instrumentation"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/rpc"
	"golang.org/x/sync/semaphore"
)

// State is a session lifecycle state.
type State int32

// Session states. CONNECTING covers the request before its token has
// been resolved, so a registered session starts AUTHENTICATED.
const (
	StateConnecting State = iota
	StateAuthenticated
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Close reasons, reported in logs and metrics.
const (
	ReasonDisconnect   = "disconnect"
	ReasonDeleted      = "deleted"
	ReasonShutdown     = "shutdown"
	ReasonWriteFailed  = "write_failed"
	ReasonTokenExpired = "token_expired"
)

// Defaults for Config.
const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultDispatchTimeout   = 30 * time.Second
	DefaultMaxConcurrent     = 16
	DefaultQueueSize         = 64
)

// Config tunes every session opened by a Manager.
type Config struct {
	// KeepaliveInterval is how long the writer may stay idle before it
	// emits a keepalive frame.
	KeepaliveInterval time.Duration

	// DispatchTimeout bounds each request. Dispatches run on a context
	// detached from the connection so a disconnect does not abort them.
	DispatchTimeout time.Duration

	// MaxConcurrent caps in-flight dispatches per session.
	MaxConcurrent int

	// QueueSize is the outbound queue capacity. A full queue makes
	// finished dispatches wait.
	QueueSize int

	// Greeting is sent after the priming frame when a stream starts.
	Greeting *rpc.Notification
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}

	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}

	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}

	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}

	return c
}

// Handler answers decoded requests. *dispatch.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, req *rpc.Request) *rpc.Response
}

// Transport writes frames to the peer. Only the session writer calls it,
// so implementations need not be safe for concurrent use.
type Transport interface {
	Name() string
	// Prime is written once, before anything else.
	Prime(ctx context.Context) error
	Send(ctx context.Context, msg []byte) error
	Keepalive(ctx context.Context) error
}

// Session is one authenticated stream.
type Session struct {
	id        string
	token     *models.AccessToken
	transport string
	cfg       Config
	handler   Handler
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	now       func() time.Time
	createdAt time.Time

	// lastActivity is unix nanoseconds of the last inbound message or
	// delivered frame.
	lastActivity atomic.Int64

	// base carries the caller identity for dispatches and is never
	// cancelled by the connection.
	base context.Context

	queue    chan []byte
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	// mu orders state changes against new in-flight work.
	mu sync.Mutex

	state     atomic.Int32
	life      context.Context
	cancel    context.CancelFunc
	done      <-chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
	onClose   func(*Session)
}

func newSession(id string, at *models.AccessToken, transport string, cfg Config, h Handler, logger *slog.Logger, metrics *instrumentation.Metrics) *Session {
	s := &Session{
		id:        id,
		token:     at,
		transport: transport,
		cfg:       cfg,
		handler:   h,
		logger:    logger.With(slog.String("session_id", id), slog.String("client_id", at.ClientID)),
		metrics:   metrics,
		now:       time.Now,
		queue:     make(chan []byte, cfg.QueueSize),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}

	s.createdAt = s.now()
	s.lastActivity.Store(s.createdAt.UnixNano())

	s.life, s.cancel = context.WithCancel(context.Background())
	s.done = s.life.Done()

	s.base = dispatch.WithCaller(context.Background(), dispatch.Caller{
		SessionID:    id,
		ClientID:     at.ClientID,
		Scope:        at.Scope,
		Transport:    transport,
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity,
	})
	s.state.Store(int32(StateAuthenticated))

	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ClientID returns the OAuth client bound to the session.
func (s *Session) ClientID() string { return s.token.ClientID }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns when the session last received a message or
// delivered a frame to the peer.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() { s.lastActivity.Store(s.now().UnixNano()) }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason returns why the session closed, or "" while open.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Close transitions the session to CLOSED. In-flight dispatches keep
// running but their results are discarded. Only the first call has an
// effect.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)

		s.mu.Lock()
		s.state.Store(int32(StateClosed))
		s.mu.Unlock()

		s.cancel()

		s.metrics.RecordSessionClosed(context.Background(), s.transport, reason)
		s.logger.Info("session closed", slog.String("reason", reason))

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Wait blocks until every in-flight dispatch has returned or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	finished := make(chan struct{})

	go func() {
		s.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit decodes a message (one request, one notification or a batch)
// and starts dispatching it. Each request runs on its own goroutine. A
// session whose token has expired is closed and accepts nothing more.
func (s *Session) Submit(data []byte) error {
	if s.token.Expired(s.now()) {
		s.Close(ReasonTokenExpired)
		return apperrors.ErrSessionClosed
	}

	msgs := rpc.Decode(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return apperrors.ErrSessionClosed
	}

	s.touch()

	for _, in := range msgs {
		if in.Reject != nil {
			s.logger.Debug("rejected inbound message", slog.Int("code", in.Reject.Error.Code))

			resp := in.Reject
			s.spawn(func() { s.deliver(resp) })

			continue
		}

		req := in.Request
		s.spawn(func() { s.dispatch(req) })
	}

	return nil
}

// reject queues an error answer for input that could not be decoded.
func (s *Session) reject(resp *rpc.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return
	}

	s.spawn(func() { s.deliver(resp) })
}

// spawn runs fn as tracked in-flight work. Callers hold s.mu.
func (s *Session) spawn(fn func()) {
	s.inflight.Add(1)

	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

func (s *Session) dispatch(req *rpc.Request) {
	// Acquire waits for a free slot unless the session closes first.
	if err := s.sem.Acquire(s.life, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(s.base, s.cfg.DispatchTimeout)
	defer cancel()

	resp := s.handler.Handle(ctx, req)
	if resp == nil {
		return
	}

	s.deliver(resp)
}

func (s *Session) deliver(resp *rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding response", slog.String("error", err.Error()))
		return
	}

	s.enqueue(data)
}

// enqueue waits for queue space. Results for a closed session are
// dropped.
func (s *Session) enqueue(data []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- data:
	case <-s.done:
	}
}

// Run is the session writer. It primes the stream, sends the greeting
// and then drains the queue, emitting a keepalive whenever it has been
// idle for the keepalive interval. It returns when ctx ends (client
// disconnect), the session is closed, the token expires or a write
// fails.
func (s *Session) Run(ctx context.Context, t Transport) error {
	if !s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateStreaming)) {
		return apperrors.ErrSessionClosed
	}

	s.metrics.RecordSessionOpened(ctx, t.Name())
	s.logger.Info("session streaming", slog.String("transport", t.Name()))

	if err := t.Prime(ctx); err != nil {
		return s.writeFailed(err)
	}

	if s.cfg.Greeting != nil {
		data, err := json.Marshal(s.cfg.Greeting)
		if err != nil {
			return fmt.Errorf("encoding greeting: %w", err)
		}

		if err := t.Send(ctx, data); err != nil {
			return s.writeFailed(err)
		}
	}

	idle := time.NewTimer(s.cfg.KeepaliveInterval)
	defer idle.Stop()

	// Expiry is independent of traffic, so a busy stream still ends.
	expiry := time.NewTimer(s.token.ExpiresAt.Sub(s.now()))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close(ReasonDisconnect)
			return nil

		case <-s.done:
			return nil

		case msg := <-s.queue:
			if err := t.Send(ctx, msg); err != nil {
				return s.writeFailed(err)
			}

			s.touch()
			s.metrics.RecordFrame(ctx, "message")
			resetTimer(idle, s.cfg.KeepaliveInterval)

		case <-expiry.C:
			s.Close(ReasonTokenExpired)
			return nil

		case <-idle.C:
			if err := t.Keepalive(ctx); err != nil {
				return s.writeFailed(err)
			}

			s.metrics.RecordKeepalive(ctx)
			idle.Reset(s.cfg.KeepaliveInterval)
		}
	}
}

func (s *Session) writeFailed(err error) error {
	s.Close(ReasonWriteFailed)
	return fmt.Errorf("%w: %w", apperrors.ErrStreamWrite, err)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	t.Reset(d)
}
