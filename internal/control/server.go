// Package control exposes the instance registry over a WebSocket.
//
// Each text frame from the client is a JSON [Request]. Every request gets
// exactly one reply ([TypeAck] or [TypeError]) carrying the request id.
// Instance operations are acknowledged as soon as they are queued; their
// outcome arrives later as [TypeTranscript] or [TypeFailure] messages on the
// connection that is listening to the instance.
//
// Outgoing messages go through a bounded queue drained by one writer
// goroutine per connection. Events that do not fit are dropped and counted;
// replies wait for room.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxscribe/internal/instance"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/registry"
	"github.com/MrWong99/voxscribe/pkg/types"
)

const (
	// DefaultBuffer is the default outgoing queue length per connection.
	DefaultBuffer = 256

	// DefaultReadLimit is the default maximum inbound frame size. feedBuffer
	// frames carry base64 PCM and easily exceed the websocket default.
	DefaultReadLimit = 8 << 20

	writeTimeout = 10 * time.Second
)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithBuffer sets the outgoing queue length per connection.
func WithBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithReadLimit sets the maximum inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns allows cross-origin clients whose Origin host matches
// one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server is an http.Handler serving the control protocol.
type Server struct {
	reg       *registry.Registry
	log       *slog.Logger
	metrics   *observe.Metrics
	buffer    int
	readLimit int64
	origins   []string

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a Server routing commands to reg.
func NewServer(reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		reg:       reg,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		buffer:    DefaultBuffer,
		readLimit: DefaultReadLimit,
		conns:     make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "control")
	return s
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		id:      uuid.NewString(),
		srv:     s,
		ws:      ws,
		out:     make(chan []byte, s.buffer),
		subs:    make(map[int64]*subscription),
		ctx:     ctx,
		cancel:  cancel,
		writerD: make(chan struct{}),
	}
	c.log = s.log.With("conn", c.id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ControlConnections.Add(ctx, 1)
	c.log.Info("control connection opened", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.metrics.ControlConnections.Add(context.WithoutCancel(ctx), -1)
		s.wg.Done()
	}()
	c.serve()
}

// Close disconnects every client and waits for their handlers to return.
// Later connections are refused.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("control: close connections: %w", ctx.Err())
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// conn is one client connection.
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger
	out chan []byte

	ctx     context.Context
	cancel  context.CancelFunc
	writerD chan struct{}

	mu   sync.Mutex
	subs map[int64]*subscription
}

func (c *conn) serve() {
	go c.writeLoop()
	defer func() {
		c.cancel()
		<-c.writerD
		c.releaseAll()
		c.ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.logClose(err)
			return
		}
		if typ != websocket.MessageText {
			c.reply(replyError(0, fmt.Errorf("%w: binary frames are not supported", registry.ErrInvalidParams)))
			continue
		}
		c.handle(data)
	}
}

func (c *conn) logClose(err error) {
	switch {
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		c.log.Info("control connection closed")
	case errors.Is(err, context.Canceled):
		c.log.Info("control connection closed by server")
	default:
		c.log.Warn("control connection failed", "err", err)
	}
}

func (c *conn) handle(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.srv.metrics.RecordControlMessage(c.ctx, "", "error")
		c.reply(replyError(0, fmt.Errorf("%w: decode request: %v", registry.ErrInvalidParams, err)))
		return
	}

	ctx, span := observe.StartSpan(c.ctx, "control."+req.Method)
	defer span.End()

	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodListen:
		err = c.listen(req.Instance)
	case MethodCancel:
		err = c.unlisten(req.Instance)
	default:
		result, err = c.srv.reg.Dispatch(ctx, registry.Command{
			Instance: req.Instance,
			Method:   req.Method,
			Params:   req.Params,
		})
	}

	if err != nil {
		span.RecordError(err)
		c.srv.metrics.RecordControlMessage(ctx, req.Method, "error")
		observe.With(c.log, ctx).Debug("command rejected",
			"id", req.ID, "instance", req.Instance, "method", req.Method, "err", err)
		c.reply(replyError(req.ID, err))
		return
	}
	c.srv.metrics.RecordControlMessage(ctx, req.Method, "ok")
	c.reply(ack(req.ID, result))
}

// listen makes this connection the subscriber of instance id, replacing any
// other listener.
func (c *conn) listen(id int64) error {
	inst, ok := c.srv.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", registry.ErrUnknownInstance, id)
	}
	c.mu.Lock()
	sub, ok := c.subs[id]
	if !ok {
		sub = &subscription{conn: c}
		c.subs[id] = sub
	}
	c.mu.Unlock()

	if !inst.Events().Attach(sub) {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return fmt.Errorf("instance %d: %w", id, instance.ErrDisconnected)
	}
	return nil
}

// unlisten detaches one listener from instance id.
func (c *conn) unlisten(id int64) error {
	inst, ok := c.srv.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", registry.ErrUnknownInstance, id)
	}
	inst.Events().Detach()
	c.mu.Lock()
	if !inst.Events().Subscribed() {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	return nil
}

// releaseAll drops this connection's subscriptions without clearing
// listeners that replaced it.
func (c *conn) releaseAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[int64]*subscription)
	c.mu.Unlock()

	for id, sub := range subs {
		if inst, ok := c.srv.reg.Get(id); ok {
			inst.Events().Release(sub)
		}
	}
}

// reply queues m, waiting for room unless the connection is closing.
func (c *conn) reply(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		c.log.Error("failed to encode reply", "err", err)
		return
	}
	select {
	case c.out <- data:
	case <-c.ctx.Done():
	}
}

// push queues m without blocking. It is called from instance workers.
func (c *conn) push(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		c.log.Error("failed to encode event", "err", err)
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.out <- data:
	default:
		c.srv.metrics.ControlDropped.Add(context.WithoutCancel(c.ctx), 1)
		c.log.Warn("outgoing queue full, dropping message", "type", m.Type, "instance", m.Instance)
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerD)
	for {
		select {
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.log.Warn("write failed", "err", err)
				}
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// subscription forwards one instance's events to its connection.
type subscription struct {
	conn *conn
}

func (s *subscription) Transcript(instanceID int64, ev types.TranscriptEvent) {
	s.conn.push(Message{Type: TypeTranscript, Instance: instanceID, Event: &ev})
}

func (s *subscription) Failure(f types.Failure) {
	s.conn.push(Message{Type: TypeFailure, Instance: f.InstanceID, Failure: &f})
}
