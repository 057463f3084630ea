// Package gateway exposes the orchestrator over a WebSocket JSON-RPC
// protocol, with health and metrics endpoints beside it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ankie/internal/domain"
	"ankie/internal/infra/metrics"
	"ankie/internal/infra/middleware"
)

// RPCHandler handles one RPC method call. The result is marshaled into the
// response payload.
type RPCHandler func(ctx context.Context, call *Call) (any, error)

// Call is one RPC request on a connection.
type Call struct {
	ID     uint64
	Method string
	Client *ClientInfo
	Params json.RawMessage
	conn   *clientConn
}

// Step sends an execution step to the caller ahead of the response.
func (c *Call) Step(step domain.ExecutionStep) {
	payload, err := json.Marshal(step)
	if err != nil {
		return
	}
	c.conn.send(Frame{Type: FrameTypeStep, ID: c.ID, Payload: payload})
}

// Watch subscribes the connection to bus events of threadID.
func (c *Call) Watch(threadID string) { c.conn.threads.Store(threadID, struct{}{}) }

// Decode unmarshals the call params into v.
func (c *Call) Decode(v any) error {
	if len(c.Params) == 0 {
		return fmt.Errorf("%w: missing params", domain.ErrRPCInvalidPayload)
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}

type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	threads   sync.Map // thread id -> struct{}
}

// send queues f, giving up when the connection closes.
func (cc *clientConn) send(f Frame) {
	select {
	case cc.sendCh <- f:
	case <-cc.done:
	}
}

func (cc *clientConn) close() { cc.closeOnce.Do(func() { close(cc.done) }) }

// Server is the WebSocket gateway.
type Server struct {
	bus     domain.EventBus
	auth    Authenticator
	limiter *middleware.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	addr    string
	origins []string

	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	routes     []httpRoute

	clients   sync.Map // conn id -> *clientConn
	nextID    atomic.Uint64
	subscribe sync.Once
	unsub     func()
	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter rate limits connection attempts per IP and RPC calls per client.
func WithLimiter(l *middleware.Limiter) Option { return func(s *Server) { s.limiter = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithOriginPatterns sets the browser origins allowed to connect. The
// default allows localhost only.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// NewServer creates a gateway server. bus may be nil, in which case no
// events are forwarded.
func NewServer(bus domain.EventBus, auth Authenticator, addr string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		bus:      bus,
		auth:     auth,
		logger:   logger,
		addr:     addr,
		origins:  []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
		handlers: make(map[string]RPCHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterHandler adds an RPC handler for method.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds a plain HTTP route. Call it before Handler or Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.routes = append(s.routes, httpRoute{pattern: pattern, handler: handler})
}

// Handler returns the gateway's HTTP handler and starts event forwarding.
func (s *Server) Handler() http.Handler {
	s.subscribe.Do(func() {
		if s.bus != nil {
			s.unsub = s.bus.SubscribeAll(s.forward)
		}
	})

	mux := http.NewServeMux()
	upgrade := http.Handler(http.HandlerFunc(s.handleUpgrade))
	if s.limiter != nil {
		upgrade = s.limiter.Middleware(func(r *http.Request) string {
			return "ip:" + middleware.ClientIP(r, nil)
		})(upgrade)
	}
	mux.Handle("GET /ws", upgrade)
	for _, route := range s.routes {
		mux.Handle(route.pattern, route.handler)
	}
	return middleware.SecurityHeaders(mux)
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// BoundAddr returns the listening address once Start has bound it.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// forward sends thread events to connections watching the thread. Steps
// already reach the caller as step frames.
func (s *Server) forward(_ context.Context, ev domain.Event) {
	if ev.ThreadID == "" || ev.Type == domain.EventExecutionStep {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if _, ok := cc.threads.Load(ev.ThreadID); !ok {
			return true
		}
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("gateway dropped event for slow client", "conn_id", cc.id, "event", ev.Type)
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		id:     s.nextID.Add(1),
		info:   info,
		ws:     ws,
		sendCh: make(chan Frame, 128),
		done:   make(chan struct{}),
	}
	s.clients.Store(cc.id, cc)
	s.logger.Info("gateway client connected", "conn_id", cc.id, "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(cc.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatch(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, req Frame) {
	call := &Call{ID: req.ID, Method: req.Method, Client: cc.info, Params: req.Payload, conn: cc}

	result, err := s.invoke(ctx, call)
	resp := Frame{Type: FrameTypeResponse, ID: req.ID, Method: req.Method}
	code := "OK"
	if err == nil && result != nil {
		resp.Payload, err = json.Marshal(result)
	}
	if err != nil {
		resp.Error = newRPCError(err)
		code = string(resp.Error.Code)
		s.logger.Debug("rpc failed", "method", req.Method, "conn_id", cc.id, "error", err)
	}
	s.metrics.GatewayRequest(req.Method, code)
	cc.send(resp)
}

func (s *Server) invoke(ctx context.Context, call *Call) (any, error) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[call.Method]
	s.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrRPCMethodNotFound, call.Method)
	}
	if !s.limiter.Allow("client:" + call.Client.Name) {
		return nil, domain.ErrRateLimit
	}
	return handler(ctx, call)
}
