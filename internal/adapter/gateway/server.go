// Package gateway streams outgoing events to WebSocket clients. It is a
// read-only tap: clients observe the outgoing queue, they never inject
// events through it.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"parley/internal/domain"
)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server fans outgoing events out to connected clients. It implements
// http.Handler for the /ws upgrade endpoint; wire HandleEvent as an
// outgoing queue subscriber.
type Server struct {
	clients sync.Map // connID (uint64) -> *clientConn
	nextID  atomic.Uint64
	logger  *slog.Logger
}

// NewServer creates the event stream gateway.
func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// HandleEvent marshals ev into an event frame and hands it to every
// connected client. A client whose outbound buffer is full is disconnected:
// the stream stays ordered and lossless per connection, it never silently
// skips events for a lagging reader. Always returns nil so the queue keeps
// delivering.
func (s *Server) HandleEvent(_ context.Context, ev *domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event stream marshal failed", "event", ev.ID, "error", err)
		return nil
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("disconnecting slow event stream client")
			cc.close()
		}
		return true
	})
	return nil
}

// ClientCount reports the number of connected stream clients.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Shutdown disconnects every client.
func (s *Server) Shutdown() {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away or the server shuts down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("event stream client connected", "conn_id", connID)

	go s.readLoop(r.Context(), cc)

	s.writeLoop(cc, Frame{Type: FrameTypeHello})

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("event stream client disconnected", "conn_id", connID)
}

// readLoop drains client frames so pings are answered and a close is
// noticed; inbound payloads are ignored.
func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	defer cc.close()
	for {
		if _, _, err := cc.ws.Read(ctx); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(cc *clientConn, hello Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := wsjson.Write(ctx, cc.ws, hello)
	cancel()
	if err != nil {
		return
	}
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
