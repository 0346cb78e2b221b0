package hostbridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alantheprice/commentgen/pkg/utils"
)

// SafeConn wraps a websocket connection with a write mutex; gorilla allows
// one concurrent writer.
type SafeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// NewSafeConn creates a new safe connection wrapper
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteJSON writes v unless the connection is closed.
func (sc *SafeConn) WriteJSON(v any) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if sc.closed {
		return nil
	}
	sc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return sc.conn.WriteJSON(v)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	sc.writeMu.Lock()
	sc.closed = true
	sc.writeMu.Unlock()
	return sc.conn.Close()
}

// Server accepts websocket hosts; each connection gets its own session.
type Server struct {
	factory  SessionFactory
	logger   *utils.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*SafeConn
	wg    sync.WaitGroup
}

// NewServer creates a websocket server.
func NewServer(factory SessionFactory, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Server{
		factory: factory,
		logger:  logger,
		conns:   make(map[string]*SafeConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
			},
		},
	}
}

// Handler serves /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Connections returns the number of connected hosts.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then closes every connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Logf("hostbridge: websocket listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*SafeConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Logf("hostbridge: websocket upgrade error: %v", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	safeConn := NewSafeConn(conn)
	defer safeConn.Close()

	connID := uuid.NewString()
	logger := s.logger.With(zap.String("conn", connID))

	br := NewBridge(func(m Message) error { return safeConn.WriteJSON(m) }, logger)
	sess, err := br.Connect(s.factory)
	if err != nil {
		logger.LogError(err)
		br.fail(Message{Type: "connect"}, err)
		return
	}
	defer sess.Close()

	s.mu.Lock()
	s.conns[connID] = safeConn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
	}()

	logger.Log("hostbridge: websocket client connected")
	br.Handle(Message{ID: connID, Type: TypeStatus})

	conn.SetReadLimit(maxMessageSize)
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Logf("hostbridge: websocket read error: %v", err)
			}
			break
		}
		br.Handle(m)
	}
	logger.Log("hostbridge: websocket client disconnected")
}
