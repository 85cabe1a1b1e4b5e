package network

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pairlink/pairlink/pkg/protocol"
)

// RequestObserver is an optional diagnostics callback invoked with every
// raw inbound request before protocol classification.
type RequestObserver func(r *http.Request)

// ServerConfig holds the owner-side listening configuration.
type ServerConfig struct {
	Host     string // bind address, defaults to all interfaces
	Port     int    // 0 picks a free port
	Observer RequestObserver
	Logger   *logrus.Logger
}

// Server is the owner-side listening endpoint. One port carries all three
// kinds of traffic: liveness probes on the root path, and socket upgrades
// on the upgrade path split by subtype into the message socket and the
// per-transfer file sockets.
type Server struct {
	logger   *logrus.Logger
	router   *gin.Engine
	observer RequestObserver
	upgrader websocket.Upgrader

	host       string
	port       int
	listener   net.Listener
	httpServer *http.Server

	// OnMessageSocket receives the upgraded message socket together with
	// the identity the dialer claimed in the upgrade request.
	OnMessageSocket func(sock *Socket, peerIdentity string)

	// OnFileSocket receives an upgraded file socket for the given transfer.
	OnFileSocket func(sock *Socket, transferID string)
}

// NewServer creates the listening endpoint. Call Start to bind.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		logger:   logger,
		router:   router,
		observer: cfg.Observer,
		host:     cfg.Host,
		port:     cfg.Port,
		upgrader: websocket.Upgrader{
			// Peers dial by bare IP on the local link, so origin checks
			// can only reject legitimate traffic.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures the wire surface of the listening port.
func (s *Server) setupRoutes() {
	s.router.Use(s.observeRequests())

	s.router.GET("/", s.handleRoot)
	s.router.GET("/ws", s.handleUpgrade)

	s.router.NoRoute(func(c *gin.Context) {
		s.logger.Warnf("❌ Unknown path %s %s from %s", c.Request.Method, c.Request.URL.Path, c.ClientIP())
		c.Status(http.StatusNotFound)
	})
}

// observeRequests hands every raw request to the configured observer
// before any protocol classification happens.
func (s *Server) observeRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.observer != nil {
			s.observer(c.Request)
		}
		c.Next()
	}
}

// handleRoot answers liveness probes. A valid ping token yields exactly a
// pong; anything else falls through as a plain empty response so malformed
// probes never disturb the channel.
func (s *Server) handleRoot(c *gin.Context) {
	token, ok := protocol.ParsePing(c.Query("token"))
	if !ok {
		c.Status(http.StatusOK)
		return
	}

	s.logger.Debugf("Answering liveness probe from %s", c.ClientIP())
	c.String(http.StatusOK, token.Pong())
}

// handleUpgrade turns a plain request into a persistent duplex socket and
// routes it by subtype.
func (s *Server) handleUpgrade(c *gin.Context) {
	switch SocketType(c.Query("type")) {
	case SocketTypeMessage:
		s.upgradeMessage(c)
	case SocketTypeFile:
		s.upgradeFile(c)
	default:
		s.logger.Warnf("❌ Upgrade request with unknown subtype %q from %s", c.Query("type"), c.ClientIP())
		c.Status(http.StatusBadRequest)
	}
}

func (s *Server) upgradeMessage(c *gin.Context) {
	handler := s.OnMessageSocket
	if handler == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	identity := c.Query("identity")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("⚠️  Message socket upgrade failed: %v", err)
		return
	}

	s.logger.Infof("✅ Message socket established with %s (identity %s)", conn.RemoteAddr(), identity)
	handler(newSocket(conn), identity)
}

func (s *Server) upgradeFile(c *gin.Context) {
	handler := s.OnFileSocket
	transferID := c.Query("id")
	if handler == nil || transferID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("⚠️  File socket upgrade failed for transfer %s: %v", transferID, err)
		return
	}

	s.logger.Infof("📁 File socket established for transfer %s with %s", transferID, conn.RemoteAddr())
	handler(newSocket(conn), transferID)
}

// Start binds the listening socket. A bind failure is returned to the
// caller and never retried here; peer-connect retries are the
// orchestrator's policy, a busy port is a fault.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("❌ Server error: %v", err)
		}
	}()

	s.logger.Infof("🌐 Channel server listening on %s", listener.Addr())
	return nil
}

// Port returns the actually bound port, useful when configured with 0.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the server down. Already-upgraded sockets are owned by their
// consumers and stay open; only the listener and plain requests are
// affected. Safe to call more than once.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}
