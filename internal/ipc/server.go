package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"shelfd/internal/logging"
	"shelfd/internal/security"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	tokenPath   string
	token       string
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	version     string
	startedAt   time.Time

	logger *slog.Logger
	audit  *logging.AuditLogger

	readTimeout  time.Duration
	writeTimeout time.Duration
	socketMode   os.FileMode

	// Abuse controls
	requests *security.ClientLimiter
	conns    *security.ConnectionLimiter
	failures *security.FailureLimiter

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Request ID counter for server-initiated messages
	nextRequestID atomic.Uint32

	// Event channel for broadcasting
	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu            sync.Mutex
	ID            string
	conn          net.Conn
	Permission    PermissionLevel
	Authenticated bool
	Version       string
	Name          string
	ConnectedAt   time.Time
	LastActivity  time.Time

	// Peer identity: socket credentials where the platform exposes
	// them, remote address otherwise. key is the limiter key.
	Creds *PeerCredentials
	key   string

	// Write serialization
	writeMu sync.Mutex
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string // Unix socket path (port/token file base on Windows)
	TokenPath      string // Shared token file for the TCP fallback transport
	Version        string // Server version
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	RequestsPerSec float64
	SocketMode     os.FileMode
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(shelfdDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(shelfdDir, "daemon.sock"),
		TokenPath:      filepath.Join(shelfdDir, "daemon.token"),
		Version:        "1.0.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 10,
		RequestsPerSec: 64,
		SocketMode:     0600,
	}
}

// NewServer creates a new IPC server. A nil logger falls back to
// slog.Default.
func NewServer(cfg ServerConfig, handler Handler, logger *slog.Logger) (*Server, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 64
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0600
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		socketPath:   cfg.SocketPath,
		tokenPath:    cfg.TokenPath,
		handler:      handler,
		version:      cfg.Version,
		logger:       logger.With("component", "ipc"),
		audit:        logging.DefaultAuditLogger(),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		socketMode:   cfg.SocketMode,
		requests:     security.NewClientLimiter(cfg.RequestsPerSec, int(cfg.RequestsPerSec)*2, 5*time.Minute),
		conns:        security.NewConnectionLimiter(cfg.MaxConnections, cfg.MaxConnections),
		failures:     security.NewFailureLimiter(500*time.Millisecond, 30*time.Second, 5*time.Minute, 5, time.Minute),
		clients:      make(map[string]*Client),
		subscribers:  make(map[string]*subscription),
		ctx:          ctx,
		cancel:       cancel,
		eventChan:    make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	// Start event broadcaster
	s.wg.Add(1)
	go s.eventBroadcaster()

	// Start accepting connections
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	// Signal shutdown
	s.cancel()

	// Close listener
	if s.listener != nil {
		s.listener.Close()
	}

	// Close all client connections
	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	// Close event channel
	close(s.eventChan)

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Clean shutdown
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timed out waiting for connections")
	}

	s.requests.Close()
	s.cleanupTransport()

	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to all subscribed clients
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		// Channel full, drop event
	}
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("accept failed", "error", err)
				}
				continue
			}
		}

		key := peerString(conn)
		if !s.conns.Acquire(key) {
			s.logger.Warn("connection limit reached", "client", key)
			s.audit.LogRateLimited(s.ctx, key)
			conn.Close()
			continue
		}

		client := &Client{
			ID:           generateClientID(),
			conn:         conn,
			Permission:   PermReadOnly, // Until authenticated
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
			key:          key,
		}
		if cred, err := GetPeerCredentials(conn); err == nil {
			client.Creds = cred
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.logger.Debug("client connected", "client", key)

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		// Remove client on disconnect
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		s.conns.Release(client.key)
		s.logger.Debug("client disconnected", "client", client.key)
	}()

	// Main message loop
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			// Timeout: ping to keep the connection alive
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			s.logger.Debug("read failed", "client", client.key, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

// processMessage processes a single message
func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	if !s.requests.Allow(client.key) {
		s.audit.LogRateLimited(s.ctx, client.key)
		return NewErrorMessage(msg.Header.RequestID, ErrRateLimited, "request rate exceeded"), nil
	}

	// Handle protocol messages internally
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgAuthenticate:
		return s.handleAuthenticate(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)

	default:
		// Status stays readable without authentication; everything
		// else requires it.
		if !client.Authenticated && msg.Header.Type != MsgStatusRequest {
			return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "not authenticated"), nil
		}

		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
}

// handleHandshake processes handshake request
func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	s.logger.Debug("handshake",
		"client", client.key,
		"name", security.SanitizeLogOutput(req.ClientName),
		"version", security.SanitizeLogOutput(req.ClientVersion))

	resp := &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
		Permission:      client.Permission,
		Capabilities:    0, // Future expansion
	}

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// handleAuthenticate processes authentication request
func (s *Server) handleAuthenticate(client *Client, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid auth request"), nil
	}

	success := false
	permission := client.Permission
	reason := ""

	switch req.Method {
	case "peer":
		// The kernel vouches for the peer on unix sockets; accept
		// when the peer runs as the same user.
		ok, err := verifyPeer(client.conn)
		switch {
		case err != nil:
			reason = "peer credentials unavailable"
		case !ok:
			reason = "peer is a different user"
		default:
			success = true
			permission = PermFullControl
		}

	case "token":
		token := s.serverToken()
		switch {
		case token == "":
			reason = "token auth not enabled"
		case s.failures.IsLocked(client.key):
			reason = "too many failed attempts"
		case security.ValidateHexString(req.Token, len(token)) != nil:
			s.failures.RecordFailure(client.key)
			reason = "malformed token"
		case !security.CompareTokens(req.Token, token):
			s.failures.RecordFailure(client.key)
			reason = "token mismatch"
		default:
			s.failures.RecordSuccess(client.key)
			success = true
			permission = PermFullControl
		}

	default:
		reason = "unknown auth method"
	}

	if success {
		client.mu.Lock()
		client.Authenticated = true
		client.Permission = permission
		client.mu.Unlock()
	}

	s.audit.LogAuth(s.ctx, client.key, success)
	if !success {
		s.logger.Warn("authentication failed", "client", client.key, "reason", reason)
	}

	resp := &AuthResponse{
		Success:    success,
		Permission: permission,
	}
	if !success {
		resp.Error = reason
	}

	return NewResponse(MsgAuthResponse, msg.Header.RequestID, resp)
}

// serverToken returns the shared token, if one is loaded.
func (s *Server) serverToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// handleSubscribe processes event subscription
func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	s.mu.Lock()
	sub := &subscription{
		clientID: client.ID,
		events:   make(map[EventType]bool),
	}
	if len(req.Events) == 0 {
		// Subscribe to all events
		sub.events[EventGesture] = true
		sub.events[EventStateChange] = true
		sub.events[EventHealthChange] = true
		sub.events[EventSessionChange] = true
		sub.events[EventError] = true
		sub.events[EventDaemonShutdown] = true
		sub.events[EventConfigChanged] = true
	} else {
		for _, et := range req.Events {
			sub.events[et] = true
		}
	}
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	resp := &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	}

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, resp)
}

// handleUnsubscribe processes event unsubscription
func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster broadcasts events to subscribers
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		s.mu.RLock()
		for clientID, sub := range s.subscribers {
			if sub.events[event.Type] {
				if client, ok := s.clients[clientID]; ok {
					go s.sendEvent(client, event)
				}
			}
		}
		s.mu.RUnlock()
	}
}

// sendEvent sends an event to a client
func (s *Server) sendEvent(client *Client, event *Event) {
	payload, err := Encode(event)
	if err != nil {
		return
	}

	msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
	s.sendMessage(client, msg)
}

// sendMessage sends a message to a client
func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(client.conn)
}

// sendPing sends a ping to keep connection alive
func (s *Server) sendPing(client *Client) {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), nil)
	s.sendMessage(client, msg)
}

// generateClientID generates a unique client ID
func generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().UnixNano(), os.Getpid())
}
