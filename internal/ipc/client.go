package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the shelfd daemon
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	socketPath string
	clientID   string
	version    string
	permission PermissionLevel

	// Connection state
	connected    atomic.Bool
	reconnecting atomic.Bool

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	// Event handling
	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	// Reconnection
	autoReconnect atomic.Bool
	reconnectWait time.Duration
	maxReconnect  int

	// Context for shutdown
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Configuration
	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	TokenPath      string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration
	MaxReconnect   int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(shelfdDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(shelfdDir, "daemon.sock"),
		TokenPath:      filepath.Join(shelfdDir, "daemon.token"),
		ClientName:     "shelfctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		AutoReconnect:  true,
		ReconnectWait:  time.Second,
		MaxReconnect:   3,
	}
}

// EventHandler is called when events are received
type EventHandler func(event *Event)

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &IPCClient{
		socketPath:    cfg.SocketPath,
		pending:       make(map[uint32]chan *Message),
		eventChan:     make(chan *Event, 100),
		reconnectWait: cfg.ReconnectWait,
		maxReconnect:  cfg.MaxReconnect,
		ctx:           ctx,
		cancel:        cancel,
		config:        cfg,
	}
	c.autoReconnect.Store(cfg.AutoReconnect)
	return c
}

// DialClient connects to the daemon in the given state directory and
// completes the handshake and authentication.
func DialClient(shelfdDir, clientName string) (*IPCClient, error) {
	cfg := DefaultClientConfig(shelfdDir)
	if clientName != "" {
		cfg.ClientName = clientName
	}

	c := NewClient(cfg)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes a connection to the daemon
func (c *IPCClient) Connect() error {
	if c.connected.Load() {
		return nil
	}

	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	conn, err := c.dial()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	// Start reader goroutine
	c.wg.Add(1)
	go c.readLoop()

	// Perform handshake, then authenticate
	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.authenticate(); err != nil {
		c.close()
		return fmt.Errorf("authenticate: %w", err)
	}

	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	// Wait for reader to finish
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.stopOnce.Do(func() { close(c.eventChan) })
	return nil
}

// close closes the connection without signaling shutdown
func (c *IPCClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	// Cancel all pending requests
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the client ID assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the version reported by the daemon
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetEventHandler sets the handler for streamed events
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the event channel for streaming events
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

// handshake performs the initial handshake with the server
func (c *IPCClient) handshake() error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	resp, err := c.request(MsgHandshake, req)
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgHandshakeAck {
		return fmt.Errorf("unexpected response type: %d", resp.Header.Type)
	}

	var ack HandshakeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()

	return nil
}

// authenticate authenticates with the server. The request shape is
// platform-specific: peer credentials on unix, the token file on the
// TCP fallback transport.
func (c *IPCClient) authenticate() error {
	req, err := c.authRequest()
	if err != nil {
		return err
	}

	resp, err := c.request(MsgAuthenticate, req)
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgAuthResponse {
		return fmt.Errorf("unexpected response type: %d", resp.Header.Type)
	}

	var authResp AuthResponse
	if err := Decode(resp.Payload, &authResp); err != nil {
		return err
	}

	if !authResp.Success {
		return fmt.Errorf("authentication failed: %s", authResp.Error)
	}

	c.mu.Lock()
	c.permission = authResp.Permission
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for a response
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

// requestWithTimeout sends a request with a custom timeout
func (c *IPCClient) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := msg.Write(conn); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// readLoop reads messages from the connection
func (c *IPCClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			// A successful reconnect starts a fresh read loop;
			// this one is done either way.
			if c.autoReconnect.Load() {
				c.tryReconnect()
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			// Timeout: ping to keep the connection alive
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.sendPing()
				continue
			}

			c.close()
			if c.autoReconnect.Load() {
				c.tryReconnect()
			}
			return
		}

		c.handleMessage(msg)
	}
}

// handleMessage processes an incoming message
func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPong:
		// Ping response, ignore

	case MsgPing:
		// Respond to ping
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			pong := NewMessage(MsgPong, msg.Header.RequestID, nil)
			pong.Write(conn)
		}

	case MsgEvent:
		// Dispatch event
		var event Event
		if err := Decode(msg.Payload, &event); err == nil {
			select {
			case c.eventChan <- &event:
			default:
				// Channel full, drop event
			}

			c.eventMu.RLock()
			handler := c.eventHandler
			c.eventMu.RUnlock()
			if handler != nil {
				go handler(&event)
			}
		}

	default:
		// Response to a request
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// sendPing sends a ping to keep connection alive
func (c *IPCClient) sendPing() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		msg := NewMessage(MsgPing, c.nextReqID.Add(1), nil)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		msg.Write(conn)
	}
}

// tryReconnect attempts to reconnect to the daemon
func (c *IPCClient) tryReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return // Already reconnecting
	}
	defer c.reconnecting.Store(false)

	for i := 0; i < c.maxReconnect; i++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}

		if err := c.Connect(); err == nil {
			return
		}
	}
}

// call sends a request and decodes the typed response, surfacing
// daemon-side errors.
func (c *IPCClient) call(msgType MessageType, req any, out any) error {
	return c.callTimeout(msgType, req, out, c.config.RequestTimeout)
}

func (c *IPCClient) callTimeout(msgType MessageType, req any, out any, timeout time.Duration) error {
	resp, err := c.requestWithTimeout(msgType, req, timeout)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		Decode(resp.Payload, &errResp)
		return fmt.Errorf("%s", errResp.Message)
	}

	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}

	return nil
}

// Status requests the daemon status
func (c *IPCClient) Status() (*StatusResponse, error) {
	req := &StatusRequest{IncludeShelves: true}

	var status StatusResponse
	if err := c.call(MsgStatusRequest, req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SensorStart asks the daemon to start drag sensing
func (c *IPCClient) SensorStart() (*SensorStartResponse, error) {
	var result SensorStartResponse
	if err := c.call(MsgSensorStart, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SensorStop asks the daemon to stop drag sensing
func (c *IPCClient) SensorStop() (*SensorStopResponse, error) {
	var result SensorStopResponse
	if err := c.call(MsgSensorStop, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SensorFiles returns the files riding the current drag
func (c *IPCClient) SensorFiles() (*SensorFilesResponse, error) {
	var result SensorFilesResponse
	if err := c.call(MsgSensorFiles, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ShelfState returns the machine state and context
func (c *IPCClient) ShelfState() (*ShelfStateResponse, error) {
	var result ShelfStateResponse
	if err := c.call(MsgShelfState, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ShelfSendEvent injects a UI-layer event into the machine
func (c *IPCClient) ShelfSendEvent(event, shelfID string) (*ShelfSendEventResponse, error) {
	req := &ShelfSendEventRequest{
		Event:   event,
		ShelfID: shelfID,
	}

	var result ShelfSendEventResponse
	if err := c.call(MsgShelfSendEvent, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthStatus returns derived health with per-module detail
func (c *IPCClient) HealthStatus() (*HealthStatusResponse, error) {
	var result HealthStatusResponse
	if err := c.call(MsgHealthStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthMetrics returns the daemon metrics snapshot
func (c *IPCClient) HealthMetrics() (*HealthMetricsResponse, error) {
	var result HealthMetricsResponse
	if err := c.call(MsgHealthMetrics, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthRecover triggers recovery for a module, or the emergency
// cleanup when module is empty
func (c *IPCClient) HealthRecover(module string) (*HealthRecoverResponse, error) {
	req := &HealthRecoverRequest{Module: module}

	var result HealthRecoverResponse
	if err := c.call(MsgHealthRecover, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// JournalHistory queries the journal
func (c *IPCClient) JournalHistory(kind string, limit int, sinceNs, untilNs int64) (*JournalHistoryResponse, error) {
	req := &JournalHistoryRequest{
		Kind:    kind,
		Limit:   limit,
		SinceNs: sinceNs,
		UntilNs: untilNs,
	}

	var result JournalHistoryResponse
	if err := c.call(MsgJournalHistory, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfigGet gets daemon configuration
func (c *IPCClient) ConfigGet(keys []string) (*ConfigGetResponse, error) {
	req := &ConfigGetRequest{Keys: keys}

	var result ConfigGetResponse
	if err := c.call(MsgConfigGet, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfigReload asks the daemon to reload its configuration file
func (c *IPCClient) ConfigReload() (*ConfigReloadResponse, error) {
	var result ConfigReloadResponse
	if err := c.call(MsgConfigReload, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe subscribes to events
func (c *IPCClient) Subscribe(events []EventType) error {
	req := &SubscribeRequest{Events: events}

	var result SubscribeResponse
	if err := c.call(MsgSubscribe, req, &result); err != nil {
		return err
	}

	if !result.Success {
		return errors.New("subscription failed")
	}

	return nil
}

// Unsubscribe unsubscribes from events
func (c *IPCClient) Unsubscribe() error {
	resp, err := c.request(MsgUnsubscribe, &UnsubscribeRequest{})
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgUnsubscribeResp {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}

	return nil
}

// Shutdown asks the daemon to shut down. Losing the connection while
// the daemon exits counts as success.
func (c *IPCClient) Shutdown() error {
	c.autoReconnect.Store(false)

	err := c.callTimeout(MsgShutdown, nil, nil, 10*time.Second)
	if errors.Is(err, ErrConnectionLost) {
		return nil
	}
	return err
}
