// Package ipc provides inter-process communication between the shelfd
// daemon and client applications (CLI, UI layer, third-party tools).
//
// The protocol is designed for:
// - Request/response pattern for commands
// - Event streaming for real-time updates
// - Binary framing with JSON payloads
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x53495043 // "SIPC" - Shelfd IPC
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Sensor control (0x02xx)
	MsgSensorStart     MessageType = 0x0200
	MsgSensorStartResp MessageType = 0x0201
	MsgSensorStop      MessageType = 0x0202
	MsgSensorStopResp  MessageType = 0x0203
	MsgSensorFiles     MessageType = 0x0204
	MsgSensorFilesResp MessageType = 0x0205

	// Shelf operations (0x03xx)
	MsgShelfState         MessageType = 0x0300
	MsgShelfStateResp     MessageType = 0x0301
	MsgShelfSendEvent     MessageType = 0x0302
	MsgShelfSendEventResp MessageType = 0x0303

	// Health operations (0x04xx)
	MsgHealthStatus      MessageType = 0x0400
	MsgHealthStatusResp  MessageType = 0x0401
	MsgHealthMetrics     MessageType = 0x0402
	MsgHealthMetricsResp MessageType = 0x0403
	MsgHealthRecover     MessageType = 0x0404
	MsgHealthRecoverResp MessageType = 0x0405

	// Journal queries (0x05xx)
	MsgJournalHistory     MessageType = 0x0500
	MsgJournalHistoryResp MessageType = 0x0501

	// Configuration (0x06xx)
	MsgConfigGet        MessageType = 0x0600
	MsgConfigGetResp    MessageType = 0x0601
	MsgConfigReload     MessageType = 0x0602
	MsgConfigReloadResp MessageType = 0x0603

	// Event streaming (0x07xx)
	MsgSubscribe       MessageType = 0x0700
	MsgSubscribeResp   MessageType = 0x0701
	MsgUnsubscribe     MessageType = 0x0702
	MsgUnsubscribeResp MessageType = 0x0703
	MsgEvent           MessageType = 0x0704
)

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventGesture        EventType = 0x0001
	EventStateChange    EventType = 0x0002
	EventHealthChange   EventType = 0x0003
	EventSessionChange  EventType = 0x0004
	EventError          EventType = 0x0005
	EventDaemonShutdown EventType = 0x0006
	EventConfigChanged  EventType = 0x0007
)

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly    PermissionLevel = 0x01
	PermReadWrite   PermissionLevel = 0x02
	PermFullControl PermissionLevel = 0x03
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagCompressed  uint8 = 0x01
	FlagEncrypted   uint8 = 0x02
	FlagJSON        uint8 = 0x04
	FlagStreamStart uint8 = 0x08
	FlagStreamEnd   uint8 = 0x10
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		// Limit payload size to 16MB
		if h.Length > 16*1024*1024 {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
	Capabilities    uint32 `json:"capabilities"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	ClientID        string          `json:"client_id"`
	Permission      PermissionLevel `json:"permission"`
	Capabilities    uint32          `json:"capabilities"`
}

// AuthRequest is sent to authenticate a client. Method "peer" relies
// on socket peer credentials (unix), "token" on the shared token file
// (the TCP fallback transport).
type AuthRequest struct {
	Method string `json:"method"`
	PID    int    `json:"pid,omitempty"`
	Token  string `json:"token,omitempty"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown           = 1
	ErrInvalidRequest    = 2
	ErrNotFound          = 3
	ErrPermissionDenied  = 4
	ErrInternalError     = 5
	ErrAlreadyMonitoring = 6
	ErrNotMonitoring     = 7
	ErrEventRejected     = 8
	ErrRateLimited       = 9
)

// StatusRequest requests daemon status
type StatusRequest struct {
	IncludeConfig  bool `json:"include_config,omitempty"`
	IncludeShelves bool `json:"include_shelves,omitempty"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version         string         `json:"version"`
	Uptime          time.Duration  `json:"uptime"`
	StartedAt       time.Time      `json:"started_at"`
	Monitoring      bool           `json:"monitoring"`
	SensorAvailable bool           `json:"sensor_available"`
	SensorDetail    string         `json:"sensor_detail,omitempty"`
	State           string         `json:"state"`
	Context         ShelfContext   `json:"context"`
	ActiveDrag      bool           `json:"active_drag"`
	FileCount       int            `json:"file_count"`
	Health          string         `json:"health"`
	SessionActive   bool           `json:"session_active"`
	Shelves         []ShelfSummary `json:"shelves,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// ShelfContext mirrors the machine's extended state on the wire.
type ShelfContext struct {
	IsDragging        bool   `json:"is_dragging"`
	ActiveShelfID     string `json:"active_shelf_id"`
	HasItems          bool   `json:"has_items"`
	DropInProgress    bool   `json:"drop_in_progress"`
	AutoHideScheduled bool   `json:"auto_hide_scheduled"`
}

// ShelfSummary provides brief info about one live shelf
type ShelfSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ItemCount    int       `json:"item_count"`
	MissingItems int       `json:"missing_items,omitempty"`
	Pinned       bool      `json:"pinned"`
}

// FileInfo describes one file riding a drag payload
type FileInfo struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Extension   string `json:"extension,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	IsDirectory bool   `json:"is_directory"`
	Exists      bool   `json:"exists"`
}

// SensorStartResponse acknowledges a sensor start request
type SensorStartResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SensorStopResponse acknowledges a sensor stop request
type SensorStopResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SensorFilesResponse contains the current drag payload
type SensorFilesResponse struct {
	ActiveDrag bool       `json:"active_drag"`
	FileCount  int        `json:"file_count"`
	Files      []FileInfo `json:"files,omitempty"`
}

// ShelfStateResponse contains the machine state and context
type ShelfStateResponse struct {
	State          string       `json:"state"`
	Context        ShelfContext `json:"context"`
	RejectedEvents uint64       `json:"rejected_events"`
}

// ShelfSendEventRequest injects a UI-layer event into the machine.
// Only UI-layer event kinds are accepted; gesture events stay with
// the sensor.
type ShelfSendEventRequest struct {
	Event   string `json:"event"`
	ShelfID string `json:"shelf_id,omitempty"`
}

// ShelfSendEventResponse reports the dispatch outcome
type ShelfSendEventResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// WatchdogMetrics is the health monitor's counter snapshot
type WatchdogMetrics struct {
	LastEventTime   time.Time `json:"last_event_time"`
	EventsProcessed uint64    `json:"events_processed"`
	ErrorsCount     uint64    `json:"errors_count"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	Status          string    `json:"status"`
}

// ModuleInfo is the exported view of one watched module
type ModuleInfo struct {
	LastActivity time.Time `json:"last_activity"`
	ErrorCount   uint64    `json:"error_count"`
	Responding   bool      `json:"responding"`
}

// HealthStatusResponse contains derived health and per-module detail
type HealthStatusResponse struct {
	Status   string                `json:"status"`
	Watchdog WatchdogMetrics       `json:"watchdog"`
	Modules  map[string]ModuleInfo `json:"modules,omitempty"`
}

// HealthMetricsResponse contains the daemon metrics snapshot
type HealthMetricsResponse struct {
	Metrics map[string]any `json:"metrics"`
}

// HealthRecoverRequest triggers recovery for one module, or the
// emergency cleanup when Module is empty
type HealthRecoverRequest struct {
	Module string `json:"module,omitempty"`
}

// HealthRecoverResponse acknowledges a recovery request
type HealthRecoverResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// JournalHistoryRequest queries the journal. Kind selects the record
// set: "drags", "shelves" or "incidents".
type JournalHistoryRequest struct {
	Kind    string `json:"kind"`
	Limit   int    `json:"limit,omitempty"`
	SinceNs int64  `json:"since_ns,omitempty"`
	UntilNs int64  `json:"until_ns,omitempty"`
}

// DragRecord is the journal record of one completed drag
type DragRecord struct {
	ID               int64   `json:"id"`
	StartedNs        int64   `json:"started_ns"`
	EndedNs          int64   `json:"ended_ns"`
	Distance         float64 `json:"distance"`
	MoveCount        int     `json:"move_count"`
	DirectionChanges int     `json:"direction_changes"`
	MaxVelocity      float64 `json:"max_velocity"`
	AvgVelocity      float64 `json:"avg_velocity"`
	FileCount        int     `json:"file_count"`
	ShakeDetected    bool    `json:"shake_detected"`
}

// ShelfRecord is the journal record of one shelf's lifetime
type ShelfRecord struct {
	ID          int64  `json:"id"`
	ShelfID     string `json:"shelf_id"`
	CreatedNs   int64  `json:"created_ns"`
	DestroyedNs *int64 `json:"destroyed_ns,omitempty"`
	ItemCount   int    `json:"item_count"`
	Pinned      bool   `json:"pinned"`
	AutoHidden  bool   `json:"auto_hidden"`
}

// IncidentRecord is the journal record of one health incident
type IncidentRecord struct {
	ID      int64  `json:"id"`
	AtNs    int64  `json:"at_ns"`
	Module  string `json:"module"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// JournalHistoryResponse contains the queried journal records
type JournalHistoryResponse struct {
	Kind      string           `json:"kind"`
	Total     int              `json:"total"`
	Drags     []DragRecord     `json:"drags,omitempty"`
	Shelves   []ShelfRecord    `json:"shelves,omitempty"`
	Incidents []IncidentRecord `json:"incidents,omitempty"`
}

// ConfigGetRequest requests configuration
type ConfigGetRequest struct {
	Keys []string `json:"keys,omitempty"`
}

// ConfigGetResponse contains configuration
type ConfigGetResponse struct {
	Config map[string]any `json:"config"`
}

// ConfigReloadResponse acknowledges a config reload
type ConfigReloadResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// UnsubscribeRequest requests event unsubscription
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// GestureStats carries trajectory statistics on the wire
type GestureStats struct {
	Points           int           `json:"points"`
	TotalDistance    float64       `json:"total_distance"`
	MoveCount        int           `json:"move_count"`
	DirectionChanges int           `json:"direction_changes"`
	MaxVelocity      float64       `json:"max_velocity"`
	AvgVelocity      float64       `json:"avg_velocity"`
	Elapsed          time.Duration `json:"elapsed"`
}

// GestureEvent is streamed for each classified gesture
type GestureEvent struct {
	Kind      string       `json:"kind"`
	X         float64      `json:"x"`
	Y         float64      `json:"y"`
	At        time.Time    `json:"at"`
	FileCount int          `json:"file_count"`
	Files     []FileInfo   `json:"files,omitempty"`
	Stats     GestureStats `json:"stats"`
}

// StateChangeEvent is streamed for each machine transition
type StateChangeEvent struct {
	From    string       `json:"from"`
	To      string       `json:"to"`
	Event   string       `json:"event"`
	Context ShelfContext `json:"context"`
}

// HealthChangeEvent is streamed when derived health changes
type HealthChangeEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SessionChangeEvent is streamed on desktop session transitions
type SessionChangeEvent struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
