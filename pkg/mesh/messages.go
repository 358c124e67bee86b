// messages.go: wire-level DTOs — Message base, RPCRequest/RPCResponse,
// Event, Command, and the Priority enum, with boundary validation.
//
// Field shapes generalize registry.ServiceRegistration (a
// flat struct with json tags, built by one constructor and never mutated
// after), but every field here additionally validates at construction,
// which that registration payload does not need to, since it is built
// entirely from trusted local data (reflection over the service's own
// config struct).
package mesh

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Priority orders command urgency; enumeration order is significant.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses one of low|normal|high|critical.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, ValidationError("priority", fmt.Sprintf("unknown priority %q", s))
	}
}

// Message is the common envelope embedded by every domain message.
type Message struct {
	MessageID     string    `json:"message_id"`
	TraceID       string    `json:"trace_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source,omitempty"`
	Target        string    `json:"target,omitempty"`
}

// NewMessage builds a Message envelope with fresh IDs and the current
// timestamp, the way register.go stamps a fresh uuid into InstanceInfo.ID.
func NewMessage() Message {
	return Message{
		MessageID: uuid.NewString(),
		TraceID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the envelope's required fields.
func (m Message) Validate() error {
	if _, err := uuid.Parse(m.MessageID); err != nil {
		return ValidationError("message_id", "must be a UUID")
	}
	if _, err := uuid.Parse(m.TraceID); err != nil {
		return ValidationError("trace_id", "must be a UUID")
	}
	if m.Timestamp.IsZero() {
		return ValidationError("timestamp", "must be set")
	}
	return nil
}

// RPCRequest is an RPC call envelope.
type RPCRequest struct {
	Message
	Method         string         `json:"method"`
	Params         map[string]any `json:"params"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
}

// NewRPCRequest builds a request with default 5s timeout, validating
// method name and timeout range.
func NewRPCRequest(target, method string, params map[string]any, timeoutSeconds float64) (RPCRequest, error) {
	if !IsValidMethodName(method) {
		return RPCRequest{}, ValidationError("method", fmt.Sprintf("invalid method name %q", method))
	}
	if timeoutSeconds == 0 {
		timeoutSeconds = 5
	}
	if timeoutSeconds <= 0 {
		return RPCRequest{}, ValidationError("timeout_seconds", "must be > 0")
	}
	msg := NewMessage()
	msg.Target = target
	if params == nil {
		params = map[string]any{}
	}
	return RPCRequest{Message: msg, Method: method, Params: params, TimeoutSeconds: timeoutSeconds}, nil
}

// RPCResponse is an RPC reply envelope. Invariant: Success iff Error == "".
type RPCResponse struct {
	Message
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewSuccessResponse builds a successful reply correlated to req.
func NewSuccessResponse(req RPCRequest, result any) RPCResponse {
	msg := NewMessage()
	msg.CorrelationID = req.MessageID
	return RPCResponse{Message: msg, Success: true, Result: result}
}

// NewErrorResponse builds a failed reply correlated to req.
func NewErrorResponse(req RPCRequest, errMsg string) RPCResponse {
	msg := NewMessage()
	msg.CorrelationID = req.MessageID
	return RPCResponse{Message: msg, Success: false, Error: errMsg}
}

// Validate enforces the success/error invariant: Success is true iff
// Error is empty.
func (r RPCResponse) Validate() error {
	if r.Success && r.Error != "" {
		return ValidationError("error", "must be absent when success is true")
	}
	if !r.Success && r.Error == "" {
		return ValidationError("error", "must be present when success is false")
	}
	return nil
}

// Event is a domain event envelope.
type Event struct {
	Message
	Domain    string         `json:"domain"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Version   string         `json:"version"`
}

// NewEvent builds an Event, validating domain/event_type/semver.
func NewEvent(domain, eventType string, payload map[string]any, version string) (Event, error) {
	if domain == "" {
		return Event{}, ValidationError("domain", "must not be empty")
	}
	if !IsValidEventType(eventType) {
		return Event{}, ValidationError("event_type", fmt.Sprintf("invalid event type %q", eventType))
	}
	if _, err := semver.NewVersion(version); err != nil {
		return Event{}, ValidationError("version", fmt.Sprintf("invalid semver %q: %v", version, err))
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Message:   NewMessage(),
		Domain:    domain,
		EventType: eventType,
		Payload:   payload,
		Version:   version,
	}, nil
}

// Command is a durable command envelope.
type Command struct {
	Message
	CommandName    string         `json:"command"`
	Payload        map[string]any `json:"payload"`
	Priority       Priority       `json:"priority"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
}

// NewCommand builds a Command, validating name/max_retries/timeout per
// the command helper contract (max_retries in [0,100],
// timeout in (0,3600]).
func NewCommand(target, name string, payload map[string]any, priority Priority, maxRetries int, timeoutSeconds float64) (Command, error) {
	if name == "" {
		return Command{}, ValidationError("command", "must not be empty")
	}
	if maxRetries < 0 || maxRetries > 100 {
		return Command{}, ValidationError("max_retries", "must be within [0,100]")
	}
	if timeoutSeconds == 0 {
		timeoutSeconds = 300
	}
	if timeoutSeconds <= 0 || timeoutSeconds > 3600 {
		return Command{}, ValidationError("timeout_seconds", "must be within (0,3600]")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	msg := NewMessage()
	msg.Target = target
	return Command{
		Message:        msg,
		CommandName:    name,
		Payload:        payload,
		Priority:       priority,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
	}, nil
}

// CommandProgress is published to commands.progress.<id>.
type CommandProgress struct {
	CommandID string    `json:"command_id"`
	Progress  float64   `json:"progress"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandCompletion is published to commands.callback.<id>.
type CommandCompletion struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}
