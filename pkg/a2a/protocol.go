// Package a2a implements the Agent-to-Agent (A2A) wire protocol used by the
// orchestration fabric: JSON-RPC 2.0 over HTTP for task dispatch, Server-Sent
// Events for progress streaming, and a WebSocket control plane for
// interrupt/resume signaling.
package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ============================================================================
// PROTOCOL CONSTANTS
// ============================================================================

const (
	// JSONRPCVersion is the fixed version string on every envelope.
	JSONRPCVersion = "2.0"

	// HTTP surface of an A2A endpoint.
	PathRPC       = "/a2a"
	PathStream    = "/a2a/stream"
	PathAgentCard = "/a2a/agent-card"
	PathControl   = "/a2a/ws"
)

// RPC method names dispatched through POST /a2a.
const (
	MethodProcessTask  = "process_task"
	MethodGetAgentCard = "get_agent_card"
	MethodGetProgress  = "get_progress"
)

// Communication modes an agent advertises on its card.
const (
	ModeSync      = "sync"
	ModeStreaming = "streaming"
)

// ============================================================================
// AGENT CARD
// Immutable descriptor of a remote agent, served at GET /a2a/agent-card.
// ============================================================================

// AgentCard describes an agent's identity, capabilities and reachable
// endpoints. Cards are replaced wholesale on re-registration, never patched.
type AgentCard struct {
	Name               string            `json:"name"`                // unique agent name
	Version            string            `json:"version"`             // agent build version
	Description        string            `json:"description"`         // what the agent does
	Capabilities       []string          `json:"capabilities"`        // routing tags, e.g. "salesforce_operations"
	Endpoints          map[string]string `json:"endpoints"`           // role -> URL, e.g. "a2a" -> base URL
	CommunicationModes []string          `json:"communication_modes"` // subset of {sync, streaming}
	Metadata           map[string]any    `json:"metadata,omitempty"`
}

// HasCapability reports whether the card lists the given tag.
func (c *AgentCard) HasCapability(tag string) bool {
	for _, cap := range c.Capabilities {
		if cap == tag {
			return true
		}
	}
	return false
}

// SupportsStreaming reports whether the agent accepts POST /a2a/stream.
func (c *AgentCard) SupportsStreaming() bool {
	for _, m := range c.CommunicationModes {
		if m == ModeStreaming {
			return true
		}
	}
	return false
}

// ============================================================================
// TASK AND ARTIFACT
// ============================================================================

// Task is the unit of work sent over the wire. Immutable after creation.
type Task struct {
	ID            string         `json:"id"`
	Instruction   string         `json:"instruction"`
	Context       map[string]any `json:"context,omitempty"`
	StateSnapshot map[string]any `json:"state_snapshot,omitempty"`
}

// NewTask creates a task with a generated id.
func NewTask(instruction string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Instruction: instruction,
		Context:     map[string]any{},
	}
}

// Artifact is the immutable output of one task.
type Artifact struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// NewArtifact creates a text artifact for the given task.
func NewArtifact(taskID, content, contentType string) Artifact {
	if contentType == "" {
		contentType = "text/plain"
	}
	return Artifact{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Content:     content,
		ContentType: contentType,
	}
}

// Result statuses returned by process_task.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TaskResult is the JSON-RPC result payload of process_task.
type TaskResult struct {
	Artifacts []Artifact     `json:"artifacts"`
	Status    string         `json:"status"` // completed | failed
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Content returns the combined artifact text, the usual single-artifact case
// collapsing to that artifact's content.
func (r *TaskResult) Content() string {
	switch len(r.Artifacts) {
	case 0:
		return ""
	case 1:
		return r.Artifacts[0].Content
	}
	var combined string
	for i, a := range r.Artifacts {
		if i > 0 {
			combined += "\n"
		}
		combined += a.Content
	}
	return combined
}

// ProcessTaskParams wraps the task for the process_task method.
type ProcessTaskParams struct {
	Task *Task `json:"task"`
}

// GetProgressParams selects the thread whose progress is requested.
type GetProgressParams struct {
	ThreadID string `json:"thread_id"`
}

// ============================================================================
// JSON-RPC 2.0 ENVELOPES
// ============================================================================

// Reserved JSON-RPC error codes plus the application range (>= 1000).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeTaskFailed       = 1000
	CodeAgentUnavailable = 1001
	CodeThreadNotFound   = 1002
	CodeInterrupted      = 1003
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// NewRequest builds a request with marshaled params and a generated id.
func NewRequest(method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
		ID:      uuid.NewString(),
	}, nil
}

// Validate checks the structural JSON-RPC 2.0 requirements.
func (r *Request) Validate() *RPCError {
	if r.JSONRPC != JSONRPCVersion {
		return &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", r.JSONRPC)}
	}
	if r.Method == "" {
		return &RPCError{Code: CodeInvalidRequest, Message: "method is required"}
	}
	if r.ID == "" {
		return &RPCError{Code: CodeInvalidRequest, Message: "id is required"}
	}
	return nil
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// NewResponse builds a success response correlated to the request id.
func NewResponse(id string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: JSONRPCVersion, Result: raw, ID: id}, nil
}

// NewErrorResponse builds an error response correlated to the request id.
// An empty id is used when the request was unparseable.
func NewErrorResponse(id string, rpcErr *RPCError) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		Error:   rpcErr,
		ID:      id,
	}
}

// TaskResult decodes the result payload as a TaskResult.
func (r *Response) TaskResult() (*TaskResult, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	var result TaskResult
	if err := json.Unmarshal(r.Result, &result); err != nil {
		return nil, fmt.Errorf("decode task result: %w", err)
	}
	return &result, nil
}

// RPCError is the JSON-RPC error object. It doubles as a Go error so
// handlers can return it directly.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ============================================================================
// SSE STREAM EVENTS
// Emitted on POST /a2a/stream as "data: {json}" lines, one blank line per
// event. The stream closes after plan_completed or error.
// ============================================================================

// Stream event types in emission order for a single plan run.
const (
	EventConnected        = "connected"
	EventPlanCreated      = "plan_created"
	EventTaskStarted      = "task_started"
	EventTaskCompleted    = "task_completed"
	EventTaskError        = "task_error"
	EventAgentResponse    = "agent_response"
	EventSummaryGenerated = "summary_generated"
	EventPlanCompleted    = "plan_completed"
	EventError            = "error"
)

// StreamEvent is the envelope carried on every SSE data line.
type StreamEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewStreamEvent builds an event with the given payload.
func NewStreamEvent(event string, data map[string]any) StreamEvent {
	return StreamEvent{Event: event, Data: data}
}

// Terminal reports whether the event closes the stream.
func (e StreamEvent) Terminal() bool {
	return e.Event == EventPlanCompleted || e.Event == EventError
}

// String returns a compact form for logs.
func (e StreamEvent) String() string {
	return fmt.Sprintf("StreamEvent{%s}", e.Event)
}
