package a2a

import (
	"encoding/json"
	"testing"
)

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		request  Request
		wantCode int
	}{
		{
			name: "valid request",
			request: Request{
				JSONRPC: JSONRPCVersion,
				Method:  MethodProcessTask,
				ID:      "req-1",
			},
			wantCode: 0,
		},
		{
			name: "wrong version",
			request: Request{
				JSONRPC: "1.0",
				Method:  MethodProcessTask,
				ID:      "req-1",
			},
			wantCode: CodeInvalidRequest,
		},
		{
			name: "missing method",
			request: Request{
				JSONRPC: JSONRPCVersion,
				ID:      "req-1",
			},
			wantCode: CodeInvalidRequest,
		},
		{
			name: "missing id",
			request: Request{
				JSONRPC: JSONRPCVersion,
				Method:  MethodProcessTask,
			},
			wantCode: CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := tt.request.Validate()
			if tt.wantCode == 0 {
				if rpcErr != nil {
					t.Errorf("Validate() = %v, want nil", rpcErr)
				}
				return
			}
			if rpcErr == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if rpcErr.Code != tt.wantCode {
				t.Errorf("Validate() code = %d, want %d", rpcErr.Code, tt.wantCode)
			}
		})
	}
}

func TestNewRequest(t *testing.T) {
	task := NewTask("summarize the quarterly report")
	req, err := NewRequest(MethodProcessTask, ProcessTaskParams{Task: task})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if req.JSONRPC != JSONRPCVersion {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, JSONRPCVersion)
	}
	if req.Method != MethodProcessTask {
		t.Errorf("Method = %q, want %q", req.Method, MethodProcessTask)
	}
	if req.ID == "" {
		t.Error("ID should be generated")
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		t.Errorf("generated request should validate, got %v", rpcErr)
	}

	var params ProcessTaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.Task == nil || params.Task.Instruction != task.Instruction {
		t.Errorf("params round-trip lost instruction: %+v", params.Task)
	}
}

func TestResponse_TaskResult(t *testing.T) {
	t.Run("success result", func(t *testing.T) {
		want := TaskResult{
			Artifacts: []Artifact{NewArtifact("task-1", "report text", "")},
			Status:    StatusCompleted,
		}
		resp, err := NewResponse("req-1", want)
		if err != nil {
			t.Fatalf("NewResponse() error = %v", err)
		}

		got, err := resp.TaskResult()
		if err != nil {
			t.Fatalf("TaskResult() error = %v", err)
		}
		if got.Status != StatusCompleted {
			t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
		}
		if len(got.Artifacts) != 1 || got.Artifacts[0].Content != "report text" {
			t.Errorf("Artifacts = %+v", got.Artifacts)
		}
		if got.Artifacts[0].ContentType != "text/plain" {
			t.Errorf("ContentType = %q, want default text/plain", got.Artifacts[0].ContentType)
		}
	})

	t.Run("error response", func(t *testing.T) {
		resp := NewErrorResponse("req-1", &RPCError{Code: CodeTaskFailed, Message: "boom"})
		_, err := resp.TaskResult()
		if err == nil {
			t.Fatal("TaskResult() should return the RPC error")
		}
		rpcErr, ok := err.(*RPCError)
		if !ok {
			t.Fatalf("error type = %T, want *RPCError", err)
		}
		if rpcErr.Code != CodeTaskFailed {
			t.Errorf("Code = %d, want %d", rpcErr.Code, CodeTaskFailed)
		}
	})
}

func TestResponse_WireShape(t *testing.T) {
	resp := NewErrorResponse("abc", &RPCError{Code: CodeMethodNotFound, Message: "no such method"})
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", decoded["jsonrpc"])
	}
	if _, hasResult := decoded["result"]; hasResult {
		t.Error("error response must omit result")
	}
	errObj, ok := decoded["error"].(map[string]any)
	if !ok {
		t.Fatalf("error field missing: %v", decoded)
	}
	if code := errObj["code"].(float64); int(code) != CodeMethodNotFound {
		t.Errorf("code = %v, want %d", code, CodeMethodNotFound)
	}
}

func TestTaskResult_Content(t *testing.T) {
	tests := []struct {
		name   string
		result TaskResult
		want   string
	}{
		{
			name:   "no artifacts",
			result: TaskResult{Status: StatusCompleted},
			want:   "",
		},
		{
			name: "single artifact",
			result: TaskResult{
				Artifacts: []Artifact{{Content: "only"}},
			},
			want: "only",
		},
		{
			name: "multiple artifacts joined",
			result: TaskResult{
				Artifacts: []Artifact{{Content: "first"}, {Content: "second"}},
			},
			want: "first\nsecond",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Content(); got != tt.want {
				t.Errorf("Content() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAgentCard_HasCapability(t *testing.T) {
	card := AgentCard{
		Name:         "salesforce-agent",
		Capabilities: []string{"salesforce_operations", "crm_queries"},
	}

	if !card.HasCapability("salesforce_operations") {
		t.Error("expected capability salesforce_operations")
	}
	if card.HasCapability("jira_operations") {
		t.Error("unexpected capability jira_operations")
	}
}

func TestAgentCard_SupportsStreaming(t *testing.T) {
	tests := []struct {
		name  string
		modes []string
		want  bool
	}{
		{"streaming and sync", []string{ModeSync, ModeStreaming}, true},
		{"sync only", []string{ModeSync}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := AgentCard{CommunicationModes: tt.modes}
			if got := card.SupportsStreaming(); got != tt.want {
				t.Errorf("SupportsStreaming() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStreamEvent_Terminal(t *testing.T) {
	tests := []struct {
		event string
		want  bool
	}{
		{EventConnected, false},
		{EventPlanCreated, false},
		{EventTaskStarted, false},
		{EventTaskCompleted, false},
		{EventTaskError, false},
		{EventAgentResponse, false},
		{EventSummaryGenerated, false},
		{EventPlanCompleted, true},
		{EventError, true},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			e := NewStreamEvent(tt.event, nil)
			if got := e.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask("do the thing")
	if task.ID == "" {
		t.Error("ID should be generated")
	}
	if task.Instruction != "do the thing" {
		t.Errorf("Instruction = %q", task.Instruction)
	}
	if task.Context == nil {
		t.Error("Context should be initialized")
	}
}
