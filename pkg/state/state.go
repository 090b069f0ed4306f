// Package state holds the durable per-thread conversation state of the
// plan-execute loop and the manager that persists it through the KV store.
//
// A thread id owns exactly one PlanExecuteState; a user id owns the
// structured memory and the set of thread ids. The execution loop mutates
// its state in place and hands value snapshots to background workers, which
// write back through the Manager rather than touching the live struct.
package state

import (
	"time"

	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/memory"
	"github.com/tapestry-ai/tapestry/pkg/plan"
)

// UI modes controlling how much intermediate progress the caller sees.
const (
	// UIModeSimple emits only the final response and coarse plan events.
	UIModeSimple = "simple"

	// UIModeProgressive streams every task transition as it happens.
	UIModeProgressive = "progressive"
)

// ============================================================================
// PLAN-EXECUTE STATE
// ============================================================================

// PlanExecuteState is the full durable state of one conversation thread.
// The JSON form is the canonical snapshot serialization: field order is
// fixed by the struct, maps marshal with sorted keys, so encode → decode →
// encode is byte-identical.
type PlanExecuteState struct {
	// Conversation.
	Messages        []history.Message `json:"messages"`
	OriginalRequest string            `json:"original_request"`

	// Active plan and its execution bookkeeping.
	Plan               *plan.ExecutionPlan       `json:"plan,omitempty"`
	CurrentTaskIndex   int                       `json:"current_task_index"`
	SkippedTaskIndices []int                     `json:"skipped_task_indices,omitempty"`
	PlanHistory        []*plan.ExecutionPlan     `json:"plan_history,omitempty"`
	TaskResults        map[string]map[string]any `json:"task_results,omitempty"`

	// Opaque context maps carried across tasks and across agents.
	ExecutionContext map[string]any `json:"execution_context,omitempty"`
	AgentContext     map[string]any `json:"agent_context,omitempty"`

	// Interrupt handling. At most one active interrupt per thread.
	Interrupted     bool                `json:"interrupted"`
	InterruptData   *plan.InterruptData `json:"interrupt_data,omitempty"`
	ApprovalPending bool                `json:"approval_pending"`

	// Plan-modification requests consumed by the replanner after each
	// executor step.
	ReplacePlanRequested bool     `json:"replace_plan_requested,omitempty"`
	NewPlanDescription   string   `json:"new_plan_description,omitempty"`
	AddToPlanRequested   bool     `json:"add_to_plan_requested,omitempty"`
	AdditionalSteps      []string `json:"additional_steps,omitempty"`
	InsertAfterStep      int      `json:"insert_after_step,omitempty"`

	Progress plan.ProgressState `json:"progress_state"`
	UIMode   string             `json:"ui_mode"`

	// Summarization bookkeeping. The background summarizer fires when
	// MessagesSinceSummary or the elapsed time since LastSummaryAt
	// crosses its threshold.
	Summary              string     `json:"summary,omitempty"`
	MessagesSinceSummary int        `json:"messages_since_summary"`
	LastSummaryAt        *time.Time `json:"last_summary_at,omitempty"`

	// Structured memory and the counters that trigger its extraction.
	Memory                memory.StructuredMemory `json:"memory"`
	ToolCallsSinceMemory  int                     `json:"tool_calls_since_memory"`
	AgentCallsSinceMemory int                     `json:"agent_calls_since_memory"`

	// Agents this thread has dispatched to, with the last time each one
	// was heard from.
	ActiveAgents         []string             `json:"active_agents,omitempty"`
	LastAgentInteraction map[string]time.Time `json:"last_agent_interaction,omitempty"`

	// Per-thread configuration overrides.
	Config map[string]any `json:"config,omitempty"`
}

// New creates the state for a fresh thread.
func New(originalRequest string) *PlanExecuteState {
	return &PlanExecuteState{
		Messages:        []history.Message{},
		OriginalRequest: originalRequest,
		UIMode:          UIModeSimple,
	}
}

// AddMessage appends a message to the thread and advances the counters
// that drive background summarization and memory extraction.
func (s *PlanExecuteState) AddMessage(m history.Message) {
	s.Messages = append(s.Messages, m)
	s.MessagesSinceSummary++
	if m.IsToolResponse() {
		s.ToolCallsSinceMemory++
	}
}

// SetPlan installs a new plan, archiving the previous one. Execution
// bookkeeping that indexes into the old plan is reset.
func (s *PlanExecuteState) SetPlan(p *plan.ExecutionPlan) {
	if s.Plan != nil {
		s.PlanHistory = append(s.PlanHistory, s.Plan)
	}
	s.Plan = p
	s.CurrentTaskIndex = 0
	s.SkippedTaskIndices = nil
}

// SkipTask records that the task at index must not execute. Duplicate
// skips are ignored.
func (s *PlanExecuteState) SkipTask(index int) {
	if s.IsSkipped(index) {
		return
	}
	s.SkippedTaskIndices = append(s.SkippedTaskIndices, index)
}

// IsSkipped reports whether the task at index was skipped.
func (s *PlanExecuteState) IsSkipped(index int) bool {
	for _, i := range s.SkippedTaskIndices {
		if i == index {
			return true
		}
	}
	return false
}

// RecordTaskResult stores the result map produced for a task.
func (s *PlanExecuteState) RecordTaskResult(taskID string, result map[string]any) {
	if s.TaskResults == nil {
		s.TaskResults = make(map[string]map[string]any)
	}
	s.TaskResults[taskID] = result
}

// RecordAgentCall notes a dispatch to a remote agent: the agent becomes
// active, its interaction timestamp is refreshed, and the memory-extraction
// counter advances.
func (s *PlanExecuteState) RecordAgentCall(agent string, at time.Time) {
	s.AgentCallsSinceMemory++
	s.MarkAgentActive(agent, at)
}

// MarkAgentActive adds the agent to the active set and refreshes its
// last-interaction timestamp.
func (s *PlanExecuteState) MarkAgentActive(agent string, at time.Time) {
	active := false
	for _, a := range s.ActiveAgents {
		if a == agent {
			active = true
			break
		}
	}
	if !active {
		s.ActiveAgents = append(s.ActiveAgents, agent)
	}
	if s.LastAgentInteraction == nil {
		s.LastAgentInteraction = make(map[string]time.Time)
	}
	s.LastAgentInteraction[agent] = at.UTC()
}

// ResetMemoryCounters zeroes the extraction triggers after a memory pass.
func (s *PlanExecuteState) ResetMemoryCounters() {
	s.ToolCallsSinceMemory = 0
	s.AgentCallsSinceMemory = 0
}

// SetSummary stores a new conversation summary and resets its triggers.
func (s *PlanExecuteState) SetSummary(summary string, at time.Time) {
	s.Summary = summary
	s.MessagesSinceSummary = 0
	utc := at.UTC()
	s.LastSummaryAt = &utc
}

// RaiseInterrupt flags the thread as interrupted. Approval requests also
// pause the executor before the next dispatch.
func (s *PlanExecuteState) RaiseInterrupt(data *plan.InterruptData) {
	s.Interrupted = true
	s.InterruptData = data
	if data != nil && data.Kind == plan.InterruptApprovalRequest {
		s.ApprovalPending = true
	}
}

// ResolveInterrupt clears the interrupt flag, stamping the interrupt record
// as resolved with the user input that cleared it. The record itself is
// kept for the replanner to inspect.
func (s *PlanExecuteState) ResolveInterrupt(userInput string) {
	if s.InterruptData != nil {
		s.InterruptData.Resolve(userInput)
	}
	s.Interrupted = false
	s.ApprovalPending = false
}

// RequestPlanReplacement asks the replanner to discard pending work and
// build a new plan from the description.
func (s *PlanExecuteState) RequestPlanReplacement(description string) {
	s.ReplacePlanRequested = true
	s.NewPlanDescription = description
}

// RequestPlanAddition asks the replanner to insert new pending tasks after
// the given step number (1-based; 0 appends at the end).
func (s *PlanExecuteState) RequestPlanAddition(steps []string, insertAfterStep int) {
	s.AddToPlanRequested = true
	s.AdditionalSteps = steps
	s.InsertAfterStep = insertAfterStep
}

// ClearReplanRequests resets all plan-modification flags. The replanner
// calls this after consuming a request.
func (s *PlanExecuteState) ClearReplanRequests() {
	s.ReplacePlanRequested = false
	s.NewPlanDescription = ""
	s.AddToPlanRequested = false
	s.AdditionalSteps = nil
	s.InsertAfterStep = 0
}

// WireSnapshot builds the state subset serialized into A2A task dispatches:
// the conversation, the structured memory, and the running summary. Remote
// agents never see plan internals or interrupt bookkeeping.
func (s *PlanExecuteState) WireSnapshot() map[string]any {
	return map[string]any{
		"messages": s.Messages,
		"memory":   s.Memory,
		"summary":  s.Summary,
	}
}
