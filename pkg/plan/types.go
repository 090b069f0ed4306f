// Package plan defines the execution-plan model of the orchestration fabric:
// ordered tasks with dependencies, plan lifecycle status, progress snapshots
// and the interrupt descriptors that pause a running plan.
package plan

import (
	"fmt"
	"time"
)

// ============================================================================
// TASK AND PLAN STATUS TYPES
// ============================================================================

// TaskStatus is the lifecycle position of a single task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	}
	return false
}

// Satisfied reports whether a dependency with this status unblocks its
// dependents. Failed and cancelled dependencies do not.
func (s TaskStatus) Satisfied() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// TaskPriority orders tasks for display; execution order is positional.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// PlanStatus is the lifecycle position of a whole plan.
type PlanStatus string

const (
	PlanStatusPlanning    PlanStatus = "planning"
	PlanStatusExecuting   PlanStatus = "executing"
	PlanStatusPaused      PlanStatus = "paused"
	PlanStatusInterrupted PlanStatus = "interrupted"
	PlanStatusCompleted   PlanStatus = "completed"
	PlanStatusFailed      PlanStatus = "failed"
	PlanStatusCancelled   PlanStatus = "cancelled"
)

// ============================================================================
// EXECUTION TASK
// ============================================================================

// ExecutionTask is one step of a plan, executed by exactly one agent.
type ExecutionTask struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Agent       string         `json:"agent"` // target agent name or "orchestrator"
	Priority    TaskPriority   `json:"priority"`
	Status      TaskStatus     `json:"status"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// OrchestratorAgent is the pseudo-agent name for tasks the orchestrator
// answers itself instead of dispatching.
const OrchestratorAgent = "orchestrator"

// DefaultMaxRetries is carried on every task for error-recovery mutations.
const DefaultMaxRetries = 3

// NewTask creates a pending task.
func NewTask(id, content, agent string) ExecutionTask {
	if agent == "" {
		agent = OrchestratorAgent
	}
	return ExecutionTask{
		ID:         id,
		Content:    content,
		Agent:      agent,
		Priority:   PriorityMedium,
		Status:     TaskStatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// ============================================================================
// EXECUTION PLAN
// ============================================================================

// ExecutionPlan is an ordered list of tasks plus header fields. Task order is
// the authoritative execution order; dependencies further constrain it.
type ExecutionPlan struct {
	ID              string          `json:"id"`
	OriginalRequest string          `json:"original_request"`
	Tasks           []ExecutionTask `json:"tasks"`
	Status          PlanStatus      `json:"status"`
	Version         int             `json:"version"` // monotonic, >= 1
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Summary         string          `json:"summary,omitempty"`
}

// IsComplete reports whether every task reached a terminal status. A plan
// with no tasks is complete.
func (p *ExecutionPlan) IsComplete() bool {
	for i := range p.Tasks {
		if !p.Tasks[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// Task returns the task with the given id, or nil.
func (p *ExecutionPlan) Task(id string) *ExecutionTask {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// TaskIndex returns the position of the task with the given id, or -1.
func (p *ExecutionPlan) TaskIndex(id string) int {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// CountByStatus tallies tasks per status.
func (p *ExecutionPlan) CountByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, 6)
	for i := range p.Tasks {
		counts[p.Tasks[i].Status]++
	}
	return counts
}

// Touch bumps the version and update timestamp. Callers mutate tasks first,
// then call Touch exactly once per logical modification.
func (p *ExecutionPlan) Touch() {
	p.Version++
	p.UpdatedAt = time.Now().UTC()
}

// NextTaskNumber returns the smallest positive n such that "task_<n>" is not
// yet used, for appending tasks to a modified plan.
func (p *ExecutionPlan) NextTaskNumber() int {
	used := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		used[p.Tasks[i].ID] = true
	}
	n := len(p.Tasks) + 1
	for used[TaskID(n)] {
		n++
	}
	return n
}

// TaskID renders the stable id "task_<n>" for task number n.
func TaskID(n int) string {
	return fmt.Sprintf("task_%d", n)
}

// ============================================================================
// PROGRESS SNAPSHOT
// ============================================================================

// ProgressState is the UI-synchronization snapshot of a running plan.
type ProgressState struct {
	CurrentStep     string    `json:"current_step"` // "Step k/n: <content>"
	CompletedSteps  int       `json:"completed_steps"`
	FailedSteps     int       `json:"failed_steps"`
	TotalSteps      int       `json:"total_steps"`
	ProgressPercent float64   `json:"progress_percent"` // [0, 1]
	LastUpdated     time.Time `json:"last_updated"`
}

// Progress computes the snapshot for a plan with the given in-flight index.
// A negative index means no task is currently running.
func Progress(p *ExecutionPlan, currentIndex int) ProgressState {
	state := ProgressState{
		TotalSteps:  len(p.Tasks),
		LastUpdated: time.Now().UTC(),
	}
	terminal := 0
	for i := range p.Tasks {
		switch p.Tasks[i].Status {
		case TaskStatusCompleted:
			state.CompletedSteps++
			terminal++
		case TaskStatusFailed:
			state.FailedSteps++
			terminal++
		case TaskStatusSkipped, TaskStatusCancelled:
			terminal++
		}
	}
	if state.TotalSteps > 0 {
		state.ProgressPercent = float64(terminal) / float64(state.TotalSteps)
	}
	if currentIndex >= 0 && currentIndex < len(p.Tasks) {
		state.CurrentStep = fmt.Sprintf("Step %d/%d: %s",
			currentIndex+1, state.TotalSteps, p.Tasks[currentIndex].Content)
	}
	return state
}

// ============================================================================
// INTERRUPTS
// ============================================================================

// InterruptKind classifies why a running plan paused.
type InterruptKind string

const (
	InterruptUserEscape       InterruptKind = "user_escape"
	InterruptPlanModification InterruptKind = "plan_modification"
	InterruptApprovalRequest  InterruptKind = "approval_request"
	InterruptErrorRecovery    InterruptKind = "error_recovery"
	InterruptManualPause      InterruptKind = "manual_pause"
)

// InterruptData describes one pause of a thread. At most one interrupt is
// active per thread; ResolvedAt is set when it clears.
type InterruptData struct {
	Kind            InterruptKind  `json:"kind"`
	Reason          string         `json:"reason"`
	Context         map[string]any `json:"context,omitempty"`
	UserInput       string         `json:"user_input,omitempty"`
	PendingApproval map[string]any `json:"pending_approval,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// NewInterrupt creates an active interrupt of the given kind.
func NewInterrupt(kind InterruptKind, reason string) *InterruptData {
	return &InterruptData{
		Kind:      kind,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

// Resolve marks the interrupt cleared, recording the user input that
// resolved it.
func (d *InterruptData) Resolve(userInput string) {
	now := time.Now().UTC()
	d.UserInput = userInput
	d.ResolvedAt = &now
}

// Active reports whether the interrupt still blocks the thread.
func (d *InterruptData) Active() bool {
	return d != nil && d.ResolvedAt == nil
}
