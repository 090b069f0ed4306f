package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/registry"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

// ============================================================================
// EXECUTOR
// ============================================================================

// TaskDispatcher sends a task to a remote agent. *a2a.Client satisfies it.
type TaskDispatcher interface {
	ProcessTask(ctx context.Context, endpoint string, task *a2a.Task) (*a2a.TaskResult, error)
}

// executionContextTokens bounds the conversation window sent along with a
// locally executed task.
const executionContextTokens = 8000

const executionPromptFormat = `You are the orchestrator of a multi-agent system, executing one step of an approved plan yourself.

PLAN SO FAR:
%s

Execute the step you are given and respond with the result only. Begin the response with "Error:" if the step cannot be done.`

// Executor runs one plan task at a time, either on the orchestrator's own
// LLM or on a remote agent over A2A.
type Executor struct {
	gateway    llm.Gateway
	agents     AgentDirectory
	dispatcher TaskDispatcher
	logger     *slog.Logger
	counter    *history.Counter
	now        func() time.Time
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger overrides the default slog logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor builds an executor over the LLM gateway, the agent directory
// and the A2A dispatcher.
func NewExecutor(gateway llm.Gateway, agents AgentDirectory, dispatcher TaskDispatcher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		gateway:    gateway,
		agents:     agents,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "executor"),
		counter:    history.NewCounter(gateway.ModelName()),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TaskOutcome reports one executor step back to the engine loop.
type TaskOutcome struct {
	TaskID  string
	Agent   string
	Content string
	Success bool
	Remote  bool
	Err     error
}

// NextExecutableTask picks the next runnable task of the thread's plan.
// Requested skips are applied first; a task is runnable when it is still
// pending and every dependency has reached a satisfied status. The scan
// starts at the cursor and wraps so tasks unblocked late still run.
func NextExecutableTask(st *state.PlanExecuteState) (int, *plan.ExecutionTask, bool) {
	p := st.Plan
	if p == nil || len(p.Tasks) == 0 {
		return 0, nil, false
	}

	applied := false
	for _, idx := range st.SkippedTaskIndices {
		if idx < 0 || idx >= len(p.Tasks) {
			continue
		}
		if t := &p.Tasks[idx]; t.Status == plan.TaskStatusPending {
			t.Status = plan.TaskStatusSkipped
			applied = true
		}
	}
	if applied {
		p.Touch()
	}

	start := st.CurrentTaskIndex
	if start < 0 || start >= len(p.Tasks) {
		start = 0
	}
	for offset := 0; offset < len(p.Tasks); offset++ {
		i := (start + offset) % len(p.Tasks)
		t := &p.Tasks[i]
		if t.Status != plan.TaskStatusPending {
			continue
		}
		if dependenciesSatisfied(p, t) {
			return i, t, true
		}
	}
	return 0, nil, false
}

func dependenciesSatisfied(p *plan.ExecutionPlan, t *plan.ExecutionTask) bool {
	for _, dep := range t.DependsOn {
		ref := p.Task(dep)
		if ref == nil || !ref.Status.Satisfied() {
			return false
		}
	}
	return true
}

// Execute runs the task at index and applies the outcome to the plan and
// state: status, timestamps, result map, progress, and the task cursor. On
// failure every pending task downstream of the failure is skipped so the
// plan can still finish.
func (e *Executor) Execute(ctx context.Context, threadID string, st *state.PlanExecuteState, index int) TaskOutcome {
	task := &st.Plan.Tasks[index]

	started := e.now().UTC()
	task.Status = plan.TaskStatusInProgress
	task.StartedAt = &started
	st.Plan.Touch()

	var (
		content   string
		agentName = task.Agent
		err       error
	)
	remote := task.Agent != plan.OrchestratorAgent
	if remote {
		content, agentName, err = e.dispatchRemote(ctx, threadID, st, task)
	} else {
		content, err = e.answerLocally(ctx, st, task)
	}
	if err == nil && strings.HasPrefix(content, "Error:") {
		err = fmt.Errorf("agent reported failure: %s", head(content, 200))
	}

	outcome := TaskOutcome{
		TaskID:  task.ID,
		Agent:   agentName,
		Content: content,
		Remote:  remote,
		Err:     err,
	}

	finished := e.now().UTC()
	if err != nil {
		task.Status = plan.TaskStatusFailed
		task.Error = err.Error()
		st.Plan.Touch()
		if n := cascadeSkip(st.Plan, task.ID); n > 0 {
			st.Plan.Touch()
			e.logger.Warn("skipped dependents of failed task",
				"task_id", task.ID,
				"skipped", n)
		}
		e.logger.Error("task failed",
			"task_id", task.ID,
			"agent", agentName,
			"error", err)
	} else {
		task.Status = plan.TaskStatusCompleted
		task.CompletedAt = &finished
		task.Result = map[string]any{
			"content": content,
			"success": true,
			"agent":   agentName,
		}
		st.Plan.Touch()
		st.RecordTaskResult(task.ID, task.Result)
		outcome.Success = true
		e.logger.Info("task completed",
			"task_id", task.ID,
			"agent", agentName)
	}
	if remote {
		st.RecordAgentCall(agentName, finished)
	}

	st.Progress = plan.Progress(st.Plan, index)
	st.CurrentTaskIndex = index + 1
	return outcome
}

// dispatchRemote resolves the task's agent and sends it over A2A together
// with the thread's wire snapshot.
func (e *Executor) dispatchRemote(ctx context.Context, threadID string, st *state.PlanExecuteState, task *plan.ExecutionTask) (string, string, error) {
	agent, err := e.resolveAgent(task)
	if err != nil {
		return "", task.Agent, err
	}

	wire := &a2a.Task{
		ID:          task.ID,
		Instruction: task.Content,
		Context: map[string]any{
			"thread_id": threadID,
			"plan_id":   st.Plan.ID,
		},
		StateSnapshot: st.WireSnapshot(),
	}

	result, err := e.dispatcher.ProcessTask(ctx, agent.Endpoint, wire)
	if err != nil {
		return "", agent.Name, err
	}
	if result.Error != "" {
		return result.Content(), agent.Name, fmt.Errorf("agent %s: %s", agent.Name, result.Error)
	}
	if result.Status == a2a.StatusFailed {
		return result.Content(), agent.Name, fmt.Errorf("agent %s reported status %s", agent.Name, result.Status)
	}
	return result.Content(), agent.Name, nil
}

// resolveAgent maps the plan's agent name onto a registered agent. The
// capability tag takes precedence so renamed deployments keep routing; the
// exact registry name is the fallback.
func (e *Executor) resolveAgent(task *plan.ExecutionTask) (registry.RegisteredAgent, error) {
	capability := task.Agent + "_operations"
	if agent, err := e.agents.FindBestFor(task.Content, []string{capability}); err == nil {
		return agent, nil
	}
	if agent, ok := e.agents.GetByName(task.Agent); ok {
		return agent, nil
	}
	return registry.RegisteredAgent{}, fmt.Errorf("no agent registered for %q: %w", task.Agent, registry.ErrNoAgentAvailable)
}

// answerLocally executes an orchestrator-owned task on the LLM directly.
func (e *Executor) answerLocally(ctx context.Context, st *state.PlanExecuteState, task *plan.ExecutionTask) (string, error) {
	system := history.System(fmt.Sprintf(executionPromptFormat, renderPlanOutline(st.Plan)))
	trimmed := history.TrimForContext(st.Messages, executionContextTokens, e.counter, history.DefaultTrimOptions())

	messages := make([]history.Message, 0, len(trimmed)+2)
	messages = append(messages, system)
	messages = append(messages, trimmed...)
	messages = append(messages, history.User(task.Content))

	completion, err := e.gateway.Invoke(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("orchestrator execution failed: %w", err)
	}
	return completion.Content, nil
}

// cascadeSkip marks every pending task downstream of a failed task as
// skipped. The marker names the root failure so error recovery can revert
// the skips when the user retries that task.
func cascadeSkip(p *plan.ExecutionPlan, failedID string) int {
	blocked := map[string]bool{failedID: true}
	skipped := 0
	for changed := true; changed; {
		changed = false
		for i := range p.Tasks {
			t := &p.Tasks[i]
			if t.Status != plan.TaskStatusPending || blocked[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				if blocked[dep] {
					t.Status = plan.TaskStatusSkipped
					t.Error = cascadeSkipMarker(failedID)
					blocked[t.ID] = true
					skipped++
					changed = true
					break
				}
			}
		}
	}
	return skipped
}

func cascadeSkipMarker(failedID string) string {
	return fmt.Sprintf("skipped: dependency %s failed", failedID)
}

// renderPlanOutline formats the plan for prompts, one status-annotated line
// per task.
func renderPlanOutline(p *plan.ExecutionPlan) string {
	if p == nil || len(p.Tasks) == 0 {
		return "(no plan)"
	}
	var b strings.Builder
	for i, t := range p.Tasks {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, t.Status, t.Content)
		if t.Agent != plan.OrchestratorAgent {
			fmt.Fprintf(&b, " (Agent: %s)", t.Agent)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
