package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/registry"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

// ============================================================================
// PLANNER
// ============================================================================

// AgentDirectory is the registry view the engine plans and dispatches
// against. *registry.Registry satisfies it.
type AgentDirectory interface {
	List() []registry.RegisteredAgent
	FindByCapability(capability string) []registry.RegisteredAgent
	GetByName(name string) (registry.RegisteredAgent, bool)
	FindBestFor(description string, required []string) (registry.RegisteredAgent, error)
}

// planContextTokens bounds how much prior conversation rides along with the
// planning prompt.
const planContextTokens = 8000

const planningPromptFormat = `You are the planning module of a multi-agent orchestrator. Break the user's request into the smallest number of sequential tasks that accomplish it.

AVAILABLE AGENTS:
%s

RULES:
1. Respond with a numbered list, one task per line, and nothing else.
2. End each task a remote agent should execute with (Agent: <name>).
3. Use (Agent: <name>, depends on: <numbers>) when a task needs the output of earlier tasks.
4. Leave tasks the orchestrator can answer itself unannotated.
5. Prefer a single task when the request needs no coordination.`

// Planner turns a user request into an execution plan via the LLM.
type Planner struct {
	gateway llm.Gateway
	agents  AgentDirectory
	logger  *slog.Logger
	counter *history.Counter
}

// PlannerOption customizes a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger overrides the default slog logger.
func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPlanner builds a planner over the given LLM gateway and agent directory.
func NewPlanner(gateway llm.Gateway, agents AgentDirectory, opts ...PlannerOption) *Planner {
	p := &Planner{
		gateway: gateway,
		agents:  agents,
		logger:  slog.Default().With("component", "planner"),
		counter: history.NewCounter(gateway.ModelName()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns the plan the thread should execute next. An existing plan
// that still has work left is returned unchanged with fresh=false; anything
// else produces a new plan for the thread's latest request. The caller
// installs a fresh plan on the state via SetPlan.
func (p *Planner) Plan(ctx context.Context, st *state.PlanExecuteState) (*plan.ExecutionPlan, bool, error) {
	if st.Plan != nil && !st.Plan.IsComplete() {
		return st.Plan, false, nil
	}

	request := st.OriginalRequest
	fresh, err := p.synthesize(ctx, request, st.Messages)
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

// synthesize asks the LLM for a numbered task list and parses it. A response
// with no numbered lines gets one more chance as a JSON task array before the
// attempt counts as a planning failure. Structural defects in a parsed list,
// like dependency cycles, fail outright.
func (p *Planner) synthesize(ctx context.Context, request string, conversation []history.Message) (*plan.ExecutionPlan, error) {
	messages := p.buildPrompt(request, conversation)

	completion, err := p.gateway.Invoke(ctx, messages, llm.Deterministic())
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	parsed, parseErr := plan.Parse(completion.Content, request)
	if errors.Is(parseErr, plan.ErrNoTasks) {
		parsed, parseErr = planFromJSON(completion.Content, request)
	}
	if parseErr != nil {
		p.logger.Warn("unparseable plan response",
			"error", parseErr,
			"response_head", head(completion.Content, 160))
		return nil, fmt.Errorf("planning failed: %w", parseErr)
	}

	p.logger.Info("plan created",
		"plan_id", parsed.ID,
		"tasks", len(parsed.Tasks))
	return parsed, nil
}

// buildPrompt assembles the planning system prompt plus a trimmed slice of
// the prior conversation ending in the current request.
func (p *Planner) buildPrompt(request string, conversation []history.Message) []history.Message {
	system := history.System(fmt.Sprintf(planningPromptFormat, p.describeAgents()))

	trimmed := history.TrimForContext(conversation, planContextTokens, p.counter, history.DefaultTrimOptions())

	messages := make([]history.Message, 0, len(trimmed)+2)
	messages = append(messages, system)
	messages = append(messages, trimmed...)
	if len(trimmed) == 0 || trimmed[len(trimmed)-1].Content != request {
		messages = append(messages, history.User(request))
	}
	return messages
}

// describeAgents renders the directory as prompt lines. With no agents
// registered the orchestrator plans for itself alone.
func (p *Planner) describeAgents() string {
	agents := p.agents.List()
	if len(agents) == 0 {
		return "- (none registered; the orchestrator handles every task itself)"
	}

	var b strings.Builder
	for _, agent := range agents {
		b.WriteString("- ")
		b.WriteString(agent.Name)
		if agent.Card != nil && agent.Card.Description != "" {
			b.WriteString(": ")
			b.WriteString(agent.Card.Description)
		}
		if agent.Card != nil && len(agent.Card.Capabilities) > 0 {
			b.WriteString(" (capabilities: ")
			b.WriteString(strings.Join(agent.Card.Capabilities, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ============================================================================
// JSON FALLBACK
// ============================================================================

// jsonPlanStep is the loose shape models emit when they answer with a JSON
// array instead of a numbered list.
type jsonPlanStep struct {
	Step        int    `json:"step"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Task        string `json:"task"`
	Agent       string `json:"agent"`
	DependsOn   []any  `json:"depends_on"`
}

func (s jsonPlanStep) text() string {
	for _, candidate := range []string{s.Content, s.Description, s.Task} {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

// planFromJSON rescues a JSON-array planning response by rendering it as the
// canonical numbered list and reparsing. Malformed JSON goes through
// jsonrepair before giving up.
func planFromJSON(text, originalRequest string) (*plan.ExecutionPlan, error) {
	payload := extractJSONArray(text)
	if payload == "" {
		return nil, fmt.Errorf("no JSON task array in response: %w", plan.ErrNoTasks)
	}

	var steps []jsonPlanStep
	if err := json.Unmarshal([]byte(payload), &steps); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, fmt.Errorf("unparseable JSON task array: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &steps); err != nil {
			return nil, fmt.Errorf("unparseable JSON task array: %w", err)
		}
	}

	lines := make([]string, 0, len(steps))
	for i, step := range steps {
		content := step.text()
		if content == "" {
			continue
		}
		line := fmt.Sprintf("%d. %s", i+1, content)
		if agent := strings.TrimSpace(step.Agent); agent != "" {
			if deps := dependencyNumbers(step.DependsOn); len(deps) > 0 {
				line = fmt.Sprintf("%s (Agent: %s, depends on: %s)", line, agent, strings.Join(deps, ", "))
			} else {
				line = fmt.Sprintf("%s (Agent: %s)", line, agent)
			}
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, plan.ErrNoTasks
	}

	return plan.Parse(strings.Join(lines, "\n"), originalRequest)
}

// dependencyNumbers normalizes depends_on entries, which arrive as JSON
// numbers ("depends_on": [1,2]) or task id strings ("task_1").
func dependencyNumbers(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case float64:
			out = append(out, strconv.Itoa(int(v)))
		case string:
			trimmed := strings.TrimPrefix(strings.TrimSpace(v), "task_")
			if _, err := strconv.Atoi(trimmed); err == nil {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// extractJSONArray pulls the outermost JSON array out of a response that may
// wrap it in prose or a fenced code block. Responses shaped as an object with
// a tasks/steps/plan key are unwrapped to that array.
func extractJSONArray(text string) string {
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		return text[start : end+1]
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &wrapper); err != nil {
		return ""
	}
	for _, key := range []string{"tasks", "steps", "plan"} {
		if raw, ok := wrapper[key]; ok && len(raw) > 0 && raw[0] == '[' {
			return string(raw)
		}
	}
	return ""
}

// head clips s for log output.
func head(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
