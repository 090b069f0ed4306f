package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

// ============================================================================
// SUMMARIZER
// ============================================================================

const (
	// summaryMinMessages triggers a conversation summary after this many
	// messages since the last one.
	summaryMinMessages = 3
	// summaryMaxInterval triggers a conversation summary when the last one
	// is older than this and new messages exist.
	summaryMaxInterval = 180 * time.Second

	summaryContextTokens = 12000
	planResponseClip     = 400
)

// requiredSummaryHeaders are the sections every conversation summary must
// carry to be accepted.
var requiredSummaryHeaders = []string{
	"TECHNICAL/SYSTEM INFORMATION",
	"USER INTERACTION",
	"AGENT COORDINATION CONTEXT",
}

const conversationSummaryPrompt = `Summarize the conversation below for a coordination hand-off between agents. Structure the summary under exactly these three headers:

## TECHNICAL/SYSTEM INFORMATION
Systems, records, identifiers, and data touched so far.

## USER INTERACTION
What the user asked for and every answer or decision they gave.

## AGENT COORDINATION CONTEXT
Which agents acted, what each contributed, and what remains open.

Keep it under 400 words. Do not invent details.`

const planSummaryPrompt = `Write a short executive brief of the plan execution below: what was requested, what each step produced, and the overall outcome. Mention failures explicitly. Plain prose, no headers, at most 200 words.`

// Summarizer produces the final plan summary and the rolling conversation
// summary. Both degrade to deterministic fallbacks when the LLM output is
// unusable, so a summary is always written.
type Summarizer struct {
	gateway llm.Gateway
	logger  *slog.Logger
	counter *history.Counter
	now     func() time.Time
}

// SummarizerOption customizes a Summarizer.
type SummarizerOption func(*Summarizer)

// WithSummarizerLogger overrides the default slog logger.
func WithSummarizerLogger(logger *slog.Logger) SummarizerOption {
	return func(s *Summarizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSummarizer builds a summarizer over the LLM gateway.
func NewSummarizer(gateway llm.Gateway, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		gateway: gateway,
		logger:  slog.Default().With("component", "summarizer"),
		counter: history.NewCounter(gateway.ModelName()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldSummarize reports whether the background conversation summary is due.
// Both triggers require at least one message since the last summary: an idle
// thread with nothing new never re-summarizes on age alone.
func (s *Summarizer) ShouldSummarize(st *state.PlanExecuteState) bool {
	if st.MessagesSinceSummary <= 0 {
		return false
	}
	if st.MessagesSinceSummary >= summaryMinMessages {
		return true
	}
	return st.LastSummaryAt != nil && s.now().Sub(*st.LastSummaryAt) >= summaryMaxInterval
}

// SummarizeConversation produces the rolling conversation summary. Output
// missing any required section, and LLM failures, yield the deterministic
// fallback instead, so the caller always persists something useful.
func (s *Summarizer) SummarizeConversation(ctx context.Context, st *state.PlanExecuteState) string {
	trimmed := history.TrimForContext(st.Messages, summaryContextTokens, s.counter, history.DefaultTrimOptions())
	messages := []history.Message{
		history.System(conversationSummaryPrompt),
		history.User(formatConversation(trimmed)),
	}

	completion, err := s.gateway.Invoke(ctx, messages, llm.Deterministic())
	if err != nil {
		s.logger.Warn("conversation summary failed, using fallback", "error", err)
		return FallbackSummary(st.Messages, st.ActiveAgents)
	}
	if !ValidSummary(completion.Content) {
		s.logger.Warn("summary missing required sections, using fallback")
		return FallbackSummary(st.Messages, st.ActiveAgents)
	}
	return completion.Content
}

// ValidSummary reports whether a conversation summary carries all required
// section headers.
func ValidSummary(summary string) bool {
	for _, header := range requiredSummaryHeaders {
		if !strings.Contains(summary, header) {
			return false
		}
	}
	return true
}

// FallbackSummary derives a deterministic conversation summary from the
// message log: counts per role, tool-call presence, agent names, and error
// counts. It never calls the LLM.
func FallbackSummary(messages []history.Message, activeAgents []string) string {
	var users, assistants, toolResults, errors int
	toolCalls := false
	for _, m := range messages {
		switch {
		case m.Role == history.RoleUser:
			users++
		case m.IsToolResponse():
			toolResults++
		case m.Role == history.RoleAssistant:
			assistants++
		}
		if m.HasToolCalls() {
			toolCalls = true
		}
		if strings.HasPrefix(m.Content, "Error:") {
			errors++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Topics Discussed**: %d messages exchanged (%d user, %d assistant, %d tool results).\n",
		len(messages), users, assistants, toolResults)
	if toolCalls {
		b.WriteString("**Tool Activity**: tool calls were made.\n")
	} else {
		b.WriteString("**Tool Activity**: no tool calls.\n")
	}
	if len(activeAgents) > 0 {
		agents := append([]string(nil), activeAgents...)
		sort.Strings(agents)
		fmt.Fprintf(&b, "**Agents Involved**: %s.\n", strings.Join(agents, ", "))
	} else {
		b.WriteString("**Agents Involved**: none.\n")
	}
	fmt.Fprintf(&b, "**Errors**: %d.", errors)
	return b.String()
}

// SummarizePlan produces the summary attached to plan_completed. Single-task
// plans pass the task's own response through verbatim; larger plans get an
// LLM brief with a deterministic fallback.
func (s *Summarizer) SummarizePlan(ctx context.Context, st *state.PlanExecuteState) string {
	p := st.Plan
	if p == nil || len(p.Tasks) == 0 {
		return ""
	}
	if len(p.Tasks) == 1 {
		return taskResponse(&p.Tasks[0])
	}

	brief, err := s.executiveBrief(ctx, p)
	if err != nil || strings.TrimSpace(brief) == "" {
		if err != nil {
			s.logger.Warn("plan summary failed, using fallback", "error", err)
		}
		return fallbackPlanSummary(p)
	}
	return brief
}

func (s *Summarizer) executiveBrief(ctx context.Context, p *plan.ExecutionPlan) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "REQUEST: %s\n\nSTEPS:\n", p.OriginalRequest)
	for i := range p.Tasks {
		t := &p.Tasks[i]
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, t.Status, t.Content)
		if response := taskResponse(t); response != "" {
			fmt.Fprintf(&b, "\n   → %s", head(response, planResponseClip))
		}
		b.WriteString("\n")
	}

	completion, err := s.gateway.Invoke(ctx, []history.Message{
		history.System(planSummaryPrompt),
		history.User(b.String()),
	}, llm.Deterministic())
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

// taskResponse extracts what a task produced: its result content, or its
// error in the same "Error:" convention agents use on the wire.
func taskResponse(t *plan.ExecutionTask) string {
	if t.Result != nil {
		if content, ok := t.Result["content"].(string); ok && content != "" {
			return content
		}
	}
	if t.Error != "" {
		if strings.HasPrefix(t.Error, "Error:") {
			return t.Error
		}
		return "Error: " + t.Error
	}
	return ""
}

// fallbackPlanSummary renders a deterministic plan outcome line plus per-step
// results when the LLM brief is unavailable.
func fallbackPlanSummary(p *plan.ExecutionPlan) string {
	counts := p.CountByStatus()
	var b strings.Builder
	fmt.Fprintf(&b, "Executed %d steps for: %s (", len(p.Tasks), p.OriginalRequest)

	parts := make([]string, 0, 4)
	for _, status := range []plan.TaskStatus{
		plan.TaskStatusCompleted,
		plan.TaskStatusFailed,
		plan.TaskStatusSkipped,
		plan.TaskStatusCancelled,
	} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString(").")

	for i := range p.Tasks {
		if response := taskResponse(&p.Tasks[i]); response != "" {
			fmt.Fprintf(&b, "\n%d. %s", i+1, head(response, planResponseClip))
		}
	}
	return b.String()
}

// formatConversation renders messages for summary prompts, one
// "role: content" paragraph per message.
func formatConversation(messages []history.Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := m.Content
		if content == "" && m.HasToolCalls() {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			content = "(called " + strings.Join(names, ", ") + ")"
		}
		if content == "" {
			continue
		}
		role := string(m.Role)
		if m.IsToolResponse() {
			role = "tool result"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, content)
	}
	return strings.TrimRight(b.String(), "\n")
}
