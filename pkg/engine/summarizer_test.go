package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

const wellFormedSummary = `## TECHNICAL/SYSTEM INFORMATION
Salesforce account GenePoint, 85 employees.

## USER INTERACTION
User asked for an account lookup and approved the follow-up.

## AGENT COORDINATION CONTEXT
salesforce agent answered; nothing open.`

func newTestSummarizer(gw *fakeGateway) *Summarizer {
	return NewSummarizer(gw, WithSummarizerLogger(quietLogger()))
}

// ============================================================================
// TRIGGER
// ============================================================================

func TestShouldSummarizeByMessageCount(t *testing.T) {
	s := newTestSummarizer(&fakeGateway{})

	st := state.New("req")
	assert.False(t, s.ShouldSummarize(st), "nothing new, nothing to do")

	st.AddMessage(history.User("one"))
	st.AddMessage(history.Assistant("two"))
	assert.False(t, s.ShouldSummarize(st), "below the message threshold")

	st.AddMessage(history.User("three"))
	assert.True(t, s.ShouldSummarize(st))
}

func TestShouldSummarizeByAge(t *testing.T) {
	s := newTestSummarizer(&fakeGateway{})
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	st := state.New("req")
	st.AddMessage(history.User("one"))

	recent := now.Add(-time.Minute)
	st.LastSummaryAt = &recent
	assert.False(t, s.ShouldSummarize(st), "last summary is fresh")

	stale := now.Add(-10 * time.Minute)
	st.LastSummaryAt = &stale
	assert.True(t, s.ShouldSummarize(st), "one new message on a stale summary")
}

// ============================================================================
// CONVERSATION SUMMARY
// ============================================================================

func TestSummarizeConversationAcceptsSectionedOutput(t *testing.T) {
	gw := &fakeGateway{responses: []string{wellFormedSummary}}
	s := newTestSummarizer(gw)

	st := state.New("req")
	st.AddMessage(history.User("look up GenePoint"))
	st.AddMessage(history.Assistant("found it"))

	summary := s.SummarizeConversation(context.Background(), st)
	assert.Equal(t, wellFormedSummary, summary)
	assert.True(t, ValidSummary(summary))
}

func TestSummarizeConversationFallsBackOnMissingSections(t *testing.T) {
	gw := &fakeGateway{responses: []string{"A summary with no structure at all."}}
	s := newTestSummarizer(gw)

	st := state.New("req")
	st.AddMessage(history.User("hello"))

	summary := s.SummarizeConversation(context.Background(), st)
	assert.True(t, strings.HasPrefix(summary, "**Topics Discussed**:"))
}

func TestSummarizeConversationFallsBackOnGatewayError(t *testing.T) {
	gw := &fakeGateway{err: errors.New("unavailable")}
	s := newTestSummarizer(gw)

	st := state.New("req")
	st.AddMessage(history.User("hello"))

	summary := s.SummarizeConversation(context.Background(), st)
	assert.True(t, strings.HasPrefix(summary, "**Topics Discussed**:"))
}

func TestValidSummaryRequiresAllHeaders(t *testing.T) {
	assert.True(t, ValidSummary(wellFormedSummary))
	assert.False(t, ValidSummary("## TECHNICAL/SYSTEM INFORMATION\nonly one section"))
	assert.False(t, ValidSummary(""))
}

func TestFallbackSummaryCounts(t *testing.T) {
	messages := []history.Message{
		history.User("look up GenePoint"),
		history.AssistantToolCalls(history.ToolCall{ID: "c1", Name: "sf_query"}),
		history.ToolResult("c1", "85 employees"),
		history.Assistant("GenePoint has 85 employees"),
		history.Assistant("Error: follow-up query failed"),
		history.User("try again"),
	}

	summary := FallbackSummary(messages, []string{"salesforce", "jira"})

	assert.Contains(t, summary, "**Topics Discussed**: 6 messages exchanged (2 user, 3 assistant, 1 tool results).")
	assert.Contains(t, summary, "**Tool Activity**: tool calls were made.")
	assert.Contains(t, summary, "**Agents Involved**: jira, salesforce.")
	assert.Contains(t, summary, "**Errors**: 1.")
}

func TestFallbackSummaryEmptyThread(t *testing.T) {
	summary := FallbackSummary(nil, nil)
	assert.Contains(t, summary, "**Topics Discussed**: 0 messages exchanged (0 user, 0 assistant, 0 tool results).")
	assert.Contains(t, summary, "**Tool Activity**: no tool calls.")
	assert.Contains(t, summary, "**Agents Involved**: none.")
	assert.Contains(t, summary, "**Errors**: 0.")
}

// ============================================================================
// PLAN SUMMARY
// ============================================================================

func TestSummarizePlanSingleTaskVerbatim(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSummarizer(gw)

	st := stateWithPlan(t, "1. Greet the user")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	st.Plan.Tasks[0].Result = map[string]any{"content": "Hello! How can I help?"}

	summary := s.SummarizePlan(context.Background(), st)
	assert.Equal(t, "Hello! How can I help?", summary)
	assert.Zero(t, gw.callCount(), "single-task summaries never call the LLM")
}

func TestSummarizePlanSingleFailedTask(t *testing.T) {
	s := newTestSummarizer(&fakeGateway{})

	st := stateWithPlan(t, "1. Broken step")
	st.Plan.Tasks[0].Status = plan.TaskStatusFailed
	st.Plan.Tasks[0].Error = "agent unreachable"

	summary := s.SummarizePlan(context.Background(), st)
	assert.Equal(t, "Error: agent unreachable", summary)
}

func TestSummarizePlanMultiTaskBrief(t *testing.T) {
	gw := &fakeGateway{responses: []string{"Both steps ran and the data is ready."}}
	s := newTestSummarizer(gw)

	st := stateWithPlan(t, "1. Fetch (Agent: sf)\n2. Analyze (Agent: sf)")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	st.Plan.Tasks[0].Result = map[string]any{"content": "raw data"}
	st.Plan.Tasks[1].Status = plan.TaskStatusCompleted
	st.Plan.Tasks[1].Result = map[string]any{"content": "trend is up"}

	summary := s.SummarizePlan(context.Background(), st)
	assert.Equal(t, "Both steps ran and the data is ready.", summary)

	// The brief prompt carries the request, each step, and its response.
	require.Len(t, gw.calls, 1)
	prompt := gw.calls[0][1].Content
	assert.Contains(t, prompt, "REQUEST: request")
	assert.Contains(t, prompt, "1. [completed] Fetch")
	assert.Contains(t, prompt, "→ raw data")
	assert.Contains(t, prompt, "→ trend is up")
}

func TestSummarizePlanFallsBackOnGatewayError(t *testing.T) {
	gw := &fakeGateway{err: errors.New("unavailable")}
	s := newTestSummarizer(gw)

	st := stateWithPlan(t, "1. Fetch (Agent: sf)\n2. Analyze (Agent: sf)")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	st.Plan.Tasks[0].Result = map[string]any{"content": "raw data"}
	st.Plan.Tasks[1].Status = plan.TaskStatusFailed
	st.Plan.Tasks[1].Error = "timeout"

	summary := s.SummarizePlan(context.Background(), st)
	assert.Contains(t, summary, "Executed 2 steps for: request (1 completed, 1 failed).")
	assert.Contains(t, summary, "1. raw data")
	assert.Contains(t, summary, "2. Error: timeout")
}

func TestSummarizePlanEmpty(t *testing.T) {
	s := newTestSummarizer(&fakeGateway{})
	assert.Empty(t, s.SummarizePlan(context.Background(), state.New("req")))
}

// ============================================================================
// RENDERING
// ============================================================================

func TestFormatConversation(t *testing.T) {
	messages := []history.Message{
		history.User("look up GenePoint"),
		history.AssistantToolCalls(history.ToolCall{ID: "c1", Name: "sf_query"}),
		history.ToolResult("c1", "85 employees"),
		history.Assistant("GenePoint has 85 employees"),
	}

	rendered := formatConversation(messages)
	assert.Contains(t, rendered, "user: look up GenePoint")
	assert.Contains(t, rendered, "assistant: (called sf_query)")
	assert.Contains(t, rendered, "tool result: 85 employees")
	assert.Contains(t, rendered, "assistant: GenePoint has 85 employees")
}

func TestTaskResponsePrecedence(t *testing.T) {
	task := plan.NewTask("task_1", "step", "")
	assert.Empty(t, taskResponse(&task))

	task.Error = "plain failure"
	assert.Equal(t, "Error: plain failure", taskResponse(&task))

	task.Error = "Error: already prefixed"
	assert.Equal(t, "Error: already prefixed", taskResponse(&task))

	task.Result = map[string]any{"content": "the result"}
	assert.Equal(t, "the result", taskResponse(&task))
}
