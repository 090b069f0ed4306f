package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

func newTestPlanner(gw *fakeGateway, dir AgentDirectory) *Planner {
	if dir == nil {
		dir = &fakeDirectory{}
	}
	return NewPlanner(gw, dir, WithPlannerLogger(quietLogger()))
}

func TestPlanParsesNumberedList(t *testing.T) {
	gw := &fakeGateway{responses: []string{
		"1. Query the account (Agent: salesforce)\n" +
			"2. Summarize the findings (Agent: salesforce, depends on: 1)\n" +
			"3. Present the result",
	}}
	planner := newTestPlanner(gw, directoryWith("salesforce"))

	st := state.New("look up GenePoint and summarize")
	p, fresh, err := planner.Plan(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, fresh)
	require.Len(t, p.Tasks, 3)

	assert.Equal(t, "Query the account", p.Tasks[0].Content)
	assert.Equal(t, "salesforce", p.Tasks[0].Agent)
	assert.Empty(t, p.Tasks[0].DependsOn)

	assert.Equal(t, []string{"task_1"}, p.Tasks[1].DependsOn)

	assert.Equal(t, plan.OrchestratorAgent, p.Tasks[2].Agent)
	assert.Equal(t, "look up GenePoint and summarize", p.OriginalRequest)
}

func TestPlanKeepsIncompletePlan(t *testing.T) {
	gw := &fakeGateway{}
	planner := newTestPlanner(gw, nil)

	existing, err := plan.Parse("1. First\n2. Second", "req")
	require.NoError(t, err)
	existing.Tasks[0].Status = plan.TaskStatusCompleted

	st := state.New("req")
	st.SetPlan(existing)

	p, fresh, err := planner.Plan(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Same(t, existing, p)
	assert.Zero(t, gw.callCount(), "no LLM call while a plan has work left")
}

func TestPlanReplansWhenPlanComplete(t *testing.T) {
	gw := &fakeGateway{responses: []string{"1. Answer the follow-up"}}
	planner := newTestPlanner(gw, nil)

	done, err := plan.Parse("1. First", "old request")
	require.NoError(t, err)
	done.Tasks[0].Status = plan.TaskStatusCompleted

	st := state.New("old request")
	st.SetPlan(done)
	st.OriginalRequest = "new request"

	p, fresh, err := planner.Plan(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, done.ID, p.ID)
	assert.Equal(t, "new request", p.OriginalRequest)
}

func TestPlanJSONFallback(t *testing.T) {
	gw := &fakeGateway{responses: []string{
		"Here is the plan:\n```json\n[" +
			`{"step": 1, "description": "Fetch the data", "agent": "salesforce"},` +
			`{"step": 2, "task": "Analyze it", "agent": "salesforce", "depends_on": [1]},` +
			`{"step": 3, "content": "Report back"}` +
			"]\n```",
	}}
	planner := newTestPlanner(gw, directoryWith("salesforce"))

	st := state.New("fetch and analyze")
	p, fresh, err := planner.Plan(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, fresh)
	require.Len(t, p.Tasks, 3)
	assert.Equal(t, "Fetch the data", p.Tasks[0].Content)
	assert.Equal(t, "salesforce", p.Tasks[0].Agent)
	assert.Equal(t, []string{"task_1"}, p.Tasks[1].DependsOn)
	assert.Equal(t, plan.OrchestratorAgent, p.Tasks[2].Agent)
}

func TestPlanJSONFallbackRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and single quotes, the classic LLM JSON defects.
	gw := &fakeGateway{responses: []string{
		`[{'step': 1, 'content': 'Do the thing', 'agent': 'sf'},]`,
	}}
	planner := newTestPlanner(gw, directoryWith("sf"))

	st := state.New("do the thing")
	p, _, err := planner.Plan(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "Do the thing", p.Tasks[0].Content)
	assert.Equal(t, "sf", p.Tasks[0].Agent)
}

func TestPlanObjectWrappedTaskArray(t *testing.T) {
	gw := &fakeGateway{responses: []string{
		`{"tasks": [{"step": 1, "content": "Only step"}]}`,
	}}
	planner := newTestPlanner(gw, nil)

	st := state.New("single step")
	p, _, err := planner.Plan(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "Only step", p.Tasks[0].Content)
}

func TestPlanFailsOnUnparseableResponse(t *testing.T) {
	gw := &fakeGateway{responses: []string{"I cannot make a plan for that."}}
	planner := newTestPlanner(gw, nil)

	st := state.New("req")
	_, _, err := planner.Plan(context.Background(), st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planning failed")
}

func TestPlanPropagatesGatewayError(t *testing.T) {
	underlying := errors.New("rate limited")
	gw := &fakeGateway{err: underlying}
	planner := newTestPlanner(gw, nil)

	st := state.New("req")
	_, _, err := planner.Plan(context.Background(), st)
	require.Error(t, err)
	assert.ErrorIs(t, err, underlying)
}

func TestPlanRejectsDependencyCycle(t *testing.T) {
	gw := &fakeGateway{responses: []string{
		"1. A (Agent: sf, depends on: 2)\n2. B (Agent: sf, depends on: 1)",
	}}
	planner := newTestPlanner(gw, directoryWith("sf"))

	st := state.New("req")
	_, _, err := planner.Plan(context.Background(), st)
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrDependencyCycle)
	assert.Contains(t, err.Error(), "planning failed")
}

func TestBuildPromptListsAgentsAndTrimsDuplicateRequest(t *testing.T) {
	gw := &fakeGateway{}
	dir := directoryWith("salesforce", "jira")
	planner := newTestPlanner(gw, dir)

	conversation := []history.Message{
		history.User("earlier question"),
		history.Assistant("earlier answer"),
		history.User("current request"),
	}
	messages := planner.buildPrompt("current request", conversation)

	require.NotEmpty(t, messages)
	system := messages[0]
	assert.Equal(t, history.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "salesforce")
	assert.Contains(t, system.Content, "jira")
	assert.Contains(t, system.Content, "salesforce_operations")

	// The request already ends the conversation, so it is not appended twice.
	last := messages[len(messages)-1]
	assert.Equal(t, "current request", last.Content)
	count := 0
	for _, m := range messages {
		if m.Content == "current request" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuildPromptAppendsRequestWhenMissing(t *testing.T) {
	planner := newTestPlanner(&fakeGateway{}, nil)
	messages := planner.buildPrompt("brand new request", nil)
	require.Len(t, messages, 2)
	assert.Equal(t, history.RoleUser, messages[1].Role)
	assert.Equal(t, "brand new request", messages[1].Content)
	assert.Contains(t, messages[0].Content, "none registered")
}

func TestExtractJSONArray(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare array", `[1, 2]`, `[1, 2]`},
		{"prose wrapped", "Plan:\n[1]\nDone.", `[1]`},
		{"object tasks key", `{"tasks": [1]}`, `[1]`},
		{"object steps key", `{"steps": [2]}`, `[2]`},
		{"object without list", `{"answer": 42}`, ""},
		{"no json", "just words", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSONArray(tc.in))
		})
	}
}

func TestDependencyNumbers(t *testing.T) {
	raw := []any{float64(1), "task_2", " 3 ", "not-a-dep"}
	assert.Equal(t, []string{"1", "2", "3"}, dependencyNumbers(raw))
}

func TestHeadClipsLongStrings(t *testing.T) {
	assert.Equal(t, "short", head("short", 10))
	clipped := head(strings.Repeat("x", 50)+"\nmore", 10)
	assert.Equal(t, "xxxxxxxxxx…", clipped)
}
