package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

func newTestReplanner(gw *fakeGateway) *Replanner {
	if gw == nil {
		gw = &fakeGateway{}
	}
	planner := NewPlanner(gw, &fakeDirectory{}, WithPlannerLogger(quietLogger()))
	return NewReplanner(planner, WithReplannerLogger(quietLogger()))
}

func interruptedState(t *testing.T, planText, input string) *state.PlanExecuteState {
	t.Helper()
	st := stateWithPlan(t, planText)
	st.RaiseInterrupt(plan.NewInterrupt(plan.InterruptUserEscape, "user pressed escape"))
	st.ResolveInterrupt(input)
	return st
}

// ============================================================================
// REPLAN DECISIONS
// ============================================================================

func TestReplanContinuesWhileWorkRemains(t *testing.T) {
	r := newTestReplanner(nil)
	st := stateWithPlan(t, "1. First\n2. Second")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted

	decision, err := r.Replan(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, ReplanContinue, decision)
}

func TestReplanDetectsCompletion(t *testing.T) {
	r := newTestReplanner(nil)
	st := stateWithPlan(t, "1. First\n2. Second")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	st.Plan.Tasks[1].Status = plan.TaskStatusSkipped

	decision, err := r.Replan(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, ReplanCompleted, decision)

	// A thread with no plan at all has nothing left to run either.
	decision, err = r.Replan(context.Background(), state.New("req"))
	require.NoError(t, err)
	assert.Equal(t, ReplanCompleted, decision)
}

func TestReplanModificationWinsOverCompletion(t *testing.T) {
	gw := &fakeGateway{responses: []string{"1. The new direction"}}
	r := newTestReplanner(gw)

	// Every task is terminal, but a replacement request arrived on the
	// final step. The instruction still applies.
	st := stateWithPlan(t, "1. Old step")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	st.RequestPlanReplacement("take the new direction")

	decision, err := r.Replan(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, ReplanReplaced, decision)
	assert.Equal(t, "The new direction", st.Plan.Tasks[0].Content)
}

func TestReplanReplacesPlan(t *testing.T) {
	gw := &fakeGateway{responses: []string{"1. Fresh step one\n2. Fresh step two"}}
	r := newTestReplanner(gw)

	st := stateWithPlan(t, "1. Stale step")
	oldID := st.Plan.ID
	st.RequestPlanReplacement("do something else entirely")

	decision, err := r.Replan(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, ReplanReplaced, decision)

	assert.NotEqual(t, oldID, st.Plan.ID)
	assert.Len(t, st.Plan.Tasks, 2)
	assert.False(t, st.ReplacePlanRequested)
	assert.Empty(t, st.NewPlanDescription)

	// The stale plan is archived, not lost.
	require.Len(t, st.PlanHistory, 1)
	assert.Equal(t, oldID, st.PlanHistory[0].ID)

	// The replacement description drove the synthesis prompt.
	require.NotEmpty(t, gw.calls)
	last := gw.calls[0][len(gw.calls[0])-1]
	assert.Equal(t, "do something else entirely", last.Content)
}

func TestReplanReplaceFailureKeepsRequest(t *testing.T) {
	gw := &fakeGateway{responses: []string{"not a plan at all"}}
	r := newTestReplanner(gw)

	st := stateWithPlan(t, "1. Stale step")
	st.RequestPlanReplacement("do something else")

	_, err := r.Replan(context.Background(), st)
	require.Error(t, err)
	// Flags survive so the next resume can run the replacement again.
	assert.True(t, st.ReplacePlanRequested)
}

func TestReplanExtendsPlan(t *testing.T) {
	r := newTestReplanner(nil)
	st := stateWithPlan(t, "1. First\n2. Second")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	version := st.Plan.Version

	st.RequestPlanAddition([]string{
		"Verify the output (Agent: salesforce)",
		"Report back",
	}, 0)

	decision, err := r.Replan(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, ReplanExtended, decision)

	require.Len(t, st.Plan.Tasks, 4)
	assert.Equal(t, "Verify the output", st.Plan.Tasks[2].Content)
	assert.Equal(t, "salesforce", st.Plan.Tasks[2].Agent)
	assert.Equal(t, "Report back", st.Plan.Tasks[3].Content)
	assert.Equal(t, plan.OrchestratorAgent, st.Plan.Tasks[3].Agent)

	// New ids continue the task numbering and the version advanced.
	assert.Equal(t, "task_3", st.Plan.Tasks[2].ID)
	assert.Equal(t, "task_4", st.Plan.Tasks[3].ID)
	assert.Equal(t, version+1, st.Plan.Version)
	assert.False(t, st.AddToPlanRequested)
}

func TestReplanExtendInsertsAfterStep(t *testing.T) {
	r := newTestReplanner(nil)
	st := stateWithPlan(t, "1. First\n2. Second\n3. Third")

	st.RequestPlanAddition([]string{"Inserted"}, 1)
	decision, err := r.Replan(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, ReplanExtended, decision)

	require.Len(t, st.Plan.Tasks, 4)
	assert.Equal(t, "First", st.Plan.Tasks[0].Content)
	assert.Equal(t, "Inserted", st.Plan.Tasks[1].Content)
	assert.Equal(t, "Second", st.Plan.Tasks[2].Content)
}

func TestReplanExtendNeverDisplacesFinishedTasks(t *testing.T) {
	r := newTestReplanner(nil)
	st := stateWithPlan(t, "1. First\n2. Second\n3. Third")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	st.Plan.Tasks[1].Status = plan.TaskStatusCompleted

	// Asking for position 1 would land between two finished tasks; the
	// insert clamps to just after the last finished one.
	st.RequestPlanAddition([]string{"Inserted"}, 1)
	_, err := r.Replan(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, "Inserted", st.Plan.Tasks[2].Content)
	assert.Equal(t, "Third", st.Plan.Tasks[3].Content)
}

func TestReplanExtendWithOnlyBlankStepsIsANoop(t *testing.T) {
	r := newTestReplanner(nil)
	st := stateWithPlan(t, "1. First")
	st.RequestPlanAddition([]string{"  ", ""}, 0)

	decision, err := r.Replan(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, ReplanContinue, decision)
	assert.Len(t, st.Plan.Tasks, 1)
	assert.False(t, st.AddToPlanRequested)
}

// ============================================================================
// RESUME DIRECTIVES
// ============================================================================

func TestParseResumeDirective(t *testing.T) {
	cases := []struct {
		input string
		kind  directiveKind
		step  int
	}{
		{"", directiveNone, 0},
		{"abort", directiveAbort, 0},
		{"cancel the plan", directiveAbort, 0},
		{"stop", directiveAbort, 0},
		{"retry", directiveRetry, 0},
		{"retry step 2", directiveRetry, 2},
		{"skip step 3", directiveSkip, 3},
		{"skip task #4", directiveSkip, 4},
		{"skip this", directiveSkip, 0},
		{"replace the plan: fetch the data first", directiveReplace, 0},
		{"instead, email the report", directiveReplace, 0},
		{"new plan: start over with jira", directiveReplace, 0},
		{"add a step to verify the output", directiveAdd, 0},
		{"also check the backlog", directiveAdd, 0},
		{"then send it to the team", directiveAdd, 0},
		{"make sure the totals match", directiveFreeform, 0},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			d := parseResumeDirective(tc.input)
			assert.Equal(t, tc.kind, d.kind)
			assert.Equal(t, tc.step, d.step)
		})
	}
}

func TestParseResumeDirectiveStripsPrefix(t *testing.T) {
	d := parseResumeDirective("replace the plan: fetch the data first")
	assert.Equal(t, "fetch the data first", d.text)

	d = parseResumeDirective("also check the backlog")
	assert.Equal(t, "check the backlog", d.text)
}

func TestApplyResolutionSkipsNamedStep(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t, "1. First\n2. Second\n3. Third", "skip step 3")

	require.NoError(t, r.ApplyResolution(st))
	assert.Contains(t, st.SkippedTaskIndices, 2)
}

func TestApplyResolutionAbortCancelsPlan(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t, "1. First\n2. Second", "abort")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted

	require.NoError(t, r.ApplyResolution(st))
	assert.Equal(t, plan.PlanStatusCancelled, st.Plan.Status)
	assert.Equal(t, plan.TaskStatusCompleted, st.Plan.Tasks[0].Status)
	assert.Equal(t, plan.TaskStatusCancelled, st.Plan.Tasks[1].Status)
}

func TestApplyResolutionRetryRevertsCascade(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t,
		"1. Root (Agent: sf)\n"+
			"2. Child (Agent: sf, depends on: 1)\n"+
			"3. Bystander (Agent: sf)",
		"retry")

	// Model a failure whose cascade skipped the dependent, with the
	// cursor already past both.
	st.Plan.Tasks[0].Status = plan.TaskStatusFailed
	st.Plan.Tasks[0].Error = "boom"
	st.Plan.Tasks[1].Status = plan.TaskStatusSkipped
	st.Plan.Tasks[1].Error = cascadeSkipMarker("task_1")
	st.Plan.Tasks[2].Status = plan.TaskStatusCompleted
	st.CurrentTaskIndex = 3

	require.NoError(t, r.ApplyResolution(st))

	assert.Equal(t, plan.TaskStatusPending, st.Plan.Tasks[0].Status)
	assert.Empty(t, st.Plan.Tasks[0].Error)
	assert.Equal(t, 1, st.Plan.Tasks[0].RetryCount)
	assert.Equal(t, plan.TaskStatusPending, st.Plan.Tasks[1].Status)
	assert.Empty(t, st.Plan.Tasks[1].Error)
	assert.Equal(t, plan.TaskStatusCompleted, st.Plan.Tasks[2].Status)
	assert.Equal(t, 0, st.CurrentTaskIndex)
	assert.Equal(t, plan.PlanStatusExecuting, st.Plan.Status)
}

func TestApplyResolutionRetryLeavesOtherSkipsAlone(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t, "1. First (Agent: sf)\n2. Second (Agent: sf)", "retry step 1")

	st.Plan.Tasks[0].Status = plan.TaskStatusFailed
	// A user-skipped task carries no cascade marker and must stay skipped.
	st.Plan.Tasks[1].Status = plan.TaskStatusSkipped

	require.NoError(t, r.ApplyResolution(st))
	assert.Equal(t, plan.TaskStatusPending, st.Plan.Tasks[0].Status)
	assert.Equal(t, plan.TaskStatusSkipped, st.Plan.Tasks[1].Status)
}

func TestApplyResolutionRetryRefusesExhaustedTask(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t, "1. Flaky (Agent: sf)", "retry")
	st.Plan.Tasks[0].Status = plan.TaskStatusFailed
	st.Plan.Tasks[0].RetryCount = st.Plan.Tasks[0].MaxRetries

	err := r.ApplyResolution(st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
	assert.Equal(t, plan.TaskStatusFailed, st.Plan.Tasks[0].Status)
}

func TestApplyResolutionRetryRequiresFailedTask(t *testing.T) {
	r := newTestReplanner(nil)

	st := interruptedState(t, "1. Fine", "retry")
	err := r.ApplyResolution(st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no failed task")

	st = interruptedState(t, "1. Fine", "retry step 1")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted
	err = r.ApplyResolution(st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed tasks")
}

func TestApplyResolutionRetryWithoutPlanIsANoop(t *testing.T) {
	r := newTestReplanner(nil)
	st := state.New("req")
	st.RaiseInterrupt(plan.NewInterrupt(plan.InterruptErrorRecovery, "planning failed"))
	st.ResolveInterrupt("retry")

	assert.NoError(t, r.ApplyResolution(st))
}

func TestApplyResolutionFreeformAddsWhenPlanStarted(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t, "1. First\n2. Second", "make sure totals match; email finance")
	st.Plan.Tasks[0].Status = plan.TaskStatusCompleted

	require.NoError(t, r.ApplyResolution(st))
	assert.True(t, st.AddToPlanRequested)
	assert.Equal(t, []string{"make sure totals match", "email finance"}, st.AdditionalSteps)
	assert.False(t, st.ReplacePlanRequested)
}

func TestApplyResolutionFreeformReplacesWhenNothingRan(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t, "1. First\n2. Second", "make sure totals match")

	require.NoError(t, r.ApplyResolution(st))
	assert.True(t, st.ReplacePlanRequested)
	assert.Equal(t, "make sure totals match", st.NewPlanDescription)
	assert.False(t, st.AddToPlanRequested)
}

func TestApplyResolutionEmptyInputContinues(t *testing.T) {
	r := newTestReplanner(nil)
	st := interruptedState(t, "1. First", "")

	require.NoError(t, r.ApplyResolution(st))
	assert.False(t, st.ReplacePlanRequested)
	assert.False(t, st.AddToPlanRequested)
	assert.Empty(t, st.SkippedTaskIndices)
}

// ============================================================================
// APPROVAL ANSWERS
// ============================================================================

func approvalState(t *testing.T, planText, input string) *state.PlanExecuteState {
	t.Helper()
	st := stateWithPlan(t, planText)
	data := plan.NewInterrupt(plan.InterruptApprovalRequest, "task needs approval")
	data.Context = map[string]any{"task_index": 0}
	st.RaiseInterrupt(data)
	st.ResolveInterrupt(input)
	return st
}

func TestApplyResolutionApprovalAffirmed(t *testing.T) {
	r := newTestReplanner(nil)
	for _, answer := range []string{"yes", "Yes.", "ok", "go ahead", "approved", ""} {
		st := approvalState(t, "1. Delete the record (Agent: sf)", answer)
		require.NoError(t, r.ApplyResolution(st), "answer %q", answer)
		assert.Empty(t, st.SkippedTaskIndices, "answer %q", answer)
	}
}

func TestApplyResolutionApprovalDeniedSkipsAskingTask(t *testing.T) {
	r := newTestReplanner(nil)
	for _, answer := range []string{"no", "No.", "deny", "don't"} {
		st := approvalState(t, "1. Delete the record (Agent: sf)\n2. Report (Agent: sf)", answer)
		require.NoError(t, r.ApplyResolution(st), "answer %q", answer)
		assert.Contains(t, st.SkippedTaskIndices, 0, "answer %q", answer)
	}
}

func TestApplyResolutionApprovalAnswerCanBeDirective(t *testing.T) {
	r := newTestReplanner(nil)
	st := approvalState(t, "1. Delete the record (Agent: sf)", "abort")

	require.NoError(t, r.ApplyResolution(st))
	assert.Equal(t, plan.PlanStatusCancelled, st.Plan.Status)
}

func TestInsertPosition(t *testing.T) {
	p, err := plan.Parse("1. A\n2. B\n3. C", "req")
	require.NoError(t, err)
	p.Tasks[0].Status = plan.TaskStatusCompleted

	assert.Equal(t, 3, insertPosition(p, 0), "0 appends")
	assert.Equal(t, 3, insertPosition(p, 9), "out of range appends")
	assert.Equal(t, 2, insertPosition(p, 2), "in range inserts after the step")
	assert.Equal(t, 1, insertPosition(p, 1), "clamps nothing when step already ran")

	p.Tasks[1].Status = plan.TaskStatusInProgress
	assert.Equal(t, 2, insertPosition(p, 1), "never lands before unfinished work")
}

func TestSplitSteps(t *testing.T) {
	steps := splitSteps("first; second\nthird;  \n")
	assert.Equal(t, []string{"first", "second", "third"}, steps)
}
