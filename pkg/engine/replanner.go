package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

// ============================================================================
// REPLANNER
// ============================================================================

// ReplanDecision tells the engine loop what to do after a step.
type ReplanDecision int

const (
	// ReplanContinue keeps executing the current plan.
	ReplanContinue ReplanDecision = iota
	// ReplanCompleted means every task is terminal; hand off to the summarizer.
	ReplanCompleted
	// ReplanReplaced means a fresh plan was installed.
	ReplanReplaced
	// ReplanExtended means tasks were added to the current plan.
	ReplanExtended
)

// Replanner applies plan modifications between executor steps: completion
// detection, plan replacement, task additions, and the deterministic
// mutations behind interrupt resolutions.
type Replanner struct {
	planner *Planner
	logger  *slog.Logger
}

// ReplannerOption customizes a Replanner.
type ReplannerOption func(*Replanner)

// WithReplannerLogger overrides the default slog logger.
func WithReplannerLogger(logger *slog.Logger) ReplannerOption {
	return func(r *Replanner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReplanner builds a replanner. Plan replacement reuses the planner's
// LLM synthesis.
func NewReplanner(planner *Planner, opts ...ReplannerOption) *Replanner {
	r := &Replanner{
		planner: planner,
		logger:  slog.Default().With("component", "replanner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replan inspects the state after an executor step. Pending modification
// requests win over completion so instructions that arrive on the final task
// still apply.
func (r *Replanner) Replan(ctx context.Context, st *state.PlanExecuteState) (ReplanDecision, error) {
	if st.Plan == nil {
		return ReplanCompleted, nil
	}
	if st.ReplacePlanRequested {
		return r.replacePlan(ctx, st)
	}
	if st.AddToPlanRequested {
		return r.extendPlan(st)
	}
	if st.Plan.IsComplete() {
		return ReplanCompleted, nil
	}
	return ReplanContinue, nil
}

// replacePlan synthesizes a new plan from the requested description and
// installs it. The old plan moves to the history; its flags stay set on
// failure so a retry can run the replacement again.
func (r *Replanner) replacePlan(ctx context.Context, st *state.PlanExecuteState) (ReplanDecision, error) {
	request := strings.TrimSpace(st.NewPlanDescription)
	if request == "" {
		request = st.OriginalRequest
	}

	fresh, err := r.planner.synthesize(ctx, request, st.Messages)
	if err != nil {
		return ReplanContinue, fmt.Errorf("plan replacement failed: %w", err)
	}

	st.SetPlan(fresh)
	st.ClearReplanRequests()
	r.logger.Info("plan replaced",
		"plan_id", fresh.ID,
		"tasks", len(fresh.Tasks))
	return ReplanReplaced, nil
}

// extendPlan inserts the requested steps as new pending tasks. Steps may
// carry the usual "(Agent: name)" annotation; tasks that already ran are
// never displaced.
func (r *Replanner) extendPlan(st *state.PlanExecuteState) (ReplanDecision, error) {
	p := st.Plan

	next := p.NextTaskNumber()
	added := make([]plan.ExecutionTask, 0, len(st.AdditionalSteps))
	for _, raw := range st.AdditionalSteps {
		content := strings.TrimSpace(raw)
		if content == "" {
			continue
		}
		content, agent := plan.SplitAgentNote(content)
		added = append(added, plan.NewTask(plan.TaskID(next), content, agent))
		next++
	}
	if len(added) == 0 {
		st.ClearReplanRequests()
		return ReplanContinue, nil
	}

	pos := insertPosition(p, st.InsertAfterStep)
	p.Tasks = append(p.Tasks[:pos], append(added, p.Tasks[pos:]...)...)
	p.Touch()
	st.ClearReplanRequests()

	r.logger.Info("plan extended",
		"plan_id", p.ID,
		"added", len(added),
		"position", pos,
		"version", p.Version)
	return ReplanExtended, nil
}

// insertPosition clamps the 1-based insert-after step so new tasks never
// land before a task that already left pending. 0 or out-of-range appends.
func insertPosition(p *plan.ExecutionPlan, afterStep int) int {
	floor := 0
	for i := range p.Tasks {
		if p.Tasks[i].Status != plan.TaskStatusPending {
			floor = i + 1
		}
	}
	if afterStep <= 0 || afterStep > len(p.Tasks) {
		return len(p.Tasks)
	}
	if afterStep < floor {
		return floor
	}
	return afterStep
}

// ============================================================================
// INTERRUPT RESOLUTION
// ============================================================================

type directiveKind int

const (
	directiveNone directiveKind = iota
	directiveAbort
	directiveRetry
	directiveSkip
	directiveReplace
	directiveAdd
	directiveFreeform
)

// directive is a parsed resume instruction.
type directive struct {
	kind directiveKind
	step int // 1-based step the instruction names, 0 when unnamed
	text string
}

var (
	stepRefRe         = regexp.MustCompile(`(?i)\b(?:step|task)\s*#?\s*(\d+)\b`)
	directivePrefixRe = regexp.MustCompile(`(?i)^(replace(\s+the)?(\s+plan)?|instead of that|instead|new plan|add a step to|add|also|then)\s*[:,]?\s*`)
)

// parseResumeDirective classifies free-form resume input. Unrecognized text
// is freeform and becomes a plan modification.
func parseResumeDirective(input string) directive {
	text := strings.TrimSpace(input)
	lower := strings.ToLower(text)

	step := 0
	if m := stepRefRe.FindStringSubmatch(text); m != nil {
		step, _ = strconv.Atoi(m[1])
	}

	switch {
	case lower == "":
		return directive{kind: directiveNone}
	case hasAnyPrefix(lower, "abort", "cancel", "stop"):
		return directive{kind: directiveAbort, step: step, text: text}
	case hasAnyPrefix(lower, "retry"):
		return directive{kind: directiveRetry, step: step, text: text}
	case hasAnyPrefix(lower, "skip"):
		return directive{kind: directiveSkip, step: step, text: text}
	case hasAnyPrefix(lower, "replace", "instead", "new plan"):
		return directive{kind: directiveReplace, step: step, text: stripDirectivePrefix(text)}
	case hasAnyPrefix(lower, "add ", "also ", "then "):
		return directive{kind: directiveAdd, step: step, text: stripDirectivePrefix(text)}
	default:
		return directive{kind: directiveFreeform, text: text}
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func stripDirectivePrefix(text string) string {
	return strings.TrimSpace(directivePrefixRe.ReplaceAllString(text, ""))
}

// splitSteps breaks resume text into individual plan steps on newlines and
// semicolons.
func splitSteps(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == ';'
	})
	steps := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			steps = append(steps, f)
		}
	}
	return steps
}

// ApplyResolution translates the resolved interrupt's user input into plan
// mutations. It runs once per resume, before the loop re-enters the
// executor. Approval answers are handled by kind; everything else goes
// through the directive parser.
func (r *Replanner) ApplyResolution(st *state.PlanExecuteState) error {
	data := st.InterruptData
	if data == nil {
		return nil
	}
	input := strings.TrimSpace(data.UserInput)

	if data.Kind == plan.InterruptApprovalRequest {
		return r.applyApproval(st, data, input)
	}
	if input == "" {
		return nil
	}
	return r.applyDirective(st, data, parseResumeDirective(input))
}

// applyApproval handles resume input on an approval pause. Affirmations
// proceed, denials skip the task that asked, and anything else is a regular
// instruction.
func (r *Replanner) applyApproval(st *state.PlanExecuteState, data *plan.InterruptData, input string) error {
	lower := strings.ToLower(input)
	switch {
	case input == "" || isAffirmation(lower):
		return nil
	case isDenial(lower):
		return r.skipStep(st, data, 0)
	default:
		return r.applyDirective(st, data, parseResumeDirective(input))
	}
}

func (r *Replanner) applyDirective(st *state.PlanExecuteState, data *plan.InterruptData, d directive) error {
	switch d.kind {
	case directiveAbort:
		return r.abortPlan(st)
	case directiveRetry:
		return r.retryTask(st, d.step)
	case directiveSkip:
		return r.skipStep(st, data, d.step)
	case directiveReplace:
		st.RequestPlanReplacement(d.text)
	case directiveAdd:
		st.RequestPlanAddition(splitSteps(d.text), d.step)
	case directiveFreeform:
		// Add when the plan has made progress, replace when none of it ran.
		if planStarted(st.Plan) {
			st.RequestPlanAddition(splitSteps(d.text), 0)
		} else {
			st.RequestPlanReplacement(d.text)
		}
	}
	return nil
}

// abortPlan cancels everything that has not finished.
func (r *Replanner) abortPlan(st *state.PlanExecuteState) error {
	p := st.Plan
	if p == nil {
		return nil
	}
	for i := range p.Tasks {
		if t := &p.Tasks[i]; !t.Status.Terminal() {
			t.Status = plan.TaskStatusCancelled
		}
	}
	p.Status = plan.PlanStatusCancelled
	p.Touch()
	st.ClearReplanRequests()
	r.logger.Info("plan aborted", "plan_id", p.ID)
	return nil
}

// retryTask flips a failed task back to pending, consuming one retry, and
// reverts the skips its failure cascaded. This is the one sanctioned path
// out of a terminal status.
func (r *Replanner) retryTask(st *state.PlanExecuteState, step int) error {
	p := st.Plan
	if p == nil {
		// Nothing to mutate; a thread stopped during planning replans on
		// resume anyway.
		return nil
	}

	index := -1
	if step > 0 {
		if step > len(p.Tasks) {
			return fmt.Errorf("no step %d in the plan", step)
		}
		index = step - 1
	} else {
		for i := len(p.Tasks) - 1; i >= 0; i-- {
			if p.Tasks[i].Status == plan.TaskStatusFailed {
				index = i
				break
			}
		}
	}
	if index < 0 {
		return errors.New("no failed task to retry")
	}

	task := &p.Tasks[index]
	if task.Status != plan.TaskStatusFailed {
		return fmt.Errorf("step %d has status %s, only failed tasks retry", index+1, task.Status)
	}
	if task.RetryCount >= task.MaxRetries {
		return fmt.Errorf("task %s exhausted its %d retries", task.ID, task.MaxRetries)
	}

	task.RetryCount++
	task.Status = plan.TaskStatusPending
	task.Error = ""
	task.StartedAt = nil
	task.CompletedAt = nil

	marker := cascadeSkipMarker(task.ID)
	for i := range p.Tasks {
		if t := &p.Tasks[i]; t.Status == plan.TaskStatusSkipped && t.Error == marker {
			t.Status = plan.TaskStatusPending
			t.Error = ""
		}
	}

	if index < st.CurrentTaskIndex {
		st.CurrentTaskIndex = index
	}
	p.Status = plan.PlanStatusExecuting
	p.Touch()

	r.logger.Info("task retried",
		"task_id", task.ID,
		"retry_count", task.RetryCount)
	return nil
}

// skipStep requests a skip for the named step, or for the task the interrupt
// was raised about when no step is named.
func (r *Replanner) skipStep(st *state.PlanExecuteState, data *plan.InterruptData, step int) error {
	p := st.Plan
	if p == nil {
		return errors.New("no plan to modify")
	}

	index := step - 1
	if step == 0 {
		var ok bool
		if index, ok = taskIndexFromContext(data); !ok {
			return errors.New("no step named and none pending resolution")
		}
	}
	if index < 0 || index >= len(p.Tasks) {
		return fmt.Errorf("no step %d in the plan", index+1)
	}

	st.SkipTask(index)
	r.logger.Info("step skipped", "task_id", p.Tasks[index].ID)
	return nil
}

// taskIndexFromContext recovers the task index an interrupt was raised
// about. JSON round-trips turn ints into float64s.
func taskIndexFromContext(data *plan.InterruptData) (int, bool) {
	if data == nil || data.Context == nil {
		return 0, false
	}
	switch v := data.Context["task_index"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// planStarted reports whether any task of the plan has left pending.
func planStarted(p *plan.ExecutionPlan) bool {
	if p == nil {
		return false
	}
	for i := range p.Tasks {
		if p.Tasks[i].Status != plan.TaskStatusPending {
			return true
		}
	}
	return false
}

var affirmations = map[string]bool{
	"yes": true, "y": true, "ok": true, "okay": true, "sure": true,
	"approve": true, "approved": true, "continue": true, "proceed": true,
	"go ahead": true, "do it": true,
}

var denials = map[string]bool{
	"no": true, "n": true, "deny": true, "denied": true, "reject": true,
	"rejected": true, "don't": true, "dont": true,
}

func isAffirmation(lower string) bool { return affirmations[strings.TrimSuffix(lower, ".")] }

func isDenial(lower string) bool { return denials[strings.TrimSuffix(lower, ".")] }
