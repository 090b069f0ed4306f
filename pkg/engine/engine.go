// Package engine implements the plan-and-execute loop at the heart of the
// orchestrator: a planner that decomposes requests into task DAGs, an
// executor that dispatches one task at a time to the best-fit agent, a
// replanner that applies mid-flight plan modifications, and a summarizer
// that closes every run with a durable summary. The engine serves the A2A
// TaskHandler surface and the WebSocket control plane's interrupt/resume
// contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/memory"
	"github.com/tapestry-ai/tapestry/pkg/plan"
	"github.com/tapestry-ai/tapestry/pkg/state"
)

// ============================================================================
// ENGINE
// ============================================================================

const (
	streamBuffer       = 32
	maintenanceTimeout = 2 * time.Minute
	recentMessageCount = 30
)

// errThreadBusy means a second run was attempted on a thread whose loop is
// still executing.
var errThreadBusy = errors.New("thread is already running")

// Notifier pushes engine events to control-plane subscribers. *ws.Hub
// satisfies it.
type Notifier interface {
	NotifyThread(threadID, event string, payload map[string]any)
}

// RunMetrics receives engine-level measurements. *observability.Metrics
// satisfies it.
type RunMetrics interface {
	RecordPlanCompletion(ctx context.Context, status string, duration time.Duration)
	RecordMemoryExtraction(ctx context.Context, facts int)
}

// emitFunc delivers one stream event. It returns false when the consumer is
// gone; the run keeps going and relies on context cancellation to stop.
type emitFunc func(a2a.StreamEvent) bool

// threadRun is the engine's handle on one in-flight thread loop. The loop
// goroutine owns the state; resume and wake are the only doors in.
type threadRun struct {
	resume chan string
	wake   chan struct{}
}

// Engine drives the plan-and-execute state machine for every thread. It
// implements a2a.TaskHandler for the server and the interrupt/resume
// contract for the WebSocket control plane.
type Engine struct {
	planner    *Planner
	executor   *Executor
	replanner  *Replanner
	summarizer *Summarizer
	threads    *state.Manager
	extractor  *memory.Extractor
	notifier   Notifier
	metrics    RunMetrics
	card       *a2a.AgentCard
	logger     *slog.Logger
	flags      *interruptFlags
	now        func() time.Time

	requireApproval atomic.Bool

	mu         sync.Mutex
	runs       map[string]*threadRun
	workerBusy map[string]bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	background sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNotifier wires control-plane notifications for background runs.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithExtractor enables background structured-memory extraction.
func WithExtractor(x *memory.Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithRunMetrics wires plan and memory measurements to a metrics recorder.
func WithRunMetrics(m RunMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCard overrides the orchestrator's agent card.
func WithCard(card *a2a.AgentCard) Option {
	return func(e *Engine) {
		if card != nil {
			e.card = card
		}
	}
}

// WithVersion stamps the advertised agent card with a build version.
func WithVersion(version string) Option {
	return func(e *Engine) {
		if version != "" {
			e.card.Version = version
		}
	}
}

// WithApprovalRequired pauses every fresh plan for human approval before its
// first dispatch.
func WithApprovalRequired(required bool) Option {
	return func(e *Engine) { e.requireApproval.Store(required) }
}

// New wires the engine from its collaborators. The gateway plans, executes
// orchestrator-owned tasks, and summarizes; the directory and dispatcher
// route everything else.
func New(gateway llm.Gateway, agents AgentDirectory, dispatcher TaskDispatcher, threads *state.Manager, opts ...Option) *Engine {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		threads:    threads,
		card:       defaultCard(),
		logger:     slog.Default().With("component", "engine"),
		flags:      newInterruptFlags(),
		now:        time.Now,
		runs:       make(map[string]*threadRun),
		workerBusy: make(map[string]bool),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.planner = NewPlanner(gateway, agents, WithPlannerLogger(e.logger))
	e.executor = NewExecutor(gateway, agents, dispatcher, WithExecutorLogger(e.logger))
	e.replanner = NewReplanner(e.planner, WithReplannerLogger(e.logger))
	e.summarizer = NewSummarizer(gateway, WithSummarizerLogger(e.logger))
	return e
}

// SetNotifier wires the control-plane hub after construction. The hub
// needs the engine as its controller, so the two are bound in two steps.
// Call before the server starts accepting work.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetApprovalRequired flips the approval gate at runtime. Fresh plans see
// the new value; a thread already waiting on an answer keeps waiting.
func (e *Engine) SetApprovalRequired(required bool) {
	e.requireApproval.Store(required)
}

// Close stops background work and waits for it to drain.
func (e *Engine) Close() error {
	e.baseCancel()
	e.background.Wait()
	return nil
}

func defaultCard() *a2a.AgentCard {
	return &a2a.AgentCard{
		Name:        "tapestry-orchestrator",
		Version:     "dev",
		Description: "Plan-and-execute orchestrator coordinating specialized agents over A2A",
		Capabilities: []string{
			"orchestration",
			"planning",
			"multi_agent_coordination",
		},
		CommunicationModes: []string{a2a.ModeSync, a2a.ModeStreaming},
	}
}

// ============================================================================
// TASK HANDLER SURFACE
// ============================================================================

// AgentCard describes the orchestrator.
func (e *Engine) AgentCard() *a2a.AgentCard {
	return e.card
}

// ProcessTask runs the task synchronously and returns the final summary as
// an artifact. Threads it creates default to simple mode.
func (e *Engine) ProcessTask(ctx context.Context, task *a2a.Task) (*a2a.TaskResult, error) {
	if err := validateRequest(task.Instruction); err != nil {
		return nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: err.Error()}
	}
	discard := func(a2a.StreamEvent) bool { return true }
	return e.runThread(ctx, threadIDFor(task), task, state.UIModeSimple, discard)
}

// StreamTask runs the task while emitting progress events. The channel
// closes after the terminal event. Threads it creates default to
// progressive mode; simple-mode threads emit coarse events only.
func (e *Engine) StreamTask(ctx context.Context, task *a2a.Task) (<-chan a2a.StreamEvent, error) {
	if err := validateRequest(task.Instruction); err != nil {
		return nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: err.Error()}
	}

	events := make(chan a2a.StreamEvent, streamBuffer)
	emit := func(event a2a.StreamEvent) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer close(events)
		if _, err := e.runThread(ctx, threadIDFor(task), task, state.UIModeProgressive, emit); err != nil {
			e.logger.Debug("stream run ended with error", "task_id", task.ID, "error", err)
		}
	}()
	return events, nil
}

// Progress reports the thread's execution progress.
func (e *Engine) Progress(ctx context.Context, threadID string) (any, error) {
	st, err := e.threads.LoadState(ctx, threadID)
	if err != nil {
		if errors.Is(err, state.ErrThreadNotFound) {
			return nil, &a2a.RPCError{Code: a2a.CodeThreadNotFound, Message: fmt.Sprintf("thread %s not found", threadID)}
		}
		return nil, err
	}

	progress := map[string]any{
		"thread_id":      threadID,
		"status":         threadStatus(st, e.lookupRun(threadID) != nil),
		"progress_state": st.Progress,
		"interrupted":    st.Interrupted,
	}
	if st.Plan != nil {
		progress["plan_id"] = st.Plan.ID
		progress["plan_version"] = st.Plan.Version
		progress["plan_status"] = string(st.Plan.Status)
	}
	if st.Summary != "" {
		progress["summary"] = st.Summary
	}
	return progress, nil
}

// threadIDFor resolves which thread a task belongs to. Callers pin threads
// via context.thread_id; without one the task id starts a thread of its own.
func threadIDFor(task *a2a.Task) string {
	if id, ok := task.Context["thread_id"].(string); ok && id != "" {
		return id
	}
	return task.ID
}

// uiModeOverride returns the ui_mode pinned on the task context, or "" when
// absent or unrecognized.
func uiModeOverride(task *a2a.Task) string {
	mode, _ := task.Context["ui_mode"].(string)
	switch mode {
	case state.UIModeSimple, state.UIModeProgressive:
		return mode
	}
	return ""
}

// coarseEvent reports whether a simple-mode thread still emits the event.
// Per-task transitions are suppressed; plan boundaries and errors pass.
func coarseEvent(event string) bool {
	switch event {
	case a2a.EventPlanCreated, a2a.EventSummaryGenerated, a2a.EventPlanCompleted, a2a.EventError:
		return true
	}
	return false
}

// modeEmit applies the thread's ui mode to an emitter. Suppressed events
// report delivery so the run never mistakes filtering for a gone consumer.
func modeEmit(st *state.PlanExecuteState, emit emitFunc) emitFunc {
	if st.UIMode != state.UIModeSimple {
		return emit
	}
	return func(event a2a.StreamEvent) bool {
		if !coarseEvent(event.Event) {
			return true
		}
		return emit(event)
	}
}

// threadStatus maps persisted state onto the thread lifecycle names.
func threadStatus(st *state.PlanExecuteState, live bool) string {
	switch {
	case st.Interrupted:
		return "interrupted"
	case st.Plan == nil:
		if live {
			return "planning"
		}
		return "idle"
	}
	switch st.Plan.Status {
	case plan.PlanStatusCompleted:
		return "completed"
	case plan.PlanStatusFailed:
		return "failed"
	case plan.PlanStatusCancelled:
		return "cancelled"
	case plan.PlanStatusPlanning:
		return "planning"
	default:
		if live {
			return "executing"
		}
		return "paused"
	}
}

// ============================================================================
// CONTROL PLANE (interrupt / resume)
// ============================================================================

// Interrupt asks a running thread to stop at its next yield point. The flag
// is observed between tasks: an in-flight task always finishes first.
func (e *Engine) Interrupt(ctx context.Context, threadID, reason string) error {
	run := e.lookupRun(threadID)
	if run == nil {
		return fmt.Errorf("thread %s is not running", threadID)
	}
	e.flags.Raise(threadID, reason)
	select {
	case run.wake <- struct{}{}:
	default:
	}
	e.logger.Info("interrupt requested", "thread_id", threadID, "reason", reason)
	return nil
}

// Resume clears a thread's interrupt with the user's input. A run blocked on
// approval receives the input directly; an interrupted thread whose loop
// already exited is relaunched in the background.
func (e *Engine) Resume(ctx context.Context, threadID, userInput string) error {
	if run := e.lookupRun(threadID); run != nil {
		// The send only succeeds when the loop is blocked waiting for
		// input; a busy run cannot consume a resume.
		select {
		case run.resume <- userInput:
			return nil
		default:
			return fmt.Errorf("thread %s is running and not waiting for input", threadID)
		}
	}
	return e.resumeStopped(ctx, threadID, userInput)
}

// resumeStopped resolves the persisted interrupt, applies the resolution to
// the plan, and continues the thread in the background. Events from the
// relaunched run go to control-plane subscribers.
func (e *Engine) resumeStopped(ctx context.Context, threadID, userInput string) error {
	st, err := e.threads.LoadState(ctx, threadID)
	if err != nil {
		return err
	}
	if !st.Interrupted {
		return fmt.Errorf("thread %s is not interrupted", threadID)
	}

	st.ResolveInterrupt(userInput)
	if strings.TrimSpace(userInput) != "" {
		st.AddMessage(history.User(userInput))
	}
	if err := e.replanner.ApplyResolution(st); err != nil {
		st.RaiseInterrupt(plan.NewInterrupt(plan.InterruptErrorRecovery, err.Error()))
		e.persist(ctx, threadID, st)
		return err
	}
	if st.Plan != nil && st.Plan.Status == plan.PlanStatusInterrupted {
		st.Plan.Status = plan.PlanStatusExecuting
	}
	e.persist(ctx, threadID, st)

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.relaunch(threadID)
	}()
	e.logger.Info("thread resumed", "thread_id", threadID)
	return nil
}

// relaunch continues an interrupted thread without a caller attached.
func (e *Engine) relaunch(threadID string) {
	run, err := e.acquireRun(threadID)
	if err != nil {
		e.logger.Warn("relaunch skipped", "thread_id", threadID, "error", err)
		return
	}
	defer e.releaseRun(threadID)

	st, err := e.threads.LoadState(e.baseCtx, threadID)
	if err != nil {
		e.logger.Error("relaunch failed to load state", "thread_id", threadID, "error", err)
		return
	}
	normalizeLoaded(st)

	emit := modeEmit(st, e.notifyEmitter(threadID))
	if _, err := e.executeLoop(e.baseCtx, run, threadID, st, emit); err != nil {
		e.logger.Debug("relaunched run ended with error", "thread_id", threadID, "error", err)
	}
	e.persist(e.baseCtx, threadID, st)
	e.spawnMaintenance(threadID)
}

// notifyEmitter bridges stream events onto the WebSocket control plane for
// runs without an SSE consumer.
func (e *Engine) notifyEmitter(threadID string) emitFunc {
	return func(event a2a.StreamEvent) bool {
		if e.notifier != nil {
			e.notifier.NotifyThread(threadID, event.Event, event.Data)
		}
		return true
	}
}

func (e *Engine) lookupRun(threadID string) *threadRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[threadID]
}

func (e *Engine) acquireRun(threadID string) (*threadRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.runs[threadID]; exists {
		return nil, fmt.Errorf("thread %s: %w", threadID, errThreadBusy)
	}
	run := &threadRun{
		resume: make(chan string),
		wake:   make(chan struct{}, 1),
	}
	e.runs[threadID] = run
	return run, nil
}

func (e *Engine) releaseRun(threadID string) {
	e.mu.Lock()
	delete(e.runs, threadID)
	e.mu.Unlock()
	// A flag raised after the final yield point has nothing left to stop.
	e.flags.Clear(threadID)
}

// ============================================================================
// TRACING
// Spans attach to the global tracer provider; the runtime installs the
// real exporter, tests and library use get the no-op default. LLM and
// dispatch spans nest under the run span through the loop context.
// ============================================================================

const tracerName = "tapestry/engine"

func startRunSpan(ctx context.Context, threadID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan.run",
		trace.WithAttributes(attribute.String("thread.id", threadID)),
	)
}

func endRunSpan(span trace.Span, p *plan.ExecutionPlan, status string, err error) {
	if p != nil {
		span.SetAttributes(
			attribute.String("plan.id", p.ID),
			attribute.Int("plan.version", p.Version),
			attribute.Int("plan.tasks", len(p.Tasks)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	if status != "" {
		span.SetAttributes(attribute.String("plan.status", status))
	}
	span.SetStatus(codes.Ok, "")
	span.End()
}

// ============================================================================
// RUN LOOP
// ============================================================================

// runThread is the entry point shared by ProcessTask and StreamTask: load or
// create the thread, fold the request in, drive the loop, persist, and kick
// off background maintenance. New threads adopt defaultMode; a ui_mode on
// the task context pins the mode for new and existing threads alike.
func (e *Engine) runThread(ctx context.Context, threadID string, task *a2a.Task, defaultMode string, emit emitFunc) (*a2a.TaskResult, error) {
	run, err := e.acquireRun(threadID)
	if err != nil {
		emit(errorEvent(err.Error()))
		return nil, &a2a.RPCError{Code: a2a.CodeTaskFailed, Message: err.Error()}
	}
	defer e.releaseRun(threadID)

	st, err := e.loadOrCreate(ctx, threadID, task.Instruction, defaultMode)
	if err != nil {
		emit(errorEvent(err.Error()))
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if mode := uiModeOverride(task); mode != "" {
		st.UIMode = mode
	}
	emit = modeEmit(st, emit)

	if st.Interrupted {
		// A new request on an interrupted thread doubles as its resume
		// input.
		st.ResolveInterrupt(task.Instruction)
		st.AddMessage(history.User(task.Instruction))
		if rerr := e.replanner.ApplyResolution(st); rerr != nil {
			return nil, e.interruptForError(ctx, threadID, st, emit, rerr)
		}
		if st.Plan != nil && st.Plan.Status == plan.PlanStatusInterrupted {
			st.Plan.Status = plan.PlanStatusExecuting
		}
	} else {
		st.OriginalRequest = task.Instruction
		st.AddMessage(history.User(task.Instruction))
	}

	result, runErr := e.executeLoop(ctx, run, threadID, st, emit)
	e.persist(ctx, threadID, st)
	e.spawnMaintenance(threadID)

	if runErr != nil {
		return nil, runErr
	}
	// The artifact answers the A2A task that carried the request.
	for i := range result.Artifacts {
		result.Artifacts[i].TaskID = task.ID
	}
	return result, nil
}

func (e *Engine) loadOrCreate(ctx context.Context, threadID, request, mode string) (*state.PlanExecuteState, error) {
	st, err := e.threads.LoadState(ctx, threadID)
	switch {
	case err == nil:
		normalizeLoaded(st)
		return st, nil
	case errors.Is(err, state.ErrThreadNotFound):
		st = state.New(request)
		st.UIMode = mode
		return st, nil
	default:
		return nil, err
	}
}

// normalizeLoaded repairs state left by a run that never finished: a task
// persisted as in_progress never reported back, so it runs again.
func normalizeLoaded(st *state.PlanExecuteState) {
	if st.Plan == nil {
		return
	}
	for i := range st.Plan.Tasks {
		if st.Plan.Tasks[i].Status == plan.TaskStatusInProgress {
			st.Plan.Tasks[i].Status = plan.TaskStatusPending
			st.Plan.Tasks[i].StartedAt = nil
		}
	}
}

// executeLoop drives one thread through planning, execution, replanning and
// summarization. Interrupt flags are observed at yield points: before each
// dispatch and after each result, so an in-flight task always finishes.
func (e *Engine) executeLoop(ctx context.Context, run *threadRun, threadID string, st *state.PlanExecuteState, emit emitFunc) (result *a2a.TaskResult, rerr error) {
	ctx, span := startRunSpan(ctx, threadID)
	defer func() {
		status := ""
		if st.Plan != nil {
			status = string(st.Plan.Status)
		}
		endRunSpan(span, st.Plan, status, rerr)
	}()

	p, fresh, err := e.planner.Plan(ctx, st)
	if err != nil {
		return nil, e.interruptForError(ctx, threadID, st, emit, err)
	}
	if fresh {
		st.SetPlan(p)
	}
	if st.Plan.Status == plan.PlanStatusPlanning || st.Plan.Status == plan.PlanStatusPaused {
		st.Plan.Status = plan.PlanStatusExecuting
	}
	if fresh {
		emit(a2a.NewStreamEvent(a2a.EventPlanCreated, map[string]any{"plan": planPayload(st.Plan)}))
	}

loop:
	for {
		if stop := e.checkYield(ctx, threadID, st, emit); stop != nil {
			return nil, stop
		}

		decision, derr := e.replanner.Replan(ctx, st)
		if derr != nil {
			return nil, e.interruptForError(ctx, threadID, st, emit, derr)
		}
		switch decision {
		case ReplanCompleted:
			break loop
		case ReplanReplaced:
			st.Plan.Status = plan.PlanStatusExecuting
			emit(a2a.NewStreamEvent(a2a.EventPlanCreated, map[string]any{"plan": planPayload(st.Plan)}))
			continue
		case ReplanExtended:
			// New steps surface through their task_started events.
		}

		index, _, ok := NextExecutableTask(st)
		if !ok {
			// Dependencies that can never be satisfied would spin here;
			// cancel what is left and let the completion check end the run.
			if n := cancelStuckTasks(st.Plan); n > 0 {
				e.logger.Warn("cancelled unexecutable tasks", "thread_id", threadID, "count", n)
			}
			continue
		}

		if e.requireApproval.Load() && !planApproved(st.Plan) {
			if stop := e.awaitApproval(ctx, run, threadID, st, index, emit); stop != nil {
				return nil, stop
			}
			markPlanApproved(st.Plan)
			continue // the approval answer may have changed the plan
		}

		task := &st.Plan.Tasks[index]
		emit(a2a.NewStreamEvent(a2a.EventTaskStarted, map[string]any{
			"task": map[string]any{"id": task.ID, "content": task.Content, "agent": task.Agent},
		}))

		outcome := e.executor.Execute(ctx, threadID, st, index)
		if outcome.Success {
			st.AddMessage(history.Assistant(outcome.Content))
			// Local tasks also stream the raw response for incremental display;
			// task_completed is the terminal marker either way.
			if !outcome.Remote {
				emit(a2a.NewStreamEvent(a2a.EventAgentResponse, map[string]any{
					"content": outcome.Content,
				}))
			}
			emit(a2a.NewStreamEvent(a2a.EventTaskCompleted, map[string]any{
				"task_id": outcome.TaskID,
				"success": true,
				"content": outcome.Content,
			}))
		} else {
			message := outcome.Err.Error()
			st.AddMessage(history.Assistant("Error: " + message))
			emit(a2a.NewStreamEvent(a2a.EventTaskError, map[string]any{
				"task_id": outcome.TaskID,
				"error":   message,
				"content": outcome.Content,
			}))
		}
		e.persist(ctx, threadID, st)
	}

	summary := e.summarizer.SummarizePlan(ctx, st)
	st.Plan.Summary = summary
	st.Plan.Status = completionStatus(st.Plan)
	if e.metrics != nil {
		e.metrics.RecordPlanCompletion(ctx, string(st.Plan.Status), e.now().Sub(st.Plan.CreatedAt))
	}

	if summary != "" {
		emit(a2a.NewStreamEvent(a2a.EventSummaryGenerated, map[string]any{"summary": summary}))
	}
	emit(a2a.NewStreamEvent(a2a.EventPlanCompleted, map[string]any{
		"plan":    planPayload(st.Plan),
		"summary": summary,
	}))

	status := a2a.StatusCompleted
	if st.Plan.Status == plan.PlanStatusFailed {
		status = a2a.StatusFailed
	}
	return &a2a.TaskResult{
		Artifacts: []a2a.Artifact{a2a.NewArtifact("", summary, "text/plain")},
		Status:    status,
		Metadata: map[string]any{
			"thread_id":    threadID,
			"plan_id":      st.Plan.ID,
			"plan_version": st.Plan.Version,
			"plan_status":  string(st.Plan.Status),
		},
	}, nil
}

// checkYield observes interrupt flags and context cancellation between
// tasks. A raised flag turns into a user_escape interrupt, a final error
// event, and a CodeInterrupted error for sync callers.
func (e *Engine) checkYield(ctx context.Context, threadID string, st *state.PlanExecuteState, emit emitFunc) error {
	if flag, ok := e.flags.Take(threadID); ok {
		reason := flag.Reason
		if reason == "" {
			reason = "interrupted by user"
		}
		st.RaiseInterrupt(plan.NewInterrupt(plan.InterruptUserEscape, reason))
		if st.Plan != nil {
			st.Plan.Status = plan.PlanStatusInterrupted
		}
		e.persist(ctx, threadID, st)
		emit(a2a.NewStreamEvent(a2a.EventError, map[string]any{
			"error":       reason,
			"interrupted": true,
		}))
		e.logger.Info("thread interrupted", "thread_id", threadID, "reason", reason)
		return &a2a.RPCError{Code: a2a.CodeInterrupted, Message: reason}
	}

	if err := ctx.Err(); err != nil {
		if st.Plan != nil && !st.Plan.IsComplete() {
			st.Plan.Status = plan.PlanStatusPaused
		}
		e.persist(context.WithoutCancel(ctx), threadID, st)
		return err
	}
	return nil
}

// awaitApproval raises an approval_request interrupt for the upcoming task
// and blocks until it is resolved over the control plane. Bad instructions
// re-raise the request rather than losing the pause.
func (e *Engine) awaitApproval(ctx context.Context, run *threadRun, threadID string, st *state.PlanExecuteState, taskIndex int, emit emitFunc) error {
	raise := func() {
		task := &st.Plan.Tasks[taskIndex]
		data := plan.NewInterrupt(plan.InterruptApprovalRequest,
			fmt.Sprintf("approval required before step %d", taskIndex+1))
		data.Context = map[string]any{
			"task_index": taskIndex,
			"plan_id":    st.Plan.ID,
		}
		data.PendingApproval = map[string]any{
			"task_id": task.ID,
			"content": task.Content,
			"agent":   task.Agent,
		}
		st.RaiseInterrupt(data)
		e.persist(ctx, threadID, st)
		if e.notifier != nil {
			e.notifier.NotifyThread(threadID, "approval_requested", data.PendingApproval)
		}
	}
	raise()

	for {
		select {
		case input := <-run.resume:
			st.ResolveInterrupt(input)
			if strings.TrimSpace(input) != "" {
				st.AddMessage(history.User(input))
			}
			if err := e.replanner.ApplyResolution(st); err != nil {
				e.logger.Warn("approval instruction failed", "thread_id", threadID, "error", err)
				raise()
				continue
			}
			e.persist(ctx, threadID, st)
			return nil
		case <-run.wake:
			if stop := e.checkYield(ctx, threadID, st, emit); stop != nil {
				return stop
			}
		case <-ctx.Done():
			if st.Plan != nil && !st.Plan.IsComplete() {
				st.Plan.Status = plan.PlanStatusPaused
			}
			e.persist(context.WithoutCancel(ctx), threadID, st)
			return ctx.Err()
		}
	}
}

// interruptForError converts a planner or replanner failure into an
// error_recovery interrupt the user can resolve with retry, skip, abort, or
// a modified instruction.
func (e *Engine) interruptForError(ctx context.Context, threadID string, st *state.PlanExecuteState, emit emitFunc, cause error) error {
	data := plan.NewInterrupt(plan.InterruptErrorRecovery, cause.Error())
	data.Context = map[string]any{"stage": "planning"}
	st.RaiseInterrupt(data)
	if st.Plan != nil {
		st.Plan.Status = plan.PlanStatusInterrupted
	}
	e.persist(ctx, threadID, st)
	emit(a2a.NewStreamEvent(a2a.EventError, map[string]any{
		"error":       cause.Error(),
		"recoverable": true,
	}))
	e.logger.Error("run paused for error recovery", "thread_id", threadID, "error", cause)
	return &a2a.RPCError{Code: a2a.CodeTaskFailed, Message: cause.Error()}
}

// persist saves the thread snapshot, logging rather than failing the run.
func (e *Engine) persist(ctx context.Context, threadID string, st *state.PlanExecuteState) {
	if err := e.threads.SaveState(ctx, threadID, st); err != nil {
		e.logger.Error("state persistence failed", "thread_id", threadID, "error", err)
	}
}

// cancelStuckTasks cancels pending tasks that can never run, such as tasks
// whose dependency was cancelled. Returns how many were cancelled.
func cancelStuckTasks(p *plan.ExecutionPlan) int {
	if p == nil {
		return 0
	}
	n := 0
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Status == plan.TaskStatusPending || t.Status == plan.TaskStatusInProgress {
			t.Status = plan.TaskStatusCancelled
			n++
		}
	}
	if n > 0 {
		p.Touch()
	}
	return n
}

// planApproved reports whether the plan already passed its approval gate.
// The mark lives in plan metadata so resumed runs do not ask twice.
func planApproved(p *plan.ExecutionPlan) bool {
	if p.Metadata == nil {
		return false
	}
	approved, _ := p.Metadata["approved"].(bool)
	return approved
}

func markPlanApproved(p *plan.ExecutionPlan) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata["approved"] = true
}

// completionStatus maps the finished task set onto the plan status. Partial
// success still completes; the summary carries the failures.
func completionStatus(p *plan.ExecutionPlan) plan.PlanStatus {
	if p.Status == plan.PlanStatusCancelled {
		return plan.PlanStatusCancelled
	}
	counts := p.CountByStatus()
	if counts[plan.TaskStatusFailed] > 0 && counts[plan.TaskStatusCompleted] == 0 {
		return plan.PlanStatusFailed
	}
	return plan.PlanStatusCompleted
}

// planPayload renders a plan for wire events.
func planPayload(p *plan.ExecutionPlan) map[string]any {
	tasks := make([]map[string]any, 0, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		entry := map[string]any{
			"id":      t.ID,
			"content": t.Content,
			"agent":   t.Agent,
			"status":  string(t.Status),
		}
		if len(t.DependsOn) > 0 {
			entry["depends_on"] = t.DependsOn
		}
		tasks = append(tasks, entry)
	}
	return map[string]any{
		"id":               p.ID,
		"original_request": p.OriginalRequest,
		"version":          p.Version,
		"status":           string(p.Status),
		"tasks":            tasks,
	}
}

func errorEvent(message string) a2a.StreamEvent {
	return a2a.NewStreamEvent(a2a.EventError, map[string]any{"error": message})
}

// ============================================================================
// BACKGROUND MAINTENANCE
// ============================================================================

// spawnMaintenance runs the per-thread background pass: conversation summary
// and structured-memory extraction. At most one worker per thread; the
// worker re-loads the snapshot so it never shares state with a live run.
func (e *Engine) spawnMaintenance(threadID string) {
	e.mu.Lock()
	if e.workerBusy[threadID] {
		e.mu.Unlock()
		return
	}
	e.workerBusy[threadID] = true
	e.mu.Unlock()

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer func() {
			e.mu.Lock()
			delete(e.workerBusy, threadID)
			e.mu.Unlock()
		}()
		e.maintainThread(threadID)
	}()
}

func (e *Engine) maintainThread(threadID string) {
	ctx, cancel := context.WithTimeout(e.baseCtx, maintenanceTimeout)
	defer cancel()

	st, err := e.threads.LoadState(ctx, threadID)
	if err != nil {
		e.logger.Warn("maintenance load failed", "thread_id", threadID, "error", err)
		return
	}

	changed := false
	if e.summarizer.ShouldSummarize(st) {
		if summary := e.summarizer.SummarizeConversation(ctx, st); summary != "" {
			st.SetSummary(summary, e.now())
			changed = true
		}
	}

	if e.extractor != nil && memory.ShouldExtract(st.ToolCallsSinceMemory, st.AgentCallsSinceMemory) {
		added, err := e.extractor.Extract(ctx, &st.Memory, recentMessages(st.Messages, recentMessageCount))
		if err != nil {
			e.logger.Warn("memory extraction failed", "thread_id", threadID, "error", err)
		} else {
			st.ResetMemoryCounters()
			changed = true
			if err := e.threads.SaveMemory(ctx, st.Memory); err != nil {
				e.logger.Warn("memory persistence failed", "thread_id", threadID, "error", err)
			}
			if e.metrics != nil {
				e.metrics.RecordMemoryExtraction(ctx, added)
			}
			e.logger.Debug("memory extracted", "thread_id", threadID, "entities", added)
		}
	}

	if changed {
		e.persist(ctx, threadID, st)
	}
}

func recentMessages(messages []history.Message, n int) []history.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
