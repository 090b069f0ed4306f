package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// PLAN TEXT PARSER
// Turns a numbered-list LLM response into an ExecutionPlan:
//
//	1. Look up the GenePoint account (Agent: salesforce)
//	2. Create a follow-up task for Edna Frank (Agent: salesforce, depends on: 1)
//	3. Summarize both results
//
// Lines that do not match the grammar are skipped. A task without an agent
// annotation is answered by the orchestrator itself.
// ============================================================================

var (
	// ErrNoTasks means the text contained no parseable task lines.
	ErrNoTasks = errors.New("no tasks parsed from plan text")

	// ErrUnknownDependency means a task references an id outside the plan.
	ErrUnknownDependency = errors.New("dependency references unknown task")

	// ErrDependencyCycle means the dependency graph is not a DAG.
	ErrDependencyCycle = errors.New("task dependencies form a cycle")
)

// taskLineRe matches "N. <content>", capturing the number and the rest.
var taskLineRe = regexp.MustCompile(`^(\d+)\.\s+(.+)$`)

// agentNoteRe matches the trailing "(Agent: name[, depends on: 1, 2])".
var agentNoteRe = regexp.MustCompile(`\(Agent:\s*(\w+)(?:,\s*depends on:\s*([\d,\s]+))?\)\s*$`)

// Parse builds a version-1 plan from LLM plan text. Task ids are stable
// "task_<n>" derived from the list numbers, so "depends on: 2" always means
// the line numbered 2. The dependency graph is validated before returning.
func Parse(text, originalRequest string) (*ExecutionPlan, error) {
	now := time.Now().UTC()
	p := &ExecutionPlan{
		ID:              uuid.NewString(),
		OriginalRequest: originalRequest,
		Status:          PlanStatusPlanning,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		number, err := strconv.Atoi(m[1])
		if err != nil || number <= 0 {
			continue
		}
		content := strings.TrimSpace(m[2])
		agent := ""
		var dependsOn []string

		if note := agentNoteRe.FindStringSubmatch(content); note != nil {
			agent = note[1]
			dependsOn = parseDependencyList(note[2])
			content = strings.TrimSpace(strings.TrimSuffix(content, note[0]))
		}
		if content == "" {
			continue
		}

		id := TaskID(number)
		if seen[id] {
			// Duplicate list number; renumber to keep every line.
			n := number + 1
			for seen[TaskID(n)] {
				n++
			}
			id = TaskID(n)
		}
		seen[id] = true

		task := NewTask(id, content, agent)
		task.DependsOn = dependsOn
		p.Tasks = append(p.Tasks, task)
	}

	if len(p.Tasks) == 0 {
		return nil, ErrNoTasks
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SplitAgentNote strips a trailing "(Agent: name)" annotation from a task
// description, returning the bare content and the agent name. Content with
// no annotation comes back unchanged with an empty agent.
func SplitAgentNote(content string) (string, string) {
	if note := agentNoteRe.FindStringSubmatch(content); note != nil {
		return strings.TrimSpace(strings.TrimSuffix(content, note[0])), note[1]
	}
	return content, ""
}

// parseDependencyList turns "1, 2,3" into ["task_1","task_2","task_3"].
func parseDependencyList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			continue
		}
		ids = append(ids, TaskID(n))
	}
	return ids
}

// Validate checks the structural plan invariants: every dependency references
// a task in the same plan and the dependency graph is a DAG. Run after every
// plan mutation.
func Validate(p *ExecutionPlan) error {
	index := make(map[string]int, len(p.Tasks))
	for i := range p.Tasks {
		index[p.Tasks[i].ID] = i
	}

	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("task %s: %w: %s", t.ID, ErrUnknownDependency, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("task %s: %w", t.ID, ErrDependencyCycle)
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	// Kahn's algorithm; any leftover node sits on a cycle.
	queue := make([]string, 0, len(p.Tasks))
	for i := range p.Tasks {
		if indegree[p.Tasks[i].ID] == 0 {
			queue = append(queue, p.Tasks[i].ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(p.Tasks) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return nil
}
