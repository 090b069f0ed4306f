package plan

import (
	"errors"
	"testing"
)

func TestParse_NumberedList(t *testing.T) {
	text := `Here is the plan:

1. Look up the GenePoint account (Agent: salesforce)
2. Create a follow-up task for Edna Frank (Agent: salesforce, depends on: 1)
3. Summarize both results

Let me know if you need anything else.`

	p, err := Parse(text, "find GenePoint then create a follow-up task")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(p.Tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(p.Tasks))
	}
	if p.Version != 1 {
		t.Errorf("Version = %d, want 1", p.Version)
	}

	t1 := p.Tasks[0]
	if t1.ID != "task_1" || t1.Agent != "salesforce" || len(t1.DependsOn) != 0 {
		t.Errorf("task 1 = %+v", t1)
	}
	if t1.Content != "Look up the GenePoint account" {
		t.Errorf("task 1 content = %q", t1.Content)
	}

	t2 := p.Tasks[1]
	if t2.ID != "task_2" || t2.Agent != "salesforce" {
		t.Errorf("task 2 = %+v", t2)
	}
	if len(t2.DependsOn) != 1 || t2.DependsOn[0] != "task_1" {
		t.Errorf("task 2 depends_on = %v, want [task_1]", t2.DependsOn)
	}

	t3 := p.Tasks[2]
	if t3.Agent != OrchestratorAgent {
		t.Errorf("task 3 agent = %q, want orchestrator default", t3.Agent)
	}

	for i, task := range p.Tasks {
		if task.Status != TaskStatusPending {
			t.Errorf("task %d status = %q, want pending", i, task.Status)
		}
		if task.MaxRetries != DefaultMaxRetries {
			t.Errorf("task %d max_retries = %d, want %d", i, task.MaxRetries, DefaultMaxRetries)
		}
	}
}

func TestParse_SkipsNonMatchingLines(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantCount int
	}{
		{
			name: "prose between tasks",
			text: "I'll break this down:\n1. First step\nsome explanation\n2. Second step\n",
			// prose lines skipped, numbered lines kept
			wantCount: 2,
		},
		{
			name:      "bullets are not tasks",
			text:      "- not a task\n* also not\n1. the only task",
			wantCount: 1,
		},
		{
			name:      "number without dot-space",
			text:      "1.missing space\n2. real task",
			wantCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.text, "request")
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(p.Tasks) != tt.wantCount {
				t.Errorf("got %d tasks, want %d", len(p.Tasks), tt.wantCount)
			}
		})
	}
}

func TestParse_NoTasks(t *testing.T) {
	_, err := Parse("I could not produce a plan for this request.", "request")
	if !errors.Is(err, ErrNoTasks) {
		t.Errorf("err = %v, want ErrNoTasks", err)
	}
}

func TestParse_MultipleDependencies(t *testing.T) {
	text := `1. Gather accounts (Agent: salesforce)
2. Gather tickets (Agent: jira)
3. Cross-reference results (Agent: orchestrator, depends on: 1, 2)`

	p, err := Parse(text, "request")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t3 := p.Task("task_3")
	if t3 == nil {
		t.Fatal("task_3 missing")
	}
	if len(t3.DependsOn) != 2 || t3.DependsOn[0] != "task_1" || t3.DependsOn[1] != "task_2" {
		t.Errorf("depends_on = %v", t3.DependsOn)
	}
}

func TestParse_UnknownDependency(t *testing.T) {
	_, err := Parse("1. Do something (Agent: jira, depends on: 7)", "request")
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("err = %v, want ErrUnknownDependency", err)
	}
}

func TestParse_RejectsCycles(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{
			name: "self reference",
			text: "1. Depends on itself (Agent: jira, depends on: 1)",
		},
		{
			name: "two-node cycle",
			text: "1. First (Agent: jira, depends on: 2)\n2. Second (Agent: jira, depends on: 1)",
		},
		{
			name: "three-node cycle",
			text: "1. A (Agent: a, depends on: 3)\n2. B (Agent: b, depends on: 1)\n3. C (Agent: c, depends on: 2)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text, "request")
			if !errors.Is(err, ErrDependencyCycle) {
				t.Errorf("err = %v, want ErrDependencyCycle", err)
			}
		})
	}
}

func TestParse_DuplicateNumbersRenumbered(t *testing.T) {
	p, err := Parse("1. First\n1. Also first\n2. Second", "request")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(p.Tasks))
	}
	ids := map[string]bool{}
	for _, task := range p.Tasks {
		if ids[task.ID] {
			t.Fatalf("duplicate id %s", task.ID)
		}
		ids[task.ID] = true
	}
}

func TestValidate_AfterMutation(t *testing.T) {
	p, err := Parse("1. First\n2. Second (Agent: jira, depends on: 1)", "request")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Appending a task with a dangling dependency must be caught.
	bad := NewTask("task_9", "dangling", "jira")
	bad.DependsOn = []string{"task_7"}
	p.Tasks = append(p.Tasks, bad)

	if err := Validate(p); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("Validate = %v, want ErrUnknownDependency", err)
	}
}
