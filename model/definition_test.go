package model

import (
	"reflect"
	"testing"
)

func TestTaskDefinition_defaults(t *testing.T) {
	td := &TaskDefinition{Name: "review"}
	if td.JoinType() != JoinAND {
		t.Errorf("JoinType() = %q, want %q", td.JoinType(), JoinAND)
	}
	if td.SplitType() != SplitAND {
		t.Errorf("SplitType() = %q, want %q", td.SplitType(), SplitAND)
	}
	td.Join, td.Split = JoinXOR, SplitOR
	if td.JoinType() != JoinXOR || td.SplitType() != SplitOR {
		t.Errorf("explicit join/split not returned: %q %q", td.JoinType(), td.SplitType())
	}
}

func TestTaskDefinition_IsHuman(t *testing.T) {
	human := &TaskDefinition{Offer: OfferDefinition{Type: OfferHuman, Scope: "staff:write"}}
	if !human.IsHuman() {
		t.Error("human offer should be human")
	}
	composite := &TaskDefinition{Kind: TaskKindComposite, Offer: OfferDefinition{Type: OfferHuman}}
	if composite.IsHuman() {
		t.Error("composite task should never be human")
	}
}

func TestWorkflowDefinition_lookups(t *testing.T) {
	def := &WorkflowDefinition{
		Name:    "intake",
		Version: "v1",
		Conditions: []ConditionDefinition{
			{Name: "start"}, {Name: "mid"}, {Name: "end"},
		},
		Tasks: []TaskDefinition{
			{Name: "a", Inputs: []string{"start"}, Outputs: []string{"mid"}},
			{Name: "b", Inputs: []string{"mid", "start"}, Outputs: []string{"end"}},
		},
	}
	if def.Key() != "intake@v1" {
		t.Errorf("Key() = %q", def.Key())
	}
	if _, ok := def.Task("b"); !ok {
		t.Error("Task(b) not found")
	}
	if _, ok := def.Task("zz"); ok {
		t.Error("Task(zz) should not exist")
	}
	if !def.HasCondition("mid") || def.HasCondition("nope") {
		t.Error("HasCondition mismatch")
	}
	var names []string
	for _, td := range def.TasksConsuming("start") {
		names = append(names, td.Name)
	}
	if !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Errorf("TasksConsuming(start) = %v", names)
	}
}

func TestSpanContext_Child(t *testing.T) {
	root := SpanContext{TraceID: "t1", Path: []string{"wf"}}
	child := root.Child("s1", "task")
	if child.TraceID != "t1" || child.ParentSpanID != "s1" || child.Depth != 1 {
		t.Errorf("child = %+v", child)
	}
	if !reflect.DeepEqual(child.Path, []string{"wf", "task"}) {
		t.Errorf("child.Path = %v", child.Path)
	}
	sibling := root.Child("s1", "other")
	if child.Path[1] != "task" || sibling.Path[1] != "other" {
		t.Error("Child must not share the parent's path backing array")
	}
}
