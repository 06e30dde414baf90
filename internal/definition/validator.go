package definition

import (
	"fmt"

	"github.com/pitabwire/tasquencer/internal/payload"
	"github.com/pitabwire/tasquencer/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Lookup resolves already-registered definitions for composite references.
type Lookup interface {
	Get(name, version string) (*model.WorkflowDefinition, error)
}

// Validator checks workflow nets structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var (
	validJoins  = map[string]bool{model.JoinAND: true, model.JoinOR: true, model.JoinXOR: true}
	validSplits = map[string]bool{model.SplitAND: true, model.SplitOR: true, model.SplitXOR: true}
	validKinds  = map[string]bool{"": true, model.TaskKindAtomic: true, model.TaskKindComposite: true}
	validOffers = map[string]bool{model.OfferHuman: true, model.OfferSystem: true}
)

// Validate checks every definition. Composite tasks may reference
// definitions in the same batch or, when known is non-nil, definitions
// already registered there.
func (v *Validator) Validate(defs []model.WorkflowDefinition, known Lookup) []VError {
	var errs []VError

	batch := make(map[string]*model.WorkflowDefinition, len(defs))
	latest := make(map[string]string, len(defs))
	for i := range defs {
		key := defs[i].Key()
		if _, dup := batch[key]; dup {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("workflows[%d]", i),
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("workflow %s is declared more than once", key),
			})
		}
		batch[key] = &defs[i]
		latest[defs[i].Name] = defs[i].Version
	}

	resolve := func(ref model.SubWorkflowRef) *model.WorkflowDefinition {
		version := ref.Version
		if version == "" {
			version = latest[ref.Name]
		}
		if d, ok := batch[model.DefinitionKey(ref.Name, version)]; ok {
			return d
		}
		if known != nil {
			if d, err := known.Get(ref.Name, ref.Version); err == nil {
				return d
			}
		}
		return nil
	}

	for i := range defs {
		prefix := fmt.Sprintf("workflows[%d]", i)
		errs = append(errs, v.validateWorkflow(prefix, &defs[i], resolve)...)
	}
	errs = append(errs, v.validateNoRecursion(defs, resolve)...)
	return errs
}

func (v *Validator) validateWorkflow(prefix string, w *model.WorkflowDefinition, resolve func(model.SubWorkflowRef) *model.WorkflowDefinition) []VError {
	var errs []VError

	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if w.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(w.Tasks) == 0 {
		errs = append(errs, VError{Path: prefix + ".tasks", Code: "REQUIRED", Message: "at least one task is required"})
	}

	conds := make(map[string]bool, len(w.Conditions))
	for i, c := range w.Conditions {
		cp := fmt.Sprintf("%s.conditions[%d]", prefix, i)
		if c.Name == "" {
			errs = append(errs, VError{Path: cp + ".name", Code: "REQUIRED", Message: "condition name is required"})
			continue
		}
		if conds[c.Name] {
			errs = append(errs, VError{Path: cp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("condition %q is declared more than once", c.Name)})
		}
		conds[c.Name] = true
	}

	if w.StartCondition == "" {
		errs = append(errs, VError{Path: prefix + ".start_condition", Code: "REQUIRED", Message: "start_condition is required"})
	} else if !conds[w.StartCondition] {
		errs = append(errs, VError{Path: prefix + ".start_condition", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("condition %q not found", w.StartCondition)})
	}
	if w.EndCondition == "" {
		errs = append(errs, VError{Path: prefix + ".end_condition", Code: "REQUIRED", Message: "end_condition is required"})
	} else if !conds[w.EndCondition] {
		errs = append(errs, VError{Path: prefix + ".end_condition", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("condition %q not found", w.EndCondition)})
	}
	if w.StartCondition != "" && w.StartCondition == w.EndCondition {
		errs = append(errs, VError{Path: prefix + ".end_condition", Code: "INVALID", Message: "start and end conditions must differ"})
	}

	tasks := make(map[string]bool, len(w.Tasks))
	for i := range w.Tasks {
		t := &w.Tasks[i]
		tp := fmt.Sprintf("%s.tasks[%d]", prefix, i)
		if t.Name != "" && tasks[t.Name] {
			errs = append(errs, VError{Path: tp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("task %q is declared more than once", t.Name)})
		}
		if t.Name != "" && conds[t.Name] {
			errs = append(errs, VError{Path: tp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("task %q shares its name with a condition", t.Name)})
		}
		tasks[t.Name] = true
		errs = append(errs, v.validateTask(tp, w, t, conds, resolve)...)
	}

	if len(errs) == 0 {
		errs = append(errs, v.validateConnectivity(prefix, w)...)
	}
	return errs
}

func (v *Validator) validateTask(prefix string, w *model.WorkflowDefinition, t *model.TaskDefinition, conds map[string]bool, resolve func(model.SubWorkflowRef) *model.WorkflowDefinition) []VError {
	var errs []VError

	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "task name is required"})
	}
	if !validJoins[t.JoinType()] {
		errs = append(errs, VError{Path: prefix + ".join", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid join type %q", t.Join)})
	}
	if !validSplits[t.SplitType()] {
		errs = append(errs, VError{Path: prefix + ".split", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid split type %q", t.Split)})
	}
	if !validKinds[t.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid task kind %q", t.Kind)})
	}

	if len(t.Inputs) == 0 {
		errs = append(errs, VError{Path: prefix + ".inputs", Code: "REQUIRED", Message: "at least one input condition is required"})
	}
	if len(t.Outputs) == 0 {
		errs = append(errs, VError{Path: prefix + ".outputs", Code: "REQUIRED", Message: "at least one output condition is required"})
	}
	seen := map[string]bool{}
	for i, in := range t.Inputs {
		if !conds[in] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.inputs[%d]", prefix, i), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("condition %q not found", in)})
		}
		if in == w.EndCondition {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.inputs[%d]", prefix, i), Code: "INVALID", Message: "the end condition cannot be a task input"})
		}
		if seen[in] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.inputs[%d]", prefix, i), Code: "DUPLICATE", Message: fmt.Sprintf("input %q is listed twice", in)})
		}
		seen[in] = true
	}
	seen = map[string]bool{}
	for i, out := range t.Outputs {
		if !conds[out] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.outputs[%d]", prefix, i), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("condition %q not found", out)})
		}
		if out == w.StartCondition {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.outputs[%d]", prefix, i), Code: "INVALID", Message: "the start condition cannot be a task output"})
		}
		if seen[out] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.outputs[%d]", prefix, i), Code: "DUPLICATE", Message: fmt.Sprintf("output %q is listed twice", out)})
		}
		seen[out] = true
	}

	if t.IsComposite() {
		if t.SubWorkflow == nil || t.SubWorkflow.Name == "" {
			errs = append(errs, VError{Path: prefix + ".sub_workflow", Code: "REQUIRED", Message: "composite tasks require sub_workflow"})
		} else if resolve(*t.SubWorkflow) == nil {
			errs = append(errs, VError{Path: prefix + ".sub_workflow", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("workflow %q version %q not found", t.SubWorkflow.Name, t.SubWorkflow.Version)})
		}
	} else {
		if t.SubWorkflow != nil {
			errs = append(errs, VError{Path: prefix + ".sub_workflow", Code: "INVALID", Message: "only composite tasks may declare sub_workflow"})
		}
		if !validOffers[t.Offer.Type] {
			errs = append(errs, VError{Path: prefix + ".offer.type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid offer type %q", t.Offer.Type)})
		}
		if t.Offer.Type == model.OfferHuman && t.Offer.Scope == "" {
			errs = append(errs, VError{Path: prefix + ".offer.scope", Code: "REQUIRED", Message: "human offers require a scope"})
		}
	}

	if len(t.Routes) > 0 && t.SplitType() == model.SplitAND {
		errs = append(errs, VError{Path: prefix + ".routes", Code: "INVALID", Message: "routes are only valid on or/xor splits"})
	}
	for i, r := range t.Routes {
		rp := fmt.Sprintf("%s.routes[%d]", prefix, i)
		if !t.HasOutput(r.To) {
			errs = append(errs, VError{Path: rp + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("%q is not an output of task %q", r.To, t.Name)})
		}
		if _, err := ParseRule(r.When); err != nil {
			errs = append(errs, VError{Path: rp + ".when", Code: "INVALID_EXPRESSION", Message: err.Error()})
		}
	}

	if _, err := payload.Compile(t.Schema); err != nil {
		errs = append(errs, VError{Path: prefix + ".schema", Code: "INVALID_SCHEMA", Message: err.Error()})
	}

	return errs
}

// validateConnectivity checks that every node is reachable from the start
// condition and can reach the end condition.
func (v *Validator) validateConnectivity(prefix string, w *model.WorkflowDefinition) []VError {
	forward := make(map[string][]string)
	backward := make(map[string][]string)
	for _, t := range w.Tasks {
		node := "task:" + t.Name
		for _, in := range t.Inputs {
			forward["cond:"+in] = append(forward["cond:"+in], node)
			backward[node] = append(backward[node], "cond:"+in)
		}
		for _, out := range t.Outputs {
			forward[node] = append(forward[node], "cond:"+out)
			backward["cond:"+out] = append(backward["cond:"+out], node)
		}
	}

	fromStart := reach("cond:"+w.StartCondition, forward)
	toEnd := reach("cond:"+w.EndCondition, backward)

	var errs []VError
	check := func(path, node, label string) {
		if !fromStart[node] {
			errs = append(errs, VError{Path: path, Code: "UNREACHABLE", Message: fmt.Sprintf("%s is not reachable from the start condition", label)})
		}
		if !toEnd[node] {
			errs = append(errs, VError{Path: path, Code: "DEAD_END", Message: fmt.Sprintf("%s cannot reach the end condition", label)})
		}
	}
	for i, c := range w.Conditions {
		check(fmt.Sprintf("%s.conditions[%d]", prefix, i), "cond:"+c.Name, fmt.Sprintf("condition %q", c.Name))
	}
	for i, t := range w.Tasks {
		check(fmt.Sprintf("%s.tasks[%d]", prefix, i), "task:"+t.Name, fmt.Sprintf("task %q", t.Name))
	}
	return errs
}

func reach(from string, edges map[string][]string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range edges[n] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// validateNoRecursion rejects composite tasks that would instantiate their
// own definition directly or through other composites.
func (v *Validator) validateNoRecursion(defs []model.WorkflowDefinition, resolve func(model.SubWorkflowRef) *model.WorkflowDefinition) []VError {
	var errs []VError
	for i := range defs {
		root := defs[i].Key()
		visiting := map[string]bool{}
		var walk func(d *model.WorkflowDefinition) bool
		walk = func(d *model.WorkflowDefinition) bool {
			if visiting[d.Key()] {
				return false
			}
			visiting[d.Key()] = true
			for _, t := range d.Tasks {
				if !t.IsComposite() || t.SubWorkflow == nil {
					continue
				}
				child := resolve(*t.SubWorkflow)
				if child == nil {
					continue
				}
				if child.Key() == root || walk(child) {
					return true
				}
			}
			return false
		}
		if walk(&defs[i]) {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("workflows[%d]", i),
				Code:    "RECURSIVE_COMPOSITE",
				Message: fmt.Sprintf("workflow %s instantiates itself through composite tasks", root),
			})
		}
	}
	return errs
}
