package model

// Join types decide which input markings enable a task.
const (
	JoinAND = "and"
	JoinOR  = "or"
	JoinXOR = "xor"
)

// Split types decide which output conditions receive tokens on completion.
const (
	SplitAND = "and"
	SplitOR  = "or"
	SplitXOR = "xor"
)

// Task kinds.
const (
	TaskKindAtomic    = "atomic"
	TaskKindComposite = "composite"
)

// Offer types.
const (
	OfferHuman  = "human"
	OfferSystem = "system"
)

// DefinitionFile is the root structure of a definition file. A file may
// declare any number of workflow nets.
type DefinitionFile struct {
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition is an immutable, versioned Petri net: tasks
// (transitions) and conditions (places) joined by the input/output arcs
// declared on each task.
type WorkflowDefinition struct {
	Name           string                `yaml:"name"            json:"name"`
	Version        string                `yaml:"version"         json:"version"`
	Description    string                `yaml:"description"     json:"description,omitempty"`
	StartCondition string                `yaml:"start_condition" json:"start_condition"`
	EndCondition   string                `yaml:"end_condition"   json:"end_condition"`
	Conditions     []ConditionDefinition `yaml:"conditions"      json:"conditions"`
	Tasks          []TaskDefinition      `yaml:"tasks"           json:"tasks"`

	SourceFile string `yaml:"-" json:"-"`
}

// Key returns the registry key "name@version".
func (d *WorkflowDefinition) Key() string {
	return DefinitionKey(d.Name, d.Version)
}

// DefinitionKey formats a registry key.
func DefinitionKey(name, version string) string {
	return name + "@" + version
}

// Task returns the named task definition.
func (d *WorkflowDefinition) Task(name string) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].Name == name {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// HasCondition reports whether the net declares the named condition.
func (d *WorkflowDefinition) HasCondition(name string) bool {
	for _, c := range d.Conditions {
		if c.Name == name {
			return true
		}
	}
	return false
}

// TasksConsuming returns the tasks that have cond as an input, in
// declaration order.
func (d *WorkflowDefinition) TasksConsuming(cond string) []*TaskDefinition {
	var out []*TaskDefinition
	for i := range d.Tasks {
		for _, in := range d.Tasks[i].Inputs {
			if in == cond {
				out = append(out, &d.Tasks[i])
				break
			}
		}
	}
	return out
}

// ConditionDefinition declares a place in the net.
type ConditionDefinition struct {
	Name        string `yaml:"name"        json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// TaskDefinition declares a transition in the net.
type TaskDefinition struct {
	Name        string            `yaml:"name"         json:"name"`
	Description string            `yaml:"description"  json:"description,omitempty"`
	Kind        string            `yaml:"kind"         json:"kind,omitempty"`
	Join        string            `yaml:"join"         json:"join,omitempty"`
	Split       string            `yaml:"split"        json:"split,omitempty"`
	Inputs      []string          `yaml:"inputs"       json:"inputs"`
	Outputs     []string          `yaml:"outputs"      json:"outputs"`
	Offer       OfferDefinition   `yaml:"offer"        json:"offer"`
	Phase       string            `yaml:"phase"        json:"phase,omitempty"`
	Schema      map[string]any    `yaml:"schema"       json:"schema,omitempty"`
	Routes      []RouteDefinition `yaml:"routes"       json:"routes,omitempty"`
	SubWorkflow *SubWorkflowRef   `yaml:"sub_workflow" json:"sub_workflow,omitempty"`
}

// JoinType returns the join type, defaulting to AND.
func (t *TaskDefinition) JoinType() string {
	if t.Join == "" {
		return JoinAND
	}
	return t.Join
}

// SplitType returns the split type, defaulting to AND.
func (t *TaskDefinition) SplitType() string {
	if t.Split == "" {
		return SplitAND
	}
	return t.Split
}

// IsComposite reports whether the task body is a sub-workflow.
func (t *TaskDefinition) IsComposite() bool {
	return t.Kind == TaskKindComposite
}

// IsHuman reports whether the task is offered to people.
func (t *TaskDefinition) IsHuman() bool {
	return !t.IsComposite() && t.Offer.Type == OfferHuman
}

// HasOutput reports whether cond is one of the task's output conditions.
func (t *TaskDefinition) HasOutput(cond string) bool {
	for _, o := range t.Outputs {
		if o == cond {
			return true
		}
	}
	return false
}

// OfferDefinition declares who executes a task.
type OfferDefinition struct {
	Type    string `yaml:"type"    json:"type"`
	Scope   string `yaml:"scope"   json:"scope,omitempty"`
	Handler string `yaml:"handler" json:"handler,omitempty"`
}

// RouteDefinition selects an output condition of an OR/XOR split when the
// When expression matches the completion payload. An empty When always
// matches.
type RouteDefinition struct {
	When string `yaml:"when" json:"when,omitempty"`
	To   string `yaml:"to"   json:"to"`
}

// SubWorkflowRef names the definition a composite task instantiates. An
// empty Version resolves to the latest registered version.
type SubWorkflowRef struct {
	Name    string `yaml:"name"    json:"name"`
	Version string `yaml:"version" json:"version,omitempty"`
}
