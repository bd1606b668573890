package playbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// EndStep is the mandatory convergence step. Every failure path and every
// step without an explicit next routes here; it emits the terminal
// execution events.
const EndStep = "end"

// Playbook is the parsed root document
type Playbook struct {
	Metadata Metadata       `yaml:"metadata"`
	Keychain []KeychainDecl `yaml:"keychain,omitempty"`
	Executor Executor       `yaml:"executor,omitempty"`
	Workload map[string]any `yaml:"workload,omitempty"`
	Workflow []*Step        `yaml:"workflow"`
	Workbook map[string]any `yaml:"workbook,omitempty"`

	steps map[string]*Step
}

// Metadata identifies the playbook in the catalog
type Metadata struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Version string `yaml:"version,omitempty"`
}

// KeychainDecl declares a credential the execution resolves at start
type KeychainDecl struct {
	Name           string         `yaml:"name"`
	Scope          string         `yaml:"scope,omitempty"` // local | global | shared | catalog
	CredentialType string         `yaml:"credential_type,omitempty"`
	TTLSeconds     int            `yaml:"ttl_seconds,omitempty"`
	AutoRenew      bool           `yaml:"auto_renew,omitempty"`
	RenewConfig    map[string]any `yaml:"renew_config,omitempty"`
}

// Executor holds execution-wide policies
type Executor struct {
	EntryStep     string `yaml:"entry_step,omitempty"`
	NoNextIsError bool   `yaml:"no_next_is_error,omitempty"`
	FinalStep     string `yaml:"final_step,omitempty"`
}

// Step is one node of the workflow graph
type Step struct {
	Step string    `yaml:"step"`
	Spec *StepSpec `yaml:"spec,omitempty"`
	Loop *Loop     `yaml:"loop,omitempty"`
	Tool Pipeline  `yaml:"tool,omitempty"`
	Next *Next     `yaml:"next,omitempty"`
}

// StepSpec holds per-step policies
type StepSpec struct {
	Policy *StepPolicy `yaml:"policy,omitempty"`
}

// StepPolicy holds admission rules
type StepPolicy struct {
	Admit *AdmitPolicy `yaml:"admit,omitempty"`
}

// AdmitPolicy is evaluated before a token is admitted to run
type AdmitPolicy struct {
	Rules []AdmitRule `yaml:"rules,omitempty"`
}

// AdmitRule is one admission rule; a rule without When is the else branch
type AdmitRule struct {
	When string       `yaml:"when,omitempty"`
	Then *AdmitResult `yaml:"then,omitempty"`
	Else *AdmitResult `yaml:"else,omitempty"`
}

// AdmitResult decides whether the token may run
type AdmitResult struct {
	Allow bool `yaml:"allow"`
}

// Loop declares iteration over a finite ordered sequence
type Loop struct {
	In       string    `yaml:"in"`
	Iterator string    `yaml:"iterator,omitempty"`
	Spec     *LoopSpec `yaml:"spec,omitempty"`
}

// LoopSpec controls iteration scheduling
type LoopSpec struct {
	Mode        string `yaml:"mode,omitempty"` // sequential | parallel
	MaxInFlight int    `yaml:"max_in_flight,omitempty"`
}

// Sequential reports whether iterations must run in order
func (l *Loop) Sequential() bool {
	return l.Spec == nil || l.Spec.Mode == "" || l.Spec.Mode == "sequential"
}

// IteratorName returns the bound iterator variable, defaulting to "item"
func (l *Loop) IteratorName() string {
	if l.Iterator == "" {
		return "item"
	}
	return l.Iterator
}

// Pipeline is the ordered tool list of a step. YAML represents it as a
// mapping of task label to config; order is preserved from the document.
type Pipeline []*Task

// Task is one tool invocation in a pipeline
type Task struct {
	Label  string
	Kind   string
	Config map[string]any
	Spec   *TaskSpec
}

// TaskSpec holds per-task policy, result handling, and timeout
type TaskSpec struct {
	Policy  *TaskPolicy `yaml:"policy,omitempty"`
	Result  *TaskResult `yaml:"result,omitempty"`
	Timeout float64     `yaml:"timeout,omitempty"` // seconds
}

// TaskPolicy holds outcome rules evaluated after each attempt
type TaskPolicy struct {
	Rules []TaskRule `yaml:"rules,omitempty"`
}

// TaskRule is one outcome policy rule
type TaskRule struct {
	When string      `yaml:"when,omitempty"`
	Then *TaskAction `yaml:"then,omitempty"`
	Else *TaskAction `yaml:"else,omitempty"`
}

// TaskAction is the decision of a matched rule
type TaskAction struct {
	Do       string         `yaml:"do"`
	To       string         `yaml:"to,omitempty"`
	Attempts int            `yaml:"attempts,omitempty"`
	Backoff  string         `yaml:"backoff,omitempty"`
	Delay    float64        `yaml:"delay,omitempty"`
	SetIter  map[string]any `yaml:"set_iter,omitempty"`
	SetCtx   map[string]any `yaml:"set_ctx,omitempty"`
}

// TaskResult controls inline vs externalized result storage
type TaskResult struct {
	InlineMaxBytes int               `yaml:"inline_max_bytes,omitempty"`
	Store          string            `yaml:"store,omitempty"`
	Scope          string            `yaml:"scope,omitempty"`
	Select         map[string]string `yaml:"select,omitempty"`
	Preview        int               `yaml:"preview,omitempty"`
}

// TimeoutDuration converts the task timeout to a duration
func (s *TaskSpec) TimeoutDuration() time.Duration {
	if s == nil || s.Timeout <= 0 {
		return 0
	}
	return time.Duration(s.Timeout * float64(time.Second))
}

// Next declares the outgoing arcs of a step
type Next struct {
	Spec *NextSpec `yaml:"spec,omitempty"`
	Arcs []Arc     `yaml:"arcs"`
}

// NextSpec controls fan-out mode
type NextSpec struct {
	Mode string `yaml:"mode,omitempty"` // exclusive | inclusive
}

// Inclusive reports whether every matching arc fires (fan-out)
func (n *Next) Inclusive() bool {
	return n != nil && n.Spec != nil && n.Spec.Mode == "inclusive"
}

// Arc is one outgoing transition, optionally guarded by When, carrying Args
type Arc struct {
	Step string         `yaml:"step"`
	When string         `yaml:"when,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`
}

// UnmarshalYAML decodes the tool mapping preserving document order
func (p *Pipeline) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("tool section must be a mapping of task label to config")
	}

	tasks := make([]*Task, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]

		var raw map[string]any
		if err := valNode.Decode(&raw); err != nil {
			return fmt.Errorf("decode task %q: %w", keyNode.Value, err)
		}

		task := &Task{
			Label:  keyNode.Value,
			Config: make(map[string]any),
		}

		for k, v := range raw {
			switch k {
			case "kind":
				kind, ok := v.(string)
				if !ok {
					return fmt.Errorf("task %q: kind must be a string", keyNode.Value)
				}
				task.Kind = kind
			case "spec":
				// Re-decode the spec subtree with yaml tags
				for j := 0; j+1 < len(valNode.Content); j += 2 {
					if valNode.Content[j].Value == "spec" {
						spec := &TaskSpec{}
						if err := valNode.Content[j+1].Decode(spec); err != nil {
							return fmt.Errorf("decode task %q spec: %w", keyNode.Value, err)
						}
						task.Spec = spec
					}
				}
			default:
				task.Config[k] = v
			}
		}

		tasks = append(tasks, task)
	}

	*p = tasks
	return nil
}

// Parse decodes and normalizes a playbook document
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}

	if err := pb.normalize(); err != nil {
		return nil, err
	}

	if err := pb.Validate(); err != nil {
		return nil, err
	}

	return &pb, nil
}

// normalize injects the implicit end step and implicit routing to it
func (p *Playbook) normalize() error {
	if len(p.Workflow) == 0 {
		return fmt.Errorf("playbook %s: workflow is empty", p.Metadata.Name)
	}

	hasEnd := false
	for _, s := range p.Workflow {
		if s.Step == EndStep {
			hasEnd = true
		}
	}

	// A playbook missing an end step gets one injected with a trivial
	// aggregator pipeline.
	if !hasEnd {
		p.Workflow = append(p.Workflow, &Step{
			Step: EndStep,
			Tool: Pipeline{
				{Label: "aggregate", Kind: "noop", Config: map[string]any{}},
			},
		})
	}

	// Steps lacking an explicit next implicitly route to end.
	for _, s := range p.Workflow {
		if s.Step == EndStep {
			s.Next = nil
			continue
		}
		if s.Next == nil || len(s.Next.Arcs) == 0 {
			s.Next = &Next{Arcs: []Arc{{Step: EndStep}}}
		}
	}

	p.steps = make(map[string]*Step, len(p.Workflow))
	for _, s := range p.Workflow {
		p.steps[s.Step] = s
	}

	return nil
}

// Validate checks structural invariants of the workflow graph
func (p *Playbook) Validate() error {
	if p.Metadata.Path == "" {
		return fmt.Errorf("playbook %s: metadata.path is required", p.Metadata.Name)
	}

	seen := make(map[string]bool, len(p.Workflow))
	for _, s := range p.Workflow {
		if s.Step == "" {
			return fmt.Errorf("playbook %s: step with empty name", p.Metadata.Name)
		}
		if seen[s.Step] {
			return fmt.Errorf("playbook %s: duplicate step %q", p.Metadata.Name, s.Step)
		}
		seen[s.Step] = true
	}

	// Arcs referencing nonexistent steps are fatal routing errors; catch
	// them at registration instead of mid-execution.
	for _, s := range p.Workflow {
		if s.Next == nil {
			continue
		}
		for _, arc := range s.Next.Arcs {
			if arc.Step == "" {
				return fmt.Errorf("step %q: arc with empty target", s.Step)
			}
			if !seen[arc.Step] {
				return fmt.Errorf("step %q: arc targets unknown step %q", s.Step, arc.Step)
			}
		}
	}

	if p.Executor.EntryStep != "" && !seen[p.Executor.EntryStep] {
		return fmt.Errorf("executor.entry_step %q not found", p.Executor.EntryStep)
	}

	for _, s := range p.Workflow {
		if err := validatePipeline(s); err != nil {
			return err
		}
	}

	return nil
}

func validatePipeline(s *Step) error {
	labels := make(map[string]bool, len(s.Tool))
	for _, task := range s.Tool {
		if task.Kind == "" {
			return fmt.Errorf("step %q task %q: kind is required", s.Step, task.Label)
		}
		if labels[task.Label] {
			return fmt.Errorf("step %q: duplicate task label %q", s.Step, task.Label)
		}
		labels[task.Label] = true
	}

	// jump targets must name existing task labels
	for _, task := range s.Tool {
		if task.Spec == nil || task.Spec.Policy == nil {
			continue
		}
		for _, rule := range task.Spec.Policy.Rules {
			for _, action := range []*TaskAction{rule.Then, rule.Else} {
				if action == nil || action.Do != "jump" {
					continue
				}
				if action.To == "" {
					return fmt.Errorf("step %q task %q: jump without target", s.Step, task.Label)
				}
				if !labels[action.To] {
					return fmt.Errorf("step %q task %q: jump to unknown label %q", s.Step, task.Label, action.To)
				}
			}
		}
	}

	return nil
}

// EntryStep returns the step the initial token targets
func (p *Playbook) EntryStep() string {
	if p.Executor.EntryStep != "" {
		return p.Executor.EntryStep
	}
	return p.Workflow[0].Step
}

// FinalStep returns the terminal convergence step
func (p *Playbook) FinalStep() string {
	if p.Executor.FinalStep != "" {
		return p.Executor.FinalStep
	}
	return EndStep
}

// Lookup returns the step by name
func (p *Playbook) Lookup(name string) (*Step, bool) {
	s, ok := p.steps[name]
	return s, ok
}

// StepCount returns the number of workflow steps including end
func (p *Playbook) StepCount() int {
	return len(p.Workflow)
}

// MergeWorkload deep-merges the request payload over playbook defaults.
// The merged snapshot is frozen for the execution lifetime.
func (p *Playbook) MergeWorkload(payload map[string]any) map[string]any {
	merged := deepCopyMap(p.Workload)
	return deepMerge(merged, payload)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func deepMerge(base, overlay map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(overlay))
	}
	for k, v := range overlay {
		if nested, ok := v.(map[string]any); ok {
			if existing, ok := base[k].(map[string]any); ok {
				base[k] = deepMerge(existing, nested)
				continue
			}
		}
		base[k] = v
	}
	return base
}
