package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate checks a definition for structural soundness: referenced nodes
// exist, identifiers are unique, fan-out and synchronization specs are
// coherent, conditions parse, and output schemas compile. Definitions are
// validated once at load time so the planner and applier can assume a sound
// graph.
func Validate(def *Def) error {
	if def == nil {
		return errors.New("workflow: definition is required")
	}
	var errs []error
	if def.ID == "" {
		errs = append(errs, errors.New("workflow id is required"))
	}
	nodes := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("nodes[%d]: id is required", i))
			continue
		}
		if nodes[n.ID] {
			errs = append(errs, fmt.Errorf("node %q: duplicate id", n.ID))
		}
		nodes[n.ID] = true
		if n.TaskID != "" && n.SubworkflowID != "" {
			errs = append(errs, fmt.Errorf("node %q: task and subworkflow are mutually exclusive", n.ID))
		}
		if n.SubworkflowTimeout < 0 {
			errs = append(errs, fmt.Errorf("node %q: negative subworkflow timeout", n.ID))
		}
		if err := validateMappingSources(n.InputMapping); err != nil {
			errs = append(errs, fmt.Errorf("node %q: input mapping: %w", n.ID, err))
		}
		if len(n.OutputSchema) > 0 {
			if err := compileSchema(n.OutputSchema); err != nil {
				errs = append(errs, fmt.Errorf("node %q: output schema: %w", n.ID, err))
			}
		}
	}
	if def.InitialNodeID == "" {
		errs = append(errs, errors.New("initial node id is required"))
	} else if !nodes[def.InitialNodeID] {
		errs = append(errs, fmt.Errorf("initial node %q not defined", def.InitialNodeID))
	}
	seen := make(map[string]bool, len(def.Transitions))
	for i := range def.Transitions {
		t := &def.Transitions[i]
		name := t.ID
		if name == "" {
			errs = append(errs, fmt.Errorf("transitions[%d]: id is required", i))
			name = fmt.Sprintf("transitions[%d]", i)
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("transition %q: duplicate id", name))
		}
		seen[t.ID] = true
		if !nodes[t.From] {
			errs = append(errs, fmt.Errorf("transition %q: unknown from node %q", name, t.From))
		}
		if !nodes[t.To] {
			errs = append(errs, fmt.Errorf("transition %q: unknown to node %q", name, t.To))
		}
		if t.SpawnCount < 0 {
			errs = append(errs, fmt.Errorf("transition %q: spawn count must be positive", name))
		}
		if t.SpawnCount > 1 && t.SiblingGroup == "" {
			errs = append(errs, fmt.Errorf("transition %q: spawn count > 1 requires a sibling group", name))
		}
		if t.Foreach != nil {
			if t.Foreach.Collection == "" {
				errs = append(errs, fmt.Errorf("transition %q: foreach collection is required", name))
			}
			if t.SiblingGroup == "" {
				errs = append(errs, fmt.Errorf("transition %q: foreach requires a sibling group", name))
			}
		}
		if t.Condition != "" {
			if _, err := gojq.Parse(t.Condition); err != nil {
				errs = append(errs, fmt.Errorf("transition %q: condition: %w", name, err))
			}
		}
		if t.Loop != nil && t.Loop.MaxIterations < 1 {
			errs = append(errs, fmt.Errorf("transition %q: loop max iterations must be >= 1", name))
		}
		if err := validateSync(t.Synchronization); err != nil {
			errs = append(errs, fmt.Errorf("transition %q: synchronization: %w", name, err))
		}
	}
	if err := validateMappingSources(def.OutputMapping); err != nil {
		errs = append(errs, fmt.Errorf("output mapping: %w", err))
	}
	return errors.Join(errs...)
}

func validateSync(sync *Synchronization) error {
	if sync == nil {
		return nil
	}
	var errs []error
	switch sync.Strategy.Kind {
	case StrategyAny, StrategyAll:
	case StrategyMOfN:
		if sync.Strategy.N < 1 {
			errs = append(errs, errors.New("m_of_n requires n >= 1"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", sync.Strategy.Kind))
	}
	if sync.SiblingGroup == "" {
		errs = append(errs, errors.New("sibling group is required"))
	}
	switch sync.OnTimeout {
	case "", TimeoutFail, TimeoutProceed:
	default:
		errs = append(errs, fmt.Errorf("unknown timeout behavior %q", sync.OnTimeout))
	}
	if sync.Timeout < 0 {
		errs = append(errs, errors.New("negative timeout"))
	}
	if sync.Merge != nil {
		switch sync.Merge.Strategy {
		case MergeAppend, MergeCollect, MergeObject, MergeKeyedByBranch, MergeLastWins:
		default:
			errs = append(errs, fmt.Errorf("unknown merge strategy %q", sync.Merge.Strategy))
		}
		if sync.Merge.Target == "" {
			errs = append(errs, errors.New("merge target is required"))
		}
		if sync.Merge.Source != "" && !strings.HasPrefix(sync.Merge.Source, "_branch.output") {
			errs = append(errs, fmt.Errorf("merge source %q must be in the _branch.output namespace", sync.Merge.Source))
		}
	}
	return errors.Join(errs...)
}

// validateMappingSources checks that every source expression references a
// context namespace via "$.input", "$.state" or "$.output".
func validateMappingSources(mapping map[string]string) error {
	var errs []error
	for target, source := range mapping {
		if target == "" {
			errs = append(errs, errors.New("empty mapping target"))
		}
		if !strings.HasPrefix(source, "$.") {
			errs = append(errs, fmt.Errorf("source %q for %q must start with %q", source, target, "$."))
			continue
		}
		ns := source[2:]
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[:i]
		}
		switch ns {
		case "input", "state", "output":
		default:
			errs = append(errs, fmt.Errorf("source %q for %q references unknown namespace %q", source, target, ns))
		}
	}
	return errors.Join(errs...)
}

// compileSchema verifies that a JSON schema document compiles.
func compileSchema(doc map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", any(doc)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}
