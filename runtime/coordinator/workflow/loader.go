package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlDef mirrors Def for YAML decoding. Durations are expressed in
// milliseconds on the wire (timeoutMs) and converted on load.
type (
	yamlDef struct {
		ID            string            `yaml:"id"`
		Version       string            `yaml:"version"`
		InitialNodeID string            `yaml:"initialNodeId"`
		Nodes         []yamlNode        `yaml:"nodes"`
		Transitions   []yamlTransition  `yaml:"transitions"`
		OutputMapping map[string]string `yaml:"outputMapping"`
	}

	yamlNode struct {
		ID                   string            `yaml:"id"`
		TaskID               string            `yaml:"taskId"`
		TaskVersion          string            `yaml:"taskVersion"`
		SubworkflowID        string            `yaml:"subworkflowId"`
		SubworkflowVersion   string            `yaml:"subworkflowVersion"`
		SubworkflowTimeoutMs int64             `yaml:"subworkflowTimeoutMs"`
		InputMapping         map[string]string `yaml:"inputMapping"`
		OutputMapping        map[string]string `yaml:"outputMapping"`
		OutputSchema         map[string]any    `yaml:"outputSchema"`
		ResourceBindings     map[string]string `yaml:"resourceBindings"`
	}

	yamlTransition struct {
		ID           string      `yaml:"id"`
		From         string      `yaml:"from"`
		To           string      `yaml:"to"`
		Priority     int         `yaml:"priority"`
		Condition    string      `yaml:"condition"`
		SpawnCount   *int        `yaml:"spawnCount"`
		SiblingGroup string      `yaml:"siblingGroup"`
		Foreach      *yamlForeach `yaml:"foreach"`
		Sync         *yamlSync   `yaml:"synchronization"`
		Loop         *yamlLoop   `yaml:"loopConfig"`
	}

	yamlForeach struct {
		Collection string `yaml:"collection"`
		ItemVar    string `yaml:"itemVar"`
	}

	yamlSync struct {
		Strategy     yamlStrategy `yaml:"strategy"`
		SiblingGroup string       `yaml:"siblingGroup"`
		Merge        *yamlMerge   `yaml:"merge"`
		TimeoutMs    int64        `yaml:"timeoutMs"`
		OnTimeout    string       `yaml:"onTimeout"`
	}

	// yamlStrategy accepts either a scalar ("any", "all") or a mapping
	// ({mOfN: 2}).
	yamlStrategy struct {
		Kind StrategyKind
		N    int
	}

	yamlMerge struct {
		Source   string `yaml:"source"`
		Target   string `yaml:"target"`
		Strategy string `yaml:"strategy"`
	}

	yamlLoop struct {
		MaxIterations int `yaml:"maxIterations"`
	}
)

// UnmarshalYAML decodes a strategy from its scalar or mapping form.
func (s *yamlStrategy) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var kind string
		if err := node.Decode(&kind); err != nil {
			return err
		}
		switch StrategyKind(kind) {
		case StrategyAny, StrategyAll:
			s.Kind = StrategyKind(kind)
			return nil
		default:
			return fmt.Errorf("unknown strategy %q", kind)
		}
	case yaml.MappingNode:
		var m struct {
			MOfN int `yaml:"mOfN"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		if m.MOfN == 0 {
			return fmt.Errorf("strategy mapping requires mOfN")
		}
		s.Kind = StrategyMOfN
		s.N = m.MOfN
		return nil
	default:
		return fmt.Errorf("strategy must be a scalar or mapping")
	}
}

// Parse decodes and validates a workflow definition from YAML.
func Parse(data []byte) (*Def, error) {
	var raw yamlDef
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("workflow: decode definition: %w", err)
	}
	def, err := raw.toDef()
	if err != nil {
		return nil, err
	}
	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("workflow: invalid definition %q: %w", def.ID, err)
	}
	return def, nil
}

// LoadFile reads, decodes and validates a workflow definition file.
func LoadFile(path string) (*Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definition: %w", err)
	}
	return Parse(data)
}

func (raw *yamlDef) toDef() (*Def, error) {
	def := &Def{
		ID:            raw.ID,
		Version:       raw.Version,
		InitialNodeID: raw.InitialNodeID,
		OutputMapping: raw.OutputMapping,
	}
	for _, n := range raw.Nodes {
		def.Nodes = append(def.Nodes, Node{
			ID:                 n.ID,
			TaskID:             n.TaskID,
			TaskVersion:        n.TaskVersion,
			SubworkflowID:      n.SubworkflowID,
			SubworkflowVersion: n.SubworkflowVersion,
			SubworkflowTimeout: time.Duration(n.SubworkflowTimeoutMs) * time.Millisecond,
			InputMapping:       n.InputMapping,
			OutputMapping:      n.OutputMapping,
			OutputSchema:       n.OutputSchema,
			ResourceBindings:   n.ResourceBindings,
		})
	}
	for _, t := range raw.Transitions {
		tr := Transition{
			ID:           t.ID,
			From:         t.From,
			To:           t.To,
			Priority:     t.Priority,
			Condition:    t.Condition,
			SiblingGroup: t.SiblingGroup,
		}
		if t.SpawnCount != nil {
			// Explicit zero or negative counts are load-time errors rather
			// than silently treated as one.
			if *t.SpawnCount < 1 {
				return nil, fmt.Errorf("workflow: transition %q: spawnCount must be >= 1", t.ID)
			}
			tr.SpawnCount = *t.SpawnCount
		}
		if t.Foreach != nil {
			tr.Foreach = &Foreach{Collection: t.Foreach.Collection, ItemVar: t.Foreach.ItemVar}
		}
		if t.Sync != nil {
			tr.Synchronization = &Synchronization{
				Strategy:     Strategy{Kind: t.Sync.Strategy.Kind, N: t.Sync.Strategy.N},
				SiblingGroup: t.Sync.SiblingGroup,
				Timeout:      time.Duration(t.Sync.TimeoutMs) * time.Millisecond,
				OnTimeout:    TimeoutBehavior(t.Sync.OnTimeout),
			}
			if t.Sync.Merge != nil {
				tr.Synchronization.Merge = &Merge{
					Source:   t.Sync.Merge.Source,
					Target:   t.Sync.Merge.Target,
					Strategy: MergeStrategy(t.Sync.Merge.Strategy),
				}
			}
		}
		if t.Loop != nil {
			tr.Loop = &LoopConfig{MaxIterations: t.Loop.MaxIterations}
		}
		def.Transitions = append(def.Transitions, tr)
	}
	return def, nil
}
