package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDef() *Def {
	return &Def{
		ID:            "w",
		InitialNodeID: "a",
		Nodes: []Node{
			{ID: "a", TaskID: "task_a"},
			{ID: "b", TaskID: "task_b"},
		},
		Transitions: []Transition{
			{ID: "t1", From: "a", To: "b"},
		},
	}
}

func TestValidateAcceptsSoundDefinition(t *testing.T) {
	assert.NoError(t, Validate(validDef()))
}

func TestValidateNil(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestValidateCollectsAllIssues(t *testing.T) {
	def := &Def{
		InitialNodeID: "missing",
		Nodes: []Node{
			{ID: "a", TaskID: "t", SubworkflowID: "s"},
			{ID: "a"},
		},
		Transitions: []Transition{
			{ID: "t1", From: "a", To: "nope"},
			{ID: "t1", From: "ghost", To: "a"},
		},
	}
	err := Validate(def)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "workflow id is required")
	assert.Contains(t, msg, `initial node "missing" not defined`)
	assert.Contains(t, msg, "duplicate id")
	assert.Contains(t, msg, "mutually exclusive")
	assert.Contains(t, msg, `unknown to node "nope"`)
	assert.Contains(t, msg, `unknown from node "ghost"`)
	assert.Contains(t, msg, `transition "t1": duplicate id`)
}

func TestValidateFanOutRequiresSiblingGroup(t *testing.T) {
	def := validDef()
	def.Transitions[0].SpawnCount = 3
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a sibling group")

	def.Transitions[0].SiblingGroup = "g"
	assert.NoError(t, Validate(def))
}

func TestValidateForeach(t *testing.T) {
	def := validDef()
	def.Transitions[0].Foreach = &Foreach{}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreach collection is required")
	assert.Contains(t, err.Error(), "foreach requires a sibling group")

	def.Transitions[0].Foreach = &Foreach{Collection: "state.items"}
	def.Transitions[0].SiblingGroup = "g"
	assert.NoError(t, Validate(def))
}

func TestValidateConditionMustParse(t *testing.T) {
	def := validDef()
	def.Transitions[0].Condition = ".state.score >="
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition")
}

func TestValidateLoopBounds(t *testing.T) {
	def := validDef()
	def.Transitions[0].Loop = &LoopConfig{MaxIterations: 0}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max iterations must be >= 1")
}

func TestValidateSynchronization(t *testing.T) {
	cases := []struct {
		name string
		sync *Synchronization
		want string
	}{
		{
			name: "unknown strategy",
			sync: &Synchronization{Strategy: Strategy{Kind: "most"}, SiblingGroup: "g"},
			want: `unknown strategy "most"`,
		},
		{
			name: "m_of_n without n",
			sync: &Synchronization{Strategy: Strategy{Kind: StrategyMOfN}, SiblingGroup: "g"},
			want: "m_of_n requires n >= 1",
		},
		{
			name: "missing sibling group",
			sync: &Synchronization{Strategy: Strategy{Kind: StrategyAll}},
			want: "sibling group is required",
		},
		{
			name: "unknown timeout behavior",
			sync: &Synchronization{Strategy: Strategy{Kind: StrategyAll}, SiblingGroup: "g", OnTimeout: "explode"},
			want: "unknown timeout behavior",
		},
		{
			name: "negative timeout",
			sync: &Synchronization{Strategy: Strategy{Kind: StrategyAll}, SiblingGroup: "g", Timeout: -time.Second},
			want: "negative timeout",
		},
		{
			name: "unknown merge strategy",
			sync: &Synchronization{
				Strategy: Strategy{Kind: StrategyAll}, SiblingGroup: "g",
				Merge: &Merge{Source: "_branch.output.x", Target: "state.x", Strategy: "zip"},
			},
			want: "unknown merge strategy",
		},
		{
			name: "merge target required",
			sync: &Synchronization{
				Strategy: Strategy{Kind: StrategyAll}, SiblingGroup: "g",
				Merge: &Merge{Source: "_branch.output.x", Strategy: MergeAppend},
			},
			want: "merge target is required",
		},
		{
			name: "merge source namespace",
			sync: &Synchronization{
				Strategy: Strategy{Kind: StrategyAll}, SiblingGroup: "g",
				Merge: &Merge{Source: "$.state.x", Target: "state.x", Strategy: MergeAppend},
			},
			want: "_branch.output namespace",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDef()
			def.Transitions[0].Synchronization = tc.sync
			err := Validate(def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateMappingSources(t *testing.T) {
	def := validDef()
	def.Nodes[0].InputMapping = map[string]string{"x": "state.y"}
	def.OutputMapping = map[string]string{"y": "$.bogus.z"}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `must start with "$."`)
	assert.Contains(t, err.Error(), `unknown namespace "bogus"`)
}

func TestValidateOutputSchemaMustCompile(t *testing.T) {
	def := validDef()
	def.Nodes[0].OutputSchema = map[string]any{"type": 12}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output schema")
}

func TestStaticDefinitionsIndexes(t *testing.T) {
	def := validDef()
	run := &Run{RunID: "r1", Def: def}
	d, err := NewStaticDefinitions(run)
	require.NoError(t, err)

	n, err := d.Node("a")
	require.NoError(t, err)
	assert.Equal(t, "task_a", n.TaskID)

	_, err = d.Node("nope")
	assert.Error(t, err)

	assert.Len(t, d.Transitions(), 1)
	assert.Len(t, d.TransitionsFrom("a"), 1)
	assert.Empty(t, d.TransitionsFrom("b"))
	assert.Same(t, run, d.WorkflowRun())
	assert.Same(t, def, d.WorkflowDef())

	_, err = NewStaticDefinitions(nil)
	assert.Error(t, err)
}

func TestFanInPath(t *testing.T) {
	assert.Equal(t, "workers:gather", FanInPath("workers", "gather"))
}
