package decision

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/coordinator/token"
)

func TestBatchMergesConsecutiveCreates(t *testing.T) {
	out := Batch([]Decision{
		CreateToken{Params: TokenParams{NodeID: "a"}},
		CreateToken{Params: TokenParams{NodeID: "b"}},
		CreateToken{Params: TokenParams{NodeID: "c"}},
	})
	require.Len(t, out, 1)
	batch, ok := out[0].(BatchCreateTokens)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, nodeIDs(batch.Params))
}

func TestBatchKeepsSingletonCreate(t *testing.T) {
	out := Batch([]Decision{CreateToken{Params: TokenParams{NodeID: "a"}}})
	require.Len(t, out, 1)
	_, ok := out[0].(CreateToken)
	assert.True(t, ok)
}

func TestBatchMergesStatusUpdatesByStatusAndReason(t *testing.T) {
	out := Batch([]Decision{
		UpdateTokenStatus{TokenID: "t1", Status: token.StatusCancelled, Reason: "r"},
		UpdateTokenStatus{TokenID: "t2", Status: token.StatusCancelled, Reason: "r"},
		UpdateTokenStatus{TokenID: "t3", Status: token.StatusCancelled, Reason: "other"},
		UpdateTokenStatus{TokenID: "t4", Status: token.StatusFailed, Reason: "other"},
	})
	require.Len(t, out, 3)

	first, ok := out[0].(BatchUpdateStatus)
	require.True(t, ok)
	assert.Equal(t, []string{"t1", "t2"}, first.TokenIDs)
	assert.Equal(t, token.StatusCancelled, first.Status)
	assert.Equal(t, "r", first.Reason)

	second, ok := out[1].(UpdateTokenStatus)
	require.True(t, ok)
	assert.Equal(t, "t3", second.TokenID)

	third, ok := out[2].(UpdateTokenStatus)
	require.True(t, ok)
	assert.Equal(t, token.StatusFailed, third.Status)
}

func TestBatchFlushesAcrossBoundaries(t *testing.T) {
	out := Batch([]Decision{
		CreateToken{Params: TokenParams{NodeID: "a"}},
		CreateToken{Params: TokenParams{NodeID: "b"}},
		CompleteToken{TokenID: "t1"},
		CreateToken{Params: TokenParams{NodeID: "c"}},
	})
	require.Len(t, out, 3)
	_, ok := out[0].(BatchCreateTokens)
	assert.True(t, ok)
	_, ok = out[1].(CompleteToken)
	assert.True(t, ok)
	_, ok = out[2].(CreateToken)
	assert.True(t, ok)
}

func TestBatchEmpty(t *testing.T) {
	assert.Nil(t, Batch(nil))
}

func TestAffectedTokenIDsDeduplicates(t *testing.T) {
	ids := AffectedTokenIDs([]Decision{
		CompleteToken{TokenID: "t1"},
		CancelTokens{TokenIDs: []string{"t2", "t1"}},
		MarkWaiting{TokenID: "t3"},
		CreateToken{Params: TokenParams{NodeID: "a"}},
	})
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)
}

// Batching rearranges decision shapes but must never change which tokens the
// list touches.
func TestBatchPreservesAffectedTokens(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statuses := []token.Status{token.StatusCancelled, token.StatusFailed, token.StatusCompleted}

	genDecisions := gen.SliceOf(gen.IntRange(0, 3)).Map(func(ops []int) []Decision {
		out := make([]Decision, 0, len(ops))
		for i, op := range ops {
			id := "t" + strconv.Itoa(i%5)
			switch op {
			case 0:
				out = append(out, CreateToken{Params: TokenParams{NodeID: "n" + strconv.Itoa(i)}})
			case 1:
				out = append(out, UpdateTokenStatus{TokenID: id, Status: statuses[i%len(statuses)]})
			case 2:
				out = append(out, CompleteToken{TokenID: id})
			default:
				out = append(out, MarkForDispatch{TokenID: id})
			}
		}
		return out
	})

	properties.Property("affected token set is invariant under batching", prop.ForAll(
		func(decisions []Decision) bool {
			before := AffectedTokenIDs(decisions)
			after := AffectedTokenIDs(Batch(decisions))
			if len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return true
		},
		genDecisions,
	))

	properties.Property("batching never grows the decision list", prop.ForAll(
		func(decisions []Decision) bool {
			return len(Batch(decisions)) <= len(decisions)
		},
		genDecisions,
	))

	properties.TestingRun(t)
}

func nodeIDs(params []TokenParams) []string {
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = p.NodeID
	}
	return out
}
