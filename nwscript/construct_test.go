package nwscript

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkGraphInvariants(t *testing.T, g *Graph, instrs []Instruction) {
	t.Helper()

	// Block instruction ranges cover the stream exactly once.
	seen := make([]int, len(instrs))

	for id := range g.Blocks {
		b := &g.Blocks[id]

		require.NotEmpty(t, b.Instructions)
		assert.Equal(t, g.instrs[b.Instructions[0]].Address, b.Address)

		for k, n := range b.Instructions {
			seen[n]++

			if k > 0 {
				assert.Equal(t, b.Instructions[k-1]+1, n, "blocks must be contiguous")
			}
		}

		// Children and their edge tags stay paired.
		require.Equal(t, len(b.Children), len(b.ChildrenTypes))

		// Symmetric bookkeeping.
		for _, c := range b.Children {
			assert.Contains(t, g.Block(c).Parents, BlockID(id))
		}

		for _, p := range b.Parents {
			assert.GreaterOrEqual(t, g.FindParentChildBlock(p, BlockID(id)), 0)
		}
	}

	for n, count := range seen {
		assert.Equal(t, 1, count, "instruction %d owned by exactly one block", n)
	}
}

func TestConstructInvariants(t *testing.T) {
	instrs := chain(
		iCONSTI(0, 1),
		iJZ(6, 30),
		iCONSTI(12, 2),
		iJMP(18, 40),
		iCONSTI(30, 3),
		iMOVSP(40, -4),
		iRETN(46),
	)

	g := construct(t, instrs)
	checkGraphInvariants(t, g, instrs)
}

func TestConstructBadBranchTarget(t *testing.T) {
	_, err := constructBlocks(context.Background(), chain(
		iJMP(0, 300),
		iRETN(6),
	))

	require.Error(t, err)
}

func TestCallAndReturnEdges(t *testing.T) {
	// start calls a subroutine at 100; its returning block leads back to
	// the continuation at 10. The call block's only child is the callee.
	instrs := chain(
		iJSR(0, 100),
		iRETN(10),
		iNOP(100),
		iRETN(120),
	)

	g := construct(t, instrs)
	checkGraphInvariants(t, g, instrs)

	b0, b10, b100 := g.BlockAt(0), g.BlockAt(10), g.BlockAt(100)

	// 120 opens no block: the callee's NOP and RETN share the block at 100.
	require.Equal(t, NoBlock, g.BlockAt(120))
	assert.Equal(t, []int{2, 3}, g.Block(b100).Instructions)

	tp, ok := g.ParentChildEdgeType(b0, b100)
	require.True(t, ok)
	assert.Equal(t, EdgeFunctionCall, tp)

	tp, ok = g.ParentChildEdgeType(b100, b10)
	require.True(t, ok)
	assert.Equal(t, EdgeFunctionReturn, tp)

	// Sentinel ids are answered, not dereferenced.
	assert.Equal(t, -1, g.FindParentChildBlock(NoBlock, b10))
	_, ok = g.ParentChildEdgeType(NoBlock, b10)
	assert.False(t, ok)

	// The continuation is reached through the callee, not by fallthrough.
	assert.Equal(t, -1, g.FindParentChildBlock(b0, b10))
}

func TestStoreStateEdges(t *testing.T) {
	// STORESTATE saves a continuation at 16; normal flow takes the JMP at
	// 10 over the saved body.
	instrs := chain(
		iSTORESTATE(0, 16),
		iJMP(10, 30),
		iNOP(16),
		iRETN(22),
		iRETN(30),
	)

	g := construct(t, instrs)
	checkGraphInvariants(t, g, instrs)

	b0, b10, b16, b30 := g.BlockAt(0), g.BlockAt(10), g.BlockAt(16), g.BlockAt(30)

	tp, ok := g.ParentChildEdgeType(b0, b16)
	require.True(t, ok)
	assert.Equal(t, EdgeStoreState, tp)

	tp, ok = g.ParentChildEdgeType(b0, b10)
	require.True(t, ok)
	assert.Equal(t, EdgeUnconditional, tp)

	tp, ok = g.ParentChildEdgeType(b10, b30)
	require.True(t, ok)
	assert.Equal(t, EdgeUnconditional, tp)

	// The saved body covers both its instructions and ends terminal.
	assert.Len(t, g.Block(b16).Instructions, 2)
	assert.Empty(t, g.Block(b16).Children)
}

func TestFindDeadBlockEdges(t *testing.T) {
	// The false branch lands on a jump trampoline at 5 that nothing else
	// leads into; assuming the true branch taken it can never execute.
	ctx := context.Background()

	g := construct(t, chain(
		iJZ(0, 10),
		iJMP(5, 10),
		iRETN(10),
	))

	b0 := g.Block(g.BlockAt(0))
	require.Equal(t, []BlockEdgeType{EdgeConditionalTrue, EdgeConditionalFalse}, b0.ChildrenTypes)
	assert.False(t, b0.HasUnconditionalChildren())

	g.findDeadBlockEdges(ctx)

	assert.Equal(t, []BlockEdgeType{EdgeConditionalTrue, EdgeDead}, b0.ChildrenTypes)
	assert.True(t, b0.HasUnconditionalChildren())

	// The surviving conditional side still shows through.
	assert.True(t, b0.HasConditionalChildren())

	// Children and parents lists are untouched, only the tag changed.
	assert.Len(t, b0.Children, 2)
	assert.Len(t, g.Block(g.BlockAt(10)).Parents, 2)
	assert.Empty(t, g.liveParents(g.BlockAt(5)))

	// Idempotent: a second pass changes nothing.
	g.findDeadBlockEdges(ctx)
	assert.Equal(t, []BlockEdgeType{EdgeConditionalTrue, EdgeDead}, b0.ChildrenTypes)
}

func TestFindDeadBlockEdgesKeepsLiveBranches(t *testing.T) {
	// An ordinary if/else: both arms carry real code, nothing is dead.
	ctx := context.Background()

	g := construct(t, chain(
		iJZ(0, 20),
		iCONSTI(6, 1),
		iJMP(12, 26),
		iCONSTI(20, 2),
		iMOVSP(26, -4),
		iRETN(32),
	))

	g.findDeadBlockEdges(ctx)

	for id := range g.Blocks {
		for _, tp := range g.Blocks[id].ChildrenTypes {
			assert.NotEqual(t, EdgeDead, tp)
		}
	}
}
