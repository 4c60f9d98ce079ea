package nwscript

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identify(t *testing.T, instrs []Instruction) (*Graph, subRoutines) {
	t.Helper()

	ctx := context.Background()

	g := construct(t, instrs)
	g.findDeadBlockEdges(ctx)

	return g, identifySubRoutines(ctx, g)
}

func checkPartition(t *testing.T, g *Graph, subs subRoutines) {
	t.Helper()

	owner := make([]int, len(g.Blocks))

	for _, sub := range subs.subs {
		for _, id := range sub.Blocks {
			owner[id]++

			assert.Equal(t, sub.ID, g.Block(id).SubRoutine)
		}
	}

	for id, count := range owner {
		assert.Equal(t, 1, count, "block %d owned by exactly one subroutine", id)
	}
}

func TestIdentifyGlobalAndMain(t *testing.T) {
	// start calls the global initializer first, then main. The initializer
	// is the only SAVEBP carrier and is called exactly once.
	g, subs := identify(t, chain(
		iJSR(0, 100), // -> globals
		iJSR(6, 200), // -> main
		iRETN(12),

		iCONSTI(100, 7),
		iSAVEBP(106),
		iRESTOREBP(108),
		iMOVSP(110, -4),
		iRETN(116),

		iRETN(200),
	))

	checkPartition(t, g, subs)
	require.Len(t, subs.subs, 3)

	require.NotEqual(t, NoSubRoutine, subs.start)
	require.NotEqual(t, NoSubRoutine, subs.global)
	require.NotEqual(t, NoSubRoutine, subs.main)

	assert.Equal(t, uint32(0), subs.subs[subs.start].Address)
	assert.Equal(t, uint32(100), subs.subs[subs.global].Address)
	assert.Equal(t, uint32(200), subs.subs[subs.main].Address)

	assert.Equal(t, SubRoutineStart, subs.subs[subs.start].Type)
	assert.Equal(t, SubRoutineGlobal, subs.subs[subs.global].Type)
	assert.Equal(t, SubRoutineMain, subs.subs[subs.main].Type)

	assert.False(t, subs.multipleGlobals)
}

func TestIdentifyMainWithoutGlobals(t *testing.T) {
	// No SAVEBP anywhere: the first callee of start is main.
	g, subs := identify(t, chain(
		iJSR(0, 100),
		iRETN(6),

		iCONSTI(100, 1),
		iMOVSP(106, -4),
		iRETN(112),
	))

	checkPartition(t, g, subs)

	assert.Equal(t, NoSubRoutine, subs.global)
	require.NotEqual(t, NoSubRoutine, subs.main)
	assert.Equal(t, uint32(100), subs.subs[subs.main].Address)
}

func TestIdentifyGlobalsMustComeFirst(t *testing.T) {
	// start calls a plain subroutine before the SAVEBP carrier. Globals
	// set up after other code ran are not the global space: no global is
	// identified and the first callee is main.
	g, subs := identify(t, chain(
		iJSR(0, 100),
		iJSR(6, 200),
		iRETN(12),

		iRETN(100),

		iSAVEBP(200),
		iRETN(202),
	))

	checkPartition(t, g, subs)

	assert.Equal(t, NoSubRoutine, subs.global)
	require.NotEqual(t, NoSubRoutine, subs.main)
	assert.Equal(t, uint32(100), subs.subs[subs.main].Address)
	assert.False(t, subs.multipleGlobals)
}

func TestIdentifyMultipleGlobalCandidates(t *testing.T) {
	// Two once-called SAVEBP carriers: the first keeps the role, the
	// ambiguity is flagged.
	g, subs := identify(t, chain(
		iJSR(0, 100),
		iJSR(6, 200),
		iRETN(12),

		iSAVEBP(100),
		iRETN(102),

		iSAVEBP(200),
		iRETN(202),
	))

	checkPartition(t, g, subs)

	require.NotEqual(t, NoSubRoutine, subs.global)
	assert.Equal(t, uint32(100), subs.subs[subs.global].Address)
	assert.True(t, subs.multipleGlobals)
}

func TestIdentifyNoCalls(t *testing.T) {
	g, subs := identify(t, chain(
		iCONSTI(0, 1),
		iMOVSP(6, -4),
		iRETN(12),
	))

	checkPartition(t, g, subs)
	require.Len(t, subs.subs, 1)

	assert.Equal(t, SubRoutineStart, subs.subs[subs.start].Type)
	assert.Equal(t, NoSubRoutine, subs.global)
	assert.Equal(t, NoSubRoutine, subs.main)
}

func TestIdentifyStoreStateSubRoutine(t *testing.T) {
	g, subs := identify(t, chain(
		iSTORESTATE(0, 16),
		iJMP(10, 30),
		iNOP(16),
		iRETN(22),
		iRETN(30),
	))

	checkPartition(t, g, subs)
	require.Len(t, subs.subs, 2)

	ss := g.Block(g.BlockAt(16)).SubRoutine
	assert.Equal(t, SubRoutineStoreState, subs.subs[ss].Type)
	assert.Equal(t, uint32(16), subs.subs[ss].Address)
}

func TestIdentifyAttributesDeadCode(t *testing.T) {
	// The block at 6 is unreachable; it still belongs to the subroutine
	// laid out before it.
	g, subs := identify(t, chain(
		iJMP(0, 20),
		iCONSTI(6, 9),
		iRETN(12),
		iRETN(20),
	))

	checkPartition(t, g, subs)

	dead := g.BlockAt(6)
	assert.Equal(t, g.Block(g.BlockAt(0)).SubRoutine, g.Block(dead).SubRoutine)
}
