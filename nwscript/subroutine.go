package nwscript

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/shadowslasher410/xoreos-tools/set"
)

type (
	// SubRoutineType tags the distinguished subroutines of a script.
	SubRoutineType int

	// SubRoutine is a callable unit of blocks reachable from one entry
	// address without crossing another subroutine's entry.
	SubRoutine struct {
		ID      SubRoutineID
		Address uint32
		Type    SubRoutineType

		Blocks []BlockID
	}

	subRoutines struct {
		subs   []SubRoutine
		start  SubRoutineID
		global SubRoutineID
		main   SubRoutineID

		multipleGlobals bool
	}
)

const (
	SubRoutineNormal SubRoutineType = iota
	SubRoutineStart
	SubRoutineGlobal
	SubRoutineMain
	SubRoutineStoreState
)

func (t SubRoutineType) String() string {
	switch t {
	case SubRoutineStart:
		return "start"
	case SubRoutineGlobal:
		return "global"
	case SubRoutineMain:
		return "main"
	case SubRoutineStoreState:
		return "store-state"
	}

	return "normal"
}

// identifySubRoutines partitions the fully linked block graph into
// subroutines and assigns the start, global-initializer and main roles.
//
// The partition is total and disjoint: blocks unreachable from every entry
// (dead code) are attributed to the subroutine preceding them in address
// order.
func identifySubRoutines(ctx context.Context, g *Graph) (r subRoutines) {
	tr := tlog.SpanFromContext(ctx)

	r.start = NoSubRoutine
	r.global = NoSubRoutine
	r.main = NoSubRoutine

	storeState := map[BlockID]bool{}

	for id := range g.Blocks {
		b := &g.Blocks[id]

		for i, c := range b.Children {
			if b.ChildrenTypes[i] == EdgeStoreState {
				storeState[c] = true
			}
		}
	}

	assigned := set.MakeBitmap(len(g.Blocks))

	for _, entry := range g.subEntries() {
		if assigned.IsSet(int(entry)) {
			continue
		}

		sid := SubRoutineID(len(r.subs))
		sub := SubRoutine{
			ID:      sid,
			Address: g.Block(entry).Address,
		}

		if storeState[entry] {
			sub.Type = SubRoutineStoreState
		}

		g.subWalk(entry, func(id BlockID) {
			if assigned.IsSet(int(id)) {
				return
			}

			assigned.Set(int(id))
			g.Block(id).SubRoutine = sid
			sub.Blocks = append(sub.Blocks, id)
		})

		r.subs = append(r.subs, sub)
	}

	// Dead code belongs to whatever subroutine precedes it in layout.
	for id := range g.Blocks {
		if assigned.IsSet(id) {
			continue
		}

		sid := SubRoutineID(0)
		if id > 0 {
			sid = g.Blocks[id-1].SubRoutine
		}

		g.Blocks[id].SubRoutine = sid
		r.subs[sid].Blocks = append(r.subs[sid].Blocks, BlockID(id))
	}

	if len(r.subs) == 0 {
		return r
	}

	// The subroutine holding the very first instruction is start.

	r.start = g.Block(0).SubRoutine
	r.subs[r.start].Type = SubRoutineStart

	r.identifyGlobalAndMain(tr, g)

	tr.V("subroutines").Printw("identified subroutines", "count", len(r.subs), "start", r.start, "global", r.global, "main", r.main, "multiple_globals", r.multipleGlobals)

	return r
}

// identifyGlobalAndMain classifies the global-initializer and main
// subroutines among the callees of start.
//
// A global-initializer is start's very first call: it must run before
// anything could use the globals. It is called exactly once, ends in a
// return and sets up global storage (structurally: it contains a SAVEBP).
// Main is the callee start calls right after the global-initializer, or the
// first callee when there is none.
func (r *subRoutines) identifyGlobalAndMain(tr tlog.Span, g *Graph) {
	calls := r.callsFrom(g, r.start)
	if len(calls) == 0 {
		return
	}

	callCounts := map[SubRoutineID]int{}

	for id := range g.Blocks {
		b := &g.Blocks[id]

		for i, c := range b.Children {
			if b.ChildrenTypes[i] == EdgeFunctionCall {
				callCounts[g.Block(c).SubRoutine]++
			}
		}
	}

	if first := calls[0]; first != r.start && r.subs[first].Type != SubRoutineStoreState &&
		callCounts[first] == 1 && r.initializesGlobals(g, first) && r.endsInReturn(g, first) {
		r.global = first
		r.subs[first].Type = SubRoutineGlobal
	}

	// SAVEBP in more than one subroutine means the global space is set up
	// in several places and cannot be trusted.
	saveBP := 0

	for _, sub := range r.subs {
		if sub.ID != r.start && r.initializesGlobals(g, sub.ID) {
			saveBP++
		}
	}

	if saveBP > 1 {
		tr.Printw("multiple global-initializer candidates", "count", saveBP)

		r.multipleGlobals = true
	}

	// Main follows the global-initializer in start's call order.

	seenGlobal := r.global == NoSubRoutine

	for _, sid := range calls {
		if sid == r.global {
			seenGlobal = true
			continue
		}

		if !seenGlobal || sid == r.start || r.subs[sid].Type == SubRoutineStoreState {
			continue
		}

		r.main = sid
		r.subs[sid].Type = SubRoutineMain

		break
	}
}

// callsFrom returns the subroutines called from the given one, in address
// order of the call sites, first call first, deduplicated.
func (r *subRoutines) callsFrom(g *Graph, from SubRoutineID) (calls []SubRoutineID) {
	if from == NoSubRoutine {
		return nil
	}

	seen := map[SubRoutineID]bool{}

	for id := range g.Blocks {
		b := &g.Blocks[id]
		if b.SubRoutine != from {
			continue
		}

		for i, c := range b.Children {
			if b.ChildrenTypes[i] != EdgeFunctionCall {
				continue
			}

			sid := g.Block(c).SubRoutine
			if !seen[sid] {
				seen[sid] = true
				calls = append(calls, sid)
			}
		}
	}

	return calls
}

func (r *subRoutines) initializesGlobals(g *Graph, sid SubRoutineID) bool {
	for _, id := range r.subs[sid].Blocks {
		for _, n := range g.Block(id).Instructions {
			if g.instrs[n].Opcode == OpSAVEBP {
				return true
			}
		}
	}

	return false
}

func (r *subRoutines) endsInReturn(g *Graph, sid SubRoutineID) bool {
	for _, id := range r.subs[sid].Blocks {
		if g.lastInstruction(id).Opcode == OpRETN {
			return true
		}
	}

	return false
}
