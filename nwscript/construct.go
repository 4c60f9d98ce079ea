package nwscript

import (
	"context"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/shadowslasher410/xoreos-tools/set"
)

// constructBlocks splits the address-ordered instruction stream into basic
// blocks and links them into a directed graph with typed edges.
//
// A block boundary sits at the first instruction, at every declared branch
// target, and directly after every branching instruction. A call site's
// continuation is linked via function-return edges from the callee's RETN
// blocks, not via the call block's own fallthrough.
func constructBlocks(ctx context.Context, instrs []Instruction) (g *Graph, err error) {
	tr := tlog.SpanFromContext(ctx)

	if len(instrs) == 0 {
		return nil, errors.New("no instructions")
	}

	index := make(map[uint32]int, len(instrs))
	for i := range instrs {
		index[instrs[i].Address] = i
	}

	// Block boundaries, as instruction indices.

	starts := set.MakeBitmap(len(instrs))
	starts.Set(0)

	for i := range instrs {
		ins := &instrs[i]

		for _, target := range ins.Branches {
			n, ok := index[target]
			if !ok {
				return nil, errors.New("%v at %08x: branch target %08x is not an instruction", ins.Opcode, ins.Address, target)
			}

			starts.Set(n)
		}

		if ins.IsBranching() && i+1 < len(instrs) {
			starts.Set(i + 1)
		}
	}

	g = &Graph{
		byAddr: make(map[uint32]BlockID),
		instrs: instrs,
	}

	cur := NoBlock

	for i := range instrs {
		if starts.IsSet(i) {
			g.Blocks = append(g.Blocks, Block{
				Address:    instrs[i].Address,
				SubRoutine: NoSubRoutine,
			})

			cur = BlockID(len(g.Blocks) - 1)
			g.byAddr[instrs[i].Address] = cur
		}

		b := g.Block(cur)
		b.Instructions = append(b.Instructions, i)
	}

	// Edges, per block terminator. Call continuations are collected first
	// and turned into function-return edges once callee membership is known.

	calls := map[BlockID][]BlockID{} // callee entry -> continuation blocks

	for id := range g.Blocks {
		id := BlockID(id)
		last := g.lastInstruction(id)

		branch := func(addr uint32, t BlockEdgeType) {
			g.addEdge(id, g.BlockAt(addr), t)
		}

		switch last.Opcode {
		case OpJMP:
			branch(last.Branches[0], EdgeUnconditional)

		case OpJZ, OpJNZ:
			branch(last.Branches[0], EdgeConditionalTrue)
			branch(last.Follower, EdgeConditionalFalse)

		case OpJSR:
			callee := g.BlockAt(last.Branches[0])
			g.addEdge(id, callee, EdgeFunctionCall)

			if last.Follower != NoAddress {
				calls[callee] = append(calls[callee], g.BlockAt(last.Follower))
			}

		case OpRETN:
			// Return edges are added per callee below.

		case OpSTORESTATE:
			branch(last.Branches[0], EdgeStoreState)

			if last.Follower != NoAddress {
				branch(last.Follower, EdgeUnconditional)
			}

		default:
			if last.Follower != NoAddress {
				branch(last.Follower, EdgeUnconditional)
			}
		}
	}

	entries := make([]BlockID, 0, len(calls))
	for callee := range calls {
		entries = append(entries, callee)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })

	for _, callee := range entries {
		for _, exit := range g.subExits(callee) {
			for _, cont := range calls[callee] {
				if g.hasEdge(exit, cont, EdgeFunctionReturn) {
					continue
				}

				g.addEdge(exit, cont, EdgeFunctionReturn)
			}
		}
	}

	tr.V("blocks").Printw("constructed blocks", "blocks", len(g.Blocks), "calls", len(calls))

	return g, nil
}

// subWalk visits every block reachable from entry without crossing into
// another subroutine: intra-subroutine edges are followed, calls are
// stepped over into their continuation.
func (g *Graph) subWalk(entry BlockID, visit func(BlockID)) {
	seen := set.MakeBitmap(len(g.Blocks))
	queue := []BlockID{entry}
	seen.Set(int(entry))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		visit(id)

		push := func(c BlockID) {
			if !seen.IsSet(int(c)) {
				seen.Set(int(c))
				queue = append(queue, c)
			}
		}

		b := g.Block(id)
		for i, c := range b.Children {
			switch b.ChildrenTypes[i] {
			case EdgeFunctionCall:
				if f := g.lastInstruction(id).Follower; f != NoAddress {
					push(g.BlockAt(f))
				}

			case EdgeStoreState, EdgeFunctionReturn:

			default:
				push(c)
			}
		}
	}
}

// subExits returns the blocks within entry's subroutine that end in RETN.
func (g *Graph) subExits(entry BlockID) (exits []BlockID) {
	g.subWalk(entry, func(id BlockID) {
		if g.lastInstruction(id).Opcode == OpRETN {
			exits = append(exits, id)
		}
	})

	return exits
}

// findDeadBlockEdges finds conditional edges that can never be taken and
// retags them as dead, in place. Children and parents lists are untouched,
// so the original branch structure stays visible.
//
// An edge of a true/false pair is proven dead when its target is a jump
// trampoline only this edge leads into, and the trampoline's landing point
// stays reachable from the subroutine's entry when the sibling edge is
// assumed taken. This is the duplicated-branch encoding compilers produce
// for break and continue.
func (g *Graph) findDeadBlockEdges(ctx context.Context) {
	tr := tlog.SpanFromContext(ctx)

	for _, entry := range g.subEntries() {
		members := []BlockID{}
		g.subWalk(entry, func(id BlockID) { members = append(members, id) })

		for _, id := range members {
			b := g.Block(id)
			if !b.HasConditionalChildren() {
				continue
			}

			for i := range b.Children {
				if b.ChildrenTypes[i] != EdgeConditionalTrue && b.ChildrenTypes[i] != EdgeConditionalFalse {
					continue
				}

				if g.deadConditionalEdge(entry, id, i) {
					tr.V("dead_edges").Printw("dead edge", "block", b.Address, "child", g.Block(b.Children[i]).Address, "type", b.ChildrenTypes[i])

					b.ChildrenTypes[i] = EdgeDead
				}
			}
		}
	}
}

// subEntries returns the root block plus every call and store-state edge
// target, the entry points the subroutine identifier will later use.
func (g *Graph) subEntries() []BlockID {
	entries := []BlockID{0}
	seen := set.MakeBitmap(len(g.Blocks))
	seen.Set(0)

	for id := range g.Blocks {
		b := &g.Blocks[id]

		for i, c := range b.Children {
			t := b.ChildrenTypes[i]
			if t != EdgeFunctionCall && t != EdgeStoreState {
				continue
			}

			if !seen.IsSet(int(c)) {
				seen.Set(int(c))
				entries = append(entries, c)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })

	return entries
}

func (g *Graph) deadConditionalEdge(entry, id BlockID, edge int) bool {
	b := g.Block(id)
	target := b.Children[edge]

	if target == entry || target == id {
		return false
	}

	// Only this edge may lead into the target.
	for _, p := range g.liveParents(target) {
		if p != id {
			return false
		}
	}

	// The target must be a trampoline: nothing but stack cleanup and a
	// final unconditional jump.
	tb := g.Block(target)
	if len(tb.Instructions) > 2 {
		return false
	}

	last := g.lastInstruction(target)
	if last.Opcode != OpJMP {
		return false
	}

	for _, n := range tb.Instructions[:len(tb.Instructions)-1] {
		if op := g.instrs[n].Opcode; op != OpMOVSP && op != OpNOP {
			return false
		}
	}

	// Assume the sibling branch taken: the trampoline must fall out of the
	// reachable set while its landing point stays inside it.
	reach := set.MakeBitmap(len(g.Blocks))
	g.reachAssuming(entry, id, edge, &reach)

	if reach.IsSet(int(target)) {
		return false
	}

	landing := g.BlockAt(last.Branches[0])

	return reach.IsSet(int(landing))
}

// reachAssuming floods the subroutine from entry over live edges, except
// that at block skip the edge at index skipEdge is never followed.
func (g *Graph) reachAssuming(entry, skip BlockID, skipEdge int, reach *set.Bitmap) {
	queue := []BlockID{entry}
	reach.Set(int(entry))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		b := g.Block(id)
		for i, c := range b.Children {
			if id == skip && i == skipEdge {
				continue
			}

			t := b.ChildrenTypes[i]
			if t == EdgeDead || t.isSubRoutineEdge() {
				if t != EdgeFunctionCall {
					continue
				}

				// Step over the call into its continuation.
				f := g.lastInstruction(id).Follower
				if f == NoAddress {
					continue
				}

				c = g.BlockAt(f)
			}

			if !reach.IsSet(int(c)) {
				reach.Set(int(c))
				queue = append(queue, BlockID(c))
			}
		}
	}
}
