package nwscript

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
)

type (
	// analyzer runs a worklist-based fixed-point abstract interpretation
	// over the linked, subroutine-identified graph, recovering typed stack
	// slots and global variables.
	analyzer struct {
		g    *Graph
		subs *subRoutines

		actions ActionTable

		vars    VariableSpace
		globals Stack

		entry map[BlockID]*absStack
		exit  map[BlockID]*absStack

		// callBy maps a call continuation address to the call-site block.
		callBy map[uint32]BlockID

		steps  map[SubRoutineID]int
		failed map[SubRoutineID]bool

		jobs   heap.Heap[BlockID]
		queued map[BlockID]bool
	}

	// absStack is the abstract stack shape of one block boundary. taken
	// counts the cells consumed from below the subroutine's own frame,
	// the way callees eat their arguments.
	absStack struct {
		Stack
		taken int
	}
)

// Analysis of a subroutine is abandoned once its blocks have been
// reprocessed this many times per block without converging.
const stackAnalyzeBound = 16

func analyzeStack(ctx context.Context, g *Graph, subs *subRoutines, game GameID) (a *analyzer, ok bool) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "analyze stack", "game", game)
	defer tr.Finish("ok", &ok)

	a = &analyzer{
		g:       g,
		subs:    subs,
		actions: actionsFor(game),
		entry:   map[BlockID]*absStack{},
		exit:    map[BlockID]*absStack{},
		callBy:  map[uint32]BlockID{},
		steps:   map[SubRoutineID]int{},
		failed:  map[SubRoutineID]bool{},
		queued:  map[BlockID]bool{},
	}

	a.jobs.Less = func(d []BlockID, i, j int) bool {
		return g.Block(d[i]).Address < g.Block(d[j]).Address
	}

	for id := range g.Blocks {
		last := g.lastInstruction(BlockID(id))
		if last.Opcode == OpJSR && last.Follower != NoAddress {
			a.callBy[last.Follower] = BlockID(id)
		}
	}

	if len(g.Blocks) == 0 {
		return a, false
	}

	a.propagate(ctx, 0, &absStack{})

	for a.jobs.Len() != 0 {
		id := a.jobs.Pop()
		a.queued[id] = false

		b := g.Block(id)
		if a.failed[b.SubRoutine] {
			continue
		}

		a.steps[b.SubRoutine]++
		if a.steps[b.SubRoutine] > stackAnalyzeBound*len(a.subs.subs[b.SubRoutine].Blocks)+stackAnalyzeBound {
			tr.Printw("stack analysis did not converge", "sub", a.subs.subs[b.SubRoutine].Address)

			a.failed[b.SubRoutine] = true

			continue
		}

		a.processBlock(ctx, id)
	}

	for sub := range a.failed {
		for _, id := range a.subs.subs[sub].Blocks {
			g.Block(id).stackState = stackAnalyzeNone
		}
	}

	return a, len(a.failed) == 0
}

func (a *analyzer) processBlock(ctx context.Context, id BlockID) {
	tr := tlog.SpanFromContext(ctx)

	b := a.g.Block(id)
	st := a.entry[id].copyAbs()

	for _, n := range b.Instructions {
		a.step(id, st, n)
	}

	a.exit[id] = st
	b.stackState = stackAnalyzeDone

	tr.V("stack_blocks").Printw("block done", "addr", b.Address, "depth", st.Len(), "taken", st.taken)

	for i, c := range b.Children {
		switch b.ChildrenTypes[i] {
		case EdgeUnconditional, EdgeConditionalTrue, EdgeConditionalFalse:
			a.propagate(ctx, c, st.copyAbs())

		case EdgeStoreState:
			// The saved continuation resumes with the saved stack.
			a.propagate(ctx, c, st.copyAbs())

		case EdgeFunctionCall:
			a.propagate(ctx, c, &absStack{})

			// If the callee has already been analyzed, flow its effect
			// into our continuation right away.
			for _, exitBlock := range a.g.subExits(c) {
				if a.exit[exitBlock] != nil {
					a.propagateReturns(ctx, exitBlock)
				}
			}

		case EdgeFunctionReturn:
			a.propagateReturn(ctx, id, c)

		case EdgeDead:
		}
	}
}

// propagateReturns flows a processed RETN block's effect to every
// continuation its function-return edges point at.
func (a *analyzer) propagateReturns(ctx context.Context, exitBlock BlockID) {
	b := a.g.Block(exitBlock)

	for i, c := range b.Children {
		if b.ChildrenTypes[i] == EdgeFunctionReturn {
			a.propagateReturn(ctx, exitBlock, c)
		}
	}
}

// propagateReturn composes the call-site stack with the callee's net
// effect: the cells the callee consumed from below its frame come off the
// call site's stack, the cells it left behind go on top.
func (a *analyzer) propagateReturn(ctx context.Context, exitBlock, cont BlockID) {
	callSite, ok := a.callBy[a.g.Block(cont).Address]
	if !ok {
		return
	}

	after, retn := a.exit[callSite], a.exit[exitBlock]
	if after == nil || retn == nil {
		return
	}

	st := after.copyAbs()

	for i := 0; i < retn.taken; i++ {
		a.pop(st, exitBlock)
	}

	for _, v := range retn.vars {
		st.push(v)
	}

	a.propagate(ctx, cont, st)
}

// propagate installs or merges a block's entry shape, re-enqueueing the
// block whenever the shape changed.
func (a *analyzer) propagate(ctx context.Context, id BlockID, st *absStack) {
	tr := tlog.SpanFromContext(ctx)

	b := a.g.Block(id)
	if a.failed[b.SubRoutine] {
		return
	}

	have := a.entry[id]
	if have == nil {
		a.entry[id] = st
		a.enqueue(id)

		return
	}

	if have.Len() != st.Len() || have.taken != st.taken {
		tr.V("stack_merge").Printw("incompatible entry shapes", "addr", b.Address, "have", have.Len(), "got", st.Len(), "from", loc.Caller(1))

		a.entry[id] = st
		a.enqueue(id)

		return
	}

	changed := false

	for i, v := range st.vars {
		old := have.vars[i]
		if old == v || old.Type == v.Type || old.Type == KindAny {
			continue
		}

		have.vars[i] = a.vars.add(KindAny, id, i, -1)
		changed = true
	}

	if changed {
		a.enqueue(id)
	}
}

func (a *analyzer) enqueue(id BlockID) {
	if a.queued[id] {
		return
	}

	a.queued[id] = true
	a.g.Block(id).stackState = stackAnalyzeInProgress
	a.jobs.Push(id)
}

// pop takes the top cell, synthesizing a parameter cell when the stack
// underflows into the caller's frame.
func (a *analyzer) pop(st *absStack, block BlockID) *Variable {
	if v := st.Stack.pop(); v != nil {
		return v
	}

	st.taken++

	return a.vars.add(KindAny, block, -st.taken, -1)
}

// at returns the cell at a byte offset relative to the stack top, offsets
// being negative multiples of four.
func (a *analyzer) at(st *absStack, off int32) *Variable {
	i := st.Len() + int(off)/4
	if i < 0 || i >= st.Len() {
		return nil
	}

	return st.vars[i]
}

// step interprets one instruction's abstract stack effect.
func (a *analyzer) step(id BlockID, st *absStack, n int) {
	ins := &a.g.instrs[n]

	pushNew := func(t VarType) {
		st.push(a.vars.add(t, id, st.Len(), n))
	}

	switch ins.Opcode {
	case OpRSADD:
		pushNew(varTypeOf(ins.Type))

	case OpCONST:
		pushNew(varTypeOf(ins.Type))

	case OpCPTOPSP:
		a.copyUp(st, id, ins.Args[0], int(ins.Args[1])/4)

	case OpCPDOWNSP:
		a.copyDown(st, ins.Args[0], int(ins.Args[1])/4)

	case OpCPTOPBP:
		a.copyUpGlobals(st, id, ins.Args[0], int(ins.Args[1])/4, n)

	case OpCPDOWNBP:
		a.copyDownGlobals(st, ins.Args[0], int(ins.Args[1])/4)

	case OpACTION:
		a.action(st, id, ins, n)

	case OpLOGAND, OpLOGOR, OpINCOR, OpEXCOR, OpBOOLAND,
		OpSHLEFT, OpSHRIGHT, OpUSHRIGHT:
		a.pop(st, id)
		a.pop(st, id)
		pushNew(KindInt)

	case OpEQ, OpNEQ, OpGEQ, OpGT, OpLT, OpLEQ:
		w := 1
		switch {
		case ins.Type == TypeStructStruct:
			w = int(ins.Args[0]) / 4
		case ins.Type == TypeVectorVector:
			w = 3
		}

		for i := 0; i < 2*w; i++ {
			a.pop(st, id)
		}

		pushNew(KindInt)

	case OpADD, OpSUB, OpMUL, OpDIV, OpMOD:
		a.arith(st, id, ins, n)

	case OpNEG:
		a.pop(st, id)
		pushNew(varTypeOf(ins.Type))

	case OpCOMP, OpNOT:
		a.pop(st, id)
		pushNew(KindInt)

	case OpMOVSP:
		for i := 0; i < -int(ins.Args[0])/4; i++ {
			a.pop(st, id)
		}

	case OpJZ, OpJNZ:
		a.pop(st, id)

	case OpDESTRUCT:
		a.destruct(st, id, ins)

	case OpDECISP, OpINCISP:
		if v := a.at(st, ins.Args[0]); v != nil && v.Type == KindAny {
			v.Type = KindInt
		}

	case OpDECIBP, OpINCIBP:
		if v := a.globalAt(ins.Args[0]); v != nil && v.Type == KindAny {
			v.Type = KindInt
		}

	case OpSAVEBP:
		// The stack as it stands becomes the global variable space.
		a.globals = *st.Stack.copy()
		pushNew(KindInt)

	case OpRESTOREBP:
		a.pop(st, id)

	case OpJMP, OpJSR, OpRETN, OpSTORESTATE, OpNOP:
	}
}

func (a *analyzer) copyUp(st *absStack, id BlockID, off int32, n int) {
	base := st.Len() + int(off)/4

	for k := 0; k < n; k++ {
		if i := base + k; i >= 0 && i < st.Len() {
			st.push(st.vars[i])
		} else {
			st.push(a.vars.add(KindAny, id, st.Len(), -1))
		}
	}
}

func (a *analyzer) copyDown(st *absStack, off int32, n int) {
	base := st.Len() + int(off)/4

	for k := 0; k < n; k++ {
		src := st.Len() - n + k
		dst := base + k

		if src < 0 || dst < 0 || dst >= st.Len() {
			continue
		}

		st.vars[dst] = st.vars[src]
	}
}

func (a *analyzer) globalAt(off int32) *Variable {
	i := a.globals.Len() + int(off)/4
	if i < 0 || i >= a.globals.Len() {
		return nil
	}

	return a.globals.vars[i]
}

func (a *analyzer) copyUpGlobals(st *absStack, id BlockID, off int32, n, instr int) {
	base := a.globals.Len() + int(off)/4

	for k := 0; k < n; k++ {
		if i := base + k; i >= 0 && i < a.globals.Len() {
			st.push(a.globals.vars[i])
		} else {
			st.push(a.vars.add(KindAny, id, st.Len(), instr))
		}
	}
}

func (a *analyzer) copyDownGlobals(st *absStack, off int32, n int) {
	base := a.globals.Len() + int(off)/4

	for k := 0; k < n; k++ {
		src := st.Len() - n + k
		dst := base + k

		if src < 0 || dst < 0 || dst >= a.globals.Len() {
			continue
		}

		a.globals.vars[dst] = st.vars[src]
	}
}

func (a *analyzer) action(st *absStack, id BlockID, ins *Instruction, n int) {
	if a.actions != nil {
		if sig, ok := a.actions.Action(int(ins.Args[0])); ok {
			for range sig.Params {
				a.pop(st, id)
			}

			for _, t := range sig.Return {
				st.push(a.vars.add(t, id, st.Len(), n))
			}

			return
		}
	}

	// No table: fall back to the argument count the instruction itself
	// declares and leave the result unresolved.
	for i := 0; i < int(ins.Args[1]); i++ {
		a.pop(st, id)
	}
}

func (a *analyzer) arith(st *absStack, id BlockID, ins *Instruction, n int) {
	pushNew := func(t VarType) {
		st.push(a.vars.add(t, id, st.Len(), n))
	}

	popN := func(k int) {
		for i := 0; i < k; i++ {
			a.pop(st, id)
		}
	}

	switch ins.Type {
	case TypeIntInt:
		popN(2)
		pushNew(KindInt)

	case TypeFloatFloat, TypeIntFloat, TypeFloatInt:
		popN(2)
		pushNew(KindFloat)

	case TypeStringString:
		popN(2)
		pushNew(KindString)

	case TypeVectorVector:
		popN(6)
		pushNew(KindFloat)
		pushNew(KindFloat)
		pushNew(KindFloat)

	case TypeVectorFloat, TypeFloatVector:
		popN(4)
		pushNew(KindFloat)
		pushNew(KindFloat)
		pushNew(KindFloat)

	default:
		popN(2)
		pushNew(KindAny)
	}
}

func (a *analyzer) destruct(st *absStack, id BlockID, ins *Instruction) {
	n := int(ins.Args[0]) / 4
	o := int(ins.Args[1]) / 4
	k := int(ins.Args[2]) / 4

	chunk := make([]*Variable, n)
	for i := n - 1; i >= 0; i-- {
		chunk[i] = a.pop(st, id)
	}

	for i := o; i < o+k && i < n; i++ {
		if i >= 0 {
			st.push(chunk[i])
		}
	}
}

func (st *absStack) copyAbs() *absStack {
	return &absStack{
		Stack: *st.Stack.copy(),
		taken: st.taken,
	}
}
