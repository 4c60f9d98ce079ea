package nwscript

type (
	// BlockID is a stable handle into a Graph's block arena.
	BlockID int

	// SubRoutineID is a stable handle into the facade's subroutine list.
	SubRoutineID int

	// BlockEdgeType classifies why a parent block leads into a child.
	BlockEdgeType int

	stackAnalyzeState uint8

	// Block is a maximal straight-line run of instructions with one entry
	// and one exit. Blocks reference each other and their owning subroutine
	// through handles; the Graph arena owns them all.
	Block struct {
		Address uint32

		// Instructions indexes into the owning instruction sequence.
		Instructions []int

		Parents       []BlockID
		Children      []BlockID
		ChildrenTypes []BlockEdgeType

		// SubRoutine is NoSubRoutine until identification has run.
		SubRoutine SubRoutineID

		stackState stackAnalyzeState
	}

	// Graph holds all blocks of one script, in address order, plus a view
	// of the instruction sequence they index into.
	Graph struct {
		Blocks []Block

		byAddr map[uint32]BlockID
		instrs []Instruction
	}
)

const (
	EdgeUnconditional BlockEdgeType = iota
	EdgeConditionalTrue
	EdgeConditionalFalse
	EdgeFunctionCall
	EdgeFunctionReturn
	EdgeStoreState
	EdgeDead
)

const (
	NoBlock      BlockID      = -1
	NoSubRoutine SubRoutineID = -1
)

const (
	stackAnalyzeNone stackAnalyzeState = iota
	stackAnalyzeInProgress
	stackAnalyzeDone
)

func (t BlockEdgeType) String() string {
	switch t {
	case EdgeUnconditional:
		return "unconditional"
	case EdgeConditionalTrue:
		return "conditional-true"
	case EdgeConditionalFalse:
		return "conditional-false"
	case EdgeFunctionCall:
		return "function-call"
	case EdgeFunctionReturn:
		return "function-return"
	case EdgeStoreState:
		return "store-state"
	case EdgeDead:
		return "dead"
	}

	return "unknown"
}

// isSubRoutineEdge reports whether the edge crosses a subroutine boundary
// instead of representing intra-subroutine control flow.
func (t BlockEdgeType) isSubRoutineEdge() bool {
	return t == EdgeFunctionCall || t == EdgeFunctionReturn || t == EdgeStoreState
}

func (g *Graph) Block(id BlockID) *Block {
	if id < 0 || int(id) >= len(g.Blocks) {
		return nil
	}

	return &g.Blocks[id]
}

// BlockAt returns the block starting at the given address.
func (g *Graph) BlockAt(addr uint32) BlockID {
	id, ok := g.byAddr[addr]
	if !ok {
		return NoBlock
	}

	return id
}

// Instruction resolves an instruction handle held by a block.
func (g *Graph) Instruction(i int) *Instruction {
	return &g.instrs[i]
}

func (g *Graph) lastInstruction(id BlockID) *Instruction {
	b := g.Block(id)

	return &g.instrs[b.Instructions[len(b.Instructions)-1]]
}

// HasConditionalChildren reports whether any child edge is conditional. A
// branch with one side proven dead still counts through the surviving side,
// even though HasUnconditionalChildren is true for it as well.
func (b *Block) HasConditionalChildren() bool {
	for _, t := range b.ChildrenTypes {
		if t == EdgeConditionalTrue || t == EdgeConditionalFalse {
			return true
		}
	}

	return false
}

// HasUnconditionalChildren reports whether the block has exactly one live
// child: either a single unconditional edge, or a pair where one side has
// been proven dead.
func (b *Block) HasUnconditionalChildren() bool {
	if len(b.ChildrenTypes) == 1 && b.ChildrenTypes[0] == EdgeUnconditional {
		return true
	}

	if len(b.ChildrenTypes) == 2 &&
		(b.ChildrenTypes[0] == EdgeDead || b.ChildrenTypes[1] == EdgeDead) {
		return true
	}

	return false
}

// EarlierChildren returns the children at addresses before the block's own,
// the backward edges of loops. Cross-subroutine edges are filtered out
// unless includeSubRoutines is set.
func (g *Graph) EarlierChildren(id BlockID, includeSubRoutines bool) []BlockID {
	return g.partChildren(id, includeSubRoutines, true)
}

// LaterChildren returns the children at the block's own address or after it.
func (g *Graph) LaterChildren(id BlockID, includeSubRoutines bool) []BlockID {
	return g.partChildren(id, includeSubRoutines, false)
}

// EarlierParents returns the parents at addresses before the block's own.
func (g *Graph) EarlierParents(id BlockID, includeSubRoutines bool) []BlockID {
	return g.partParents(id, includeSubRoutines, true)
}

// LaterParents returns the parents at the block's own address or after it,
// the source side of loop back-edges.
func (g *Graph) LaterParents(id BlockID, includeSubRoutines bool) []BlockID {
	return g.partParents(id, includeSubRoutines, false)
}

func (g *Graph) partChildren(id BlockID, includeSubRoutines, earlier bool) (r []BlockID) {
	b := g.Block(id)

	for i, c := range b.Children {
		if !includeSubRoutines && b.ChildrenTypes[i].isSubRoutineEdge() {
			continue
		}

		if (g.Block(c).Address < b.Address) == earlier {
			r = append(r, c)
		}
	}

	return r
}

func (g *Graph) partParents(id BlockID, includeSubRoutines, earlier bool) (r []BlockID) {
	b := g.Block(id)

	for _, p := range b.Parents {
		if !includeSubRoutines {
			if t, ok := g.ParentChildEdgeType(p, id); ok && t.isSubRoutineEdge() {
				continue
			}
		}

		if (g.Block(p).Address < b.Address) == earlier {
			r = append(r, p)
		}
	}

	return r
}

// FindParentChildBlock returns the child's index within the parent's
// children, or -1. Sentinel ids such as NoBlock yield -1.
func (g *Graph) FindParentChildBlock(parent, child BlockID) int {
	p := g.Block(parent)
	if p == nil {
		return -1
	}

	for i, c := range p.Children {
		if c == child {
			return i
		}
	}

	return -1
}

// ParentChildEdgeType returns the type of the edge connecting parent to
// child.
func (g *Graph) ParentChildEdgeType(parent, child BlockID) (BlockEdgeType, bool) {
	i := g.FindParentChildBlock(parent, child)
	if i < 0 {
		return 0, false
	}

	return g.Block(parent).ChildrenTypes[i], true
}

// HasLinearPath reports whether two blocks are connected by a path of
// single-unconditional-child to single-parent hops, with no branching and
// no merging in between.
func (g *Graph) HasLinearPath(from, to BlockID) bool {
	if from == to {
		return true
	}

	seen := map[BlockID]bool{from: true}

	cur := from
	for {
		next := g.liveChild(cur)
		if next == NoBlock {
			return false
		}

		if len(g.liveParents(next)) > 1 {
			return false
		}

		if next == to {
			return true
		}

		if seen[next] {
			return false
		}
		seen[next] = true

		cur = next
	}
}

// liveChild returns the single live child of a block, or NoBlock if the
// block is terminal or branches.
func (g *Graph) liveChild(id BlockID) BlockID {
	b := g.Block(id)
	if !b.HasUnconditionalChildren() {
		return NoBlock
	}

	for i, c := range b.Children {
		if b.ChildrenTypes[i] != EdgeDead {
			return c
		}
	}

	return NoBlock
}

func (g *Graph) liveParents(id BlockID) (r []BlockID) {
	b := g.Block(id)

	for _, p := range b.Parents {
		if t, ok := g.ParentChildEdgeType(p, id); ok && t != EdgeDead {
			r = append(r, p)
		}
	}

	return r
}

// NextBlock returns the block directly following this one in address order,
// regardless of graph edges.
func (g *Graph) NextBlock(id BlockID) BlockID {
	if id < 0 || int(id)+1 >= len(g.Blocks) {
		return NoBlock
	}

	return id + 1
}

// PreviousBlock returns the block directly preceding this one in address
// order, regardless of graph edges.
func (g *Graph) PreviousBlock(id BlockID) BlockID {
	if id <= 0 || int(id) >= len(g.Blocks) {
		return NoBlock
	}

	return id - 1
}

func (g *Graph) addEdge(parent, child BlockID, t BlockEdgeType) {
	p := g.Block(parent)
	c := g.Block(child)

	p.Children = append(p.Children, child)
	p.ChildrenTypes = append(p.ChildrenTypes, t)
	c.Parents = append(c.Parents, parent)
}

func (g *Graph) hasEdge(parent, child BlockID, t BlockEdgeType) bool {
	p := g.Block(parent)

	for i, c := range p.Children {
		if c == child && p.ChildrenTypes[i] == t {
			return true
		}
	}

	return false
}
