package nwscript

import (
	"context"
	"io"
	"os"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// NCSFile is one fully analyzed compiled NWScript. It owns the instruction,
// block and subroutine sequences and, after the load sequence completed,
// only hands out read-only views; concurrent readers need no locking.
//
// AnalyzeStack is the one post-load mutation and must be called before the
// variable queries are meaningful.
type NCSFile struct {
	size uint32

	instructions []Instruction
	graph        *Graph
	subRoutines  []SubRoutine

	start  SubRoutineID
	global SubRoutineID
	main   SubRoutineID

	multipleGlobals bool

	hasStackAnalysis bool
	variables        VariableSpace
	globals          Stack
}

// Load parses compiled NWScript bytecode and builds the full control flow
// graph: decode, branch linking, block construction, dead-edge detection
// and subroutine identification, in that order. Any decode or link failure
// aborts the whole load; no partial result is returned.
func Load(ctx context.Context, r io.Reader) (n *NCSFile, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "load ncs")
	defer tr.Finish("err", &err)

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read stream")
	}

	n = &NCSFile{
		start:  NoSubRoutine,
		global: NoSubRoutine,
		main:   NoSubRoutine,
	}

	n.instructions, n.size, err = decode(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	if len(n.instructions) == 0 {
		return nil, errors.New("script has no instructions")
	}

	err = linkBranches(n.instructions)
	if err != nil {
		return nil, errors.Wrap(err, "link branches")
	}

	err = n.findBlocks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "find blocks")
	}

	return n, nil
}

// LoadFile loads a .ncs file by name.
func LoadFile(ctx context.Context, name string) (n *NCSFile, err error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}

	defer f.Close()

	return Load(ctx, f)
}

func (n *NCSFile) findBlocks(ctx context.Context) (err error) {
	n.graph, err = constructBlocks(ctx, n.instructions)
	if err != nil {
		return err
	}

	n.graph.findDeadBlockEdges(ctx)

	r := identifySubRoutines(ctx, n.graph)

	n.subRoutines = r.subs
	n.start = r.start
	n.global = r.global
	n.main = r.main
	n.multipleGlobals = r.multipleGlobals

	return nil
}

// AnalyzeStack performs the deep analysis of the script stack, recovering
// typed local and global variables. Non-convergence is not an error: the
// graph stays valid and HasStackAnalysis reports false.
func (n *NCSFile) AnalyzeStack(ctx context.Context, game GameID) {
	a, ok := analyzeStack(ctx, n.graph, &subRoutines{
		subs:   n.subRoutines,
		start:  n.start,
		global: n.global,
		main:   n.main,
	}, game)

	n.variables = a.vars
	n.globals = a.globals
	n.hasStackAnalysis = ok
}

// Size returns the size of the script bytecode in bytes, header included.
func (n *NCSFile) Size() uint32 {
	return n.size
}

// HasStackAnalysis reports whether the stack analysis ran and converged.
func (n *NCSFile) HasStackAnalysis() bool {
	return n.hasStackAnalysis
}

// Instructions returns all instructions of the script, in address order.
func (n *NCSFile) Instructions() []Instruction {
	return n.instructions
}

// Blocks returns the control flow graph.
func (n *NCSFile) Blocks() *Graph {
	return n.graph
}

// RootBlock returns the block containing the script's first instruction.
func (n *NCSFile) RootBlock() *Block {
	return n.graph.Block(0)
}

// SubRoutines returns all subroutines, in entry address order.
func (n *NCSFile) SubRoutines() []SubRoutine {
	return n.subRoutines
}

// StartSubRoutine returns the subroutine execution starts in, or nil for a
// script without subroutines.
func (n *NCSFile) StartSubRoutine() *SubRoutine {
	return n.subRoutine(n.start)
}

// GlobalSubRoutine returns the subroutine setting up global variables, or
// nil if the script has none.
func (n *NCSFile) GlobalSubRoutine() *SubRoutine {
	return n.subRoutine(n.global)
}

// MainSubRoutine returns the script's main subroutine, or nil if it could
// not be identified.
func (n *NCSFile) MainSubRoutine() *SubRoutine {
	return n.subRoutine(n.main)
}

// MultipleGlobals reports whether more than one global-initializer
// candidate was seen, a structural anomaly.
func (n *NCSFile) MultipleGlobals() bool {
	return n.multipleGlobals
}

// Variables returns the variables recovered by the stack analysis.
func (n *NCSFile) Variables() *VariableSpace {
	return &n.variables
}

// GlobalVariables returns the recovered global variable stack.
func (n *NCSFile) GlobalVariables() *Stack {
	return &n.globals
}

// FindInstruction looks up an instruction by address.
func (n *NCSFile) FindInstruction(address uint32) *Instruction {
	i := sort.Search(len(n.instructions), func(i int) bool {
		return n.instructions[i].Address >= address
	})

	if i == len(n.instructions) || n.instructions[i].Address != address {
		return nil
	}

	return &n.instructions[i]
}

func (n *NCSFile) subRoutine(id SubRoutineID) *SubRoutine {
	if id == NoSubRoutine {
		return nil
	}

	return &n.subRoutines[id]
}
