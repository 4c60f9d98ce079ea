package nwscript

type (
	// Variable is a typed stack slot recovered by the stack analysis. Its
	// identity is the block and stack offset (in cells) it was defined at.
	Variable struct {
		ID   int
		Type VarType

		// Block is the defining block, Offset the stack depth (in cells)
		// at the moment of definition.
		Block  BlockID
		Offset int

		// Instruction indexes the creating instruction, or -1 for
		// synthesized slots such as subroutine parameters.
		Instruction int
	}

	// VariableSpace owns every variable recovered for one script.
	VariableSpace struct {
		vars []*Variable
	}

	// Stack is an abstract stack of variables; the top is the end of the
	// slice. All NWScript stack cells are 4 bytes wide, offsets in the
	// bytecode are byte offsets and negative, counted down from the top.
	Stack struct {
		vars []*Variable
	}
)

func (vs *VariableSpace) add(t VarType, block BlockID, offset, instr int) *Variable {
	v := &Variable{
		ID:          len(vs.vars),
		Type:        t,
		Block:       block,
		Offset:      offset,
		Instruction: instr,
	}

	vs.vars = append(vs.vars, v)

	return v
}

// Variables returns all recovered variables, in creation order.
func (vs *VariableSpace) Variables() []*Variable {
	return vs.vars
}

func (vs *VariableSpace) Len() int {
	return len(vs.vars)
}

func (s *Stack) push(v *Variable) {
	s.vars = append(s.vars, v)
}

func (s *Stack) pop() *Variable {
	if len(s.vars) == 0 {
		return nil
	}

	v := s.vars[len(s.vars)-1]
	s.vars = s.vars[:len(s.vars)-1]

	return v
}

// get returns the variable at the given depth, 0 being the top cell.
func (s *Stack) get(depth int) *Variable {
	i := len(s.vars) - 1 - depth
	if i < 0 || i >= len(s.vars) {
		return nil
	}

	return s.vars[i]
}

func (s *Stack) set(depth int, v *Variable) bool {
	i := len(s.vars) - 1 - depth
	if i < 0 || i >= len(s.vars) {
		return false
	}

	s.vars[i] = v

	return true
}

func (s *Stack) Len() int {
	return len(s.vars)
}

// Variables returns the stack bottom-up.
func (s *Stack) Variables() []*Variable {
	return s.vars
}

func (s *Stack) copy() *Stack {
	c := &Stack{vars: make([]*Variable, len(s.vars))}
	copy(c.vars, s.vars)

	return c
}
