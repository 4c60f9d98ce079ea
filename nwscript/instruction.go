package nwscript

import (
	"fmt"
)

type (
	// Opcode is the first byte of an NWScript bytecode instruction.
	Opcode uint8

	// InstType is the second byte, qualifying the operand types an
	// instruction works on.
	InstType uint8

	// VarType is the type of a stack or global variable recovered by the
	// stack analysis.
	VarType uint8

	// Instruction is a single decoded NWScript bytecode instruction.
	//
	// Addresses are offsets into the code section, the first instruction
	// sitting at address 0. An Instruction is immutable once the decoder
	// has resolved its branches.
	Instruction struct {
		Address uint32
		Opcode  Opcode
		Type    InstType
		Size    uint32

		// Args holds the integer operands in encoding order.
		// Which operands exist depends on the opcode, see decoder.go.
		Args []int32

		IntValue    int32
		FloatValue  float32
		StringValue string

		// Branches holds the resolved branch target addresses, if any.
		Branches []uint32

		// Follower is the address of the directly following instruction,
		// or NoAddress if control never falls through (JMP, RETN) or the
		// instruction is the last one.
		Follower uint32
	}
)

// NoAddress marks an absent instruction address.
const NoAddress = ^uint32(0)

const (
	OpCPDOWNSP   Opcode = 0x01
	OpRSADD      Opcode = 0x02
	OpCPTOPSP    Opcode = 0x03
	OpCONST      Opcode = 0x04
	OpACTION     Opcode = 0x05
	OpLOGAND     Opcode = 0x06
	OpLOGOR      Opcode = 0x07
	OpINCOR      Opcode = 0x08
	OpEXCOR      Opcode = 0x09
	OpBOOLAND    Opcode = 0x0a
	OpEQ         Opcode = 0x0b
	OpNEQ        Opcode = 0x0c
	OpGEQ        Opcode = 0x0d
	OpGT         Opcode = 0x0e
	OpLT         Opcode = 0x0f
	OpLEQ        Opcode = 0x10
	OpSHLEFT     Opcode = 0x11
	OpSHRIGHT    Opcode = 0x12
	OpUSHRIGHT   Opcode = 0x13
	OpADD        Opcode = 0x14
	OpSUB        Opcode = 0x15
	OpMUL        Opcode = 0x16
	OpDIV        Opcode = 0x17
	OpMOD        Opcode = 0x18
	OpNEG        Opcode = 0x19
	OpCOMP       Opcode = 0x1a
	OpMOVSP      Opcode = 0x1b
	OpJMP        Opcode = 0x1d
	OpJSR        Opcode = 0x1e
	OpJZ         Opcode = 0x1f
	OpRETN       Opcode = 0x20
	OpDESTRUCT   Opcode = 0x21
	OpNOT        Opcode = 0x22
	OpDECISP     Opcode = 0x23
	OpINCISP     Opcode = 0x24
	OpJNZ        Opcode = 0x25
	OpCPDOWNBP   Opcode = 0x26
	OpCPTOPBP    Opcode = 0x27
	OpDECIBP     Opcode = 0x28
	OpINCIBP     Opcode = 0x29
	OpSAVEBP     Opcode = 0x2a
	OpRESTOREBP  Opcode = 0x2b
	OpSTORESTATE Opcode = 0x2c
	OpNOP        Opcode = 0x2d
	OpSCRIPTSIZE Opcode = 0x42
)

const (
	TypeNone   InstType = 0x00
	TypeDirect InstType = 0x01

	TypeInt      InstType = 0x03
	TypeFloat    InstType = 0x04
	TypeString   InstType = 0x05
	TypeObject   InstType = 0x06
	TypeResource InstType = 0x07

	TypeEngineType0 InstType = 0x10
	TypeEngineType1 InstType = 0x11
	TypeEngineType2 InstType = 0x12
	TypeEngineType3 InstType = 0x13
	TypeEngineType4 InstType = 0x14
	TypeEngineType5 InstType = 0x15

	TypeIntInt         InstType = 0x20
	TypeFloatFloat     InstType = 0x21
	TypeObjectObject   InstType = 0x22
	TypeStringString   InstType = 0x23
	TypeStructStruct   InstType = 0x24
	TypeIntFloat       InstType = 0x25
	TypeFloatInt       InstType = 0x26
	TypeEngine0Engine0 InstType = 0x30
	TypeEngine1Engine1 InstType = 0x31
	TypeEngine2Engine2 InstType = 0x32
	TypeEngine3Engine3 InstType = 0x33
	TypeEngine4Engine4 InstType = 0x34
	TypeEngine5Engine5 InstType = 0x35
	TypeVectorVector   InstType = 0x3a
	TypeVectorFloat    InstType = 0x3b
	TypeFloatVector    InstType = 0x3c
)

const (
	KindVoid VarType = iota
	KindInt
	KindFloat
	KindString
	KindObject
	KindResource
	KindEngine0
	KindEngine1
	KindEngine2
	KindEngine3
	KindEngine4
	KindEngine5
	KindAny
)

var opcodeNames = map[Opcode]string{
	OpCPDOWNSP:   "CPDOWNSP",
	OpRSADD:      "RSADD",
	OpCPTOPSP:    "CPTOPSP",
	OpCONST:      "CONST",
	OpACTION:     "ACTION",
	OpLOGAND:     "LOGAND",
	OpLOGOR:      "LOGOR",
	OpINCOR:      "INCOR",
	OpEXCOR:      "EXCOR",
	OpBOOLAND:    "BOOLAND",
	OpEQ:         "EQ",
	OpNEQ:        "NEQ",
	OpGEQ:        "GEQ",
	OpGT:         "GT",
	OpLT:         "LT",
	OpLEQ:        "LEQ",
	OpSHLEFT:     "SHLEFT",
	OpSHRIGHT:    "SHRIGHT",
	OpUSHRIGHT:   "USHRIGHT",
	OpADD:        "ADD",
	OpSUB:        "SUB",
	OpMUL:        "MUL",
	OpDIV:        "DIV",
	OpMOD:        "MOD",
	OpNEG:        "NEG",
	OpCOMP:       "COMP",
	OpMOVSP:      "MOVSP",
	OpJMP:        "JMP",
	OpJSR:        "JSR",
	OpJZ:         "JZ",
	OpRETN:       "RETN",
	OpDESTRUCT:   "DESTRUCT",
	OpNOT:        "NOT",
	OpDECISP:     "DECISP",
	OpINCISP:     "INCISP",
	OpJNZ:        "JNZ",
	OpCPDOWNBP:   "CPDOWNBP",
	OpCPTOPBP:    "CPTOPBP",
	OpDECIBP:     "DECIBP",
	OpINCIBP:     "INCIBP",
	OpSAVEBP:     "SAVEBP",
	OpRESTOREBP:  "RESTOREBP",
	OpSTORESTATE: "STORESTATE",
	OpNOP:        "NOP",
	OpSCRIPTSIZE: "SCRIPTSIZE",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}

	return fmt.Sprintf("Opcode(0x%02x)", uint8(op))
}

func (t VarType) String() string {
	switch t {
	case KindVoid:
		return "void"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindResource:
		return "resource"
	case KindAny:
		return "any"
	}

	if t >= KindEngine0 && t <= KindEngine5 {
		return fmt.Sprintf("engine%d", t-KindEngine0)
	}

	return fmt.Sprintf("VarType(%d)", uint8(t))
}

// IsBranching reports whether the instruction transfers control somewhere
// other than the next sequential instruction.
func (i *Instruction) IsBranching() bool {
	switch i.Opcode {
	case OpJMP, OpJSR, OpJZ, OpJNZ, OpSTORESTATE, OpRETN:
		return true
	}

	return false
}

// IsConditional reports whether the instruction is a two-way branch.
func (i *Instruction) IsConditional() bool {
	return i.Opcode == OpJZ || i.Opcode == OpJNZ
}

// varTypeOf maps a single-value instruction type qualifier to a variable type.
func varTypeOf(t InstType) VarType {
	switch t {
	case TypeInt:
		return KindInt
	case TypeFloat:
		return KindFloat
	case TypeString:
		return KindString
	case TypeObject:
		return KindObject
	case TypeResource:
		return KindResource
	}

	if t >= TypeEngineType0 && t <= TypeEngineType5 {
		return KindEngine0 + VarType(t-TypeEngineType0)
	}

	return KindAny
}
