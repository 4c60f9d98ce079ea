package nwscript

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Instruction-level builders. Tests lay instructions out at explicit
// addresses; chain links sizes and followers the way the decoder would.

func iJMP(addr, target uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpJMP, Branches: []uint32{target}}
}

func iJZ(addr, target uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpJZ, Branches: []uint32{target}}
}

func iJNZ(addr, target uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpJNZ, Branches: []uint32{target}}
}

func iJSR(addr, target uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpJSR, Branches: []uint32{target}}
}

func iSTORESTATE(addr, target uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpSTORESTATE, Type: 0x10, Branches: []uint32{target}}
}

func iRETN(addr uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpRETN}
}

func iNOP(addr uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpNOP}
}

func iCONSTI(addr uint32, v int32) Instruction {
	return Instruction{Address: addr, Opcode: OpCONST, Type: TypeInt, IntValue: v}
}

func iCONSTF(addr uint32, v float32) Instruction {
	return Instruction{Address: addr, Opcode: OpCONST, Type: TypeFloat, FloatValue: v}
}

func iRSADD(addr uint32, t InstType) Instruction {
	return Instruction{Address: addr, Opcode: OpRSADD, Type: t}
}

func iDECISP(addr uint32, off int32) Instruction {
	return Instruction{Address: addr, Opcode: OpDECISP, Args: []int32{off}}
}

func iMOVSP(addr uint32, off int32) Instruction {
	return Instruction{Address: addr, Opcode: OpMOVSP, Args: []int32{off}}
}

func iSAVEBP(addr uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpSAVEBP}
}

func iRESTOREBP(addr uint32) Instruction {
	return Instruction{Address: addr, Opcode: OpRESTOREBP}
}

func iCPTOPBP(addr uint32, off, size int32) Instruction {
	return Instruction{Address: addr, Opcode: OpCPTOPBP, Type: TypeDirect, Args: []int32{off, size}}
}

// chain fills in sizes and followers for an explicitly laid out stream.
func chain(instrs ...Instruction) []Instruction {
	for i := range instrs {
		if i+1 < len(instrs) {
			instrs[i].Size = instrs[i+1].Address - instrs[i].Address
		} else {
			instrs[i].Size = 2
		}

		instrs[i].Follower = NoAddress

		switch instrs[i].Opcode {
		case OpJMP, OpRETN:
		default:
			if i+1 < len(instrs) {
				instrs[i].Follower = instrs[i+1].Address
			}
		}
	}

	return instrs
}

func construct(t *testing.T, instrs []Instruction) *Graph {
	t.Helper()

	g, err := constructBlocks(context.Background(), instrs)
	require.NoError(t, err)

	return g
}

// analyze runs the whole post-decode pipeline on an instruction stream.
func analyze(t *testing.T, instrs []Instruction, game GameID) (*Graph, *subRoutines, *analyzer, bool) {
	t.Helper()

	ctx := context.Background()

	g := construct(t, instrs)
	g.findDeadBlockEdges(ctx)

	subs := identifySubRoutines(ctx, g)

	a, ok := analyzeStack(ctx, g, &subs, game)

	return g, &subs, a, ok
}

// Byte-level builder for decoder tests.

type ncsBuilder struct {
	code []byte
}

func (b *ncsBuilder) raw(bytes ...byte) *ncsBuilder {
	b.code = append(b.code, bytes...)
	return b
}

func (b *ncsBuilder) op(op Opcode, t InstType) *ncsBuilder {
	return b.raw(byte(op), byte(t))
}

func (b *ncsBuilder) i32(v int32) *ncsBuilder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return b.raw(buf[:]...)
}

func (b *ncsBuilder) u16(v uint16) *ncsBuilder {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return b.raw(buf[:]...)
}

func (b *ncsBuilder) constI(v int32) *ncsBuilder {
	return b.op(OpCONST, TypeInt).i32(v)
}

func (b *ncsBuilder) movsp(off int32) *ncsBuilder {
	return b.op(OpMOVSP, TypeNone).i32(off)
}

func (b *ncsBuilder) jsr(off int32) *ncsBuilder {
	return b.op(OpJSR, TypeNone).i32(off)
}

func (b *ncsBuilder) jz(off int32) *ncsBuilder {
	return b.op(OpJZ, TypeNone).i32(off)
}

func (b *ncsBuilder) jmp(off int32) *ncsBuilder {
	return b.op(OpJMP, TypeNone).i32(off)
}

func (b *ncsBuilder) retn() *ncsBuilder {
	return b.op(OpRETN, TypeNone)
}

// file frames the code with the NCS header.
func (b *ncsBuilder) file() []byte {
	data := make([]byte, 0, headerSize+len(b.code))
	data = append(data, ncsTag...)
	data = append(data, byte(OpSCRIPTSIZE))

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(headerSize+len(b.code)))
	data = append(data, size[:]...)

	return append(data, b.code...)
}
